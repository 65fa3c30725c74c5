package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/anthropics/batchpilot/internal/retry"
)

const jobColumns = `job_id, name, description, status, worker_prompt_template,
	unit_type, total_units, completed_units, failed_units, max_workers,
	created_at, started_at, completed_at, test_unit_id, test_passed,
	output_strategy, metadata, post_processing_prompt, post_processing_unit_id,
	bypass_failures`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(job *Job) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.JobID, job.Name, job.Description, string(job.Status),
			job.WorkerPromptTemplate, job.UnitType, job.TotalUnits,
			job.CompletedUnits, job.FailedUnits, job.MaxWorkers,
			fmtTime(job.CreatedAt), fmtTimePtr(job.StartedAt), fmtTimePtr(job.CompletedAt),
			nullStr(job.TestUnitID), boolInt(job.TestPassed), job.OutputStrategy,
			marshalJSON(job.Metadata), nullStr(job.PostProcessingPrompt),
			nullStr(job.PostProcessingUnitID), boolInt(job.BypassFailures))
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		return nil
	})
}

// GetJob returns the job with the given id, or nil when absent. The read is
// retried under the same contention policy as writes: every executor
// callback and observer poll goes through here, so a busy WAL checkpoint
// must not surface as an error.
func (s *Store) GetJob(jobID string) (*Job, error) {
	return retry.DoWithResult(context.Background(), s.retryOpt, func() (*Job, error) {
		row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
		job, err := scanJob(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return job, err
	})
}

// UpdateJob persists the mutable fields of a job.
func (s *Store) UpdateJob(job *Job) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE jobs SET
				status = ?, completed_units = ?, failed_units = ?,
				started_at = ?, completed_at = ?, test_unit_id = ?,
				test_passed = ?, metadata = ?,
				post_processing_prompt = ?, post_processing_unit_id = ?,
				bypass_failures = ?
			WHERE job_id = ?`,
			string(job.Status), job.CompletedUnits, job.FailedUnits,
			fmtTimePtr(job.StartedAt), fmtTimePtr(job.CompletedAt),
			nullStr(job.TestUnitID), boolInt(job.TestPassed),
			marshalJSON(job.Metadata), nullStr(job.PostProcessingPrompt),
			nullStr(job.PostProcessingUnitID), boolInt(job.BypassFailures),
			job.JobID)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		return nil
	})
}

// ListJobs returns recent jobs, newest first, optionally filtered by status.
func (s *Store) ListJobs(limit int, status JobStatus) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status != "" {
		rows, err = s.db.Query(`SELECT `+jobColumns+` FROM jobs
			WHERE status = ? ORDER BY created_at DESC LIMIT ?`, string(status), limit)
	} else {
		rows, err = s.db.Query(`SELECT `+jobColumns+` FROM jobs
			ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobsByStatus returns a status -> count map over all jobs.
func (s *Store) CountJobsByStatus() (map[JobStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// JobTotalCost sums cost_usd over a job's units; nil when nothing recorded.
func (s *Store) JobTotalCost(jobID string) (*float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(`SELECT SUM(cost_usd) FROM work_units
		WHERE job_id = ? AND cost_usd IS NOT NULL`, jobID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to sum job cost: %w", err)
	}
	return floatPtr(total), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		job                              Job
		status                           string
		createdAt                        string
		startedAt, completedAt           sql.NullString
		testUnitID, outputStrategy       sql.NullString
		testPassed, bypassFailures       int
		metadata, postPrompt, postUnitID sql.NullString
	)
	err := r.Scan(&job.JobID, &job.Name, &job.Description, &status,
		&job.WorkerPromptTemplate, &job.UnitType, &job.TotalUnits,
		&job.CompletedUnits, &job.FailedUnits, &job.MaxWorkers,
		&createdAt, &startedAt, &completedAt, &testUnitID, &testPassed,
		&outputStrategy, &metadata, &postPrompt, &postUnitID, &bypassFailures)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = JobStatus(status)
	job.CreatedAt = parseTime(createdAt)
	job.StartedAt = parseTimePtr(startedAt)
	job.CompletedAt = parseTimePtr(completedAt)
	job.TestUnitID = strOf(testUnitID)
	job.TestPassed = testPassed != 0
	job.OutputStrategy = strOf(outputStrategy)
	job.Metadata = unmarshalMap(metadata)
	if job.Metadata == nil {
		job.Metadata = make(map[string]any)
	}
	job.PostProcessingPrompt = strOf(postPrompt)
	job.PostProcessingUnitID = strOf(postUnitID)
	job.BypassFailures = bypassFailures != 0
	return &job, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
