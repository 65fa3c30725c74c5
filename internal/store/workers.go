package store

import (
	"database/sql"
	"fmt"
	"time"
)

const workerColumns = `worker_id, status, job_id, current_unit_id, process_id,
	started_at, last_heartbeat, units_completed, units_failed, total_execution_time`

// CreateWorker inserts a worker bookkeeping record.
func (s *Store) CreateWorker(w *WorkerProcess) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO workers (`+workerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.WorkerID, string(w.Status), nullStr(w.JobID), nullStr(w.CurrentUnitID),
			nullInt(w.ProcessID), fmtTime(w.StartedAt), fmtTimePtr(w.LastHeartbeat),
			w.UnitsCompleted, w.UnitsFailed, w.TotalExecutionTime)
		if err != nil {
			return fmt.Errorf("failed to insert worker: %w", err)
		}
		return nil
	})
}

// UpdateWorker persists the mutable fields of a worker record.
func (s *Store) UpdateWorker(w *WorkerProcess) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE workers SET
				status = ?, job_id = ?, current_unit_id = ?, process_id = ?,
				last_heartbeat = ?, units_completed = ?, units_failed = ?,
				total_execution_time = ?
			WHERE worker_id = ?`,
			string(w.Status), nullStr(w.JobID), nullStr(w.CurrentUnitID),
			nullInt(w.ProcessID), fmtTimePtr(w.LastHeartbeat),
			w.UnitsCompleted, w.UnitsFailed, w.TotalExecutionTime, w.WorkerID)
		if err != nil {
			return fmt.Errorf("failed to update worker: %w", err)
		}
		return nil
	})
}

// GetWorker returns the worker with the given id, or nil when absent.
func (s *Store) GetWorker(workerID string) (*WorkerProcess, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE worker_id = ?`, workerID)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// ActiveWorkers returns the workers of a job that are not terminated.
func (s *Store) ActiveWorkers(jobID string) ([]*WorkerProcess, error) {
	rows, err := s.db.Query(`SELECT `+workerColumns+` FROM workers
		WHERE job_id = ? AND status != ?
		ORDER BY started_at`, jobID, string(WorkerTerminated))
	if err != nil {
		return nil, fmt.Errorf("failed to query active workers: %w", err)
	}
	defer rows.Close()
	return collectWorkers(rows)
}

// BusyWorkers returns the workers of a job currently holding a unit.
func (s *Store) BusyWorkers(jobID string) ([]*WorkerProcess, error) {
	rows, err := s.db.Query(`SELECT `+workerColumns+` FROM workers
		WHERE job_id = ? AND status = ?
		ORDER BY started_at`, jobID, string(WorkerBusy))
	if err != nil {
		return nil, fmt.Errorf("failed to query busy workers: %w", err)
	}
	defer rows.Close()
	return collectWorkers(rows)
}

// CleanupStaleWorkers marks non-terminated worker records of a job as
// terminated. Run during crash recovery; returns the number of rows updated.
func (s *Store) CleanupStaleWorkers(jobID string) (int, error) {
	var count int
	err := s.write(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE workers SET status = ?, current_unit_id = NULL
			WHERE job_id = ? AND status != ?`,
			string(WorkerTerminated), jobID, string(WorkerTerminated))
		if err != nil {
			return fmt.Errorf("failed to clean up workers: %w", err)
		}
		n, _ := res.RowsAffected()
		count = int(n)
		return nil
	})
	return count, err
}

// TouchWorkerHeartbeat records liveness for a worker.
func (s *Store) TouchWorkerHeartbeat(workerID string, at time.Time) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE workers SET last_heartbeat = ? WHERE worker_id = ?`,
			fmtTime(at), workerID)
		return err
	})
}

func collectWorkers(rows *sql.Rows) ([]*WorkerProcess, error) {
	var workers []*WorkerProcess
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func scanWorker(r rowScanner) (*WorkerProcess, error) {
	var (
		w                     WorkerProcess
		status, startedAt     string
		jobID, currentUnitID  sql.NullString
		processID             sql.NullInt64
		lastHeartbeat         sql.NullString
	)
	err := r.Scan(&w.WorkerID, &status, &jobID, &currentUnitID, &processID,
		&startedAt, &lastHeartbeat, &w.UnitsCompleted, &w.UnitsFailed,
		&w.TotalExecutionTime)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan worker: %w", err)
	}

	w.Status = WorkerStatus(status)
	w.JobID = strOf(jobID)
	w.CurrentUnitID = strOf(currentUnitID)
	w.ProcessID = intPtr(processID)
	w.StartedAt = parseTime(startedAt)
	w.LastHeartbeat = parseTimePtr(lastHeartbeat)
	return &w, nil
}
