package store

import (
	"database/sql"
	"fmt"
	"time"
)

// LogFilter narrows a Logs query. Zero values mean "no filter".
type LogFilter struct {
	Source string
	Level  string
	Since  *time.Time
	Limit  int
	Offset int
}

// AddLog appends an entry to the logs table. The timestamp is assigned by the
// writer, not the database, so ordering follows the writer's clock.
func (s *Store) AddLog(e *LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO logs (job_id, source, level, message, timestamp, worker_id, unit_id, extra)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.JobID, e.Source, e.Level, e.Message, fmtTime(e.Timestamp),
			nullStr(e.WorkerID), nullStr(e.UnitID), marshalJSON(e.Extra))
		if err != nil {
			return fmt.Errorf("failed to insert log entry: %w", err)
		}
		return nil
	})
}

// Logs returns a job's log entries, newest first.
func (s *Store) Logs(jobID string, f LogFilter) ([]*LogEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	query := `SELECT id, job_id, source, level, message, timestamp, worker_id, unit_id, extra
		FROM logs WHERE job_id = ?`
	args := []any{jobID}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	if f.Level != "" {
		query += ` AND level = ?`
		args = append(args, f.Level)
	}
	if f.Since != nil {
		query += ` AND timestamp > ?`
		args = append(args, fmtTime(*f.Since))
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var (
			e                        LogEntry
			timestamp                string
			workerID, unitID, extra  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Source, &e.Level, &e.Message,
			&timestamp, &workerID, &unitID, &extra); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Timestamp = parseTime(timestamp)
		e.WorkerID = strOf(workerID)
		e.UnitID = strOf(unitID)
		e.Extra = unmarshalMap(extra)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// LogCount returns the number of log entries for a job.
func (s *Store) LogCount(jobID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM logs WHERE job_id = ?`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count logs: %w", err)
	}
	return n, nil
}
