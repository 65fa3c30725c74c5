package store

import (
	"fmt"
	"time"
)

// Log levels stored in the logs table.
const (
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// Log sources.
const (
	SourceExecutor     = "executor"
	SourceOrchestrator = "orchestrator"
	SourceWorker       = "worker"
	SourceDashboard    = "dashboard"
)

// JobLogger writes operational breadcrumbs to the logs table for one job.
// The database is the only channel observers can read; a detached executor
// has no usable stderr.
type JobLogger struct {
	store  *Store
	jobID  string
	source string
}

// NewJobLogger returns a logger writing entries for jobID tagged with source.
func NewJobLogger(s *Store, jobID, source string) *JobLogger {
	return &JobLogger{store: s, jobID: jobID, source: source}
}

// WithSource returns a logger for the same job with a different source tag.
func (l *JobLogger) WithSource(source string) *JobLogger {
	return &JobLogger{store: l.store, jobID: l.jobID, source: source}
}

func (l *JobLogger) log(level, message string, extra map[string]any) {
	entry := &LogEntry{
		JobID:     l.jobID,
		Source:    l.source,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
		Extra:     extra,
	}
	if workerID, ok := extra["worker_id"].(string); ok {
		entry.WorkerID = workerID
		delete(extra, "worker_id")
	}
	if unitID, ok := extra["unit_id"].(string); ok {
		entry.UnitID = unitID
		delete(extra, "unit_id")
	}
	if len(extra) == 0 {
		entry.Extra = nil
	}
	// Logging must never take the job down.
	_ = l.store.AddLog(entry)
}

func (l *JobLogger) Debugf(format string, args ...any) {
	l.log(LevelDebug, fmt.Sprintf(format, args...), map[string]any{})
}

func (l *JobLogger) Infof(format string, args ...any) {
	l.log(LevelInfo, fmt.Sprintf(format, args...), map[string]any{})
}

func (l *JobLogger) Warningf(format string, args ...any) {
	l.log(LevelWarning, fmt.Sprintf(format, args...), map[string]any{})
}

func (l *JobLogger) Errorf(format string, args ...any) {
	l.log(LevelError, fmt.Sprintf(format, args...), map[string]any{})
}

// InfoUnit logs an info message attributed to a specific unit and worker.
func (l *JobLogger) InfoUnit(unitID, workerID, message string) {
	l.log(LevelInfo, message, map[string]any{"unit_id": unitID, "worker_id": workerID})
}

// ErrorUnit logs an error message attributed to a specific unit and worker.
func (l *JobLogger) ErrorUnit(unitID, workerID, message string) {
	l.log(LevelError, message, map[string]any{"unit_id": unitID, "worker_id": workerID})
}
