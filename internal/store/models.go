package store

import (
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobCreated        JobStatus = "created"
	JobTesting        JobStatus = "testing"
	JobReady          JobStatus = "ready"
	JobRunning        JobStatus = "running"
	JobPaused         JobStatus = "paused"
	JobPostProcessing JobStatus = "post_processing"
	JobCompleted      JobStatus = "completed"
	JobFailed         JobStatus = "failed"
)

// UnitStatus is the lifecycle state of a work unit.
type UnitStatus string

const (
	UnitPending    UnitStatus = "pending"
	UnitAssigned   UnitStatus = "assigned"
	UnitProcessing UnitStatus = "processing"
	UnitCompleted  UnitStatus = "completed"
	UnitFailed     UnitStatus = "failed"
)

// WorkerStatus is the state of a logical worker slot.
type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "idle"
	WorkerBusy       WorkerStatus = "busy"
	WorkerFailed     WorkerStatus = "failed"
	WorkerTerminated WorkerStatus = "terminated"
)

// Unit type assigned to the synthetic synthesis unit.
const PostProcessingUnitType = "post_processing"

// Well-known job metadata keys. The metadata bag is an open string->JSON map;
// readers must treat unknown keys as opaque.
const (
	MetaExecutorPID         = "executor_pid"
	MetaExecutorStartedAt   = "executor_started_at"
	MetaExecutorCompletedAt = "executor_completed_at"
	MetaExecutorError       = "executor_error"
	MetaExecutorErrorTrace  = "executor_error_traceback"
	MetaExecutorErrorAt     = "executor_error_at"
	MetaKilledAt            = "killed_at"
	MetaKillReason          = "kill_reason"
	MetaMaxRetries          = "max_retries"
	MetaPostName            = "post_processing_name"
	MetaPostWorkingDir      = "post_processing_working_directory"
	MetaPostOutputDir       = "post_processing_output_directory"
)

// Job is a named batch: a collection of work units sharing a prompt template
// and configuration.
type Job struct {
	JobID                string         `json:"job_id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	Status               JobStatus      `json:"status"`
	WorkerPromptTemplate string         `json:"worker_prompt_template"`
	UnitType             string         `json:"unit_type"`
	TotalUnits           int            `json:"total_units"`
	CompletedUnits       int            `json:"completed_units"`
	FailedUnits          int            `json:"failed_units"`
	MaxWorkers           int            `json:"max_workers"`
	CreatedAt            time.Time      `json:"created_at"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	TestUnitID           string         `json:"test_unit_id,omitempty"`
	TestPassed           bool           `json:"test_passed"`
	OutputStrategy       string         `json:"output_strategy"`
	Metadata             map[string]any `json:"metadata"`
	PostProcessingPrompt string         `json:"post_processing_prompt,omitempty"`
	PostProcessingUnitID string         `json:"post_processing_unit_id,omitempty"`
	BypassFailures       bool           `json:"bypass_failures"`
}

// ProgressPercentage returns the completion percentage, 0 for an empty job.
func (j *Job) ProgressPercentage() float64 {
	if j.TotalUnits == 0 {
		return 0
	}
	return float64(j.CompletedUnits) / float64(j.TotalUnits) * 100
}

// ExecutorPID returns the recorded executor PID from metadata, or 0.
// JSON round-trips numbers as float64, so both forms are accepted.
func (j *Job) ExecutorPID() int {
	switch v := j.Metadata[MetaExecutorPID].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// MetaInt returns an integer metadata value, or def when absent.
func (j *Job) MetaInt(key string, def int) int {
	switch v := j.Metadata[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// MetaString returns a string metadata value, or "" when absent.
func (j *Job) MetaString(key string) string {
	if v, ok := j.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// SetMeta writes a metadata key, allocating the bag if needed.
func (j *Job) SetMeta(key string, value any) {
	if j.Metadata == nil {
		j.Metadata = make(map[string]any)
	}
	j.Metadata[key] = value
}

// WorkUnit is one item of work, processed by a single agent subprocess
// invocation. Payload is immutable after creation.
type WorkUnit struct {
	UnitID               string           `json:"unit_id"`
	JobID                string           `json:"job_id"`
	UnitType             string           `json:"unit_type"`
	Status               UnitStatus       `json:"status"`
	Payload              map[string]any   `json:"payload"`
	CreatedAt            time.Time        `json:"created_at"`
	AssignedAt           *time.Time       `json:"assigned_at,omitempty"`
	StartedAt            *time.Time       `json:"started_at,omitempty"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty"`
	WorkerID             string           `json:"worker_id,omitempty"`
	Result               map[string]any   `json:"result,omitempty"`
	Error                string           `json:"error,omitempty"`
	RetryCount           int              `json:"retry_count"`
	MaxRetries           int              `json:"max_retries"`
	ExecutionTimeSeconds *float64         `json:"execution_time_seconds,omitempty"`
	OutputFiles          []string         `json:"output_files"`
	RenderedPrompt       string           `json:"rendered_prompt,omitempty"`
	Conversation         []map[string]any `json:"conversation,omitempty"`
	SessionID            string           `json:"session_id,omitempty"`
	CostUSD              *float64         `json:"cost_usd,omitempty"`
	ProcessID            *int             `json:"process_id,omitempty"`
}

// CanRetry reports whether the unit has automatic retries left.
func (u *WorkUnit) CanRetry() bool {
	return u.RetryCount < u.MaxRetries
}

// IsPostProcessing reports whether this is the synthetic synthesis unit.
func (u *WorkUnit) IsPostProcessing() bool {
	return u.UnitType == PostProcessingUnitType
}

// WorkerProcess is the bookkeeping record for one in-flight unit assignment.
// It is not an OS process; a new record is allocated per assignment.
type WorkerProcess struct {
	WorkerID           string       `json:"worker_id"`
	Status             WorkerStatus `json:"status"`
	JobID              string       `json:"job_id,omitempty"`
	CurrentUnitID      string       `json:"current_unit_id,omitempty"`
	ProcessID          *int         `json:"process_id,omitempty"`
	StartedAt          time.Time    `json:"started_at"`
	LastHeartbeat      *time.Time   `json:"last_heartbeat,omitempty"`
	UnitsCompleted     int          `json:"units_completed"`
	UnitsFailed        int          `json:"units_failed"`
	TotalExecutionTime float64      `json:"total_execution_time"`
}

// LogEntry is one operational breadcrumb in the logs table.
type LogEntry struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	Source    string         `json:"source"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	WorkerID  string         `json:"worker_id,omitempty"`
	UnitID    string         `json:"unit_id,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// ActiveUnit is a live-activity snapshot of a unit in flight: its payload,
// status, subprocess PID, and the latest meaningful conversation event.
type ActiveUnit struct {
	UnitID      string         `json:"unit_id"`
	Payload     map[string]any `json:"payload"`
	Status      UnitStatus     `json:"status"`
	ProcessID   *int           `json:"process_id,omitempty"`
	LatestEvent map[string]any `json:"latest_event,omitempty"`
}
