package executor

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/anthropics/batchpilot/internal/store"
)

// Status values reported by ExecutorStatus.
const (
	StatusNotFound   = "not_found"
	StatusNotStarted = "not_started"
	StatusRunning    = "running"
	StatusStopped    = "stopped"
)

// Status describes the executor process of a job as seen from outside.
type Status struct {
	Status      string         `json:"status"`
	PID         int            `json:"pid,omitempty"`
	JobStatus   store.JobStatus `json:"job_status,omitempty"`
	StartedAt   string         `json:"started_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Total       int            `json:"total"`
	Completed   int            `json:"completed"`
	Failed      int            `json:"failed"`
	Percentage  float64        `json:"percentage"`
}

// ExecutorStatus probes the recorded executor PID. Signal 0 checks liveness;
// EPERM means the process exists but belongs to someone else, which still
// counts as alive.
func ExecutorStatus(st *store.Store, jobID string) (*Status, error) {
	job, err := st.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return &Status{Status: StatusNotFound}, nil
	}

	pid := job.ExecutorPID()
	if pid == 0 {
		return &Status{Status: StatusNotStarted, JobStatus: job.Status}, nil
	}

	state := StatusStopped
	if processAlive(pid) {
		state = StatusRunning
	}
	return &Status{
		Status:      state,
		PID:         pid,
		JobStatus:   job.Status,
		StartedAt:   job.MetaString(store.MetaExecutorStartedAt),
		CompletedAt: job.MetaString(store.MetaExecutorCompletedAt),
		Error:       job.MetaString(store.MetaExecutorError),
		Total:       job.TotalUnits,
		Completed:   job.CompletedUnits,
		Failed:      job.FailedUnits,
		Percentage:  job.ProgressPercentage(),
	}, nil
}

// StopExecutor asks the executor to shut down gracefully with SIGTERM.
// Returns false when no live process could be signalled.
func StopExecutor(st *store.Store, jobID string) (bool, error) {
	job, err := st.GetJob(jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	pid := job.ExecutorPID()
	if pid == 0 {
		return false, nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return false, nil
	}
	return true, nil
}

// KillExecutor hard-kills the executor process group and marks the job
// failed. Already-dead executors are tolerated: the job is still marked so
// it does not look running forever.
func KillExecutor(st *store.Store, jobID string) error {
	job, err := st.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return errors.New("job not found")
	}
	pid := job.ExecutorPID()
	if pid == 0 {
		return errors.New("no executor process found")
	}

	reason := "user requested kill"
	if !processAlive(pid) {
		reason = "user requested kill (process already dead)"
	} else {
		killGroup(pid)
	}

	job.Status = store.JobFailed
	job.SetMeta(store.MetaKilledAt, time.Now().Format(time.RFC3339Nano))
	job.SetMeta(store.MetaKillReason, reason)
	if err := st.UpdateJob(job); err != nil {
		return err
	}
	_, err = st.ResetStuckUnits(jobID)
	return err
}

// KillWorkUnit kills one unit's agent subprocess. The executor notices the
// dead subprocess and records the failure through the normal path.
func KillWorkUnit(st *store.Store, jobID, unitID string) error {
	unit, err := st.GetWorkUnit(unitID)
	if err != nil {
		return err
	}
	if unit == nil {
		return errors.New("work unit not found")
	}
	if unit.JobID != jobID {
		return errors.New("work unit does not belong to this job")
	}
	if unit.ProcessID == nil {
		return errors.New("no process found for this unit")
	}
	pid := *unit.ProcessID

	if !processAlive(pid) {
		unit.Status = store.UnitFailed
		unit.Error = "process killed by user (process already dead)"
		unit.ProcessID = nil
		return st.UpdateWorkUnit(unit)
	}

	killGroup(pid)
	unit.ProcessID = nil
	return st.UpdateWorkUnit(unit)
}

// RestartWorkUnit resets a failed unit to pending so a running (or resumed)
// executor picks it up again. The retry counter is deliberately kept; it
// tracks total attempts across manual restarts.
func RestartWorkUnit(st *store.Store, jobID, unitID string) error {
	unit, err := st.GetWorkUnit(unitID)
	if err != nil {
		return err
	}
	if unit == nil {
		return errors.New("work unit not found")
	}
	if unit.JobID != jobID {
		return errors.New("work unit does not belong to this job")
	}
	if unit.Status != store.UnitFailed {
		return fmt.Errorf("cannot restart unit with status %q, only failed units can be restarted", unit.Status)
	}

	if unit.ProcessID != nil {
		killGroup(*unit.ProcessID)
	}

	job, err := st.GetJob(jobID)
	if err != nil {
		return err
	}
	if job != nil {
		if job.FailedUnits > 0 {
			job.FailedUnits--
		}
		if err := st.UpdateJob(job); err != nil {
			return err
		}
	}

	unit.Status = store.UnitPending
	unit.Error = ""
	unit.Result = nil
	unit.WorkerID = ""
	unit.AssignedAt = nil
	unit.StartedAt = nil
	unit.CompletedAt = nil
	unit.ExecutionTimeSeconds = nil
	unit.ProcessID = nil
	unit.Conversation = nil
	unit.RenderedPrompt = ""
	unit.SessionID = ""
	unit.CostUSD = nil
	return st.UpdateWorkUnit(unit)
}

// ResumeJob starts a fresh detached executor for a job that still has
// pending units. Returns the executor PID, or 0 when there is nothing to
// resume. A still-running executor is left alone and its PID returned.
func ResumeJob(st *store.Store, jobID string) (int, error) {
	job, err := st.GetJob(jobID)
	if err != nil {
		return 0, err
	}
	if job == nil {
		return 0, errors.New("job not found")
	}

	pending, err := st.GetPendingUnits(jobID, 1)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	status, err := ExecutorStatus(st, jobID)
	if err != nil {
		return 0, err
	}
	if status.Status == StatusRunning {
		return status.PID, nil
	}

	return StartDetached(st, jobID)
}

// processAlive probes a PID with signal 0. EPERM counts as alive.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// killGroup SIGKILLs the process group, falling back to the process itself.
func killGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		syscall.Kill(pid, syscall.SIGKILL)
	}
}
