// Package executor runs a job to completion in a detached background
// process. The executor owns the worker pool; everything it knows goes into
// the store, which is the only channel observers can read.
package executor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/batchpilot/internal/agent"
	"github.com/anthropics/batchpilot/internal/pool"
	"github.com/anthropics/batchpilot/internal/store"
)

const idlePollInterval = 1 * time.Second

// Executor processes one job's units until done, stopped, or crashed.
type Executor struct {
	jobID  string
	store  *store.Store
	runner agent.Runner

	shouldStop atomic.Bool
	// counterMu serializes the read-modify-write of the job's unit counters;
	// completion callbacks arrive from concurrent worker goroutines.
	counterMu sync.Mutex
}

// New returns an executor for jobID using runner for unit execution.
func New(jobID string, st *store.Store, runner agent.Runner) *Executor {
	return &Executor{jobID: jobID, store: st, runner: runner}
}

// Run executes the job loop: crash recovery, dispatch, drain, optional
// synthesis, final status. It is the body of the detached executor process
// but can equally run in-process (tests do).
func (e *Executor) Run(ctx context.Context) error {
	logger := store.NewJobLogger(e.store, e.jobID, store.SourceExecutor)
	logger.Infof("job executor started (PID: %d)", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			e.shouldStop.Store(true)
			logger.Infof("received signal %v, initiating graceful shutdown", sig)
		case <-ctx.Done():
		}
	}()

	err := e.run(ctx, logger)
	if err != nil {
		logger.Errorf("job executor crashed: %v", err)
		e.recordCrash(err)
	}
	return err
}

func (e *Executor) run(ctx context.Context, logger *store.JobLogger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	job, err := e.store.GetJob(e.jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job %s not found", e.jobID)
	}

	logger.Infof("starting job %q with %d units, max_workers=%d",
		job.Name, job.TotalUnits, job.MaxWorkers)

	// A previous run may have died mid-flight; its workers and units must
	// not stay stranded.
	staleWorkers, err := e.store.CleanupStaleWorkers(e.jobID)
	if err != nil {
		return fmt.Errorf("failed to clean up workers: %w", err)
	}
	stuckUnits, err := e.store.ResetStuckUnits(e.jobID)
	if err != nil {
		return fmt.Errorf("failed to reset stuck units: %w", err)
	}
	if staleWorkers > 0 || stuckUnits > 0 {
		logger.Infof("recovered from previous run: %d stale workers, %d stuck units reset",
			staleWorkers, stuckUnits)
	}

	now := time.Now()
	job.Status = store.JobRunning
	job.StartedAt = &now
	if err := e.store.UpdateJob(job); err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	p := pool.New(e.jobID, e.runner, e.store, job.MaxWorkers)
	p.OnUnitComplete = func(unit *store.WorkUnit, res *agent.Result) {
		e.onUnitComplete(unit, res, logger)
	}
	p.OnUnitFailed = func(unit *store.WorkUnit, res *agent.Result) {
		e.onUnitFailed(unit, res, logger)
	}

	submitted := 0
	for !e.shouldStop.Load() {
		pending, err := e.store.GetPendingUnits(e.jobID, job.MaxWorkers)
		if err != nil {
			return fmt.Errorf("failed to fetch pending units: %w", err)
		}

		if len(pending) == 0 {
			if p.ActiveCount() == 0 {
				logger.Infof("no pending units and no active workers, processing complete")
				break
			}
			sleep(ctx, idlePollInterval)
			continue
		}

		for _, unit := range pending {
			if e.shouldStop.Load() {
				break
			}
			if err := p.WaitForSlot(ctx); err != nil {
				break
			}
			ok, err := p.Submit(ctx, unit, job.WorkerPromptTemplate)
			if err != nil {
				logger.Errorf("failed to submit unit %.8s: %v", unit.UnitID, err)
				continue
			}
			if ok {
				submitted++
				logger.Debugf("submitted unit %.8s (%d total)", unit.UnitID, submitted)
			}
		}
	}

	logger.Infof("waiting for remaining workers to complete")
	p.WaitForCompletion()

	job, err = e.store.GetJob(e.jobID)
	if err != nil || job == nil {
		return fmt.Errorf("failed to reload job: %w", err)
	}

	allDone := job.CompletedUnits+job.FailedUnits == job.TotalUnits
	allSucceeded := job.CompletedUnits == job.TotalUnits
	if job.PostProcessingPrompt != "" && (allSucceeded || (job.BypassFailures && allDone)) {
		if job.BypassFailures && !allSucceeded {
			logger.Infof("bypass failures enabled, running synthesis despite %d failed units", job.FailedUnits)
		} else {
			logger.Infof("all %d units completed successfully, starting synthesis", job.TotalUnits)
		}
		if err := e.runPostProcessing(ctx, job, p, logger); err != nil {
			return err
		}
	}

	p.Stop()
	logger.Infof("worker pool stopped")

	job, err = e.store.GetJob(e.jobID)
	if err != nil || job == nil {
		return fmt.Errorf("failed to reload job: %w", err)
	}
	var postUnit *store.WorkUnit
	if job.PostProcessingUnitID != "" {
		postUnit, _ = e.store.GetWorkUnit(job.PostProcessingUnitID)
	}

	done := time.Now()
	job.Status = finalStatus(job, postUnit, logger)
	job.CompletedAt = &done
	job.SetMeta(store.MetaExecutorCompletedAt, done.Format(time.RFC3339Nano))
	return e.store.UpdateJob(job)
}

// finalStatus decides the terminal job status after the dispatch loop has
// drained.
func finalStatus(job *store.Job, postUnit *store.WorkUnit, logger *store.JobLogger) store.JobStatus {
	allDone := job.CompletedUnits+job.FailedUnits == job.TotalUnits
	allSucceeded := job.CompletedUnits == job.TotalUnits

	postFailed := postUnit != nil && postUnit.Status == store.UnitFailed
	postSucceeded := postUnit != nil && postUnit.Status == store.UnitCompleted

	if postFailed {
		logger.Warningf("job failed: synthesis step failed")
		return store.JobFailed
	}
	if allSucceeded && (job.PostProcessingPrompt == "" || postSucceeded) {
		logger.Infof("job completed successfully: %d/%d units", job.CompletedUnits, job.TotalUnits)
		return store.JobCompleted
	}
	if job.BypassFailures && postSucceeded {
		logger.Infof("job completed with bypassed failures: %d succeeded, %d bypassed",
			job.CompletedUnits, job.FailedUnits)
		return store.JobCompleted
	}
	if job.FailedUnits > 0 && allDone {
		logger.Warningf("job finished with failures: %d completed, %d failed",
			job.CompletedUnits, job.FailedUnits)
		return store.JobFailed
	}
	logger.Infof("job paused: %d completed, %d failed, remaining pending",
		job.CompletedUnits, job.FailedUnits)
	return store.JobPaused
}

func (e *Executor) onUnitComplete(unit *store.WorkUnit, res *agent.Result, logger *store.JobLogger) {
	e.counterMu.Lock()
	defer e.counterMu.Unlock()

	job, err := e.store.GetJob(e.jobID)
	if err != nil || job == nil {
		return
	}
	if unit.UnitID != job.PostProcessingUnitID {
		job.CompletedUnits++
		_ = e.store.UpdateJob(job)
	}
	logger.InfoUnit(unit.UnitID, unit.WorkerID,
		fmt.Sprintf("unit completed: %.8s (%d/%d)", unit.UnitID, job.CompletedUnits, job.TotalUnits))
}

func (e *Executor) onUnitFailed(unit *store.WorkUnit, res *agent.Result, logger *store.JobLogger) {
	e.counterMu.Lock()
	defer e.counterMu.Unlock()

	errMsg := res.Error
	if errMsg == "" {
		errMsg = "unknown error"
	}
	job, _ := e.store.GetJob(e.jobID)
	isPost := job != nil && unit.UnitID == job.PostProcessingUnitID

	if unit.CanRetry() {
		unit.Status = store.UnitPending
		unit.RetryCount++
		unit.WorkerID = ""
		unit.AssignedAt = nil
		unit.StartedAt = nil
		if err := e.store.UpdateWorkUnit(unit); err != nil {
			logger.Errorf("failed to requeue unit %.8s: %v", unit.UnitID, err)
			return
		}
		logger.Warningf("unit failed, will retry (%d/%d): %.8s: %s",
			unit.RetryCount, unit.MaxRetries, unit.UnitID, errMsg)
		return
	}

	if job != nil && !isPost {
		job.FailedUnits++
		_ = e.store.UpdateJob(job)
	}
	logger.ErrorUnit(unit.UnitID, unit.WorkerID,
		fmt.Sprintf("unit failed permanently after %d retries: %.8s: %s",
			unit.MaxRetries, unit.UnitID, errMsg))
}

// runPostProcessing creates and executes the synthesis unit. The unit sees
// the job's outcome through its payload and, via its prompt, whatever
// artifacts the per-unit agents left behind.
func (e *Executor) runPostProcessing(ctx context.Context, job *store.Job, p *pool.Pool, logger *store.JobLogger) error {
	job.Status = store.JobPostProcessing
	if err := e.store.UpdateJob(job); err != nil {
		return fmt.Errorf("failed to mark job post-processing: %w", err)
	}

	payload := map[string]any{
		"type":                  store.PostProcessingUnitType,
		"total_units_processed": job.TotalUnits,
		"completed_units":       job.CompletedUnits,
		"job_name":              job.Name,
		"job_description":       job.Description,
	}
	if name := job.MetaString(store.MetaPostName); name != "" {
		payload["name"] = name
	}
	if dir := job.MetaString(store.MetaPostWorkingDir); dir != "" {
		payload["working_directory"] = dir
	}
	if dir := job.MetaString(store.MetaPostOutputDir); dir != "" {
		payload["output_directory"] = dir
	}

	postUnit := &store.WorkUnit{
		UnitID:     uuid.NewString(),
		JobID:      job.JobID,
		UnitType:   store.PostProcessingUnitType,
		Status:     store.UnitPending,
		Payload:    payload,
		CreatedAt:  time.Now(),
		MaxRetries: job.MetaInt(store.MetaMaxRetries, 3),
	}
	if err := e.store.CreateWorkUnit(postUnit); err != nil {
		return fmt.Errorf("failed to create synthesis unit: %w", err)
	}

	job.PostProcessingUnitID = postUnit.UnitID
	if err := e.store.UpdateJob(job); err != nil {
		return fmt.Errorf("failed to record synthesis unit: %w", err)
	}
	logger.InfoUnit(postUnit.UnitID, "", fmt.Sprintf("created synthesis unit %.8s", postUnit.UnitID))

	for {
		ok, err := p.Submit(ctx, postUnit, job.PostProcessingPrompt)
		if err != nil {
			return fmt.Errorf("failed to submit synthesis unit: %w", err)
		}
		if ok {
			break
		}
		if err := p.WaitForSlot(ctx); err != nil {
			return err
		}
	}

	logger.Infof("waiting for synthesis to complete")
	p.WaitForCompletion()

	// Retries requeue the unit as pending; drain those too.
	for {
		pending, err := e.store.GetPendingUnits(job.JobID, 1)
		if err != nil || len(pending) == 0 {
			break
		}
		unit := pending[0]
		if !unit.IsPostProcessing() {
			break
		}
		if ok, err := p.Submit(ctx, unit, job.PostProcessingPrompt); err != nil || !ok {
			break
		}
		p.WaitForCompletion()
	}

	final, _ := e.store.GetWorkUnit(postUnit.UnitID)
	switch {
	case final != nil && final.Status == store.UnitCompleted:
		logger.Infof("synthesis completed successfully")
	case final != nil && final.Status == store.UnitFailed:
		logger.Errorf("synthesis failed: %s", final.Error)
	default:
		logger.Warningf("synthesis ended in an unexpected state")
	}
	return nil
}

func (e *Executor) recordCrash(cause error) {
	job, err := e.store.GetJob(e.jobID)
	if err != nil || job == nil {
		return
	}
	job.Status = store.JobFailed
	job.SetMeta(store.MetaExecutorError, cause.Error())
	job.SetMeta(store.MetaExecutorErrorTrace, string(debug.Stack()))
	job.SetMeta(store.MetaExecutorErrorAt, time.Now().Format(time.RFC3339Nano))
	_ = e.store.UpdateJob(job)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
