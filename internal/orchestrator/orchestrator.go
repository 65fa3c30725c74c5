// Package orchestrator owns the job lifecycle: creation from enumerated
// items, the test/approve gate, and handoff to the detached executor.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/batchpilot/internal/agent"
	"github.com/anthropics/batchpilot/internal/config"
	"github.com/anthropics/batchpilot/internal/enumerate"
	"github.com/anthropics/batchpilot/internal/executor"
	"github.com/anthropics/batchpilot/internal/store"
)

// Orchestrator coordinates jobs against one store and one agent runner.
type Orchestrator struct {
	store  *store.Store
	runner agent.Runner
	cfg    *config.Config
	synth  Synthesizer
}

// New returns an orchestrator backed by st, executing units with runner.
func New(st *store.Store, runner agent.Runner, cfg *config.Config) *Orchestrator {
	return &Orchestrator{store: st, runner: runner, cfg: cfg}
}

// CreateJobRequest describes a new batch job.
type CreateJobRequest struct {
	Name                 string
	UserIntent           string
	EnumeratorType       string
	EnumeratorConfig     map[string]any
	MaxWorkers           int
	MaxRetries           int
	PostProcessingPrompt string
	BypassFailures       bool
	Metadata             map[string]any
}

// CreateJobResult reports what was created.
type CreateJobResult struct {
	JobID             string
	TotalItems        int
	EnumeratorType    string
	Metadata          map[string]any
	WorkerPrompt      string
	HasPostProcessing bool
}

// CreateJob enumerates the data source, synthesizes the worker prompt, and
// persists the job with one pending unit per item.
func (o *Orchestrator) CreateJob(req CreateJobRequest) (*CreateJobResult, error) {
	enum, err := enumerate.New(req.EnumeratorType, req.EnumeratorConfig)
	if err != nil {
		return nil, err
	}
	if err := enum.Validate(); err != nil {
		return nil, fmt.Errorf("invalid enumerator config: %w", err)
	}
	result, err := enum.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("enumeration failed: %w", err)
	}
	if len(result.Items) == 0 {
		return nil, errors.New("no items found to process")
	}

	var workerPrompt string
	if req.EnumeratorType == "file" {
		workerPrompt = o.synth.FileProcessingPrompt(req.UserIntent)
	} else {
		fields := payloadFields(result.Metadata, result.Items)
		workerPrompt = o.synth.GenericPrompt(req.UserIntent, req.EnumeratorType, fields)
	}

	maxWorkers := req.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = o.cfg.MaxWorkers
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.cfg.MaxRetries
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata[store.MetaMaxRetries] = maxRetries

	job := &store.Job{
		JobID:                uuid.NewString(),
		Name:                 req.Name,
		Description:          req.UserIntent,
		Status:               store.JobCreated,
		WorkerPromptTemplate: workerPrompt,
		UnitType:             req.EnumeratorType,
		TotalUnits:           len(result.Items),
		MaxWorkers:           maxWorkers,
		CreatedAt:            time.Now(),
		OutputStrategy:       "individual",
		Metadata:             metadata,
		PostProcessingPrompt: req.PostProcessingPrompt,
		BypassFailures:       req.BypassFailures,
	}
	if err := o.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	for _, item := range result.Items {
		unit := &store.WorkUnit{
			UnitID:     uuid.NewString(),
			JobID:      job.JobID,
			UnitType:   req.EnumeratorType,
			Status:     store.UnitPending,
			Payload:    item,
			CreatedAt:  time.Now(),
			MaxRetries: maxRetries,
		}
		if err := o.store.CreateWorkUnit(unit); err != nil {
			return nil, fmt.Errorf("failed to save work unit: %w", err)
		}
	}

	return &CreateJobResult{
		JobID:             job.JobID,
		TotalItems:        len(result.Items),
		EnumeratorType:    req.EnumeratorType,
		Metadata:          result.Metadata,
		WorkerPrompt:      workerPrompt,
		HasPostProcessing: req.PostProcessingPrompt != "",
	}, nil
}

// StartOutcome describes what StartJob did.
type StartOutcome struct {
	// State is one of "testing", "reset", "started", "running".
	State string
	PID   int

	// Test phase details, set when State is "testing".
	TestPassed     bool
	TestUnitID     string
	TestPayload    map[string]any
	Output         string
	Error          string
	ExecutionTime  *float64
	CostUSD        *float64
	RemainingUnits int
}

// Approval is the caller's decision after reviewing test results.
type Approval int

const (
	// NoDecision reports current test results without changing anything.
	NoDecision Approval = iota
	Approve
	Reject
)

// StartJob drives the test/approve state machine. A created job runs a test
// on its first unit and waits for approval; an approved job gets a detached
// executor; a rejected job resets to created so the prompt can be changed.
func (o *Orchestrator) StartJob(ctx context.Context, jobID string, approval Approval, skipTest bool) (*StartOutcome, error) {
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	switch job.Status {
	case store.JobCreated:
		if skipTest || o.cfg.SkipTest || config.SkipTestEnv() {
			return o.startExecutor(job)
		}
		return o.runTestPhase(ctx, job)

	case store.JobTesting:
		switch approval {
		case Approve:
			return o.startExecutor(job)
		case Reject:
			job.Status = store.JobCreated
			job.TestPassed = false
			if err := o.store.UpdateJob(job); err != nil {
				return nil, err
			}
			return &StartOutcome{State: "reset"}, nil
		default:
			return o.testResults(job)
		}

	case store.JobRunning:
		status, err := executor.ExecutorStatus(o.store, jobID)
		if err != nil {
			return nil, err
		}
		if status.Status == executor.StatusRunning {
			return &StartOutcome{State: "running", PID: status.PID}, nil
		}
		return o.startExecutor(job)

	default:
		return nil, fmt.Errorf("cannot start job in %s status", job.Status)
	}
}

// runTestPhase executes the first pending unit in-process and parks the job
// in testing until someone approves or rejects.
func (o *Orchestrator) runTestPhase(ctx context.Context, job *store.Job) (*StartOutcome, error) {
	units, err := o.store.GetPendingUnits(job.JobID, 1)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, errors.New("no pending units to test")
	}
	testUnit := units[0]

	job.Status = store.JobTesting
	job.TestUnitID = testUnit.UnitID
	if err := o.store.UpdateJob(job); err != nil {
		return nil, err
	}

	started := time.Now()
	testUnit.Status = store.UnitProcessing
	testUnit.StartedAt = &started
	testUnit.RenderedPrompt = agent.RenderPrompt(job.WorkerPromptTemplate, testUnit.Payload)
	if err := o.store.UpdateWorkUnit(testUnit); err != nil {
		return nil, err
	}

	// Streamed state is mirrored onto the unit struct so the terminal update
	// below writes it back rather than erasing what the streaming writes
	// already stored.
	cb := agent.Callbacks{
		OnEvent: func(event map[string]any) {
			switch event["type"] {
			case "system":
				if event["subtype"] == "init" {
					if sid, ok := event["session_id"].(string); ok && sid != "" {
						testUnit.SessionID = sid
						_ = o.store.SetUnitSessionID(testUnit.UnitID, sid)
					}
				}
			case "user", "assistant", "tool_use", "tool_result":
				testUnit.Conversation = append(testUnit.Conversation, event)
				_, _ = o.store.AppendConversationEvent(testUnit.UnitID, event)
			}
		},
		OnProcessStart: func(pid int) {
			_ = o.store.SetUnitProcessID(testUnit.UnitID, &pid)
		},
	}

	res, err := o.runner.Run(ctx, testUnit.RenderedPrompt, testUnit.Payload, cb)
	if err != nil {
		res = &agent.Result{Success: false, Error: err.Error()}
	}

	completed := time.Now()
	elapsed := completed.Sub(started).Seconds()
	if res.Success {
		testUnit.Status = store.UnitCompleted
	} else {
		testUnit.Status = store.UnitFailed
	}
	testUnit.CompletedAt = &completed
	testUnit.ExecutionTimeSeconds = &elapsed
	testUnit.ProcessID = nil
	testUnit.Result = map[string]any{"output": res.ResultText}
	testUnit.Error = res.Error
	if res.SessionID != "" {
		testUnit.SessionID = res.SessionID
	}
	if len(res.Conversation) > 0 {
		testUnit.Conversation = res.Conversation
	}
	testUnit.CostUSD = res.CostUSD
	if err := o.store.UpdateWorkUnit(testUnit); err != nil {
		return nil, err
	}

	job.TestPassed = res.Success
	if res.Success {
		// The test unit counts toward progress; the executor skips it.
		job.CompletedUnits = 1
	}
	if err := o.store.UpdateJob(job); err != nil {
		return nil, err
	}

	return &StartOutcome{
		State:          "testing",
		TestPassed:     res.Success,
		TestUnitID:     testUnit.UnitID,
		TestPayload:    testUnit.Payload,
		Output:         res.ResultText,
		Error:          res.Error,
		ExecutionTime:  &elapsed,
		CostUSD:        res.CostUSD,
		RemainingUnits: job.TotalUnits - job.CompletedUnits,
	}, nil
}

func (o *Orchestrator) startExecutor(job *store.Job) (*StartOutcome, error) {
	now := time.Now()
	job.Status = store.JobRunning
	job.StartedAt = &now
	if err := o.store.UpdateJob(job); err != nil {
		return nil, err
	}

	pid, err := executor.StartDetached(o.store, job.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to start executor: %w", err)
	}
	return &StartOutcome{
		State:          "started",
		PID:            pid,
		RemainingUnits: job.TotalUnits - job.CompletedUnits,
	}, nil
}

func (o *Orchestrator) testResults(job *store.Job) (*StartOutcome, error) {
	if job.TestUnitID == "" {
		return nil, errors.New("no test unit found")
	}
	testUnit, err := o.store.GetWorkUnit(job.TestUnitID)
	if err != nil {
		return nil, err
	}
	if testUnit == nil {
		return nil, errors.New("test unit not found")
	}

	var output string
	if testUnit.Result != nil {
		output, _ = testUnit.Result["output"].(string)
	}
	return &StartOutcome{
		State:          "testing",
		TestPassed:     job.TestPassed,
		TestUnitID:     testUnit.UnitID,
		TestPayload:    testUnit.Payload,
		Output:         output,
		Error:          testUnit.Error,
		ExecutionTime:  testUnit.ExecutionTimeSeconds,
		CostUSD:        testUnit.CostUSD,
		RemainingUnits: job.TotalUnits - job.CompletedUnits,
	}, nil
}

// JobStatus is a point-in-time snapshot for observers.
type JobStatus struct {
	JobID          string                   `json:"job_id"`
	Status         store.JobStatus          `json:"status"`
	ExecutorStatus string                   `json:"executor_status"`
	ExecutorPID    int                      `json:"executor_pid,omitempty"`
	Total          int                      `json:"total"`
	Completed      int                      `json:"completed"`
	Failed         int                      `json:"failed"`
	Percentage     float64                  `json:"percentage"`
	UnitStats      map[store.UnitStatus]int `json:"unit_stats"`
}

// GetJobStatus combines job progress with executor liveness.
func (o *Orchestrator) GetJobStatus(jobID string) (*JobStatus, error) {
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	execStatus, err := executor.ExecutorStatus(o.store, jobID)
	if err != nil {
		return nil, err
	}
	counts, err := o.store.CountUnitsByStatus(jobID)
	if err != nil {
		return nil, err
	}

	return &JobStatus{
		JobID:          jobID,
		Status:         job.Status,
		ExecutorStatus: execStatus.Status,
		ExecutorPID:    execStatus.PID,
		Total:          job.TotalUnits,
		Completed:      job.CompletedUnits,
		Failed:         job.FailedUnits,
		Percentage:     job.ProgressPercentage(),
		UnitStats:      counts,
	}, nil
}
