package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/anthropics/batchpilot/internal/agent"
	"github.com/anthropics/batchpilot/internal/store"
)

// scriptRunner decides each unit's outcome from its payload. It emits the
// init and one assistant event before returning, like the real CLI stream.
type scriptRunner struct {
	run func(payload map[string]any) *agent.Result
}

func (s *scriptRunner) Run(ctx context.Context, prompt string, payload map[string]any, cb agent.Callbacks) (*agent.Result, error) {
	if cb.OnProcessStart != nil {
		cb.OnProcessStart(777)
	}
	if cb.OnEvent != nil {
		cb.OnEvent(map[string]any{"type": "system", "subtype": "init", "session_id": "sess-exec"})
		cb.OnEvent(map[string]any{"type": "assistant", "message": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "working"}},
		}})
	}
	if s.run != nil {
		return s.run(payload), nil
	}
	return &agent.Result{Success: true, ResultText: "ok"}, nil
}

func alwaysSucceed() *scriptRunner {
	return &scriptRunner{}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedJob(t *testing.T, s *store.Store, unitIDs []string, mutate func(*store.Job)) *store.Job {
	t.Helper()
	job := &store.Job{
		JobID:                "job-1",
		Name:                 "executor test",
		Status:               store.JobCreated,
		WorkerPromptTemplate: "handle {id}",
		UnitType:             "item",
		TotalUnits:           len(unitIDs),
		MaxWorkers:           2,
		CreatedAt:            time.Now(),
		Metadata:             map[string]any{store.MetaMaxRetries: 1},
	}
	if mutate != nil {
		mutate(job)
	}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	base := time.Now()
	for i, id := range unitIDs {
		unit := &store.WorkUnit{
			UnitID:     id,
			JobID:      "job-1",
			UnitType:   "item",
			Status:     store.UnitPending,
			Payload:    map[string]any{"id": id},
			CreatedAt:  base.Add(time.Duration(i) * time.Millisecond),
			MaxRetries: 1,
		}
		if err := s.CreateWorkUnit(unit); err != nil {
			t.Fatalf("CreateWorkUnit: %v", err)
		}
	}
	return job
}

func TestRunAllUnitsSucceed(t *testing.T) {
	s := testStore(t)
	seedJob(t, s, []string{"u-1", "u-2", "u-3"}, nil)

	if err := New("job-1", s, alwaysSucceed()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := s.GetJob("job-1")
	if job.Status != store.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	if job.CompletedUnits != 3 || job.FailedUnits != 0 {
		t.Errorf("counters = %d/%d", job.CompletedUnits, job.FailedUnits)
	}
	if job.CompletedAt == nil || job.StartedAt == nil {
		t.Error("timestamps not recorded")
	}
	if job.MetaString(store.MetaExecutorCompletedAt) == "" {
		t.Error("executor completion time not recorded")
	}

	// Streamed conversation and session id survive the terminal unit update.
	units, err := s.UnitsForJob("job-1", store.UnitCompleted, 10, 0)
	if err != nil {
		t.Fatalf("UnitsForJob: %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("got %d completed units, want 3", len(units))
	}
	for _, u := range units {
		if len(u.Conversation) == 0 {
			t.Errorf("unit %s has an empty conversation", u.UnitID)
		}
		if u.SessionID != "sess-exec" {
			t.Errorf("unit %s session id = %q", u.UnitID, u.SessionID)
		}
	}
}

func TestRunRetriesThenFails(t *testing.T) {
	s := testStore(t)
	seedJob(t, s, []string{"u-good", "u-bad"}, nil)

	runner := &scriptRunner{run: func(payload map[string]any) *agent.Result {
		if payload["id"] == "u-bad" {
			return &agent.Result{Success: false, Error: "always broken"}
		}
		return &agent.Result{Success: true}
	}}

	if err := New("job-1", s, runner).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := s.GetJob("job-1")
	if job.Status != store.JobFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
	if job.CompletedUnits != 1 || job.FailedUnits != 1 {
		t.Errorf("counters = %d/%d, want 1/1", job.CompletedUnits, job.FailedUnits)
	}

	unit, _ := s.GetWorkUnit("u-bad")
	if unit.Status != store.UnitFailed {
		t.Errorf("unit status = %s, want failed", unit.Status)
	}
	if unit.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1 (one retry before giving up)", unit.RetryCount)
	}
}

func TestRunRetrySucceedsSecondTime(t *testing.T) {
	s := testStore(t)
	seedJob(t, s, []string{"u-flaky"}, nil)

	attempts := 0
	runner := &scriptRunner{run: func(payload map[string]any) *agent.Result {
		attempts++
		if attempts == 1 {
			return &agent.Result{Success: false, Error: "transient"}
		}
		return &agent.Result{Success: true}
	}}

	if err := New("job-1", s, runner).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := s.GetJob("job-1")
	if job.Status != store.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	unit, _ := s.GetWorkUnit("u-flaky")
	if unit.Status != store.UnitCompleted || unit.RetryCount != 1 {
		t.Errorf("unit = %s retries=%d, want completed with 1 retry", unit.Status, unit.RetryCount)
	}
}

func TestRunPostProcessing(t *testing.T) {
	s := testStore(t)
	seedJob(t, s, []string{"u-1"}, func(job *store.Job) {
		job.PostProcessingPrompt = "summarize {job_name}"
	})

	var postPayload map[string]any
	runner := &scriptRunner{run: func(payload map[string]any) *agent.Result {
		if payload["type"] == store.PostProcessingUnitType {
			postPayload = payload
		}
		return &agent.Result{Success: true}
	}}

	if err := New("job-1", s, runner).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := s.GetJob("job-1")
	if job.Status != store.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	if job.PostProcessingUnitID == "" {
		t.Fatal("synthesis unit not recorded on job")
	}
	if postPayload == nil {
		t.Fatal("synthesis unit never ran")
	}
	if postPayload["job_name"] != "executor test" || postPayload["completed_units"] != 1 {
		t.Errorf("synthesis payload = %v", postPayload)
	}

	postUnit, _ := s.GetWorkUnit(job.PostProcessingUnitID)
	if postUnit.Status != store.UnitCompleted {
		t.Errorf("synthesis unit status = %s", postUnit.Status)
	}
	// The synthesis unit must not inflate the per-unit counter.
	if job.CompletedUnits != 1 {
		t.Errorf("completed units = %d, want 1", job.CompletedUnits)
	}
}

func TestRunPostProcessingFailure(t *testing.T) {
	s := testStore(t)
	seedJob(t, s, []string{"u-1"}, func(job *store.Job) {
		job.PostProcessingPrompt = "summarize"
	})

	runner := &scriptRunner{run: func(payload map[string]any) *agent.Result {
		if payload["type"] == store.PostProcessingUnitType {
			return &agent.Result{Success: false, Error: "synthesis broke"}
		}
		return &agent.Result{Success: true}
	}}

	if err := New("job-1", s, runner).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := s.GetJob("job-1")
	if job.Status != store.JobFailed {
		t.Errorf("status = %s, want failed when synthesis fails", job.Status)
	}
}

func TestRunBypassFailures(t *testing.T) {
	s := testStore(t)
	seedJob(t, s, []string{"u-good", "u-bad"}, func(job *store.Job) {
		job.PostProcessingPrompt = "summarize"
		job.BypassFailures = true
	})

	runner := &scriptRunner{run: func(payload map[string]any) *agent.Result {
		if payload["id"] == "u-bad" {
			return &agent.Result{Success: false, Error: "broken"}
		}
		return &agent.Result{Success: true}
	}}

	if err := New("job-1", s, runner).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := s.GetJob("job-1")
	if job.Status != store.JobCompleted {
		t.Errorf("status = %s, want completed with bypassed failures", job.Status)
	}
	if job.FailedUnits != 1 {
		t.Errorf("failed units = %d, want 1", job.FailedUnits)
	}
}

func TestRunRecoversStrandedUnits(t *testing.T) {
	s := testStore(t)
	seedJob(t, s, nil, func(job *store.Job) {
		job.TotalUnits = 1
	})

	// Simulate a crashed previous run: unit stuck processing, worker stranded.
	now := time.Now()
	unit := &store.WorkUnit{
		UnitID:     "u-stuck",
		JobID:      "job-1",
		UnitType:   "item",
		Status:     store.UnitProcessing,
		Payload:    map[string]any{"id": "u-stuck"},
		CreatedAt:  now,
		StartedAt:  &now,
		WorkerID:   "w-dead",
		MaxRetries: 1,
	}
	if err := s.CreateWorkUnit(unit); err != nil {
		t.Fatalf("CreateWorkUnit: %v", err)
	}
	if err := s.CreateWorker(&store.WorkerProcess{
		WorkerID:      "w-dead",
		Status:        store.WorkerBusy,
		JobID:         "job-1",
		CurrentUnitID: "u-stuck",
		StartedAt:     now,
	}); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	if err := New("job-1", s, alwaysSucceed()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := s.GetJob("job-1")
	if job.Status != store.JobCompleted {
		t.Errorf("status = %s, want completed after recovery", job.Status)
	}
	got, _ := s.GetWorkUnit("u-stuck")
	if got.Status != store.UnitCompleted {
		t.Errorf("unit status = %s, want completed", got.Status)
	}
	w, _ := s.GetWorker("w-dead")
	if w.Status != store.WorkerTerminated {
		t.Errorf("stale worker status = %s, want terminated", w.Status)
	}
}

func TestRunMissingJob(t *testing.T) {
	s := testStore(t)
	if err := New("nope", s, alwaysSucceed()).Run(context.Background()); err == nil {
		t.Error("expected error for missing job")
	}
}
