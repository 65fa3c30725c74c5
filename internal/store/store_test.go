package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testJob(id string) *Job {
	return &Job{
		JobID:                id,
		Name:                 "test job",
		Description:          "process things",
		Status:               JobCreated,
		WorkerPromptTemplate: "process {file_path}",
		UnitType:             "file",
		TotalUnits:           3,
		MaxWorkers:           2,
		CreatedAt:            time.Now(),
		OutputStrategy:       "individual",
		Metadata:             map[string]any{"max_retries": 3},
	}
}

func testUnit(id, jobID string, created time.Time) *WorkUnit {
	return &WorkUnit{
		UnitID:     id,
		JobID:      jobID,
		UnitType:   "file",
		Status:     UnitPending,
		Payload:    map[string]any{"file_path": "/tmp/" + id + ".txt"},
		CreatedAt:  created,
		MaxRetries: 3,
	}
}

func TestJobRoundTrip(t *testing.T) {
	s := testStore(t)

	job := testJob("job-1")
	job.PostProcessingPrompt = "summarize everything"
	job.BypassFailures = true
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil {
		t.Fatal("GetJob returned nil")
	}
	if got.Name != "test job" || got.Status != JobCreated {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.PostProcessingPrompt != "summarize everything" {
		t.Errorf("post processing prompt not persisted: %q", got.PostProcessingPrompt)
	}
	if !got.BypassFailures {
		t.Error("bypass_failures not persisted")
	}
	if got.MetaInt("max_retries", 0) != 3 {
		t.Errorf("metadata not persisted: %v", got.Metadata)
	}

	got.Status = JobRunning
	now := time.Now()
	got.StartedAt = &now
	got.SetMeta(MetaExecutorPID, 12345)
	if err := s.UpdateJob(got); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	again, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if again.Status != JobRunning {
		t.Errorf("status = %s, want running", again.Status)
	}
	if again.StartedAt == nil {
		t.Error("started_at not persisted")
	}
	if again.ExecutorPID() != 12345 {
		t.Errorf("ExecutorPID = %d, want 12345", again.ExecutorPID())
	}
}

func TestGetJobMissing(t *testing.T) {
	s := testStore(t)
	job, err := s.GetJob("nope")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job != nil {
		t.Errorf("expected nil for missing job, got %+v", job)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	s := testStore(t)

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		job := testJob(id)
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateJob(job); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	jobs, err := s.ListJobs(10, "")
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	if jobs[0].JobID != "new" || jobs[2].JobID != "old" {
		t.Errorf("wrong order: %s, %s, %s", jobs[0].JobID, jobs[1].JobID, jobs[2].JobID)
	}

	running, err := s.ListJobs(10, JobRunning)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(running) != 0 {
		t.Errorf("got %d running jobs, want 0", len(running))
	}
}

func TestWorkUnitRoundTrip(t *testing.T) {
	s := testStore(t)
	if err := s.CreateJob(testJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	unit := testUnit("unit-1", "job-1", time.Now())
	if err := s.CreateWorkUnit(unit); err != nil {
		t.Fatalf("CreateWorkUnit: %v", err)
	}

	got, err := s.GetWorkUnit("unit-1")
	if err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
	if got.Payload["file_path"] != "/tmp/unit-1.txt" {
		t.Errorf("payload not round-tripped: %v", got.Payload)
	}
	if len(got.OutputFiles) != 0 {
		t.Errorf("expected empty output files, got %v", got.OutputFiles)
	}

	now := time.Now()
	elapsed := 4.2
	cost := 0.015
	pid := 4242
	got.Status = UnitCompleted
	got.CompletedAt = &now
	got.ExecutionTimeSeconds = &elapsed
	got.CostUSD = &cost
	got.ProcessID = &pid
	got.SessionID = "sess-1"
	got.Result = map[string]any{"success": true}
	if err := s.UpdateWorkUnit(got); err != nil {
		t.Fatalf("UpdateWorkUnit: %v", err)
	}

	again, err := s.GetWorkUnit("unit-1")
	if err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
	if again.Status != UnitCompleted {
		t.Errorf("status = %s, want completed", again.Status)
	}
	if again.CostUSD == nil || *again.CostUSD != 0.015 {
		t.Errorf("cost not persisted: %v", again.CostUSD)
	}
	if again.ProcessID == nil || *again.ProcessID != 4242 {
		t.Errorf("process_id not persisted: %v", again.ProcessID)
	}
	if again.SessionID != "sess-1" {
		t.Errorf("session_id = %q", again.SessionID)
	}
}

func TestGetPendingUnitsOldestFirst(t *testing.T) {
	s := testStore(t)
	if err := s.CreateJob(testJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	base := time.Now()
	offsets := map[string]int{"u-a": 0, "u-b": 1, "u-c": 2}
	// Insert out of creation order to prove the query sorts.
	for _, id := range []string{"u-c", "u-a", "u-b"} {
		unit := testUnit(id, "job-1", base.Add(time.Duration(offsets[id])*time.Second))
		if err := s.CreateWorkUnit(unit); err != nil {
			t.Fatalf("CreateWorkUnit: %v", err)
		}
	}

	done := testUnit("u-done", "job-1", base.Add(-time.Second))
	done.Status = UnitCompleted
	if err := s.CreateWorkUnit(done); err != nil {
		t.Fatalf("CreateWorkUnit: %v", err)
	}

	pending, err := s.GetPendingUnits("job-1", 2)
	if err != nil {
		t.Fatalf("GetPendingUnits: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending, want 2", len(pending))
	}
	if pending[0].UnitID != "u-a" || pending[1].UnitID != "u-b" {
		t.Errorf("wrong order: %s, %s", pending[0].UnitID, pending[1].UnitID)
	}
}

func TestResetStuckUnits(t *testing.T) {
	s := testStore(t)
	if err := s.CreateJob(testJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	now := time.Now()
	stuck := testUnit("u-stuck", "job-1", now)
	stuck.Status = UnitProcessing
	stuck.WorkerID = "w-1"
	stuck.AssignedAt = &now
	stuck.StartedAt = &now
	assigned := testUnit("u-assigned", "job-1", now)
	assigned.Status = UnitAssigned
	ok := testUnit("u-done", "job-1", now)
	ok.Status = UnitCompleted
	for _, u := range []*WorkUnit{stuck, assigned, ok} {
		if err := s.CreateWorkUnit(u); err != nil {
			t.Fatalf("CreateWorkUnit: %v", err)
		}
	}

	n, err := s.ResetStuckUnits("job-1")
	if err != nil {
		t.Fatalf("ResetStuckUnits: %v", err)
	}
	if n != 2 {
		t.Errorf("reset %d units, want 2", n)
	}

	got, _ := s.GetWorkUnit("u-stuck")
	if got.Status != UnitPending || got.WorkerID != "" || got.AssignedAt != nil || got.StartedAt != nil {
		t.Errorf("unit not fully reset: %+v", got)
	}

	// Running it again finds nothing.
	n, err = s.ResetStuckUnits("job-1")
	if err != nil {
		t.Fatalf("ResetStuckUnits: %v", err)
	}
	if n != 0 {
		t.Errorf("second reset touched %d units, want 0", n)
	}
}

func TestAppendConversationEvent(t *testing.T) {
	s := testStore(t)
	if err := s.CreateJob(testJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateWorkUnit(testUnit("unit-1", "job-1", time.Now())); err != nil {
		t.Fatalf("CreateWorkUnit: %v", err)
	}

	for i, text := range []string{"first", "second"} {
		found, err := s.AppendConversationEvent("unit-1", map[string]any{
			"type": "assistant",
			"seq":  i,
			"text": text,
		})
		if err != nil {
			t.Fatalf("AppendConversationEvent: %v", err)
		}
		if !found {
			t.Fatal("expected unit to be found")
		}
	}

	unit, _ := s.GetWorkUnit("unit-1")
	if len(unit.Conversation) != 2 {
		t.Fatalf("got %d events, want 2", len(unit.Conversation))
	}
	if unit.Conversation[1]["text"] != "second" {
		t.Errorf("events out of order: %v", unit.Conversation)
	}

	found, err := s.AppendConversationEvent("missing", map[string]any{"type": "assistant"})
	if err != nil {
		t.Fatalf("AppendConversationEvent: %v", err)
	}
	if found {
		t.Error("expected found=false for missing unit")
	}
}

func TestCountUnitsByStatus(t *testing.T) {
	s := testStore(t)
	if err := s.CreateJob(testJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	statuses := []UnitStatus{UnitPending, UnitPending, UnitCompleted, UnitFailed}
	for i, st := range statuses {
		unit := testUnit(string(rune('a'+i)), "job-1", time.Now())
		unit.Status = st
		if err := s.CreateWorkUnit(unit); err != nil {
			t.Fatalf("CreateWorkUnit: %v", err)
		}
	}

	counts, err := s.CountUnitsByStatus("job-1")
	if err != nil {
		t.Fatalf("CountUnitsByStatus: %v", err)
	}
	if counts[UnitPending] != 2 || counts[UnitCompleted] != 1 || counts[UnitFailed] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestJobTotalCost(t *testing.T) {
	s := testStore(t)
	if err := s.CreateJob(testJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	total, err := s.JobTotalCost("job-1")
	if err != nil {
		t.Fatalf("JobTotalCost: %v", err)
	}
	if total != nil {
		t.Errorf("expected nil total with no costs, got %v", *total)
	}

	for i, cost := range []float64{0.01, 0.02} {
		unit := testUnit(string(rune('a'+i)), "job-1", time.Now())
		unit.CostUSD = &cost
		if err := s.CreateWorkUnit(unit); err != nil {
			t.Fatalf("CreateWorkUnit: %v", err)
		}
	}

	total, err = s.JobTotalCost("job-1")
	if err != nil {
		t.Fatalf("JobTotalCost: %v", err)
	}
	if total == nil || *total < 0.029 || *total > 0.031 {
		t.Errorf("total = %v, want ~0.03", total)
	}
}

func TestMigrateExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.CreateJob(testJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	s.Close()

	// Reopening runs the migration path against an existing schema.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	job, err := s2.GetJob("job-1")
	if err != nil || job == nil {
		t.Fatalf("job lost across reopen: %v", err)
	}
}
