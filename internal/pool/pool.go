// Package pool runs work units on a bounded set of concurrent workers, each
// worker driving one agent subprocess and streaming its progress into the
// store as it happens.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/batchpilot/internal/agent"
	"github.com/anthropics/batchpilot/internal/store"
)

const slotPollInterval = 100 * time.Millisecond

// Pool manages up to MaxWorkers concurrent unit executions for one job.
// A worker is a goroutine plus a bookkeeping row in the workers table; a new
// worker record is allocated per assignment.
type Pool struct {
	jobID      string
	runner     agent.Runner
	store      *store.Store
	logger     *store.JobLogger
	maxWorkers int

	// OnUnitComplete and OnUnitFailed run after the unit row has been
	// persisted with its terminal (or retried) state.
	OnUnitComplete func(unit *store.WorkUnit, res *agent.Result)
	OnUnitFailed   func(unit *store.WorkUnit, res *agent.Result)

	mu      sync.Mutex
	active  map[string]*store.WorkerProcess
	stopped bool
	wg      sync.WaitGroup
}

// New returns a pool for jobID executing units with runner.
func New(jobID string, runner agent.Runner, st *store.Store, maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Pool{
		jobID:      jobID,
		runner:     runner,
		store:      st,
		logger:     store.NewJobLogger(st, jobID, store.SourceWorker),
		maxWorkers: maxWorkers,
		active:     make(map[string]*store.WorkerProcess),
	}
}

// Submit assigns a unit to a new worker. Returns false when the pool is full.
// The rendered prompt is persisted at assignment so observers can inspect
// exactly what the agent was asked.
func (p *Pool) Submit(ctx context.Context, unit *store.WorkUnit, promptTemplate string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false, fmt.Errorf("pool is stopped")
	}
	if len(p.active) >= p.maxWorkers {
		return false, nil
	}

	now := time.Now()
	worker := &store.WorkerProcess{
		WorkerID:      uuid.NewString(),
		Status:        store.WorkerBusy,
		JobID:         p.jobID,
		CurrentUnitID: unit.UnitID,
		StartedAt:     now,
	}

	unit.Status = store.UnitAssigned
	unit.WorkerID = worker.WorkerID
	unit.AssignedAt = &now
	unit.RenderedPrompt = agent.RenderPrompt(promptTemplate, unit.Payload)

	if err := p.store.CreateWorker(worker); err != nil {
		return false, fmt.Errorf("failed to record worker: %w", err)
	}
	if err := p.store.UpdateWorkUnit(unit); err != nil {
		return false, fmt.Errorf("failed to assign unit: %w", err)
	}

	p.active[worker.WorkerID] = worker
	p.wg.Add(1)
	go p.execute(ctx, worker, unit)
	return true, nil
}

// WaitForSlot blocks until a worker slot is free or ctx is done.
func (p *Pool) WaitForSlot(ctx context.Context) error {
	for {
		p.mu.Lock()
		free := len(p.active) < p.maxWorkers
		p.mu.Unlock()
		if free {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(slotPollInterval):
		}
	}
}

// ActiveCount returns the number of in-flight workers.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// WaitForCompletion blocks until every in-flight worker has finished.
func (p *Pool) WaitForCompletion() {
	p.wg.Wait()
}

func (p *Pool) execute(ctx context.Context, worker *store.WorkerProcess, unit *store.WorkUnit) {
	defer p.wg.Done()
	defer p.release(worker)
	defer p.recoverPanic(worker, unit)

	p.logger.InfoUnit(unit.UnitID, worker.WorkerID,
		fmt.Sprintf("worker %.8s starting unit %.8s", worker.WorkerID, unit.UnitID))

	started := time.Now()
	unit.Status = store.UnitProcessing
	unit.StartedAt = &started
	if err := p.store.UpdateWorkUnit(unit); err != nil {
		p.logger.ErrorUnit(unit.UnitID, worker.WorkerID,
			fmt.Sprintf("failed to mark unit processing: %v", err))
	}

	// OnEvent runs on the goroutine driving the subprocess, so the unit
	// struct is mutated without locking. Streamed state is mirrored onto the
	// struct so the terminal update below writes it back rather than erasing
	// what AppendConversationEvent and SetUnitSessionID already stored.
	cb := agent.Callbacks{
		OnEvent: func(event map[string]any) {
			switch event["type"] {
			case "system":
				if event["subtype"] == "init" {
					if sid, ok := event["session_id"].(string); ok && sid != "" {
						unit.SessionID = sid
						_ = p.store.SetUnitSessionID(unit.UnitID, sid)
					}
				}
			case "user", "assistant", "tool_use", "tool_result":
				unit.Conversation = append(unit.Conversation, event)
				if _, err := p.store.AppendConversationEvent(unit.UnitID, event); err != nil {
					p.logger.Warningf("failed to append conversation event: %v", err)
				}
			}
		},
		OnProcessStart: func(pid int) {
			unit.ProcessID = &pid
			_ = p.store.SetUnitProcessID(unit.UnitID, &pid)
			worker.ProcessID = &pid
			_ = p.store.UpdateWorker(worker)
		},
	}

	res, err := p.runner.Run(ctx, unit.RenderedPrompt, unit.Payload, cb)
	if err != nil {
		res = &agent.Result{Success: false, Error: err.Error()}
	}

	completed := time.Now()
	elapsed := completed.Sub(started).Seconds()
	unit.CompletedAt = &completed
	unit.ExecutionTimeSeconds = &elapsed
	unit.ProcessID = nil
	if res.SessionID != "" {
		unit.SessionID = res.SessionID
	}
	if len(res.Conversation) > 0 {
		unit.Conversation = res.Conversation
	}
	unit.CostUSD = res.CostUSD
	unit.Result = map[string]any{
		"success":         res.Success,
		"result":          res.ResultText,
		"num_turns":       res.NumTurns,
		"return_code":     res.ReturnCode,
		"duration_ms":     res.DurationMS,
		"duration_api_ms": res.DurationAPIMS,
	}

	if res.Success {
		unit.Status = store.UnitCompleted
		worker.UnitsCompleted++
		worker.TotalExecutionTime += elapsed
		p.logger.InfoUnit(unit.UnitID, worker.WorkerID,
			fmt.Sprintf("worker %.8s completed unit %.8s in %.1fs", worker.WorkerID, unit.UnitID, elapsed))
	} else {
		unit.Status = store.UnitFailed
		unit.Error = res.Error
		unit.Result["error"] = res.Error
		worker.UnitsFailed++
		p.logger.ErrorUnit(unit.UnitID, worker.WorkerID,
			fmt.Sprintf("worker %.8s failed unit %.8s: %s", worker.WorkerID, unit.UnitID, res.Error))
	}

	if err := p.store.UpdateWorkUnit(unit); err != nil {
		p.logger.ErrorUnit(unit.UnitID, worker.WorkerID,
			fmt.Sprintf("failed to persist unit outcome: %v", err))
	}

	if res.Success {
		if p.OnUnitComplete != nil {
			p.OnUnitComplete(unit, res)
		}
	} else if p.OnUnitFailed != nil {
		p.OnUnitFailed(unit, res)
	}
}

func (p *Pool) recoverPanic(worker *store.WorkerProcess, unit *store.WorkUnit) {
	r := recover()
	if r == nil {
		return
	}

	now := time.Now()
	unit.Status = store.UnitFailed
	unit.Error = fmt.Sprintf("unexpected error: %v", r)
	unit.CompletedAt = &now
	unit.ProcessID = nil
	_ = p.store.UpdateWorkUnit(unit)

	worker.UnitsFailed++
	p.logger.ErrorUnit(unit.UnitID, worker.WorkerID,
		fmt.Sprintf("worker %.8s crashed on unit %.8s: %v", worker.WorkerID, unit.UnitID, r))

	if p.OnUnitFailed != nil {
		p.OnUnitFailed(unit, &agent.Result{Success: false, Error: unit.Error})
	}
}

func (p *Pool) release(worker *store.WorkerProcess) {
	now := time.Now()
	worker.Status = store.WorkerIdle
	worker.CurrentUnitID = ""
	worker.LastHeartbeat = &now
	_ = p.store.UpdateWorker(worker)

	p.mu.Lock()
	delete(p.active, worker.WorkerID)
	p.mu.Unlock()
}

// Stop rejects further submissions, waits for in-flight workers, and marks
// their records terminated.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, worker := range p.active {
		worker.Status = store.WorkerTerminated
		_ = p.store.UpdateWorker(worker)
	}
}
