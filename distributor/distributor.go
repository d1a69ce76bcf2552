// Package distributor implements task distribution: a pending queue,
// capability matching, least-load assignment, bounded retry, and a result
// channel surfacing terminal tasks to the external executor.
package distributor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/justSteve/claude-flow/core"
	"github.com/justSteve/claude-flow/observability"
)

// Guard approves an assignment before it takes effect. The coordinator
// installs a consensus proposal here when concurrent coordinators could race
// on the same task; a guard error leaves the task pending.
type Guard func(ctx context.Context, task core.Task, agentID string) error

// Config bounds the retry and result-delivery behavior.
type Config struct {
	// MaxAttempts is how many assignments a task gets before it is failed
	// terminally.
	MaxAttempts int
	// ResultBuffer sizes the terminal-task channel.
	ResultBuffer int
}

// DefaultConfig returns the settings used by the coordinator.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, ResultBuffer: 64}
}

// Distributor owns all task state for one group. Agents are snapshotted from
// the membership registry through the provider at every assignment.
type Distributor struct {
	mu      sync.Mutex
	cfg     Config
	groupID string
	agents  func() []core.Agent
	guard   Guard
	sink    *observability.Sink

	pending []string
	tasks   map[string]*core.Task
	load    map[string]int
	results chan core.Task
}

// New creates a distributor. The agents provider must return the active
// membership sorted by agent id; the sink may be nil.
func New(groupID string, cfg Config, agents func() []core.Agent, sink *observability.Sink) *Distributor {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Distributor{
		cfg:     cfg,
		groupID: groupID,
		agents:  agents,
		sink:    sink,
		tasks:   make(map[string]*core.Task),
		load:    make(map[string]int),
		results: make(chan core.Task, cfg.ResultBuffer),
	}
}

// SetGuard installs the assignment guard. Pass nil to clear it.
func (d *Distributor) SetGuard(g Guard) {
	d.mu.Lock()
	d.guard = g
	d.mu.Unlock()
}

// Results delivers tasks as they reach a terminal status.
func (d *Distributor) Results() <-chan core.Task {
	return d.results
}

// Submit enqueues a task as pending and returns its id.
func (d *Distributor) Submit(task core.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = core.TaskPending
	task.SubmittedAt = time.Now()

	d.mu.Lock()
	if _, exists := d.tasks[task.ID]; exists {
		d.mu.Unlock()
		return "", fmt.Errorf("task %s already submitted", task.ID)
	}
	d.tasks[task.ID] = &task
	d.pending = append(d.pending, task.ID)
	d.mu.Unlock()

	d.emit("TASK_SUBMITTED", map[string]any{"task": task.ID})
	return task.ID, nil
}

// AssignNext matches the task at the head of the pending queue to the
// eligible agent with the smallest in-flight load, ties broken by agent id.
// The task stays pending and ErrNoEligibleAgent is returned when no active
// agent covers its required capabilities.
func (d *Distributor) AssignNext(ctx context.Context) (core.Task, error) {
	agents := d.agents()

	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return core.Task{}, fmt.Errorf("no pending tasks: %w", core.ErrNotFound)
	}
	task := d.tasks[d.pending[0]]

	candidate := ""
	best := 0
	for _, agent := range agents {
		if agent.Status != core.AgentActive || !agent.HasCapabilities(task.Required) {
			continue
		}
		// The provider returns agents sorted by id, so a strict < keeps the
		// lowest id on load ties.
		if candidate == "" || d.load[agent.ID] < best {
			candidate = agent.ID
			best = d.load[agent.ID]
		}
	}
	if candidate == "" {
		d.mu.Unlock()
		return core.Task{}, fmt.Errorf("task %s: %w", task.ID, core.ErrNoEligibleAgent)
	}
	guard := d.guard
	snapshot := *task
	d.mu.Unlock()

	if guard != nil {
		if err := guard(ctx, snapshot, candidate); err != nil {
			return core.Task{}, fmt.Errorf("assignment of task %s to %s rejected: %w", snapshot.ID, candidate, err)
		}
	}

	d.mu.Lock()
	// Re-check under lock: the queue may have moved while the guard ran.
	if task.Status != core.TaskPending && task.Status != core.TaskRequeued {
		d.mu.Unlock()
		return core.Task{}, fmt.Errorf("task %s no longer assignable", task.ID)
	}
	d.dropPending(task.ID)
	task.Status = core.TaskAssigned
	task.AssignedTo = candidate
	task.Attempts++
	task.LastAssigned = time.Now()
	d.load[candidate]++
	assigned := *task
	d.mu.Unlock()

	d.emit("TASK_ASSIGNED", map[string]any{"task": assigned.ID, "agent": candidate, "attempt": assigned.Attempts})
	return assigned, nil
}

// Start marks an assigned task as in progress.
func (d *Distributor) Start(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
	}
	if task.Status != core.TaskAssigned {
		return fmt.Errorf("task %s is %s, not assigned", taskID, task.Status)
	}
	task.Status = core.TaskInProgress
	return nil
}

// Complete finishes a task with its result and releases the agent's load.
func (d *Distributor) Complete(taskID string, result json.RawMessage) error {
	d.mu.Lock()
	task, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
	}
	if task.Status != core.TaskAssigned && task.Status != core.TaskInProgress {
		d.mu.Unlock()
		return fmt.Errorf("task %s is %s, not in flight", taskID, task.Status)
	}
	d.releaseLoad(task.AssignedTo)
	task.Status = core.TaskCompleted
	task.Result = result
	done := *task
	d.mu.Unlock()

	d.emit("TASK_COMPLETED", map[string]any{"task": taskID, "agent": done.AssignedTo})
	d.deliver(done)
	return nil
}

// Fail records a failed attempt. The task is requeued until MaxAttempts is
// exhausted, then moved to terminal failed and delivered exactly once on the
// result channel.
func (d *Distributor) Fail(taskID, reason string) error {
	d.mu.Lock()
	task, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
	}
	if task.Status != core.TaskAssigned && task.Status != core.TaskInProgress {
		d.mu.Unlock()
		return fmt.Errorf("task %s is %s, not in flight", taskID, task.Status)
	}
	d.releaseLoad(task.AssignedTo)
	task.AssignedTo = ""
	task.FailReason = reason

	if task.Attempts >= d.cfg.MaxAttempts {
		task.Status = core.TaskFailed
		done := *task
		d.mu.Unlock()
		d.emit("TASK_FAILED", map[string]any{"task": taskID, "reason": reason, "attempts": done.Attempts})
		d.deliver(done)
		return nil
	}

	task.Status = core.TaskRequeued
	d.pending = append(d.pending, taskID)
	d.mu.Unlock()

	d.emit("TASK_REQUEUED", map[string]any{"task": taskID, "reason": reason})
	return nil
}

// ReleaseAgent requeues every in-flight task held by a failed or departed
// agent. Agent failure does not count against the task's attempt budget.
// Returns the ids of the requeued tasks.
func (d *Distributor) ReleaseAgent(agentID string) []string {
	d.mu.Lock()
	var released []string
	for id, task := range d.tasks {
		if task.AssignedTo != agentID {
			continue
		}
		if task.Status != core.TaskAssigned && task.Status != core.TaskInProgress {
			continue
		}
		task.Status = core.TaskRequeued
		task.AssignedTo = ""
		task.Attempts--
		d.pending = append(d.pending, id)
		released = append(released, id)
	}
	delete(d.load, agentID)
	d.mu.Unlock()

	for _, id := range released {
		d.emit("TASK_REQUEUED", map[string]any{"task": id, "agent": agentID, "reason": "agent failed"})
	}
	return released
}

// Task returns a copy of the task's current state.
func (d *Distributor) Task(taskID string) (core.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[taskID]
	if !ok {
		return core.Task{}, false
	}
	return *task, true
}

// Pending returns the number of queued tasks.
func (d *Distributor) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Load returns an agent's in-flight task count.
func (d *Distributor) Load(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load[agentID]
}

func (d *Distributor) dropPending(taskID string) {
	for i, id := range d.pending {
		if id == taskID {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return
		}
	}
}

func (d *Distributor) releaseLoad(agentID string) {
	if d.load[agentID] > 0 {
		d.load[agentID]--
	}
}

func (d *Distributor) deliver(task core.Task) {
	select {
	case d.results <- task:
	default:
		log.Printf("Result channel full, dropping terminal task %s", task.ID)
	}
}

func (d *Distributor) emit(eventType string, fields map[string]any) {
	if d.sink != nil {
		d.sink.Emit(eventType, d.groupID, fields)
	}
}
