package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"queenbee/internal/model"
	"queenbee/internal/protocol"
	"queenbee/internal/registry"
)

// sendFailPrefix is the stderr prefix of a synthetic result recorded when a
// target never received the task.
const sendFailPrefix = "发送任务失败: "

// Events receives task lifecycle notifications; may be nil.
type Events interface {
	TaskCompleted(taskID, status string)
}

// Dispatcher creates fan-out tasks, emits execute_task frames and folds
// per-agent results into the aggregate. Dispatch is not idempotent per
// (task, agent): retries create a fresh task.
type Dispatcher struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	registry *registry.Registry
	db       *gorm.DB
	events   Events
}

// NewDispatcher creates a task dispatcher
func NewDispatcher(reg *registry.Registry, gdb *gorm.DB, events Events) *Dispatcher {
	return &Dispatcher{
		tasks:    make(map[string]*Task),
		registry: reg,
		db:       gdb,
		events:   events,
	}
}

// CreateOptions carries the caller-resolved task parameters. Target ids are
// expanded by the caller; the dispatcher does not resolve groups.
type CreateOptions struct {
	ScriptName    string
	Script        string
	ScriptParams  string
	TargetHosts   []string
	Timeout       int
	ExecutionUser string
	ProjectID     int
}

// Create seeds a PENDING task and persists it immediately so it is visible
// before any agent replies.
func (d *Dispatcher) Create(opts CreateOptions) *Task {
	if opts.Timeout <= 0 {
		opts.Timeout = 7200
	}
	if opts.ExecutionUser == "" {
		opts.ExecutionUser = "root"
	}
	if opts.ScriptName == "" {
		opts.ScriptName = "未命名任务"
	}

	t := &Task{
		ID:            uuid.NewString(),
		ScriptName:    opts.ScriptName,
		Script:        opts.Script,
		ScriptParams:  opts.ScriptParams,
		TargetHosts:   opts.TargetHosts,
		Timeout:       opts.Timeout,
		ExecutionUser: opts.ExecutionUser,
		ProjectID:     opts.ProjectID,
		status:        model.TaskStatusPending,
		createdAt:     time.Now(),
		results:       make(map[string]*protocol.ExecutionResult),
	}

	d.mu.Lock()
	d.tasks[t.ID] = t
	d.mu.Unlock()

	d.persist(t)
	log.Printf("[Dispatcher] Task %s created (%d targets)", t.ID, len(t.TargetHosts))
	return t
}

// Get returns an in-memory task by id, or nil.
func (d *Dispatcher) Get(taskID string) *Task {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tasks[taskID]
}

// Dispatch emits execute_task to every target. Targets that are missing or
// not ONLINE get a synthetic exit-code -1 result recorded synchronously; a
// task whose every slot is synthetic terminalizes here.
func (d *Dispatcher) Dispatch(taskID string) error {
	t := d.Get(taskID)
	if t == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	now := time.Now()
	t.mu.Lock()
	if t.status != model.TaskStatusPending {
		t.mu.Unlock()
		return fmt.Errorf("task %s already dispatched (status=%s)", taskID, t.status)
	}
	t.status = model.TaskStatusRunning
	t.startedAt = &now
	t.mu.Unlock()
	d.persist(t)

	frame := &protocol.Frame{
		Type:          protocol.TypeExecuteTask,
		TaskID:        t.ID,
		Script:        t.Script,
		ScriptParams:  t.ScriptParams,
		Timeout:       t.Timeout,
		ExecutionUser: t.ExecutionUser,
	}

	for _, target := range t.TargetHosts {
		sess := d.registry.Lookup(target)
		if sess == nil || sess.Status() != model.AgentStatusOnline {
			d.recordSyntheticFailure(t, target, "agent不在线或不存在")
			continue
		}
		if err := sess.Conn.SendFrame(frame); err != nil {
			log.Printf("[Dispatcher] Failed to send task %s to %s: %v", t.ID, target, err)
			d.recordSyntheticFailure(t, target, err.Error())
			continue
		}
		log.Printf("[Dispatcher] Task %s sent to %s", t.ID, target)
	}

	// All targets may have failed synchronously.
	t.mu.Lock()
	terminal := t.terminalizeLocked(time.Now())
	status := t.status
	t.mu.Unlock()
	if terminal {
		d.finish(t, status)
	}
	return nil
}

func (d *Dispatcher) recordSyntheticFailure(t *Task, agentID, reason string) {
	t.mu.Lock()
	t.results[agentID] = &protocol.ExecutionResult{
		ExitCode: -1,
		Stderr:   sendFailPrefix + reason,
	}
	t.mu.Unlock()
}

// HandleResult folds one task_result frame into the aggregate.
// Last-writer-wins per agent slot; results arriving after cancellation are
// dropped.
func (d *Dispatcher) HandleResult(taskID, agentID string, result *protocol.ExecutionResult) {
	t := d.Get(taskID)
	if t == nil || result == nil {
		log.Printf("[Dispatcher] Result for unknown task %s from %s dropped", taskID, agentID)
		return
	}

	t.mu.Lock()
	if t.status == model.TaskStatusCancelled {
		t.mu.Unlock()
		log.Printf("[Dispatcher] Task %s cancelled, dropping late result from %s", taskID, agentID)
		return
	}
	t.results[agentID] = result
	terminal := t.terminalizeLocked(time.Now())
	status := t.status
	t.mu.Unlock()

	if terminal {
		log.Printf("[Dispatcher] Task %s finished: %s", taskID, status)
		d.finish(t, status)
	}
}

func (d *Dispatcher) finish(t *Task, status string) {
	d.persist(t)
	if d.events != nil {
		d.events.TaskCompleted(t.ID, status)
	}
}

// Retry clones a task into a fresh PENDING copy carrying the original
// script, params and targets. The in-memory record wins; finished tasks that
// only survive in execution_history are cloned from the row.
func (d *Dispatcher) Retry(taskID string) (*Task, error) {
	if t := d.Get(taskID); t != nil {
		return d.Create(CreateOptions{
			ScriptName:    "[重试] " + t.ScriptName,
			Script:        t.Script,
			ScriptParams:  t.ScriptParams,
			TargetHosts:   append([]string(nil), t.TargetHosts...),
			Timeout:       t.Timeout,
			ExecutionUser: t.ExecutionUser,
			ProjectID:     t.ProjectID,
		}), nil
	}

	if d.db == nil {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	var row model.ExecutionHistory
	if err := d.db.First(&row, "id = ?", taskID).Error; err != nil {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	var targets []string
	if err := json.Unmarshal(row.TargetHosts, &targets); err != nil || len(targets) == 0 {
		return nil, fmt.Errorf("task %s has no targets to retry", taskID)
	}
	return d.Create(CreateOptions{
		ScriptName:    "[重试] " + row.ScriptName,
		Script:        row.ScriptContent,
		ScriptParams:  row.ScriptParams,
		TargetHosts:   targets,
		Timeout:       row.Timeout,
		ExecutionUser: row.ExecutionUser,
		ProjectID:     row.ProjectID,
	}), nil
}

// Cancel forces CANCELLED. Cancelling an already-terminal task is a no-op so
// repeated cancellation is idempotent. No abort frame is sent to agents.
func (d *Dispatcher) Cancel(taskID, reason string) error {
	t := d.Get(taskID)
	if t == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	now := time.Now()
	t.mu.Lock()
	if t.isTerminal() {
		t.mu.Unlock()
		return nil
	}
	t.status = model.TaskStatusCancelled
	t.completedAt = &now
	t.errorMessage = reason
	t.mu.Unlock()

	log.Printf("[Dispatcher] Task %s cancelled: %s", taskID, reason)
	d.persist(t)
	return nil
}

// Delete drops a task from memory and removes its history row. Used by the
// one-shot script path.
func (d *Dispatcher) Delete(taskID string) {
	d.mu.Lock()
	delete(d.tasks, taskID)
	d.mu.Unlock()

	if d.db != nil {
		if err := d.db.Delete(&model.ExecutionHistory{}, "id = ?", taskID).Error; err != nil {
			log.Printf("[Dispatcher] Failed to delete history row %s: %v", taskID, err)
		}
	}
}

// RunScript is the synchronous one-shot path used by the job engine: create,
// dispatch, poll the single target's slot at 500ms up to timeout+10s, then
// delete the task and return the result.
func (d *Dispatcher) RunScript(ctx context.Context, agentID, script, params string, timeoutSec int, execUser string) (*protocol.ExecutionResult, error) {
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	t := d.Create(CreateOptions{
		ScriptName:    "一次性脚本",
		Script:        script,
		ScriptParams:  params,
		TargetHosts:   []string{agentID},
		Timeout:       timeoutSec,
		ExecutionUser: execUser,
	})
	defer d.Delete(t.ID)

	if err := d.Dispatch(t.ID); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(time.Duration(timeoutSec+10) * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if res := t.Result(agentID); res != nil {
			return res, nil
		}
		if time.Now().After(deadline) {
			return &protocol.ExecutionResult{
				ExitCode: -1,
				Stderr:   fmt.Sprintf("执行超时 (%ds)", timeoutSec),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// persist mirrors the task into execution_history. Failure is logged only;
// the in-memory task remains authoritative.
func (d *Dispatcher) persist(t *Task) {
	if d.db == nil {
		return
	}
	if err := d.db.Save(t.row()).Error; err != nil {
		log.Printf("[Dispatcher] Failed to persist task %s: %v", t.ID, err)
	}
}
