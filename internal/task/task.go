package task

import (
	"encoding/json"
	"sync"
	"time"

	"queenbee/internal/model"
	"queenbee/internal/protocol"
)

// Task is the in-memory aggregate of one fan-out execution. It stays
// authoritative for the life of the process; the execution_history row is a
// best-effort mirror.
type Task struct {
	ID            string
	ScriptName    string
	Script        string
	ScriptParams  string
	TargetHosts   []string
	Timeout       int
	ExecutionUser string
	ProjectID     int

	mu           sync.Mutex
	status       string
	createdAt    time.Time
	startedAt    *time.Time
	completedAt  *time.Time
	results      map[string]*protocol.ExecutionResult
	errorMessage string
}

// Status returns the current lifecycle state.
func (t *Task) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Results returns a copy of the per-agent results map.
func (t *Task) Results() map[string]*protocol.ExecutionResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*protocol.ExecutionResult, len(t.results))
	for k, v := range t.results {
		out[k] = v
	}
	return out
}

// Result returns one agent's slot, or nil.
func (t *Task) Result(agentID string) *protocol.ExecutionResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.results[agentID]
}

func (t *Task) isTerminal() bool {
	switch t.status {
	case model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusCancelled:
		return true
	}
	return false
}

// terminalizeLocked resolves the final status once every target has a
// result slot. Caller holds t.mu.
func (t *Task) terminalizeLocked(now time.Time) bool {
	if t.isTerminal() || len(t.results) < len(t.TargetHosts) {
		return false
	}
	status := model.TaskStatusCompleted
	for _, r := range t.results {
		if r.ExitCode != 0 {
			status = model.TaskStatusFailed
			break
		}
	}
	t.status = status
	t.completedAt = &now
	return true
}

// row converts the task into its durable form.
func (t *Task) row() *model.ExecutionHistory {
	t.mu.Lock()
	defer t.mu.Unlock()

	targets, _ := json.Marshal(t.TargetHosts)
	results, _ := json.Marshal(t.results)

	return &model.ExecutionHistory{
		ID:            t.ID,
		ScriptName:    t.ScriptName,
		ScriptContent: t.Script,
		ScriptParams:  t.ScriptParams,
		TargetHosts:   targets,
		ProjectID:     t.ProjectID,
		Status:        t.status,
		CreatedAt:     t.createdAt,
		StartedAt:     t.startedAt,
		CompletedAt:   t.completedAt,
		Timeout:       t.Timeout,
		ExecutionUser: t.ExecutionUser,
		Results:       results,
		ErrorMessage:  t.errorMessage,
	}
}
