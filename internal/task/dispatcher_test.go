package task

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"queenbee/internal/model"
	"queenbee/internal/protocol"
	"queenbee/internal/registry"
)

var errFakeSend = errors.New("send failed")

type fakeConn struct {
	mu     sync.Mutex
	frames []*protocol.Frame
	failed bool
}

func (c *fakeConn) SendFrame(f *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return errFakeSend
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) SendFrameTimeout(f *protocol.Frame, _ time.Duration) error {
	return c.SendFrame(f)
}

func (c *fakeConn) Close() error      { return nil }
func (c *fakeConn) RemoteAddr() string { return "test:0" }

func (c *fakeConn) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type completionLog struct {
	mu   sync.Mutex
	done []string
}

func (l *completionLog) TaskCompleted(taskID, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = append(l.done, taskID+":"+status)
}

func online(t *testing.T, reg *registry.Registry, id string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	reg.Register(registry.RegisterInfo{AgentID: id, Hostname: id, IP: "10.0.0.1", Conn: conn})
	return conn
}

func TestDispatchAndComplete(t *testing.T) {
	reg := registry.New(nil, nil)
	events := &completionLog{}
	d := NewDispatcher(reg, nil, events)

	a := online(t, reg, "agent-a")
	b := online(t, reg, "agent-b")

	task := d.Create(CreateOptions{
		ScriptName:  "uptime",
		Script:      "uptime",
		TargetHosts: []string{"agent-a", "agent-b"},
	})
	if task.Status() != model.TaskStatusPending {
		t.Fatalf("status = %s, want PENDING", task.Status())
	}

	if err := d.Dispatch(task.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if task.Status() != model.TaskStatusRunning {
		t.Fatalf("status = %s, want RUNNING", task.Status())
	}
	if a.sent() != 1 || b.sent() != 1 {
		t.Fatalf("expected one frame per target, got %d/%d", a.sent(), b.sent())
	}

	d.HandleResult(task.ID, "agent-a", &protocol.ExecutionResult{ExitCode: 0, Stdout: "ok"})
	if task.Status() != model.TaskStatusRunning {
		t.Fatal("task must stay RUNNING until every target reports")
	}
	d.HandleResult(task.ID, "agent-b", &protocol.ExecutionResult{ExitCode: 0})

	if task.Status() != model.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", task.Status())
	}
	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.done) != 1 || events.done[0] != task.ID+":"+model.TaskStatusCompleted {
		t.Fatalf("unexpected completion events: %v", events.done)
	}
}

func TestNonZeroExitFailsTask(t *testing.T) {
	reg := registry.New(nil, nil)
	d := NewDispatcher(reg, nil, nil)
	online(t, reg, "agent-a")
	online(t, reg, "agent-b")

	task := d.Create(CreateOptions{Script: "false", TargetHosts: []string{"agent-a", "agent-b"}})
	if err := d.Dispatch(task.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	d.HandleResult(task.ID, "agent-a", &protocol.ExecutionResult{ExitCode: 0})
	d.HandleResult(task.ID, "agent-b", &protocol.ExecutionResult{ExitCode: 2, Stderr: "boom"})

	if task.Status() != model.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", task.Status())
	}
}

func TestDispatchMissingTarget(t *testing.T) {
	reg := registry.New(nil, nil)
	d := NewDispatcher(reg, nil, nil)

	task := d.Create(CreateOptions{Script: "uptime", TargetHosts: []string{"nope"}})
	if err := d.Dispatch(task.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// The only slot is synthetic, so the task terminalizes during Dispatch.
	if task.Status() != model.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", task.Status())
	}
	res := task.Result("nope")
	if res == nil || res.ExitCode != -1 {
		t.Fatalf("expected synthetic -1 result, got %+v", res)
	}
	if !strings.HasPrefix(res.Stderr, "发送任务失败: ") {
		t.Fatalf("stderr = %q, want send-failure prefix", res.Stderr)
	}
}

func TestDispatchOfflineTarget(t *testing.T) {
	reg := registry.New(nil, nil)
	d := NewDispatcher(reg, nil, nil)

	conn := online(t, reg, "agent-a")
	reg.SetStatus("agent-a", model.AgentStatusOffline)

	task := d.Create(CreateOptions{Script: "uptime", TargetHosts: []string{"agent-a"}})
	if err := d.Dispatch(task.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if conn.sent() != 0 {
		t.Fatal("offline agent must not receive the frame")
	}
	if task.Status() != model.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", task.Status())
	}
}

func TestDispatchSendFailure(t *testing.T) {
	reg := registry.New(nil, nil)
	d := NewDispatcher(reg, nil, nil)

	conn := online(t, reg, "agent-a")
	conn.failed = true

	task := d.Create(CreateOptions{Script: "uptime", TargetHosts: []string{"agent-a"}})
	if err := d.Dispatch(task.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	res := task.Result("agent-a")
	if res == nil || res.ExitCode != -1 {
		t.Fatalf("expected synthetic result after send failure, got %+v", res)
	}
	if !strings.Contains(res.Stderr, errFakeSend.Error()) {
		t.Fatalf("stderr = %q, want wrapped send error", res.Stderr)
	}
}

func TestDoubleDispatchRejected(t *testing.T) {
	reg := registry.New(nil, nil)
	d := NewDispatcher(reg, nil, nil)
	online(t, reg, "agent-a")

	task := d.Create(CreateOptions{Script: "uptime", TargetHosts: []string{"agent-a"}})
	if err := d.Dispatch(task.ID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := d.Dispatch(task.ID); err == nil {
		t.Fatal("second dispatch should be rejected")
	}
}

func TestRetryClonesTask(t *testing.T) {
	reg := registry.New(nil, nil)
	d := NewDispatcher(reg, nil, nil)
	online(t, reg, "agent-a")
	online(t, reg, "agent-b")

	orig := d.Create(CreateOptions{
		ScriptName:    "deploy",
		Script:        "echo deploy",
		ScriptParams:  "-v",
		TargetHosts:   []string{"agent-a", "agent-b"},
		Timeout:       120,
		ExecutionUser: "ops",
		ProjectID:     7,
	})
	if err := d.Dispatch(orig.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	d.HandleResult(orig.ID, "agent-a", &protocol.ExecutionResult{ExitCode: 1, Stderr: "boom"})
	d.HandleResult(orig.ID, "agent-b", &protocol.ExecutionResult{ExitCode: 0})

	clone, err := d.Retry(orig.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if clone.ID == orig.ID {
		t.Fatal("retry must create a fresh task")
	}
	if clone.Status() != model.TaskStatusPending {
		t.Fatalf("status = %s, want PENDING", clone.Status())
	}
	if clone.ScriptName != "[重试] deploy" {
		t.Fatalf("script name = %q, want retry prefix", clone.ScriptName)
	}
	if clone.Script != orig.Script || clone.ScriptParams != orig.ScriptParams {
		t.Fatal("retry must carry the original script and params")
	}
	if clone.Timeout != orig.Timeout || clone.ExecutionUser != orig.ExecutionUser || clone.ProjectID != orig.ProjectID {
		t.Fatal("retry must carry timeout, execution user and project")
	}
	if len(clone.TargetHosts) != 2 || clone.TargetHosts[0] != "agent-a" || clone.TargetHosts[1] != "agent-b" {
		t.Fatalf("targets = %v, want the original targets", clone.TargetHosts)
	}

	if err := d.Dispatch(clone.ID); err != nil {
		t.Fatalf("dispatch clone: %v", err)
	}
	if clone.Status() != model.TaskStatusRunning {
		t.Fatalf("clone status = %s, want RUNNING", clone.Status())
	}
}

func TestRetryUnknownTask(t *testing.T) {
	reg := registry.New(nil, nil)
	d := NewDispatcher(reg, nil, nil)

	if _, err := d.Retry("no-such-task"); err == nil {
		t.Fatal("retrying an unknown task must fail")
	}
}

func TestCancelIdempotentAndDropsLateResults(t *testing.T) {
	reg := registry.New(nil, nil)
	d := NewDispatcher(reg, nil, nil)
	online(t, reg, "agent-a")

	task := d.Create(CreateOptions{Script: "sleep 600", TargetHosts: []string{"agent-a"}})
	if err := d.Dispatch(task.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := d.Cancel(task.ID, "用户取消"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if task.Status() != model.TaskStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", task.Status())
	}
	if err := d.Cancel(task.ID, "再次取消"); err != nil {
		t.Fatalf("repeated cancel must be a no-op, got %v", err)
	}

	d.HandleResult(task.ID, "agent-a", &protocol.ExecutionResult{ExitCode: 0})
	if task.Status() != model.TaskStatusCancelled {
		t.Fatal("late result must not resurrect a cancelled task")
	}
	if task.Result("agent-a") != nil {
		t.Fatal("late result must be dropped")
	}
}
