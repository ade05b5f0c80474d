package registry

import (
	"sync"
	"testing"
	"time"

	"queenbee/internal/model"
	"queenbee/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	addr   string
	closed bool
	frames []*protocol.Frame
}

func (f *fakeConn) SendFrame(fr *protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) SendFrameTimeout(fr *protocol.Frame, _ time.Duration) error {
	return f.SendFrame(fr)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) RemoteAddr() string { return f.addr }

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type eventLog struct {
	mu           sync.Mutex
	statuses     []model.AgentStatus
	registered   []string
	unregistered []string
}

func (e *eventLog) AgentStatusChanged(agentID string, status model.AgentStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = append(e.statuses, status)
}

func (e *eventLog) AgentRegistered(agentID, hostname, ip string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registered = append(e.registered, agentID)
}

func (e *eventLog) AgentUnregistered(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unregistered = append(e.unregistered, agentID)
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(nil, nil)
	conn := &fakeConn{addr: "10.0.0.1:1234"}

	sess := r.Register(RegisterInfo{AgentID: "a1", Hostname: "host1", IP: "10.0.0.1", Conn: conn})
	if sess == nil {
		t.Fatal("Register returned nil session")
	}
	if got := r.Lookup("a1"); got != sess {
		t.Error("Lookup did not return the registered session")
	}
	if sess.Status() != model.AgentStatusOnline {
		t.Errorf("New session status = %s, want ONLINE", sess.Status())
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestRegisterReplacesPreviousSession(t *testing.T) {
	r := New(nil, nil)
	oldConn := &fakeConn{addr: "10.0.0.1:1111"}
	newConn := &fakeConn{addr: "10.0.0.1:2222"}

	r.Register(RegisterInfo{AgentID: "a1", Conn: oldConn})
	sess2 := r.Register(RegisterInfo{AgentID: "a1", Conn: newConn})

	if !oldConn.isClosed() {
		t.Error("Previous connection was not closed on re-register")
	}
	if newConn.isClosed() {
		t.Error("New connection must stay open")
	}
	if r.Lookup("a1") != sess2 {
		t.Error("Lookup must return the newer session")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1 after replacement", r.Count())
	}
}

func TestRemoveIgnoresStaleSession(t *testing.T) {
	r := New(nil, nil)
	events := &eventLog{}
	r.events = events

	sess1 := r.Register(RegisterInfo{AgentID: "a1", Conn: &fakeConn{}})
	sess2 := r.Register(RegisterInfo{AgentID: "a1", Conn: &fakeConn{}})

	// The replaced session's disconnect path must not remove the live one.
	r.Remove("a1", sess1)
	if r.Lookup("a1") != sess2 {
		t.Fatal("Stale Remove dropped the live session")
	}

	r.Remove("a1", sess2)
	if r.Lookup("a1") != nil {
		t.Error("Remove did not drop the current session")
	}
	if len(events.unregistered) != 1 {
		t.Errorf("AgentUnregistered fired %d times, want 1", len(events.unregistered))
	}
}

func TestTouchHeartbeatMonotonic(t *testing.T) {
	r := New(nil, nil)
	sess := r.Register(RegisterInfo{AgentID: "a1", Conn: &fakeConn{}})

	later := time.Now().Add(10 * time.Second)
	sess.TouchHeartbeat(later)
	sess.TouchHeartbeat(later.Add(-5 * time.Second))

	if !sess.LastHeartbeat().Equal(later) {
		t.Errorf("LastHeartbeat = %v, want %v (must never move backwards)", sess.LastHeartbeat(), later)
	}
}

func TestSetStatusSkipsNoopTransition(t *testing.T) {
	r := New(nil, nil)
	events := &eventLog{}
	r.events = events

	r.Register(RegisterInfo{AgentID: "a1", Conn: &fakeConn{}})
	before := len(events.statuses)

	r.SetStatus("a1", model.AgentStatusOnline) // already ONLINE
	if len(events.statuses) != before {
		t.Error("No-op status transition must not publish an event")
	}

	r.SetStatus("a1", model.AgentStatusOffline)
	if len(events.statuses) != before+1 {
		t.Error("Real status transition must publish exactly one event")
	}
	if r.Lookup("a1").Status() != model.AgentStatusOffline {
		t.Error("Status not applied to session")
	}
}
