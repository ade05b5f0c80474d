package terminal

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"queenbee/internal/cluster"
	"queenbee/internal/protocol"
	"queenbee/internal/registry"
)

type fakeAgentConn struct {
	mu     sync.Mutex
	frames []*protocol.Frame
}

func (c *fakeAgentConn) SendFrame(f *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeAgentConn) SendFrameTimeout(f *protocol.Frame, _ time.Duration) error {
	return c.SendFrame(f)
}

func (c *fakeAgentConn) Close() error       { return nil }
func (c *fakeAgentConn) RemoteAddr() string { return "test:0" }

func (c *fakeAgentConn) sent() []*protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeAgentConn) last() *protocol.Frame {
	frames := c.sent()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

// brokenFrontend fails every write, standing in for a browser whose socket
// died mid-relay.
type brokenFrontend struct {
	nullFrontend
}

func (f *brokenFrontend) WriteFrame(*protocol.Frame) error {
	return errors.New("write on closed socket")
}

func newTestMux(t *testing.T) (*Mux, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, nil)
	coord := cluster.New(nil, "node-1")
	return NewMux(NewSessionTable(3, 1800), reg, coord), reg
}

func openSession(t *testing.T, m *Mux, agentID string, front FrontendWriter, agentConn registry.Conn) *Session {
	t.Helper()
	sess, err := m.table.Create(agentID, 1, "node-1", front, agentConn)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestHandleAgentFrameRelaysToFrontend(t *testing.T) {
	m, _ := newTestMux(t)
	front := &nullFrontend{}
	agent := &fakeAgentConn{}
	sess := openSession(t, m, "agent-1", front, agent)

	for _, typ := range []string{
		protocol.TypeTerminalData,
		protocol.TypeTerminalReady,
		protocol.TypeTerminalError,
	} {
		m.HandleAgentFrame(&protocol.Frame{Type: typ, SessionID: sess.ID, Data: "x"})
	}

	front.mu.Lock()
	defer front.mu.Unlock()
	if len(front.frames) != 3 {
		t.Fatalf("frontend got %d frames, want 3", len(front.frames))
	}
	if front.frames[0].Type != protocol.TypeTerminalData || front.frames[0].Data != "x" {
		t.Fatalf("first relay = %+v, want terminal_data passthrough", front.frames[0])
	}
	if front.closed {
		t.Fatal("relay must not close the frontend")
	}
}

func TestHandleAgentFrameUnknownSessionDropped(t *testing.T) {
	m, _ := newTestMux(t)
	// Must not panic or touch anything.
	m.HandleAgentFrame(&protocol.Frame{Type: protocol.TypeTerminalData, SessionID: "nope", Data: "x"})
}

func TestHandleAgentFrameCloseTearsDown(t *testing.T) {
	m, _ := newTestMux(t)
	front := &nullFrontend{}
	agent := &fakeAgentConn{}
	sess := openSession(t, m, "agent-1", front, agent)

	m.HandleAgentFrame(&protocol.Frame{Type: protocol.TypeTerminalClose, SessionID: sess.ID})

	if m.table.Get(sess.ID) != nil {
		t.Fatal("session must be evicted after agent-side close")
	}
	if sess.Active() {
		t.Fatal("session must be inactive after teardown")
	}
	front.mu.Lock()
	closed := front.closed
	front.mu.Unlock()
	if !closed {
		t.Fatal("agent-side close must close the frontend")
	}
	// The close came from the agent; echoing terminal_close back would be
	// answered with another close.
	if len(agent.sent()) != 0 {
		t.Fatalf("agent got %d frames, want none", len(agent.sent()))
	}
}

func TestHandleAgentFrameFrontendFailureTearsDown(t *testing.T) {
	m, _ := newTestMux(t)
	front := &brokenFrontend{}
	agent := &fakeAgentConn{}
	sess := openSession(t, m, "agent-1", front, agent)

	m.HandleAgentFrame(&protocol.Frame{Type: protocol.TypeTerminalData, SessionID: sess.ID, Data: "x"})

	if m.table.Get(sess.ID) != nil {
		t.Fatal("session must be evicted when the frontend write fails")
	}
	last := agent.last()
	if last == nil || last.Type != protocol.TypeTerminalClose {
		t.Fatalf("agent frame = %+v, want terminal_close", last)
	}
}

func TestTeardownIdempotentAndReleasesQuota(t *testing.T) {
	m, _ := newTestMux(t)
	front := &nullFrontend{}
	agent := &fakeAgentConn{}
	sess := openSession(t, m, "agent-1", front, agent)

	m.Teardown(sess, true, true)
	m.Teardown(sess, true, true)

	if got := len(agent.sent()); got != 1 {
		t.Fatalf("agent got %d close frames, want exactly 1", got)
	}
	if _, err := m.table.Create("agent-1", 1, "node-1", &nullFrontend{}, agent); err != nil {
		t.Fatalf("quota slot should be free after teardown: %v", err)
	}
}

func TestCloseSession(t *testing.T) {
	m, _ := newTestMux(t)
	front := &nullFrontend{}
	agent := &fakeAgentConn{}
	sess := openSession(t, m, "agent-1", front, agent)

	if !m.CloseSession(sess.ID) {
		t.Fatal("close of a live session should report true")
	}
	if m.CloseSession(sess.ID) {
		t.Fatal("close of a gone session should report false")
	}
	last := agent.last()
	if last == nil || last.Type != protocol.TypeTerminalClose {
		t.Fatalf("agent frame = %+v, want terminal_close", last)
	}
	front.mu.Lock()
	defer front.mu.Unlock()
	if !front.closed {
		t.Fatal("forced close must close the frontend")
	}
}

func TestCloseAgentSessions(t *testing.T) {
	m, _ := newTestMux(t)
	agent := &fakeAgentConn{}
	a := &nullFrontend{}
	b := &nullFrontend{}
	openSession(t, m, "agent-1", a, agent)
	openSession(t, m, "agent-1", b, agent)
	other := openSession(t, m, "agent-2", &nullFrontend{}, &fakeAgentConn{})

	m.CloseAgentSessions("agent-1")

	if got := m.table.Count(); got != 1 {
		t.Fatalf("table count = %d, want only the other agent's session", got)
	}
	if m.table.Get(other.ID) == nil {
		t.Fatal("unrelated agent's session must survive")
	}
	for _, front := range []*nullFrontend{a, b} {
		front.mu.Lock()
		if len(front.frames) == 0 || front.frames[0].Type != protocol.TypeTerminalError {
			t.Fatalf("frontend frames = %+v, want a terminal_error notice", front.frames)
		}
		if !front.closed {
			t.Fatal("frontend must be closed with its session")
		}
		front.mu.Unlock()
	}
	// The agent connection is already gone; no close frames chase it.
	if got := len(agent.sent()); got != 0 {
		t.Fatalf("agent got %d frames, want none", got)
	}
}

func TestHandleInitRequestMapsRemoteSession(t *testing.T) {
	m, reg := newTestMux(t)
	agent := &fakeAgentConn{}
	reg.Register(registry.RegisterInfo{AgentID: "agent-1", Hostname: "agent-1", IP: "10.0.0.1", Conn: agent})

	m.handleInitRequest(&protocol.Frame{
		Type:          protocol.TypeTerminalInitRequest,
		AgentID:       "agent-1",
		RemoteSession: "remote_agent-1_rem0",
		FromNode:      "node-2",
		Cols:          100,
		Rows:          40,
	})

	sess := m.resolveRemote("remote_agent-1_rem0")
	if sess == nil {
		t.Fatal("remote session must map to a local session")
	}
	init := agent.last()
	if init == nil || init.Type != protocol.TypeTerminalInit {
		t.Fatalf("agent frame = %+v, want terminal_init", init)
	}
	if init.SessionID != sess.ID {
		t.Fatal("terminal_init must carry the local session id")
	}
	if init.Cols != 100 || init.Rows != 40 {
		t.Fatalf("size = %dx%d, want the requested 100x40", init.Cols, init.Rows)
	}
}

func TestHandleInitRequestDefaultsSize(t *testing.T) {
	m, reg := newTestMux(t)
	agent := &fakeAgentConn{}
	reg.Register(registry.RegisterInfo{AgentID: "agent-1", Hostname: "agent-1", IP: "10.0.0.1", Conn: agent})

	m.handleInitRequest(&protocol.Frame{
		Type:          protocol.TypeTerminalInitRequest,
		AgentID:       "agent-1",
		RemoteSession: "remote_agent-1_rem1",
		FromNode:      "node-2",
	})

	init := agent.last()
	if init == nil || init.Cols != initialCols || init.Rows != initialRows {
		t.Fatalf("init frame = %+v, want the %dx%d default", init, initialCols, initialRows)
	}
}

func TestHandleInitRequestOfflineAgent(t *testing.T) {
	m, _ := newTestMux(t)

	m.handleInitRequest(&protocol.Frame{
		Type:          protocol.TypeTerminalInitRequest,
		AgentID:       "agent-missing",
		RemoteSession: "remote_agent-missing_rem2",
		FromNode:      "node-2",
	})

	if m.resolveRemote("remote_agent-missing_rem2") != nil {
		t.Fatal("no session may be created for an offline agent")
	}
	if m.table.Count() != 0 {
		t.Fatal("session table must stay empty")
	}
}

func TestHandleForwardInput(t *testing.T) {
	m, _ := newTestMux(t)
	agent := &fakeAgentConn{}
	sess := openSession(t, m, "agent-1", &nullFrontend{}, agent)
	m.remoteMap["remote-1"] = sess.ID

	before := sess.LastActivity()
	m.handleForwardInput(&protocol.Frame{
		Type:          protocol.TypeTerminalForwardInput,
		RemoteSession: "remote-1",
		Data:          "bHM=",
		IsBinary:      true,
	})

	last := agent.last()
	if last == nil || last.Type != protocol.TypeTerminalInput {
		t.Fatalf("agent frame = %+v, want terminal_input", last)
	}
	if last.SessionID != sess.ID || last.Data != "bHM=" || !last.IsBinary {
		t.Fatalf("forwarded input mangled: %+v", last)
	}
	if !sess.LastActivity().After(before) && !sess.LastActivity().Equal(before) {
		t.Fatal("forwarded input must refresh the idle clock")
	}

	// Unknown tunnel ids are dropped without side effects.
	m.handleForwardInput(&protocol.Frame{RemoteSession: "remote-gone", Data: "x"})
	if got := len(agent.sent()); got != 1 {
		t.Fatalf("agent got %d frames, want 1", got)
	}
}

func TestHandleForwardMessageResize(t *testing.T) {
	m, _ := newTestMux(t)
	agent := &fakeAgentConn{}
	sess := openSession(t, m, "agent-1", &nullFrontend{}, agent)
	m.remoteMap["remote-1"] = sess.ID

	payload, _ := json.Marshal(protocol.Frame{
		Type: protocol.TypeTerminalResize,
		Cols: 132,
		Rows: 43,
	})
	m.handleForwardMessage(&protocol.Frame{
		Type:          protocol.TypeTerminalForwardMsg,
		RemoteSession: "remote-1",
		Payload:       payload,
	})

	last := agent.last()
	if last == nil || last.Type != protocol.TypeTerminalResize {
		t.Fatalf("agent frame = %+v, want terminal_resize", last)
	}
	if last.SessionID != sess.ID || last.Cols != 132 || last.Rows != 43 {
		t.Fatalf("resize not translated to the local session: %+v", last)
	}
}

func TestHandleForwardMessagePingTouchesSession(t *testing.T) {
	m, _ := newTestMux(t)
	agent := &fakeAgentConn{}
	sess := openSession(t, m, "agent-1", &nullFrontend{}, agent)
	m.remoteMap["remote-1"] = sess.ID

	// Back-date the session so it would be swept, then deliver a forwarded
	// keepalive the way the originating node publishes it.
	sess.mu.Lock()
	sess.lastActivity = time.Now().Add(-31 * time.Minute)
	sess.mu.Unlock()
	if got := m.table.Idle(time.Now()); len(got) != 1 {
		t.Fatalf("expected the back-dated session to be idle, got %v", got)
	}

	payload, _ := json.Marshal(protocol.Frame{Type: protocol.TypeTerminalPing})
	m.handleForwardMessage(&protocol.Frame{
		Type:          protocol.TypeTerminalForwardMsg,
		RemoteSession: "remote-1",
		Payload:       payload,
	})

	if got := m.table.Idle(time.Now()); len(got) != 0 {
		t.Fatal("a forwarded ping must rescue the session from the idle sweep")
	}
	// The keepalive stays on the owner; nothing reaches the agent.
	if got := len(agent.sent()); got != 0 {
		t.Fatalf("agent got %d frames, want none", got)
	}
}

func TestHandleCloseRequest(t *testing.T) {
	m, _ := newTestMux(t)
	agent := &fakeAgentConn{}
	sess := openSession(t, m, "agent-1", &nullFrontend{}, agent)
	m.remoteMap["remote-1"] = sess.ID

	m.handleCloseRequest(&protocol.Frame{
		Type:          protocol.TypeTerminalCloseRequest,
		RemoteSession: "remote-1",
	})

	if m.table.Get(sess.ID) != nil {
		t.Fatal("close request must evict the local session")
	}
	if m.resolveRemote("remote-1") != nil {
		t.Fatal("close request must drop the remote mapping")
	}
	last := agent.last()
	if last == nil || last.Type != protocol.TypeTerminalClose {
		t.Fatalf("agent frame = %+v, want terminal_close", last)
	}

	// Repeats are harmless.
	m.handleCloseRequest(&protocol.Frame{RemoteSession: "remote-1"})
}
