package liveness

import (
	"testing"
	"time"

	"queenbee/internal/model"
	"queenbee/internal/protocol"
	"queenbee/internal/registry"
)

type testConn struct{}

func (testConn) SendFrame(*protocol.Frame) error                       { return nil }
func (testConn) SendFrameTimeout(*protocol.Frame, time.Duration) error { return nil }
func (testConn) Close() error                                          { return nil }
func (testConn) RemoteAddr() string                                    { return "test" }

func newTestMonitor(t *testing.T) (*Monitor, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, nil)
	mon := New(Config{Registry: reg, SweepIntervalSec: 5, AgentTimeoutSec: 30})
	return mon, reg
}

func TestSweepTimeoutBoundary(t *testing.T) {
	mon, reg := newTestMonitor(t)
	sess := reg.Register(registry.RegisterInfo{AgentID: "a1", Conn: testConn{}})

	base := time.Now()
	sess.TouchHeartbeat(base)

	// Exactly at the threshold the agent is still alive.
	mon.Sweep(base.Add(30 * time.Second))
	if sess.Status() != model.AgentStatusOnline {
		t.Fatalf("Status at exactly 30s = %s, want ONLINE", sess.Status())
	}

	// One second past the threshold flips it.
	mon.Sweep(base.Add(31 * time.Second))
	if sess.Status() != model.AgentStatusOffline {
		t.Fatalf("Status at 31s = %s, want OFFLINE", sess.Status())
	}
}

func TestHeartbeatRevivesOfflineAgent(t *testing.T) {
	mon, reg := newTestMonitor(t)
	sess := reg.Register(registry.RegisterInfo{AgentID: "a1", Conn: testConn{}})

	base := time.Now()
	sess.TouchHeartbeat(base)
	mon.Sweep(base.Add(31 * time.Second))
	if sess.Status() != model.AgentStatusOffline {
		t.Fatal("precondition: agent should be OFFLINE")
	}

	mon.HandleHeartbeat("a1", base.Add(32*time.Second))
	if sess.Status() != model.AgentStatusOnline {
		t.Errorf("Status after heartbeat = %s, want ONLINE", sess.Status())
	}
}

func TestConnectionClosedMarksOffline(t *testing.T) {
	mon, reg := newTestMonitor(t)
	sess := reg.Register(registry.RegisterInfo{AgentID: "a1", Conn: testConn{}})

	mon.HandleConnectionClosed("a1")
	if sess.Status() != model.AgentStatusOffline {
		t.Errorf("Status after connection close = %s, want OFFLINE", sess.Status())
	}
}

func TestHeartbeatForUnknownAgentIsIgnored(t *testing.T) {
	mon, _ := newTestMonitor(t)
	// Must not panic.
	mon.HandleHeartbeat("ghost", time.Now())
	mon.HandleConnectionClosed("ghost")
}
