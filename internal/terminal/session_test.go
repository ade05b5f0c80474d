package terminal

import (
	"strings"
	"sync"
	"testing"
	"time"

	"queenbee/internal/protocol"
)

type nullFrontend struct {
	mu     sync.Mutex
	frames []*protocol.Frame
	closed bool
}

func (f *nullFrontend) WriteFrame(fr *protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *nullFrontend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestSessionQuota(t *testing.T) {
	table := NewSessionTable(3, 1800)

	for i := 0; i < 3; i++ {
		if _, err := table.Create("agent-1", 1, "node-1", &nullFrontend{}, nil); err != nil {
			t.Fatalf("session %d: %v", i+1, err)
		}
	}

	_, err := table.Create("agent-1", 1, "node-1", &nullFrontend{}, nil)
	if err == nil {
		t.Fatal("fourth session for one agent must be refused")
	}
	if !strings.Contains(err.Error(), "终端会话数已达上限") {
		t.Fatalf("unexpected quota error: %v", err)
	}

	// Other agents still have headroom.
	if _, err := table.Create("agent-2", 1, "node-1", &nullFrontend{}, nil); err != nil {
		t.Fatalf("different agent should not be limited: %v", err)
	}
}

func TestRemoveReleasesQuotaSlot(t *testing.T) {
	table := NewSessionTable(1, 1800)

	sess, err := table.Create("agent-1", 1, "node-1", &nullFrontend{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := table.Create("agent-1", 1, "node-1", &nullFrontend{}, nil); err == nil {
		t.Fatal("quota of 1 must refuse the second session")
	}

	if got := table.Remove(sess.ID); got == nil {
		t.Fatal("remove should return the evicted session")
	}
	if got := table.Remove(sess.ID); got != nil {
		t.Fatal("repeated remove must be a no-op")
	}

	if _, err := table.Create("agent-1", 1, "node-1", &nullFrontend{}, nil); err != nil {
		t.Fatalf("slot should be free after remove: %v", err)
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	table := NewSessionTable(100, 1800)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sess, err := table.Create("agent-1", 1, "node-1", &nullFrontend{}, nil)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if seen[sess.ID] {
			t.Fatalf("duplicate session id %s", sess.ID)
		}
		seen[sess.ID] = true
	}
}

func TestIdleSelection(t *testing.T) {
	table := NewSessionTable(3, 1800)

	fresh, err := table.Create("agent-1", 1, "node-1", &nullFrontend{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stale, err := table.Create("agent-1", 1, "node-1", &nullFrontend{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stale.mu.Lock()
	stale.lastActivity = time.Now().Add(-31 * time.Minute)
	stale.mu.Unlock()

	idle := table.Idle(time.Now())
	if len(idle) != 1 || idle[0].ID != stale.ID {
		t.Fatalf("idle = %v, want only the stale session", idle)
	}

	// Touch resets the idle clock.
	stale.Touch()
	if got := table.Idle(time.Now()); len(got) != 0 {
		t.Fatalf("touched session still reported idle: %v", got)
	}
	_ = fresh
}

func TestByAgent(t *testing.T) {
	table := NewSessionTable(3, 1800)
	if _, err := table.Create("agent-1", 1, "node-1", &nullFrontend{}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := table.Create("agent-1", 2, "node-1", &nullFrontend{}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := table.Create("agent-2", 1, "node-1", &nullFrontend{}, nil); err != nil {
		t.Fatal(err)
	}

	if got := len(table.ByAgent("agent-1")); got != 2 {
		t.Fatalf("ByAgent(agent-1) = %d sessions, want 2", got)
	}
	if table.Count() != 3 {
		t.Fatalf("Count = %d, want 3", table.Count())
	}
}
