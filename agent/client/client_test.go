package client

import (
	"testing"
	"time"

	"queenbee/agent/config"
	"queenbee/internal/protocol"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 60 * time.Second}, // cap binds, no bonus yet
		{6, 65 * time.Second}, // cap + 5s bonus from here on
		{7, 65 * time.Second},
		{10, 65 * time.Second},
		{50, 65 * time.Second},
	}
	for _, tc := range cases {
		if got := BackoffDelay(tc.failures); got != tc.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestSendFrameWithoutConnection(t *testing.T) {
	c := New(config.New("localhost", 8765, "test-agent"))

	err := c.sendFrame(&protocol.Frame{Type: protocol.TypeHeartbeat})
	if err == nil {
		t.Fatal("sendFrame must fail when no connection is live")
	}

	// Clearing an already-nil connection must be safe.
	c.setConn(nil)
	if err := c.sendFrame(&protocol.Frame{Type: protocol.TypeHeartbeat}); err == nil {
		t.Fatal("sendFrame must keep failing after setConn(nil)")
	}
}
