package terminal

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"queenbee/internal/protocol"
	"queenbee/internal/registry"
)

// FrontendWriter delivers frames to whatever is driving the session: a
// browser WebSocket on this node, or a publisher that relays to the
// originating node. All of the mux programs against this interface.
type FrontendWriter interface {
	WriteFrame(f *protocol.Frame) error
	Close() error
}

// Session is one live PTY relay. Exactly one node owns it: the one where the
// agent connection terminates.
type Session struct {
	ID        string
	AgentID   string
	UserID    int
	NodeID    string
	CreatedAt time.Time

	Frontend  FrontendWriter
	AgentConn registry.Conn

	mu           sync.Mutex
	lastActivity time.Time
	active       bool
}

// Touch refreshes the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last time the front end showed signs of life.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Active reports whether the session has not been torn down yet.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) deactivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.active
	s.active = false
	return was
}

// SessionTable tracks live sessions and enforces the per-agent quota and
// global id uniqueness.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]*Session
	perAgent map[string]int

	maxPerAgent int
	idleTimeout time.Duration
}

// NewSessionTable creates a session table
func NewSessionTable(maxPerAgent, idleTimeoutSec int) *SessionTable {
	if maxPerAgent <= 0 {
		maxPerAgent = 3
	}
	if idleTimeoutSec <= 0 {
		idleTimeoutSec = 1800
	}
	return &SessionTable{
		sessions:    make(map[string]*Session),
		perAgent:    make(map[string]int),
		maxPerAgent: maxPerAgent,
		idleTimeout: time.Duration(idleTimeoutSec) * time.Second,
	}
}

// newSessionID mints a 32-byte random id, base64url without padding.
func newSessionID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("terminal: session id entropy unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Create allocates a session, refusing when the agent already carries the
// maximum number of concurrent sessions.
func (t *SessionTable) Create(agentID string, userID int, nodeID string, frontend FrontendWriter, agentConn registry.Conn) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.perAgent[agentID] >= t.maxPerAgent {
		return nil, fmt.Errorf("agent %s 的终端会话数已达上限 (%d)", agentID, t.maxPerAgent)
	}

	now := time.Now()
	sess := &Session{
		ID:           newSessionID(),
		AgentID:      agentID,
		UserID:       userID,
		NodeID:       nodeID,
		CreatedAt:    now,
		Frontend:     frontend,
		AgentConn:    agentConn,
		lastActivity: now,
		active:       true,
	}

	t.sessions[sess.ID] = sess
	t.perAgent[agentID]++
	return sess, nil
}

// Get returns a session by id, or nil.
func (t *SessionTable) Get(sessionID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[sessionID]
}

// Remove evicts a session and releases its quota slot. Idempotent.
func (t *SessionTable) Remove(sessionID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(t.sessions, sessionID)
	if t.perAgent[sess.AgentID] > 0 {
		t.perAgent[sess.AgentID]--
	}
	if t.perAgent[sess.AgentID] == 0 {
		delete(t.perAgent, sess.AgentID)
	}
	return sess
}

// List returns a snapshot of all sessions.
func (t *SessionTable) List() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// ByAgent returns the sessions bound to one agent.
func (t *SessionTable) ByAgent(agentID string) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Session
	for _, s := range t.sessions {
		if s.AgentID == agentID {
			out = append(out, s)
		}
	}
	return out
}

// Idle returns sessions whose last activity is older than the idle timeout.
func (t *SessionTable) Idle(now time.Time) []*Session {
	var idle []*Session
	for _, s := range t.List() {
		if now.Sub(s.LastActivity()) > t.idleTimeout {
			idle = append(idle, s)
		}
	}
	return idle
}

// Count returns the number of live sessions.
func (t *SessionTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
