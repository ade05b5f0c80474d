package registry

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"queenbee/internal/model"
	"queenbee/internal/protocol"
)

// Conn is a serialized writer over one agent WebSocket connection. Writes
// from any goroutine must go through it; the implementation holds the
// per-connection writer lock.
type Conn interface {
	SendFrame(f *protocol.Frame) error
	// SendFrameTimeout bounds the write; used by batch operations so one
	// stuck agent cannot stall the whole batch.
	SendFrameTimeout(f *protocol.Frame, timeout time.Duration) error
	Close() error
	RemoteAddr() string
}

// Session is the live state of one connected agent. The registry holds at
// most one session per agent id at any moment.
type Session struct {
	AgentID    string
	Hostname   string
	IP         string
	ExternalIP string
	Platform   string
	Conn       Conn

	mu            sync.Mutex
	status        model.AgentStatus
	lastHeartbeat time.Time
	registeredAt  time.Time
}

// Status returns the current liveness status.
func (s *Session) Status() model.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st model.AgentStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// LastHeartbeat returns the most recent heartbeat time.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// TouchHeartbeat advances the heartbeat clock. It never moves backwards, so
// an out-of-order frame cannot shrink the liveness window.
func (s *Session) TouchHeartbeat(t time.Time) {
	s.mu.Lock()
	if t.After(s.lastHeartbeat) {
		s.lastHeartbeat = t
	}
	s.mu.Unlock()
}

// RegisteredAt returns the session start time.
func (s *Session) RegisteredAt() time.Time {
	return s.registeredAt
}

// Events receives registry lifecycle notifications. Implementations must not
// block; they run on the connection reader goroutine.
type Events interface {
	AgentStatusChanged(agentID string, status model.AgentStatus)
	AgentRegistered(agentID, hostname, ip string)
	AgentUnregistered(agentID string)
}

// Registry is the authoritative in-memory map of agent id -> session. It is
// the sole mutator of in-memory agent status and writes status transitions
// through to the agents table. Heartbeat-derived fields are flushed by the
// resource cache, not here.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	db     *gorm.DB
	events Events
}

// New creates an empty registry. events may be nil.
func New(gdb *gorm.DB, events Events) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		db:       gdb,
		events:   events,
	}
}

// RegisterInfo carries the registration frame payload.
type RegisterInfo struct {
	AgentID    string
	Hostname   string
	IP         string
	ExternalIP string
	Platform   string
	SystemInfo json.RawMessage
	Conn       Conn
}

// Register installs a session, replacing any prior entry for the same agent
// id. The newer connection always wins; the replaced connection is closed
// after the map is released so a slow close cannot hold the lock.
func (r *Registry) Register(info RegisterInfo) *Session {
	now := time.Now()
	sess := &Session{
		AgentID:       info.AgentID,
		Hostname:      info.Hostname,
		IP:            info.IP,
		ExternalIP:    info.ExternalIP,
		Platform:      info.Platform,
		Conn:          info.Conn,
		status:        model.AgentStatusOnline,
		lastHeartbeat: now,
		registeredAt:  now,
	}

	r.mu.Lock()
	old := r.sessions[info.AgentID]
	r.sessions[info.AgentID] = sess
	r.mu.Unlock()

	if old != nil && old.Conn != nil && old.Conn != info.Conn {
		log.Printf("[Registry] Agent %s re-registered, closing previous connection from %s",
			info.AgentID, old.Conn.RemoteAddr())
		_ = old.Conn.Close()
	}

	r.persistRegistration(sess, info.SystemInfo)

	if r.events != nil {
		r.events.AgentRegistered(info.AgentID, info.Hostname, info.IP)
		r.events.AgentStatusChanged(info.AgentID, model.AgentStatusOnline)
	}

	log.Printf("[Registry] Agent registered: %s (%s) - ID: %s", info.Hostname, info.IP, info.AgentID)
	return sess
}

// persistRegistration upserts the agent row and overwrites the system-info
// snapshot. register_time is only written on insert so re-registration keeps
// the original value.
func (r *Registry) persistRegistration(sess *Session, systemInfo json.RawMessage) {
	if r.db == nil {
		return
	}

	wsInfo, _ := json.Marshal(map[string]string{"remote_addr": sess.Conn.RemoteAddr()})
	agent := model.Agent{
		ID:            sess.AgentID,
		Hostname:      sess.Hostname,
		IP:            sess.IP,
		ExternalIP:    sess.ExternalIP,
		OSType:        sess.Platform,
		Status:        model.AgentStatusOnline,
		LastHeartbeat: sess.lastHeartbeat,
		RegisterTime:  sess.registeredAt,
		WebsocketInfo: wsInfo,
	}
	err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"hostname", "ip", "external_ip", "os_type", "status", "last_heartbeat", "websocket_info",
		}),
	}).Create(&agent).Error
	if err != nil {
		log.Printf("[Registry] Failed to persist agent %s: %v", sess.AgentID, err)
	}

	if len(systemInfo) > 0 {
		snap := buildSystemInfoRow(sess.AgentID, systemInfo)
		err := r.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"system_info", "cpu_info", "memory_info", "disk_info", "network_info",
			}),
		}).Create(snap).Error
		if err != nil {
			log.Printf("[Registry] Failed to persist system info for %s: %v", sess.AgentID, err)
		}
	}
}

// buildSystemInfoRow splits the registration snapshot into the per-column
// JSON blobs of the agent_system_info table.
func buildSystemInfoRow(agentID string, raw json.RawMessage) *model.AgentSystemInfo {
	var parts struct {
		SystemInfo  json.RawMessage `json:"system_info"`
		CPUInfo     json.RawMessage `json:"cpu_info"`
		MemoryInfo  json.RawMessage `json:"memory_info"`
		DiskInfo    json.RawMessage `json:"disk_info"`
		NetworkInfo json.RawMessage `json:"network_info"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts.SystemInfo) == 0 {
		// Snapshot not in the structured form; store it whole.
		return &model.AgentSystemInfo{AgentID: agentID, SystemInfo: []byte(raw)}
	}
	return &model.AgentSystemInfo{
		AgentID:     agentID,
		SystemInfo:  []byte(parts.SystemInfo),
		CPUInfo:     []byte(parts.CPUInfo),
		MemoryInfo:  []byte(parts.MemoryInfo),
		DiskInfo:    []byte(parts.DiskInfo),
		NetworkInfo: []byte(parts.NetworkInfo),
	}
}

// Lookup returns the session for an agent id, or nil.
func (r *Registry) Lookup(agentID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[agentID]
}

// List returns a snapshot of all sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Remove drops a session from the map if it is still the installed one.
// A stale session (already replaced by a newer registration) is ignored.
func (r *Registry) Remove(agentID string, sess *Session) {
	r.mu.Lock()
	current, ok := r.sessions[agentID]
	if ok && (sess == nil || current == sess) {
		delete(r.sessions, agentID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok && r.events != nil {
		r.events.AgentUnregistered(agentID)
	}
}

// SetStatus transitions an agent's status in memory and persists it with a
// targeted column update so register_time and external_ip are untouched.
func (r *Registry) SetStatus(agentID string, status model.AgentStatus) {
	sess := r.Lookup(agentID)
	if sess != nil {
		if sess.Status() == status {
			return
		}
		sess.setStatus(status)
	}

	if r.db != nil {
		err := r.db.Model(&model.Agent{}).Where("id = ?", agentID).
			Updates(map[string]interface{}{"status": status}).Error
		if err != nil {
			log.Printf("[Registry] Failed to persist status %s for agent %s: %v", status, agentID, err)
		}
	}

	if r.events != nil {
		r.events.AgentStatusChanged(agentID, status)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
