package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"queenbee/internal/model"
	"queenbee/internal/registry"
)

// warnRatio places the missed-heartbeat warning at two thirds of the offline
// threshold (20s for the default 30s timeout).
const warnRatio = 2.0 / 3.0

// Monitor owns the ONLINE/OFFLINE transitions driven by heartbeats and
// connection closes, plus the periodic timeout sweeper. DOWN is an
// administrative state and is never entered here.
type Monitor struct {
	registry *registry.Registry
	logger   *logrus.Entry
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	warned map[string]bool
}

// Config holds the configuration for the liveness monitor
type Config struct {
	Registry         *registry.Registry
	Logger           *logrus.Entry
	SweepIntervalSec int
	AgentTimeoutSec  int
}

// New creates a liveness monitor
func New(cfg Config) *Monitor {
	interval := time.Duration(cfg.SweepIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := time.Duration(cfg.AgentTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		registry: cfg.Registry,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		warned:   make(map[string]bool),
	}
}

// HandleHeartbeat applies one heartbeat frame to the state machine. An agent
// that went OFFLINE by timeout comes back ONLINE as soon as its still-open
// session delivers a heartbeat.
func (m *Monitor) HandleHeartbeat(agentID string, at time.Time) {
	sess := m.registry.Lookup(agentID)
	if sess == nil {
		m.logger.Warnf("heartbeat from unregistered agent %s", agentID)
		return
	}

	sess.TouchHeartbeat(at)
	m.mu.Lock()
	delete(m.warned, agentID)
	m.mu.Unlock()

	if st := sess.Status(); st == model.AgentStatusOffline || st == model.AgentStatusDown {
		m.logger.Infof("agent %s heartbeat received, back ONLINE", agentID)
		m.registry.SetStatus(agentID, model.AgentStatusOnline)
	}
}

// HandleConnectionClosed transitions an agent to OFFLINE when its WebSocket
// goes away. The session stays in the registry so a reconnect under the same
// id replaces it.
func (m *Monitor) HandleConnectionClosed(agentID string) {
	if m.registry.Lookup(agentID) == nil {
		return
	}
	m.logger.Infof("agent %s connection closed, marking OFFLINE", agentID)
	m.registry.SetStatus(agentID, model.AgentStatusOffline)
}

// Sweep walks all sessions once. Strictly more than the timeout since the
// last heartbeat flips ONLINE to OFFLINE; a heartbeat arriving exactly at the
// threshold does not.
func (m *Monitor) Sweep(now time.Time) {
	warnAfter := time.Duration(float64(m.timeout) * warnRatio)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.registry.List() {
		if sess.Status() != model.AgentStatusOnline {
			continue
		}
		elapsed := now.Sub(sess.LastHeartbeat())
		if elapsed > m.timeout {
			m.logger.Infof("agent %s heartbeat timeout (%.1fs), marking OFFLINE", sess.AgentID, elapsed.Seconds())
			m.registry.SetStatus(sess.AgentID, model.AgentStatusOffline)
			delete(m.warned, sess.AgentID)
		} else if elapsed > warnAfter && !m.warned[sess.AgentID] {
			// Warn only; TCP keepalive handles live peers before we fire.
			m.logger.Warnf("agent %s heartbeat late (%.1fs)", sess.AgentID, elapsed.Seconds())
			m.warned[sess.AgentID] = true
		}
	}
}

// Run drives the sweeper until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Infof("liveness sweeper started (interval=%s timeout=%s)", m.interval, m.timeout)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness sweeper stopped")
			return
		case <-ticker.C:
			m.Sweep(time.Now())
		}
	}
}
