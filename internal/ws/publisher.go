package ws

import (
	"log"
	"time"

	"queenbee/internal/model"
)

// Publisher fans registry and task lifecycle events out to dashboard
// clients. Methods must not block; broadcast failure never affects the
// control-plane flow.
type Publisher struct {
	hub *Hub
}

// NewPublisher creates an event publisher backed by the hub. hub may be nil
// when the push surface is disabled; all methods then degrade to logs.
func NewPublisher(hub *Hub) *Publisher {
	return &Publisher{hub: hub}
}

// AgentStatusChanged broadcasts an agent status transition.
func (p *Publisher) AgentStatusChanged(agentID string, status model.AgentStatus) {
	log.Printf("[WebSocket] Agent %s status -> %s", agentID, status)
	if p.hub == nil {
		return
	}
	p.hub.BroadcastToAll("agent:status", map[string]interface{}{
		"agent_id":  agentID,
		"status":    string(status),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// AgentRegistered broadcasts a new agent session.
func (p *Publisher) AgentRegistered(agentID, hostname, ip string) {
	if p.hub == nil {
		return
	}
	p.hub.BroadcastToAll("agent:registered", map[string]interface{}{
		"agent_id": agentID,
		"hostname": hostname,
		"ip":       ip,
	})
}

// AgentUnregistered broadcasts a session removal.
func (p *Publisher) AgentUnregistered(agentID string) {
	if p.hub == nil {
		return
	}
	p.hub.BroadcastToAll("agent:unregistered", map[string]interface{}{
		"agent_id": agentID,
	})
}

// TaskCompleted broadcasts a task reaching a terminal status.
func (p *Publisher) TaskCompleted(taskID, status string) {
	log.Printf("[WebSocket] Task %s finished: %s", taskID, status)
	if p.hub == nil {
		return
	}
	p.hub.BroadcastToAll("task:completed", map[string]interface{}{
		"task_id": taskID,
		"status":  status,
	})
}
