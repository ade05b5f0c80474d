package resource

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"queenbee/internal/model"
	"queenbee/internal/protocol"
)

// Snapshot holds the latest heartbeat counters for one agent. Snapshots are
// immutable; Update swaps in a fresh value so readers never see a half
// written record.
type Snapshot struct {
	AgentID         string          `json:"agent_id"`
	CPUUsage        float64         `json:"cpu_usage"`
	MemoryUsage     float64         `json:"memory_usage"`
	MemoryTotal     uint64          `json:"memory_total"`
	MemoryUsed      uint64          `json:"memory_used"`
	MemoryAvailable uint64          `json:"memory_available"`
	DiskInfo        json.RawMessage `json:"disk_info,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type entry struct {
	mu       sync.Mutex
	snapshot *Snapshot
	counter  int
}

// Cache buffers heartbeat-derived metrics in memory and coalesces the
// database flush: the first heartbeat of a session is flushed immediately,
// then every flushEvery-th one. This is a write batcher rather than a cache:
// the counter, not recency, decides when the durable row is touched.
type Cache struct {
	entries sync.Map // agent id -> *entry

	db         *gorm.DB
	ttl        time.Duration
	flushEvery int
}

// New creates a resource cache
func New(gdb *gorm.DB, ttlSec, flushEvery int) *Cache {
	if ttlSec <= 0 {
		ttlSec = 30
	}
	if flushEvery <= 0 {
		flushEvery = 12
	}
	return &Cache{
		db:         gdb,
		ttl:        time.Duration(ttlSec) * time.Second,
		flushEvery: flushEvery,
	}
}

// Update applies one heartbeat frame. When the per-agent counter hits 1 or
// the flush ratio, the snapshot is written through with a targeted column
// update and the counter restarts.
func (c *Cache) Update(agentID string, f *protocol.Frame, at time.Time) {
	snap := &Snapshot{
		AgentID:   agentID,
		DiskInfo:  f.DiskInfo,
		UpdatedAt: at,
	}
	if f.CPUUsage != nil {
		snap.CPUUsage = *f.CPUUsage
	}
	if f.MemoryUsage != nil {
		snap.MemoryUsage = *f.MemoryUsage
	}
	if f.MemoryTotal != nil {
		snap.MemoryTotal = *f.MemoryTotal
	}
	if f.MemoryUsed != nil {
		snap.MemoryUsed = *f.MemoryUsed
	}
	if f.MemoryAvailable != nil {
		snap.MemoryAvailable = *f.MemoryAvailable
	}

	v, _ := c.entries.LoadOrStore(agentID, &entry{})
	e := v.(*entry)

	e.mu.Lock()
	e.snapshot = snap
	e.counter++
	// Heartbeat #1 flushes immediately so a fresh session is visible;
	// afterwards every flushEvery-th heartbeat goes through.
	shouldFlush := e.counter == 1 || e.counter%c.flushEvery == 0
	e.mu.Unlock()

	if shouldFlush {
		c.flush(snap)
	}
}

// flush writes the snapshot plus status/last_heartbeat with a targeted
// UPDATE on named columns. A full-row save here would clobber register_time
// and external_ip written by the registration path.
func (c *Cache) flush(snap *Snapshot) {
	if c.db == nil {
		return
	}

	blob, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[ResourceCache] Failed to marshal snapshot for %s: %v", snap.AgentID, err)
		return
	}

	err = c.db.Model(&model.Agent{}).Where("id = ?", snap.AgentID).
		Updates(map[string]interface{}{
			"status":         model.AgentStatusOnline,
			"last_heartbeat": snap.UpdatedAt,
			"resource":       blob,
		}).Error
	if err != nil {
		// Tolerated: the values stay hot in memory and the next flush
		// attempt carries them.
		log.Printf("[ResourceCache] Flush failed for %s: %v", snap.AgentID, err)
	}
}

// Get returns the snapshot for an agent, or nil when absent or older than
// the TTL.
func (c *Cache) Get(agentID string) *Snapshot {
	v, ok := c.entries.Load(agentID)
	if !ok {
		return nil
	}
	e := v.(*entry)

	e.mu.Lock()
	snap := e.snapshot
	e.mu.Unlock()

	if snap == nil || time.Since(snap.UpdatedAt) > c.ttl {
		return nil
	}
	return snap
}

// Reset restarts an agent's flush counter so the next heartbeat writes
// through immediately. Called on registration: the counter tracks the
// session, not the process.
func (c *Cache) Reset(agentID string) {
	v, ok := c.entries.Load(agentID)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	e.counter = 0
	e.mu.Unlock()
}

// Evict drops an agent's record, used when the agent row is deleted.
func (c *Cache) Evict(agentID string) {
	c.entries.Delete(agentID)
}

// Overlay merges the hot snapshot over the durable row for API reads. The
// row keeps its persisted resource blob when the cache has gone stale.
func (c *Cache) Overlay(agent *model.Agent) {
	snap := c.Get(agent.ID)
	if snap == nil {
		return
	}
	if blob, err := json.Marshal(snap); err == nil {
		agent.Resource = blob
		agent.LastHeartbeat = snap.UpdatedAt
	}
}
