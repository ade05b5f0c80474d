package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"queenbee/internal/protocol"
)

const (
	nodeKeyPrefix     = "node:"
	locationKeyPrefix = "agent_location:"

	nodeTTL          = 60 * time.Second
	nodeRefresh      = 20 * time.Second
	locationTTL      = 1800 * time.Second
)

// HandlerFunc processes one inter-node message. Handlers run serially on the
// pub/sub consumer goroutine and must not block; anything that does I/O
// schedules its own goroutine.
type HandlerFunc func(f *protocol.Frame)

// AgentLocation names the node currently holding an agent's connection.
type AgentLocation struct {
	AgentID  string `json:"agent_id"`
	NodeID   string `json:"node_id"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	IsLocal  bool   `json:"is_local"`
}

type nodeInfo struct {
	NodeID        string `json:"node_id"`
	RegisteredAt  string `json:"registered_at,omitempty"`
	LastHeartbeat string `json:"last_heartbeat"`
	Status        string `json:"status"`
}

// Coordinator provides node presence, the agent-location directory and the
// inter-node message bus over a shared Redis. With a nil client it degrades
// to single-node mode: every agent is local, broadcasts are no-ops and
// cross-node forwarding is disabled.
type Coordinator struct {
	rdb    *redis.Client
	nodeID string

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a coordinator. nodeID is auto-generated when empty.
func New(rdb *redis.Client, nodeID string) *Coordinator {
	if nodeID == "" {
		nodeID = uuid.NewString()[:8]
	}
	c := &Coordinator{
		rdb:      rdb,
		nodeID:   nodeID,
		handlers: make(map[string]HandlerFunc),
	}
	log.Printf("[Cluster] Coordinator initialized: node_id=%s cluster_mode=%v", nodeID, c.Enabled())
	return c
}

// NodeID returns this node's id.
func (c *Coordinator) NodeID() string {
	return c.nodeID
}

// Enabled reports whether the shared fabric is present.
func (c *Coordinator) Enabled() bool {
	return c.rdb != nil
}

// RegisterHandler installs the handler for one message type.
func (c *Coordinator) RegisterHandler(msgType string, h HandlerFunc) {
	c.mu.Lock()
	c.handlers[msgType] = h
	c.mu.Unlock()
}

// Start registers node presence and begins the heartbeat and pub/sub loops.
// In single-node mode it is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.Enabled() {
		log.Println("[Cluster] Single-node mode, skipping cluster startup")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})

	if err := c.registerNode(runCtx, true); err != nil {
		cancel()
		return fmt.Errorf("failed to register node: %w", err)
	}

	go c.heartbeatLoop(runCtx)
	go c.pubsubLoop(runCtx)

	log.Printf("[Cluster] Coordinator started: node_id=%s", c.nodeID)
	return nil
}

// Stop deletes the node key and stops the loops.
func (c *Coordinator) Stop() {
	if !c.Enabled() || !c.running {
		return
	}
	c.running = false
	c.cancel()
	<-c.done

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.rdb.Del(ctx, nodeKeyPrefix+c.nodeID).Err(); err != nil {
		log.Printf("[Cluster] Failed to unregister node: %v", err)
	}
	log.Printf("[Cluster] Coordinator stopped: node_id=%s", c.nodeID)
}

func (c *Coordinator) registerNode(ctx context.Context, initial bool) error {
	info := nodeInfo{
		NodeID:        c.nodeID,
		LastHeartbeat: time.Now().Format(time.RFC3339),
		Status:        "online",
	}
	if initial {
		info.RegisteredAt = info.LastHeartbeat
	}
	blob, _ := json.Marshal(info)
	return c.rdb.SetEX(ctx, nodeKeyPrefix+c.nodeID, blob, nodeTTL).Err()
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(nodeRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.registerNode(ctx, false); err != nil {
				log.Printf("[Cluster] Node heartbeat failed: %v", err)
			}
		}
	}
}

// pubsubLoop consumes this node's channel and dispatches by type. One
// consumer per node keeps handler invocation serial.
func (c *Coordinator) pubsubLoop(ctx context.Context) {
	defer close(c.done)

	pubsub := c.rdb.Subscribe(ctx, nodeKeyPrefix+c.nodeID)
	defer pubsub.Close()

	log.Printf("[Cluster] Listening on channel %s%s", nodeKeyPrefix, c.nodeID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			f, err := protocol.Parse([]byte(msg.Payload))
			if err != nil {
				log.Printf("[Cluster] Failed to parse cluster message: %v", err)
				continue
			}
			c.dispatch(f)
		}
	}
}

func (c *Coordinator) dispatch(f *protocol.Frame) {
	c.mu.RLock()
	h := c.handlers[f.Type]
	c.mu.RUnlock()

	if h == nil {
		log.Printf("[Cluster] Unknown cluster message type: %s", f.Type)
		return
	}
	h(f)
}

// SendToNode publishes a message to the target node's channel after stamping
// the sender and timestamp. Publish failure is message loss; callers retry on
// the next front-end action.
func (c *Coordinator) SendToNode(ctx context.Context, targetNode string, f *protocol.Frame) error {
	if !c.Enabled() {
		return fmt.Errorf("single-node mode, cross-node messaging disabled")
	}

	f.FromNode = c.nodeID
	f.Timestamp = time.Now().Format(time.RFC3339)

	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if err := c.rdb.Publish(ctx, nodeKeyPrefix+targetNode, data).Err(); err != nil {
		return fmt.Errorf("publish to node %s: %w", targetNode, err)
	}
	return nil
}

// Broadcast sends to every online node, optionally excluding self.
func (c *Coordinator) Broadcast(ctx context.Context, f *protocol.Frame, excludeSelf bool) {
	if !c.Enabled() {
		return
	}

	nodes, err := c.OnlineNodes(ctx)
	if err != nil {
		log.Printf("[Cluster] Broadcast failed to list nodes: %v", err)
		return
	}
	for _, nodeID := range nodes {
		if excludeSelf && nodeID == c.nodeID {
			continue
		}
		if err := c.SendToNode(ctx, nodeID, f); err != nil {
			log.Printf("[Cluster] Broadcast to %s failed: %v", nodeID, err)
		}
	}
}

// OnlineNodes scans node:* keys. In single-node mode only self is returned.
func (c *Coordinator) OnlineNodes(ctx context.Context) ([]string, error) {
	if !c.Enabled() {
		return []string{c.nodeID}, nil
	}

	var nodes []string
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, nodeKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			// agent_location:* keys do not match node:* but guard anyway
			id := strings.TrimPrefix(key, nodeKeyPrefix)
			if !strings.Contains(id, ":") {
				nodes = append(nodes, id)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nodes, nil
}

// RegisterAgentLocation records agent -> node in the directory. Refreshed
// while the connection is live; the TTL cleans up after a dead node.
func (c *Coordinator) RegisterAgentLocation(ctx context.Context, agentID, hostname, ip string) {
	if !c.Enabled() {
		return
	}

	loc := AgentLocation{
		AgentID:  agentID,
		NodeID:   c.nodeID,
		Hostname: hostname,
		IP:       ip,
	}
	blob, _ := json.Marshal(loc)
	if err := c.rdb.SetEX(ctx, locationKeyPrefix+agentID, blob, locationTTL).Err(); err != nil {
		log.Printf("[Cluster] Failed to register agent location %s: %v", agentID, err)
		return
	}
	log.Printf("[Cluster] Agent location registered: %s -> node:%s", agentID, c.nodeID)
}

// RefreshAgentLocation extends the directory TTL for a live connection.
func (c *Coordinator) RefreshAgentLocation(ctx context.Context, agentID string) {
	if !c.Enabled() {
		return
	}
	if err := c.rdb.Expire(ctx, locationKeyPrefix+agentID, locationTTL).Err(); err != nil {
		log.Printf("[Cluster] Failed to refresh agent location %s: %v", agentID, err)
	}
}

// UnregisterAgentLocation deletes the directory record.
func (c *Coordinator) UnregisterAgentLocation(ctx context.Context, agentID string) {
	if !c.Enabled() {
		return
	}
	if err := c.rdb.Del(ctx, locationKeyPrefix+agentID).Err(); err != nil {
		log.Printf("[Cluster] Failed to unregister agent location %s: %v", agentID, err)
	}
}

// GetAgentLocation looks up the owning node and computes is_local. In
// single-node mode every agent is local.
func (c *Coordinator) GetAgentLocation(ctx context.Context, agentID string) (*AgentLocation, error) {
	if !c.Enabled() {
		return &AgentLocation{AgentID: agentID, NodeID: c.nodeID, IsLocal: true}, nil
	}

	data, err := c.rdb.Get(ctx, locationKeyPrefix+agentID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup agent location %s: %w", agentID, err)
	}

	var loc AgentLocation
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, fmt.Errorf("decode agent location %s: %w", agentID, err)
	}
	loc.IsLocal = loc.NodeID == c.nodeID
	return &loc, nil
}
