// Package client runs the agent side of the control channel: connect,
// register, heartbeat, and the inbound frame dispatcher.
package client

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"queenbee/agent/collector"
	"queenbee/agent/config"
	"queenbee/agent/ptyx"
	"queenbee/internal/protocol"
)

const (
	pingInterval = 20 * time.Second
	pingTimeout  = 10 * time.Second

	// maxHeartbeatFailures is how many consecutive send failures the
	// heartbeat emitter tolerates before surrendering the connection.
	maxHeartbeatFailures = 5

	maxReconnectAttempts = 10
	backoffBase          = 5 * time.Second
	backoffCap           = 60 * time.Second
	backoffBonus         = 5 * time.Second
)

// Client is one agent process's connection to the server.
type Client struct {
	cfg      *config.Config
	hostname string
	ip       string

	writeMu sync.Mutex
	conn    *websocket.Conn

	sessMu   sync.Mutex
	sessions map[string]*ptyx.Session
}

// New creates an agent client
func New(cfg *config.Config) *Client {
	hostname, _ := os.Hostname()
	return &Client{
		cfg:      cfg,
		hostname: hostname,
		ip:       config.LocalIP(),
		sessions: make(map[string]*ptyx.Session),
	}
}

// Run drives the connection loop until the context ends or the reconnect
// budget is spent.
func (c *Client) Run(ctx context.Context) error {
	log.Printf("[Agent] 启动: %s (%s), id=%s", c.hostname, c.ip, c.cfg.AgentID)

	// Prime the CPU counter so the first heartbeat is not a zero reading.
	collector.SampleCPUBlocking(ctx, time.Second)

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("[Agent] 连接中断: %v", err)
		}

		failures++
		if failures >= maxReconnectAttempts {
			return fmt.Errorf("达到最大重连次数 (%d)，Agent停止运行", maxReconnectAttempts)
		}

		delay := BackoffDelay(failures)
		log.Printf("[Agent] 将在 %s 后尝试重连 (第 %d/%d 次)", delay, failures, maxReconnectAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// BackoffDelay computes the reconnect delay for the n-th consecutive
// failure: exponential from 5s, capped at 60s. The 5s bonus lands only once
// the cap has already bound, so a cold start runs 5, 10, 20, 40, 60, 65, 65...
func BackoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	shift := failures - 1
	if shift > 10 {
		shift = 10
	}
	delay := backoffBase << shift
	if delay > backoffCap {
		delay = backoffCap
	}
	if shift >= 1 && backoffBase<<(shift-1) > backoffCap {
		delay += backoffBonus
	}
	return delay
}

// runSession runs one connection from dial to close. A nil error means the
// server closed cleanly; the caller reconnects either way.
func (c *Client) runSession(ctx context.Context) error {
	url := c.cfg.ServerURL()
	log.Printf("[Agent] 连接到服务器: %s", url)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	c.setConn(conn)

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		// Closing the socket unblocks any in-flight write before the
		// sub-loops are awaited.
		cancel()
		conn.Close()
		wg.Wait()
		c.closeAllSessions()
		c.setConn(nil)
	}()

	// Liveness: the server must answer pings within the timeout, and each
	// pong extends the read deadline.
	conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
		return nil
	})

	if err := c.register(ctx); err != nil {
		return fmt.Errorf("注册失败: %w", err)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(sessCtx, conn)
	}()
	go func() {
		defer wg.Done()
		c.pingLoop(sessCtx, conn)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := protocol.Parse(data)
		if err != nil {
			log.Printf("[Agent] 无法解析服务器消息: %v", err)
			continue
		}
		c.handleFrame(sessCtx, f)
	}
}

func (c *Client) register(ctx context.Context) error {
	info := collector.CollectSystemInfo(ctx)
	return c.sendFrame(&protocol.Frame{
		Type:       protocol.TypeRegister,
		AgentID:    c.cfg.AgentID,
		Hostname:   c.hostname,
		IP:         c.ip,
		ExternalIP: c.cfg.ExternalIP,
		Platform:   info.OS.Platform,
		SystemInfo: info.Marshal(),
	})
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	interval := time.Duration(c.cfg.HeartbeatIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := collector.CollectResources(ctx)
		err := c.sendFrame(&protocol.Frame{
			Type:            protocol.TypeHeartbeat,
			AgentID:         c.cfg.AgentID,
			Timestamp:       time.Now().Format(time.RFC3339),
			CPUUsage:        &snap.CPUUsage,
			MemoryUsage:     &snap.MemoryUsage,
			MemoryTotal:     &snap.MemoryTotal,
			MemoryUsed:      &snap.MemoryUsed,
			MemoryAvailable: &snap.MemoryAvailable,
			DiskInfo:        snap.DiskInfo,
		})
		if err != nil {
			failures++
			log.Printf("[Agent] 心跳发送失败 (%d/%d): %v", failures, maxHeartbeatFailures, err)
			if failures >= maxHeartbeatFailures {
				// Force the read loop to fail and reconnect
				conn.Close()
				return
			}
			continue
		}
		failures = 0
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout))
		c.writeMu.Unlock()
		if err != nil {
			log.Printf("[Agent] Ping发送失败: %v", err)
			return
		}
	}
}

// setConn swaps the live connection; writeMu guards the pointer as well as
// the writes themselves.
func (c *Client) setConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
}

// sendFrame serializes writes; frames come from the heartbeat, the executor
// and the PTY pumps concurrently.
func (c *Client) sendFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("连接已关闭")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
