package terminal

import (
	"context"
	"encoding/base64"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"queenbee/internal/cluster"
	"queenbee/internal/model"
	"queenbee/internal/protocol"
	"queenbee/internal/registry"
)

const (
	initialCols = 80
	initialRows = 24

	sweepInterval = 60 * time.Second
	writeTimeout  = 10 * time.Second
)

// Mux relays bytes between browser front ends and agent PTYs. Agents owned
// by this node get a local session; agents owned elsewhere are reached by a
// forwarding tunnel through the cluster coordinator.
type Mux struct {
	table    *SessionTable
	registry *registry.Registry
	coord    *cluster.Coordinator

	// originator side: remote session id -> tunnel to the owning node
	fwdMu    sync.Mutex
	forwards map[string]*remoteForward

	// owner side: remote session id -> local session id
	remoteMu  sync.Mutex
	remoteMap map[string]string
}

// NewMux creates the terminal multiplexer and registers its cluster message
// handlers.
func NewMux(table *SessionTable, reg *registry.Registry, coord *cluster.Coordinator) *Mux {
	m := &Mux{
		table:     table,
		registry:  reg,
		coord:     coord,
		forwards:  make(map[string]*remoteForward),
		remoteMap: make(map[string]string),
	}
	m.registerClusterHandlers()
	return m
}

// socketWriter is the FrontendWriter over a browser WebSocket. The write
// mutex makes the socket safe for the reader-pump and agent-relay
// goroutines.
type socketWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *socketWriter) WriteFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *socketWriter) writeRaw(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *socketWriter) Close() error {
	return w.conn.Close()
}

// HandleFrontend serves one browser connection for /terminal/{agent-id}.
// It blocks until the front end disconnects or the session is torn down.
func (m *Mux) HandleFrontend(ctx context.Context, conn *websocket.Conn, agentID string, userID int) {
	front := &socketWriter{conn: conn}

	loc, err := m.coord.GetAgentLocation(ctx, agentID)
	if err != nil || loc == nil {
		log.Printf("[Terminal] Agent %s location unknown: %v", agentID, err)
		front.WriteFrame(protocol.NewTerminalError("", "agent不在线或不存在"))
		front.Close()
		return
	}

	if loc.IsLocal {
		m.handleLocal(conn, front, agentID, userID)
		return
	}
	m.handleRemote(ctx, conn, front, agentID, loc.NodeID)
}

// handleLocal runs the standard flow against an agent connected to this
// node.
func (m *Mux) handleLocal(conn *websocket.Conn, front *socketWriter, agentID string, userID int) {
	agent := m.registry.Lookup(agentID)
	if agent == nil || agent.Status() != model.AgentStatusOnline {
		front.WriteFrame(protocol.NewTerminalError("", "agent不在线或不存在"))
		front.Close()
		return
	}

	sess, err := m.table.Create(agentID, userID, m.coord.NodeID(), front, agent.Conn)
	if err != nil {
		front.WriteFrame(protocol.NewTerminalError("", err.Error()))
		front.Close()
		return
	}
	log.Printf("[Terminal] Session %s opened for agent %s", sess.ID, agentID)

	// Ask the agent to spawn the PTY; the browser learns the session id
	// from terminal_ready.
	if err := agent.Conn.SendFrame(&protocol.Frame{
		Type:      protocol.TypeTerminalInit,
		SessionID: sess.ID,
		Cols:      initialCols,
		Rows:      initialRows,
	}); err != nil {
		log.Printf("[Terminal] Failed to init session %s: %v", sess.ID, err)
		front.WriteFrame(protocol.NewTerminalError(sess.ID, "终端初始化失败"))
		m.table.Remove(sess.ID)
		front.Close()
		return
	}

	front.WriteFrame(&protocol.Frame{
		Type:      protocol.TypeTerminalReady,
		SessionID: sess.ID,
		Cols:      initialCols,
		Rows:      initialRows,
	})

	m.pumpFrontend(conn, front, sess)
}

// pumpFrontend reads browser frames until disconnect and forwards them to
// the agent. Binary frames carry raw terminal bytes (ZMODEM and friends) and
// are base64-wrapped for the agent's JSON channel.
func (m *Mux) pumpFrontend(conn *websocket.Conn, front *socketWriter, sess *Session) {
	defer m.Teardown(sess, true, false)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[Terminal] Front end for session %s disconnected: %v", sess.ID, err)
			return
		}
		sess.Touch()

		if msgType == websocket.BinaryMessage {
			m.sendToAgent(sess, &protocol.Frame{
				Type:      protocol.TypeTerminalInput,
				SessionID: sess.ID,
				Data:      base64.StdEncoding.EncodeToString(data),
				IsBinary:  true,
			})
			continue
		}

		f, err := protocol.Parse(data)
		if err != nil {
			// Plain text from a dumb client is treated as raw input.
			m.sendToAgent(sess, &protocol.Frame{
				Type:      protocol.TypeTerminalInput,
				SessionID: sess.ID,
				Data:      string(data),
			})
			continue
		}

		switch f.Type {
		case protocol.TypeTerminalInput:
			m.sendToAgent(sess, &protocol.Frame{
				Type:      protocol.TypeTerminalInput,
				SessionID: sess.ID,
				Data:      f.Data,
				IsBinary:  f.IsBinary,
			})
		case protocol.TypeTerminalResize:
			m.sendToAgent(sess, &protocol.Frame{
				Type:      protocol.TypeTerminalResize,
				SessionID: sess.ID,
				Cols:      f.Cols,
				Rows:      f.Rows,
			})
		case protocol.TypeTerminalPing:
			front.WriteFrame(&protocol.Frame{Type: protocol.TypeTerminalPong, SessionID: sess.ID})
		default:
			m.sendToAgent(sess, &protocol.Frame{
				Type:      protocol.TypeTerminalInput,
				SessionID: sess.ID,
				Data:      string(data),
			})
		}
	}
}

func (m *Mux) sendToAgent(sess *Session, f *protocol.Frame) {
	if err := sess.AgentConn.SendFrame(f); err != nil {
		log.Printf("[Terminal] Send to agent failed for session %s: %v", sess.ID, err)
	}
}

// HandleAgentFrame relays an agent-originated terminal frame to the front
// end that owns the session.
func (m *Mux) HandleAgentFrame(f *protocol.Frame) {
	sess := m.table.Get(f.SessionID)
	if sess == nil {
		log.Printf("[Terminal] Frame %s for unknown session %s dropped", f.Type, f.SessionID)
		return
	}

	switch f.Type {
	case protocol.TypeTerminalData, protocol.TypeTerminalReady, protocol.TypeTerminalError:
		if err := sess.Frontend.WriteFrame(f); err != nil {
			log.Printf("[Terminal] Relay to front end failed for session %s: %v", sess.ID, err)
			m.Teardown(sess, true, true)
		}
	case protocol.TypeTerminalClose:
		m.Teardown(sess, false, true)
	default:
		log.Printf("[Terminal] Unexpected agent frame %s for session %s", f.Type, f.SessionID)
	}
}

// Teardown frees the session, telling the agent and/or front end as needed.
// Safe to call more than once.
func (m *Mux) Teardown(sess *Session, notifyAgent, closeFrontend bool) {
	if !sess.deactivate() {
		return
	}
	m.table.Remove(sess.ID)

	if notifyAgent {
		m.sendToAgent(sess, &protocol.Frame{Type: protocol.TypeTerminalClose, SessionID: sess.ID})
	}
	if closeFrontend {
		_ = sess.Frontend.Close()
	}
	m.evictRemoteMapping(sess.ID)
	log.Printf("[Terminal] Session %s closed", sess.ID)
}

// CloseSession force-closes a session by id (REST surface).
func (m *Mux) CloseSession(sessionID string) bool {
	sess := m.table.Get(sessionID)
	if sess == nil {
		return false
	}
	m.Teardown(sess, true, true)
	return true
}

// CloseAgentSessions tears down every session bound to an agent, used when
// its connection goes away.
func (m *Mux) CloseAgentSessions(agentID string) {
	for _, sess := range m.table.ByAgent(agentID) {
		sess.Frontend.WriteFrame(protocol.NewTerminalError(sess.ID, "agent连接已断开"))
		m.Teardown(sess, false, true)
	}
}

// Table exposes the session table for the REST surface.
func (m *Mux) Table() *SessionTable {
	return m.table
}

// RunSweeper closes idle sessions once a minute.
func (m *Mux) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range m.table.Idle(time.Now()) {
				log.Printf("[Terminal] Session %s idle timeout, closing", sess.ID)
				m.Teardown(sess, true, true)
			}
		}
	}
}
