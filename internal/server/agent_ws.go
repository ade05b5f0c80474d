package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"queenbee/internal/protocol"
	"queenbee/internal/registry"
)

// registerDeadline bounds how long a fresh connection may sit silent before
// its first frame.
const registerDeadline = 30 * time.Second

var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Agents connect from anywhere inside the fleet
		return true
	},
}

// handleAgentConnect upgrades an agent connection and runs its read loop.
// The first frame must be a register; anything else drops the connection.
func (c *Core) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := agentUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] Upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	wc := newWSConn(conn)

	conn.SetReadDeadline(time.Now().Add(registerDeadline))
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Printf("[Server] Connection from %s closed before register: %v", r.RemoteAddr, err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	f, err := protocol.Parse(data)
	if err != nil || f.Type != protocol.TypeRegister || f.AgentID == "" {
		log.Printf("[Server] First frame from %s is not a valid register, dropping", r.RemoteAddr)
		conn.Close()
		return
	}

	sess := c.register(wc, f)
	log.Printf("[Server] Agent %s registered from %s (%s)", f.AgentID, r.RemoteAddr, f.Hostname)

	c.readLoop(wc, sess)
}

func (c *Core) register(wc *wsConn, f *protocol.Frame) *registry.Session {
	sess := c.Registry.Register(registry.RegisterInfo{
		AgentID:    f.AgentID,
		Hostname:   f.Hostname,
		IP:         f.IP,
		ExternalIP: f.ExternalIP,
		Platform:   f.Platform,
		SystemInfo: f.SystemInfo,
		Conn:       wc,
	})
	// A fresh session flushes its first heartbeat regardless of how far the
	// previous session's counter had advanced.
	c.Resources.Reset(f.AgentID)

	if err := wc.SendFrame(protocol.NewRegisterConfirm(f.AgentID)); err != nil {
		log.Printf("[Server] Register confirm to %s failed: %v", f.AgentID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	c.Coord.RegisterAgentLocation(ctx, f.AgentID, f.Hostname, f.IP)
	cancel()

	return sess
}

// readLoop consumes frames until the connection dies, then runs the
// disconnect path if this session is still the registered one.
func (c *Core) readLoop(wc *wsConn, sess *registry.Session) {
	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			log.Printf("[Server] Agent %s connection closed: %v", sess.AgentID, err)
			break
		}

		f, err := protocol.Parse(data)
		if err != nil {
			log.Printf("[Server] Bad frame from agent %s: %v", sess.AgentID, err)
			continue
		}
		sess = c.route(wc, sess, f)
	}

	agentID := sess.AgentID

	// A replacement register may already own the agent id; only the current
	// session runs teardown.
	if c.Registry.Lookup(agentID) != sess {
		return
	}
	c.Terminals.CloseAgentSessions(agentID)
	c.Liveness.HandleConnectionClosed(agentID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	c.Coord.UnregisterAgentLocation(ctx, agentID)
	cancel()
}

// route dispatches one inbound agent frame. A re-register frame replaces the
// session; the caller keeps reading on the returned one.
func (c *Core) route(wc *wsConn, sess *registry.Session, f *protocol.Frame) *registry.Session {
	now := time.Now()
	switch f.Type {
	case protocol.TypeHeartbeat:
		c.Liveness.HandleHeartbeat(sess.AgentID, now)
		c.Resources.Update(sess.AgentID, f, now)
		c.Coord.RefreshAgentLocation(context.Background(), sess.AgentID)

	case protocol.TypeTaskResult:
		if f.Result == nil {
			log.Printf("[Server] task_result from %s without result payload", sess.AgentID)
			return sess
		}
		c.Tasks.HandleResult(f.TaskID, sess.AgentID, f.Result)

	case protocol.TypeTerminalReady, protocol.TypeTerminalData,
		protocol.TypeTerminalError, protocol.TypeTerminalClose:
		c.Terminals.HandleAgentFrame(f)

	case protocol.TypeRestartAgentResponse, protocol.TypeRestartHostResponse:
		if f.Success != nil && !*f.Success {
			log.Printf("[Server] Agent %s restart (%s) failed: %s", sess.AgentID, f.RestartType, f.ErrorMessage)
			return sess
		}
		log.Printf("[Server] Agent %s acknowledged restart (%s)", sess.AgentID, f.RestartType)

	case protocol.TypeUpdateAgentResponse:
		log.Printf("[Server] Agent %s update status: %s %s", sess.AgentID, f.Status, f.ErrorMessage)

	case protocol.TypeRegister:
		if f.AgentID == "" {
			log.Printf("[Server] Re-register from %s without agent id, ignored", sess.AgentID)
			return sess
		}
		return c.register(wc, f)

	default:
		// Unknown types are logged and skipped so protocol additions do not
		// kill older servers.
		log.Printf("[Server] Unknown frame type %q from agent %s, skipped", f.Type, sess.AgentID)
	}
	return sess
}
