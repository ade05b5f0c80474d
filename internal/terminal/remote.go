package terminal

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"queenbee/internal/model"
	"queenbee/internal/protocol"
)

const publishTimeout = 5 * time.Second

// remoteForward is the originator-side record of a tunnel to the node that
// owns the agent.
type remoteForward struct {
	remoteID  string
	ownerNode string
	front     *socketWriter
}

func newRemoteSessionID(agentID string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("terminal: session id entropy unavailable: %v", err))
	}
	return fmt.Sprintf("remote_%s_%s", agentID, hex.EncodeToString(buf))
}

// handleRemote runs the originator side of a cross-node terminal: no real
// session is spawned here, only a forwarding entry and a stream of
// publications to the owning node.
func (m *Mux) handleRemote(ctx context.Context, conn *websocket.Conn, front *socketWriter, agentID, ownerNode string) {
	remoteID := newRemoteSessionID(agentID)
	fwd := &remoteForward{remoteID: remoteID, ownerNode: ownerNode, front: front}

	m.fwdMu.Lock()
	m.forwards[remoteID] = fwd
	m.fwdMu.Unlock()

	log.Printf("[Terminal] Remote session %s -> node %s", remoteID, ownerNode)

	err := m.coord.SendToNode(ctx, ownerNode, &protocol.Frame{
		Type:          protocol.TypeTerminalInitRequest,
		AgentID:       agentID,
		RemoteSession: remoteID,
		Cols:          initialCols,
		Rows:          initialRows,
	})
	if err != nil {
		log.Printf("[Terminal] Init request to node %s failed: %v", ownerNode, err)
		front.WriteFrame(protocol.NewTerminalError(remoteID, "跨节点终端初始化失败"))
		m.dropForward(remoteID)
		front.Close()
		return
	}

	defer func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		m.coord.SendToNode(pubCtx, ownerNode, &protocol.Frame{
			Type:          protocol.TypeTerminalCloseRequest,
			RemoteSession: remoteID,
		})
		m.dropForward(remoteID)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[Terminal] Front end for remote session %s disconnected: %v", remoteID, err)
			return
		}

		if msgType == websocket.BinaryMessage {
			m.publishForward(ownerNode, &protocol.Frame{
				Type:          protocol.TypeTerminalForwardInput,
				RemoteSession: remoteID,
				Data:          base64.StdEncoding.EncodeToString(data),
				IsBinary:      true,
			})
			continue
		}

		f, err := protocol.Parse(data)
		if err != nil {
			m.publishForward(ownerNode, &protocol.Frame{
				Type:          protocol.TypeTerminalForwardInput,
				RemoteSession: remoteID,
				Data:          string(data),
			})
			continue
		}

		switch f.Type {
		case protocol.TypeTerminalInput:
			m.publishForward(ownerNode, &protocol.Frame{
				Type:          protocol.TypeTerminalForwardInput,
				RemoteSession: remoteID,
				Data:          f.Data,
				IsBinary:      f.IsBinary,
			})
		case protocol.TypeTerminalResize:
			payload, _ := protocol.Encode(f)
			m.publishForward(ownerNode, &protocol.Frame{
				Type:          protocol.TypeTerminalForwardMsg,
				RemoteSession: remoteID,
				Payload:       payload,
			})
		case protocol.TypeTerminalPing:
			front.WriteFrame(&protocol.Frame{Type: protocol.TypeTerminalPong, SessionID: remoteID})
			// The owner sweeps on its own lastActivity clock; the ping has to
			// reach it or a quiet watch session dies at the idle timeout.
			payload, _ := protocol.Encode(f)
			m.publishForward(ownerNode, &protocol.Frame{
				Type:          protocol.TypeTerminalForwardMsg,
				RemoteSession: remoteID,
				Payload:       payload,
			})
		default:
			m.publishForward(ownerNode, &protocol.Frame{
				Type:          protocol.TypeTerminalForwardInput,
				RemoteSession: remoteID,
				Data:          string(data),
			})
		}
	}
}

func (m *Mux) publishForward(ownerNode string, f *protocol.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.coord.SendToNode(ctx, ownerNode, f); err != nil {
		log.Printf("[Terminal] Forward publish to node %s failed: %v", ownerNode, err)
	}
}

func (m *Mux) dropForward(remoteID string) {
	m.fwdMu.Lock()
	delete(m.forwards, remoteID)
	m.fwdMu.Unlock()
}

// proxyWriter is the FrontendWriter spawned on the owning node for a remote
// session: its writes publish terminal_response back to the originator,
// which relays them byte-for-byte to the browser.
type proxyWriter struct {
	mux        *Mux
	originNode string
	remoteID   string
}

func (w *proxyWriter) WriteFrame(f *protocol.Frame) error {
	// The browser only knows the remote session id.
	clone := *f
	clone.SessionID = w.remoteID
	payload, err := protocol.Encode(&clone)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return w.mux.coord.SendToNode(ctx, w.originNode, &protocol.Frame{
		Type:          protocol.TypeTerminalResponse,
		RemoteSession: w.remoteID,
		Payload:       payload,
	})
}

func (w *proxyWriter) Close() error {
	return nil
}

// registerClusterHandlers wires the mux into the coordinator message bus.
// Handlers run on the pub/sub consumer and must not block, so anything that
// touches the network is pushed onto a goroutine.
func (m *Mux) registerClusterHandlers() {
	m.coord.RegisterHandler(protocol.TypeTerminalInitRequest, func(f *protocol.Frame) {
		go m.handleInitRequest(f)
	})
	m.coord.RegisterHandler(protocol.TypeTerminalForwardInput, func(f *protocol.Frame) {
		go m.handleForwardInput(f)
	})
	m.coord.RegisterHandler(protocol.TypeTerminalForwardMsg, func(f *protocol.Frame) {
		go m.handleForwardMessage(f)
	})
	m.coord.RegisterHandler(protocol.TypeTerminalCloseRequest, func(f *protocol.Frame) {
		go m.handleCloseRequest(f)
	})
	m.coord.RegisterHandler(protocol.TypeTerminalResponse, func(f *protocol.Frame) {
		go m.handleTerminalResponse(f)
	})
}

// handleInitRequest spawns the real session on the owning node with a proxy
// front end.
func (m *Mux) handleInitRequest(f *protocol.Frame) {
	proxy := &proxyWriter{mux: m, originNode: f.FromNode, remoteID: f.RemoteSession}

	agent := m.registry.Lookup(f.AgentID)
	if agent == nil || agent.Status() != model.AgentStatusOnline {
		proxy.WriteFrame(protocol.NewTerminalError(f.RemoteSession, "agent不在线或不存在"))
		return
	}

	sess, err := m.table.Create(f.AgentID, 0, m.coord.NodeID(), proxy, agent.Conn)
	if err != nil {
		proxy.WriteFrame(protocol.NewTerminalError(f.RemoteSession, err.Error()))
		return
	}

	m.remoteMu.Lock()
	m.remoteMap[f.RemoteSession] = sess.ID
	m.remoteMu.Unlock()

	cols, rows := f.Cols, f.Rows
	if cols == 0 {
		cols, rows = initialCols, initialRows
	}
	if err := agent.Conn.SendFrame(&protocol.Frame{
		Type:      protocol.TypeTerminalInit,
		SessionID: sess.ID,
		Cols:      cols,
		Rows:      rows,
	}); err != nil {
		log.Printf("[Terminal] Remote init for session %s failed: %v", sess.ID, err)
		proxy.WriteFrame(protocol.NewTerminalError(f.RemoteSession, "终端初始化失败"))
		m.table.Remove(sess.ID)
		m.evictRemoteMapping(sess.ID)
		return
	}

	proxy.WriteFrame(&protocol.Frame{
		Type:      protocol.TypeTerminalReady,
		SessionID: sess.ID,
		Cols:      cols,
		Rows:      rows,
	})
	log.Printf("[Terminal] Remote session %s mapped to local session %s", f.RemoteSession, sess.ID)
}

func (m *Mux) resolveRemote(remoteID string) *Session {
	m.remoteMu.Lock()
	localID, ok := m.remoteMap[remoteID]
	m.remoteMu.Unlock()
	if !ok {
		return nil
	}
	return m.table.Get(localID)
}

func (m *Mux) handleForwardInput(f *protocol.Frame) {
	sess := m.resolveRemote(f.RemoteSession)
	if sess == nil {
		log.Printf("[Terminal] Forward input for unknown remote session %s", f.RemoteSession)
		return
	}
	sess.Touch()
	m.sendToAgent(sess, &protocol.Frame{
		Type:      protocol.TypeTerminalInput,
		SessionID: sess.ID,
		Data:      f.Data,
		IsBinary:  f.IsBinary,
	})
}

func (m *Mux) handleForwardMessage(f *protocol.Frame) {
	sess := m.resolveRemote(f.RemoteSession)
	if sess == nil {
		return
	}
	inner, err := protocol.Parse(f.Payload)
	if err != nil {
		log.Printf("[Terminal] Bad forwarded message for %s: %v", f.RemoteSession, err)
		return
	}
	sess.Touch()

	switch inner.Type {
	case protocol.TypeTerminalResize:
		m.sendToAgent(sess, &protocol.Frame{
			Type:      protocol.TypeTerminalResize,
			SessionID: sess.ID,
			Cols:      inner.Cols,
			Rows:      inner.Rows,
		})
	case protocol.TypeTerminalInput:
		m.sendToAgent(sess, &protocol.Frame{
			Type:      protocol.TypeTerminalInput,
			SessionID: sess.ID,
			Data:      inner.Data,
			IsBinary:  inner.IsBinary,
		})
	case protocol.TypeTerminalPing:
		// Keepalive for the owner-side idle sweep; the pong was already
		// answered on the originator.
	default:
		log.Printf("[Terminal] Unhandled forwarded message type %s", inner.Type)
	}
}

func (m *Mux) handleCloseRequest(f *protocol.Frame) {
	sess := m.resolveRemote(f.RemoteSession)
	if sess == nil {
		return
	}
	log.Printf("[Terminal] Close request for remote session %s", f.RemoteSession)
	m.Teardown(sess, true, false)
}

// handleTerminalResponse runs on the originator: relay the owner's payload
// to the browser unmodified.
func (m *Mux) handleTerminalResponse(f *protocol.Frame) {
	m.fwdMu.Lock()
	fwd := m.forwards[f.RemoteSession]
	m.fwdMu.Unlock()
	if fwd == nil {
		log.Printf("[Terminal] Response for unknown remote session %s dropped", f.RemoteSession)
		return
	}
	if err := fwd.front.writeRaw(f.Payload); err != nil {
		log.Printf("[Terminal] Relay to front end failed for %s: %v", f.RemoteSession, err)
	}
}

// evictRemoteMapping removes any owner-side mapping pointing at a local
// session id.
func (m *Mux) evictRemoteMapping(localID string) {
	m.remoteMu.Lock()
	for remoteID, id := range m.remoteMap {
		if id == localID {
			delete(m.remoteMap, remoteID)
		}
	}
	m.remoteMu.Unlock()
}
