package ws

import (
	"log"
	"net/http"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"

	"queenbee/internal/auth"
)

// Hub is the Socket.IO server used to push agent and task events to
// dashboard clients. Browsers subscribe once and receive status transitions
// without polling.
type Hub struct {
	io       *socketio.Server
	verifier *auth.Verifier
}

// NewHub creates the Socket.IO server and starts its serve loop.
func NewHub(verifier *auth.Verifier) *Hub {
	server := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&polling.Transport{
				CheckOrigin: func(r *http.Request) bool {
					// Allow all origins for now (can be restricted later)
					return true
				},
			},
			&websocket.Transport{
				CheckOrigin: func(r *http.Request) bool {
					// Allow all origins for now (can be restricted later)
					return true
				},
			},
		},
	})

	server.OnConnect("/", func(s socketio.Conn) error {
		// JWT authentication is handled during the handshake wrap
		log.Printf("[WebSocket] Client connected: %s", s.ID())
		s.Emit("connected", map[string]interface{}{
			"ok": true,
		})
		return nil
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Printf("[WebSocket] Client disconnected: %s, reason: %s", s.ID(), reason)
	})

	server.OnError("/", func(s socketio.Conn, e error) {
		log.Printf("[WebSocket] Error for client %s: %v", s.ID(), e)
	})

	go func() {
		if err := server.Serve(); err != nil {
			log.Fatalf("[WebSocket] Server error: %v", err)
		}
	}()

	log.Println("[WebSocket] Socket.IO server initialized")
	return &Hub{io: server, verifier: verifier}
}

// Close shuts the Socket.IO server down.
func (h *Hub) Close() error {
	return h.io.Close()
}

// BroadcastToAll broadcasts an event to all connected dashboard clients.
func (h *Hub) BroadcastToAll(event string, data interface{}) {
	h.io.BroadcastToNamespace("/", event, data)
}
