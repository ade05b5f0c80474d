package terminal

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"queenbee/internal/httpx"
	"queenbee/internal/server"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard may be served from another origin
		return true
	},
}

// Handler handles browser terminal requests
type Handler struct {
	core *server.Core
}

// NewHandler creates a new terminal handler
func NewHandler(core *server.Core) *Handler {
	return &Handler{core: core}
}

// Connect upgrades the browser connection and attaches it to a PTY session
// on the target agent. Blocks for the lifetime of the terminal.
// GET /api/v1/terminal/connect/:agent_id?token=...
func (h *Handler) Connect(c *gin.Context) {
	agentID := c.Param("agent_id")
	uid := c.GetInt("uid")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Terminal] Upgrade failed for agent %s: %v", agentID, err)
		return
	}

	h.core.Terminals.HandleFrontend(c.Request.Context(), conn, agentID, uid)
}

// SessionInfo is the REST view of one live terminal session.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	AgentID      string `json:"agent_id"`
	UserID       int    `json:"user_id"`
	NodeID       string `json:"node_id"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
}

// List enumerates live terminal sessions on this node.
// GET /api/v1/terminal/sessions
func (h *Handler) List(c *gin.Context) {
	sessions := h.core.Terminals.Table().List()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			SessionID:    s.ID,
			AgentID:      s.AgentID,
			UserID:       s.UserID,
			NodeID:       s.NodeID,
			CreatedAt:    s.CreatedAt.Format("2006-01-02 15:04:05"),
			LastActivity: s.LastActivity().Format("2006-01-02 15:04:05"),
		})
	}
	httpx.OK(c, gin.H{"sessions": out, "total": len(out)})
}

// Close force-closes one session.
// POST /api/v1/terminal/sessions/:session_id/close
func (h *Handler) Close(c *gin.Context) {
	sessionID := c.Param("session_id")
	if !h.core.Terminals.CloseSession(sessionID) {
		httpx.FailErr(c, httpx.ErrNotFound("会话不存在"))
		return
	}
	httpx.OK(c, gin.H{"session_id": sessionID})
}
