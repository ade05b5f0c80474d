package agents

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"queenbee/internal/httpx"
	"queenbee/internal/model"
	"queenbee/internal/protocol"
	"queenbee/internal/server"
)

// Handler handles agent-related requests
type Handler struct {
	core *server.Core
}

// NewHandler creates a new agents handler
func NewHandler(core *server.Core) *Handler {
	return &Handler{core: core}
}

// List returns the paginated agent listing with live status overlaid.
// GET /api/v1/agents
func (h *Handler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "50"))
	projectID, _ := strconv.Atoi(c.DefaultQuery("project_id", "0"))

	agents, total, err := h.core.ListAgents(c.Request.Context(), server.ListAgentsOptions{
		ProjectID: projectID,
		Status:    c.Query("status"),
		Page:      page,
		PageSize:  pageSize,
	})
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}
	httpx.OKItems(c, agents, total, page, pageSize)
}

// Detail returns one agent merged with its resource snapshot and hardware
// info.
// GET /api/v1/agents/:agent_id
func (h *Handler) Detail(c *gin.Context) {
	agentID := c.Param("agent_id")
	detail, err := h.core.GetAgentDetail(c.Request.Context(), agentID)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}
	if detail == nil {
		httpx.FailErr(c, httpx.ErrNotFound("agent不存在"))
		return
	}
	httpx.OK(c, detail)
}

// Tasks pages through execution history targeting this agent.
// GET /api/v1/agents/:agent_id/tasks
func (h *Handler) Tasks(c *gin.Context) {
	agentID := c.Param("agent_id")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 20
	}

	q := h.core.DB().WithContext(c.Request.Context()).
		Model(&model.ExecutionHistory{}).
		Where("JSON_CONTAINS(target_hosts, JSON_QUOTE(?))", agentID)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	var rows []model.ExecutionHistory
	err := q.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}
	httpx.OKItems(c, rows, total, page, pageSize)
}

// Restart asks one agent to restart its process.
// POST /api/v1/agents/:agent_id/restart
func (h *Handler) Restart(c *gin.Context) {
	h.control(c, func(agentID string) error {
		return h.core.RestartAgent(agentID)
	})
}

// RestartHost asks one agent to reboot its host.
// POST /api/v1/agents/:agent_id/restart-host
func (h *Handler) RestartHost(c *gin.Context) {
	h.control(c, func(agentID string) error {
		return h.core.RestartHost(agentID)
	})
}

// UpdateRequest carries the self-update parameters.
type UpdateRequest struct {
	Version     string `json:"version" binding:"required"`
	DownloadURL string `json:"download_url" binding:"required"`
	MD5         string `json:"md5" binding:"required"`
}

// Update pushes a self-update instruction to one agent.
// POST /api/v1/agents/:agent_id/update
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}
	h.control(c, func(agentID string) error {
		return h.core.UpdateAgent(agentID, req.Version, req.DownloadURL, req.MD5)
	})
}

func (h *Handler) control(c *gin.Context, op func(agentID string) error) {
	agentID := c.Param("agent_id")
	if err := op(agentID); err != nil {
		if errors.Is(err, server.ErrAgentNotConnected) {
			httpx.FailErr(c, httpx.ErrAgentOffline(agentID))
			return
		}
		httpx.FailErr(c, httpx.ErrInternalError("", err))
		return
	}
	httpx.OK(c, gin.H{"agent_id": agentID})
}

// BatchRequest selects an operation and its targets.
type BatchRequest struct {
	Operation   string   `json:"operation" binding:"required"`
	AgentIDs    []string `json:"agent_ids" binding:"required,min=1"`
	Version     string   `json:"version"`
	DownloadURL string   `json:"download_url"`
	MD5         string   `json:"md5"`
}

// Batch applies restart/update to many agents with a per-target report.
// POST /api/v1/agents/batch
func (h *Handler) Batch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}
	if req.Operation == protocol.TypeUpdateAgent && (req.Version == "" || req.DownloadURL == "" || req.MD5 == "") {
		httpx.FailErr(c, httpx.ErrParamMissing("update操作需要 version/download_url/md5"))
		return
	}

	results, err := h.core.BatchOperate(req.Operation, req.AgentIDs, req.Version, req.DownloadURL, req.MD5)
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	httpx.OK(c, gin.H{
		"results":   results,
		"total":     len(results),
		"succeeded": succeeded,
	})
}

// CleanupOffline deletes agents silent for more than ?hours (default 24).
// POST /api/v1/agents/cleanup-offline
func (h *Handler) CleanupOffline(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	deleted, err := h.core.CleanupOffline(c.Request.Context(), hours)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}
	httpx.OK(c, gin.H{"deleted": deleted})
}
