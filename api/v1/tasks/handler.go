package tasks

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"queenbee/internal/httpx"
	"queenbee/internal/model"
	"queenbee/internal/server"
	"queenbee/internal/task"
)

// Handler handles script execution requests
type Handler struct {
	core *server.Core
}

// NewHandler creates a new tasks handler
func NewHandler(core *server.Core) *Handler {
	return &Handler{core: core}
}

// CreateRequest carries a fan-out execution request.
type CreateRequest struct {
	ScriptName    string   `json:"script_name"`
	Script        string   `json:"script" binding:"required"`
	ScriptParams  string   `json:"script_params"`
	TargetHosts   []string `json:"target_hosts" binding:"required,min=1"`
	Timeout       int      `json:"timeout"`
	ExecutionUser string   `json:"execution_user"`
	ProjectID     int      `json:"project_id"`
}

// Create registers a task and dispatches it to every target.
// POST /api/v1/tasks
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	t := h.core.Tasks.Create(task.CreateOptions{
		ScriptName:    req.ScriptName,
		Script:        req.Script,
		ScriptParams:  req.ScriptParams,
		TargetHosts:   req.TargetHosts,
		Timeout:       req.Timeout,
		ExecutionUser: req.ExecutionUser,
		ProjectID:     req.ProjectID,
	})
	if err := h.core.Tasks.Dispatch(t.ID); err != nil {
		httpx.FailErr(c, httpx.ErrStateConflict(err.Error()))
		return
	}

	httpx.OK(c, gin.H{
		"task_id": t.ID,
		"status":  t.Status(),
		"targets": len(t.TargetHosts),
	})
}

// Get returns one task: the durable row overlaid with live status and
// results while the task is still tracked in memory.
// GET /api/v1/tasks/:task_id
func (h *Handler) Get(c *gin.Context) {
	taskID := c.Param("task_id")

	var row model.ExecutionHistory
	err := h.core.DB().WithContext(c.Request.Context()).First(&row, "id = ?", taskID).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	t := h.core.Tasks.Get(taskID)
	if t == nil && !found {
		httpx.FailErr(c, httpx.ErrNotFound("任务不存在"))
		return
	}

	resp := gin.H{"task_id": taskID}
	if found {
		resp["script_name"] = row.ScriptName
		resp["status"] = row.Status
		resp["target_hosts"] = row.TargetHosts
		resp["created_at"] = row.CreatedAt
		resp["started_at"] = row.StartedAt
		resp["completed_at"] = row.CompletedAt
		resp["results"] = row.Results
		resp["error_message"] = row.ErrorMessage
	}
	if t != nil {
		// The row lags until the next persist; live state wins.
		resp["status"] = t.Status()
		resp["results"] = t.Results()
		resp["target_hosts"] = t.TargetHosts
		resp["script_name"] = t.ScriptName
	}
	httpx.OK(c, resp)
}

// List pages through execution history.
// GET /api/v1/tasks
func (h *Handler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 20
	}

	q := h.core.DB().WithContext(c.Request.Context()).Model(&model.ExecutionHistory{})
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if projectID, _ := strconv.Atoi(c.Query("project_id")); projectID > 0 {
		q = q.Where("project_id = ?", projectID)
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

// Cancel stops a running task. Results arriving after the cancel are
// dropped; cancelling a finished task is a no-op.
// POST /api/v1/tasks/:task_id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := h.core.Tasks.Cancel(taskID, "用户取消"); err != nil {
		httpx.FailErr(c, httpx.ErrNotFound(err.Error()))
		return
	}
	httpx.OK(c, gin.H{"task_id": taskID})
}

// Retry clones a task and dispatches the copy to the original targets.
// POST /api/v1/tasks/:task_id/retry
func (h *Handler) Retry(c *gin.Context) {
	taskID := c.Param("task_id")

	t, err := h.core.Tasks.Retry(taskID)
	if err != nil {
		httpx.FailErr(c, httpx.ErrNotFound(err.Error()))
		return
	}
	if err := h.core.Tasks.Dispatch(t.ID); err != nil {
		httpx.FailErr(c, httpx.ErrStateConflict(err.Error()))
		return
	}

	httpx.OK(c, gin.H{
		"task_id":          t.ID,
		"original_task_id": taskID,
		"status":           t.Status(),
		"targets":          len(t.TargetHosts),
	})
}

// RunRequest is a synchronous single-host execution, used by external job
// engines that want the result inline.
type RunRequest struct {
	AgentID       string `json:"agent_id" binding:"required"`
	Script        string `json:"script" binding:"required"`
	ScriptParams  string `json:"script_params"`
	Timeout       int    `json:"timeout"`
	ExecutionUser string `json:"execution_user"`
}

// Run executes a script on one agent and blocks until the result or the
// timeout.
// POST /api/v1/tasks/run
func (h *Handler) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	result, err := h.core.Tasks.RunScript(c.Request.Context(), req.AgentID, req.Script, req.ScriptParams, req.Timeout, req.ExecutionUser)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("", err))
		return
	}
	httpx.OK(c, result)
}
