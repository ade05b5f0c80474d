package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"queenbee/internal/model"
	"queenbee/internal/protocol"
)

// batchWriteTimeout bounds one frame write during a batch operation so a
// stuck agent cannot stall the whole batch.
const batchWriteTimeout = 5 * time.Second

var ErrAgentNotConnected = errors.New("agent没有活动连接")

// RestartAgent asks one agent to restart its own process.
func (c *Core) RestartAgent(agentID string) error {
	return c.sendControl(agentID, &protocol.Frame{
		Type:        protocol.TypeRestartAgent,
		AgentID:     agentID,
		RestartType: "agent",
	})
}

// RestartHost asks one agent to reboot its host.
func (c *Core) RestartHost(agentID string) error {
	return c.sendControl(agentID, &protocol.Frame{
		Type:        protocol.TypeRestartHost,
		AgentID:     agentID,
		RestartType: "host",
	})
}

// UpdateAgent pushes a self-update instruction. The agent downloads the
// binary, verifies the MD5 and re-execs itself.
func (c *Core) UpdateAgent(agentID, version, downloadURL, md5sum string) error {
	return c.sendControl(agentID, &protocol.Frame{
		Type:        protocol.TypeUpdateAgent,
		AgentID:     agentID,
		Version:     version,
		DownloadURL: downloadURL,
		MD5:         md5sum,
	})
}

func (c *Core) sendControl(agentID string, f *protocol.Frame) error {
	sess := c.Registry.Lookup(agentID)
	if sess == nil || sess.Status() != model.AgentStatusOnline {
		return ErrAgentNotConnected
	}
	if err := sess.Conn.SendFrameTimeout(f, batchWriteTimeout); err != nil {
		return fmt.Errorf("发送 %s 指令失败: %w", f.Type, err)
	}
	return nil
}

// BatchResult is the per-target outcome of a batch operation.
type BatchResult struct {
	AgentID string `json:"agent_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Batch delete only touches agents already marked OFFLINE or DOWN;
// delete_down is accepted as an alias.
const (
	OpDeleteOffline = "delete_offline"
	OpDeleteDown    = "delete_down"
)

// BatchOperate applies one control operation to many agents. Valid ops:
// restart_agent, restart_host, update_agent, delete_offline. Failures are
// reported per target; one bad agent never aborts the batch.
func (c *Core) BatchOperate(op string, agentIDs []string, version, downloadURL, md5sum string) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(agentIDs))
	for _, id := range agentIDs {
		var err error
		switch op {
		case protocol.TypeRestartAgent:
			err = c.RestartAgent(id)
		case protocol.TypeRestartHost:
			err = c.RestartHost(id)
		case protocol.TypeUpdateAgent:
			err = c.UpdateAgent(id, version, downloadURL, md5sum)
		case OpDeleteOffline, OpDeleteDown:
			err = c.deleteAgent(context.Background(), id)
		default:
			return nil, fmt.Errorf("不支持的批量操作: %s", op)
		}

		if err != nil {
			results = append(results, BatchResult{AgentID: id, Success: false, Error: err.Error()})
			continue
		}
		results = append(results, BatchResult{AgentID: id, Success: true})
	}
	return results, nil
}

// deleteAgent removes one non-live agent and its system-info row, cache
// entry and cluster location. A target whose session is still ONLINE is
// refused rather than torn down.
func (c *Core) deleteAgent(ctx context.Context, agentID string) error {
	status := model.AgentStatusOffline
	if sess := c.Registry.Lookup(agentID); sess != nil {
		status = sess.Status()
	} else {
		var agent model.Agent
		err := c.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("agent不存在: %s", agentID)
			}
			return fmt.Errorf("load agent %s: %w", agentID, err)
		}
		status = agent.Status
	}
	if status != model.AgentStatusOffline && status != model.AgentStatusDown {
		return fmt.Errorf("Agent状态为%s，只能删除OFFLINE或DOWN状态的Agent", status)
	}

	if err := c.db.WithContext(ctx).Where("agent_id = ?", agentID).Delete(&model.AgentSystemInfo{}).Error; err != nil {
		log.Printf("[Server] Delete: system info delete for %s failed: %v", agentID, err)
	}
	if err := c.db.WithContext(ctx).Where("id = ?", agentID).Delete(&model.Agent{}).Error; err != nil {
		return fmt.Errorf("delete agent %s: %w", agentID, err)
	}

	if sess := c.Registry.Lookup(agentID); sess != nil {
		c.Registry.Remove(agentID, sess)
	}
	c.Resources.Evict(agentID)
	c.Coord.UnregisterAgentLocation(ctx, agentID)
	return nil
}

// CleanupOffline deletes agents whose last heartbeat is older than the given
// number of hours, along with their system-info rows, cache entries and
// cluster location records. Returns the number of deleted agents.
func (c *Core) CleanupOffline(ctx context.Context, hours int) (int, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	var stale []model.Agent
	err := c.db.WithContext(ctx).
		Where("status <> ? AND last_heartbeat < ?", model.AgentStatusOnline, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("query stale agents: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(stale))
	for _, a := range stale {
		ids = append(ids, a.ID)
	}

	if err := c.db.WithContext(ctx).Where("agent_id IN ?", ids).Delete(&model.AgentSystemInfo{}).Error; err != nil {
		log.Printf("[Server] Cleanup: system info delete failed: %v", err)
	}
	if err := c.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.Agent{}).Error; err != nil {
		return 0, fmt.Errorf("delete stale agents: %w", err)
	}

	for _, id := range ids {
		if sess := c.Registry.Lookup(id); sess != nil {
			c.Registry.Remove(id, sess)
		}
		c.Resources.Evict(id)
		c.Coord.UnregisterAgentLocation(ctx, id)
	}

	log.Printf("[Server] Cleanup removed %d offline agents (cutoff %s)", len(ids), cutoff.Format(time.RFC3339))
	return len(ids), nil
}

// AgentDetail is the merged view of one agent: the durable row overlaid
// with the fresh resource snapshot, plus the registration hardware snapshot.
type AgentDetail struct {
	Agent      model.Agent            `json:"agent"`
	SystemInfo *model.AgentSystemInfo `json:"system_info,omitempty"`
	NodeID     string                 `json:"node_id,omitempty"`
}

// GetAgentDetail loads one agent. The durable row may lag by up to the
// flush window; the cache overlay hides that from readers.
func (c *Core) GetAgentDetail(ctx context.Context, agentID string) (*AgentDetail, error) {
	var agent model.Agent
	if err := c.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}

	// Live session state beats the persisted status.
	if sess := c.Registry.Lookup(agentID); sess != nil {
		agent.Status = sess.Status()
		if hb := sess.LastHeartbeat(); hb.After(agent.LastHeartbeat) {
			agent.LastHeartbeat = hb
		}
	}
	c.Resources.Overlay(&agent)

	detail := &AgentDetail{Agent: agent}

	var info model.AgentSystemInfo
	err := c.db.WithContext(ctx).First(&info, "agent_id = ?", agentID).Error
	if err == nil {
		detail.SystemInfo = &info
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("[Server] System info load for %s failed: %v", agentID, err)
	}

	if loc, err := c.Coord.GetAgentLocation(ctx, agentID); err == nil && loc != nil {
		detail.NodeID = loc.NodeID
	}

	return detail, nil
}

// ListAgentsOptions filters the agent listing.
type ListAgentsOptions struct {
	ProjectID int
	Status    string
	Page      int
	PageSize  int
}

// ListAgents returns the paginated agent listing with the cache overlay
// applied to each row.
func (c *Core) ListAgents(ctx context.Context, opts ListAgentsOptions) ([]model.Agent, int64, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.PageSize <= 0 || opts.PageSize > 500 {
		opts.PageSize = 50
	}

	q := c.db.WithContext(ctx).Model(&model.Agent{})
	if opts.ProjectID > 0 {
		q = q.Where("project_id = ?", opts.ProjectID)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count agents: %w", err)
	}

	var agents []model.Agent
	err := q.Order("register_time DESC").
		Offset((opts.Page - 1) * opts.PageSize).
		Limit(opts.PageSize).
		Find(&agents).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}

	for i := range agents {
		if sess := c.Registry.Lookup(agents[i].ID); sess != nil {
			agents[i].Status = sess.Status()
			if hb := sess.LastHeartbeat(); hb.After(agents[i].LastHeartbeat) {
				agents[i].LastHeartbeat = hb
			}
		}
		c.Resources.Overlay(&agents[i])
	}
	return agents, total, nil
}
