package client

import (
	"context"
	"encoding/base64"
	"log"
	"time"

	"queenbee/agent/executor"
	"queenbee/agent/ptyx"
	"queenbee/agent/updater"
	"queenbee/internal/protocol"
)

// handleFrame routes one inbound server frame.
func (c *Client) handleFrame(ctx context.Context, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeRegisterConfirm:
		log.Printf("[Agent] 注册确认: %s", f.Message)

	case protocol.TypeExecuteTask:
		go c.runTask(ctx, f)

	case protocol.TypeRestartAgent:
		c.handleRestartAgent()

	case protocol.TypeRestartHost:
		c.handleRestartHost()

	case protocol.TypeUpdateAgent:
		go c.handleUpdate(f)

	case protocol.TypeTerminalInit:
		c.handleTerminalInit(f)

	case protocol.TypeTerminalInput:
		c.handleTerminalInput(f)

	case protocol.TypeTerminalResize:
		c.handleTerminalResize(f)

	case protocol.TypeTerminalClose:
		c.closeSession(f.SessionID)

	default:
		log.Printf("[Agent] 未知消息类型: %s", f.Type)
	}
}

func (c *Client) runTask(ctx context.Context, f *protocol.Frame) {
	log.Printf("[Agent] 收到执行任务: %s", f.TaskID)
	result := executor.Run(ctx, f.TaskID, f.Script, f.ScriptParams, f.Timeout)

	err := c.sendFrame(&protocol.Frame{
		Type:    protocol.TypeTaskResult,
		TaskID:  f.TaskID,
		AgentID: c.cfg.AgentID,
		Result:  result,
	})
	if err != nil {
		log.Printf("[Agent] 任务 %s 结果发送失败: %v", f.TaskID, err)
		return
	}
	log.Printf("[Agent] 任务 %s 执行完成 (exit=%d)", f.TaskID, result.ExitCode)
}

func (c *Client) handleRestartAgent() {
	log.Println("[Agent] 收到重启Agent命令")
	ok := true
	c.sendFrame(&protocol.Frame{
		Type:        protocol.TypeRestartAgentResponse,
		AgentID:     c.cfg.AgentID,
		RestartType: "agent",
		Success:     &ok,
		Message:     "Agent restart initiated",
	})
	// Give the response a moment to flush before the process image is
	// replaced
	time.Sleep(500 * time.Millisecond)
	if err := reexec(); err != nil {
		log.Printf("[Agent] 重启失败: %v", err)
	}
}

func (c *Client) handleRestartHost() {
	log.Println("[Agent] 收到重启主机命令")
	ok := true
	c.sendFrame(&protocol.Frame{
		Type:        protocol.TypeRestartHostResponse,
		AgentID:     c.cfg.AgentID,
		RestartType: "host",
		Success:     &ok,
		Message:     "Host restart initiated",
	})
	time.Sleep(500 * time.Millisecond)
	if err := rebootHost(); err != nil {
		log.Printf("[Agent] 主机重启失败: %v", err)
	}
}

func (c *Client) handleUpdate(f *protocol.Frame) {
	log.Printf("[Agent] 收到更新命令: 版本 %s", f.Version)
	c.sendFrame(&protocol.Frame{
		Type:    protocol.TypeUpdateAgentResponse,
		AgentID: c.cfg.AgentID,
		Status:  "downloading",
		Version: f.Version,
	})

	if err := updater.Apply(f.DownloadURL, f.MD5); err != nil {
		log.Printf("[Agent] 更新失败: %v", err)
		c.sendFrame(&protocol.Frame{
			Type:         protocol.TypeUpdateAgentResponse,
			AgentID:      c.cfg.AgentID,
			Status:       "failed",
			Version:      f.Version,
			ErrorMessage: err.Error(),
		})
		return
	}

	c.sendFrame(&protocol.Frame{
		Type:    protocol.TypeUpdateAgentResponse,
		AgentID: c.cfg.AgentID,
		Status:  "success",
		Version: f.Version,
	})
	log.Printf("[Agent] 更新完成，重新启动")
	time.Sleep(500 * time.Millisecond)
	if err := reexec(); err != nil {
		log.Printf("[Agent] 更新后重启失败: %v", err)
	}
}

func (c *Client) handleTerminalInit(f *protocol.Frame) {
	sess, err := ptyx.Start(f.SessionID, f.Cols, f.Rows)
	if err != nil {
		log.Printf("[Agent] 终端 %s 初始化失败: %v", f.SessionID, err)
		c.sendFrame(protocol.NewTerminalError(f.SessionID, err.Error()))
		return
	}

	c.sessMu.Lock()
	c.sessions[f.SessionID] = sess
	c.sessMu.Unlock()

	c.sendFrame(&protocol.Frame{
		Type:      protocol.TypeTerminalReady,
		SessionID: f.SessionID,
		Cols:      f.Cols,
		Rows:      f.Rows,
	})
	log.Printf("[Agent] 终端会话已创建: %s", f.SessionID)

	go c.pumpTerminal(sess)
}

// pumpTerminal forwards master output until the PTY reaches EOF, then
// reports the close upstream.
func (c *Client) pumpTerminal(sess *ptyx.Session) {
	for chunk := range sess.Output() {
		err := c.sendFrame(&protocol.Frame{
			Type:      protocol.TypeTerminalData,
			SessionID: sess.ID,
			Data:      base64.StdEncoding.EncodeToString(chunk),
			IsBinary:  true,
		})
		if err != nil {
			log.Printf("[Agent] 终端 %s 输出发送失败: %v", sess.ID, err)
			break
		}
	}

	c.closeSession(sess.ID)
	c.sendFrame(&protocol.Frame{
		Type:      protocol.TypeTerminalClose,
		SessionID: sess.ID,
	})
}

func (c *Client) handleTerminalInput(f *protocol.Frame) {
	c.sessMu.Lock()
	sess := c.sessions[f.SessionID]
	c.sessMu.Unlock()
	if sess == nil {
		log.Printf("[Agent] 终端输入目标会话不存在: %s", f.SessionID)
		return
	}

	data := []byte(f.Data)
	if f.IsBinary {
		decoded, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			log.Printf("[Agent] 终端 %s 输入解码失败: %v", f.SessionID, err)
			return
		}
		data = decoded
	}
	if err := sess.Write(data); err != nil {
		log.Printf("[Agent] 终端 %s 写入失败: %v", f.SessionID, err)
	}
}

func (c *Client) handleTerminalResize(f *protocol.Frame) {
	c.sessMu.Lock()
	sess := c.sessions[f.SessionID]
	c.sessMu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Resize(f.Cols, f.Rows); err != nil {
		log.Printf("[Agent] 终端 %s 调整尺寸失败: %v", f.SessionID, err)
	}
}

func (c *Client) closeSession(sessionID string) {
	c.sessMu.Lock()
	sess := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.sessMu.Unlock()
	if sess != nil {
		sess.Close()
		log.Printf("[Agent] 终端会话已关闭: %s", sessionID)
	}
}

func (c *Client) closeAllSessions() {
	c.sessMu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*ptyx.Session)
	c.sessMu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}
