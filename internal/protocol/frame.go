package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type constants for the agent control channel
const (
	TypeRegister        = "register"
	TypeRegisterConfirm = "register_confirm"
	TypeHeartbeat       = "heartbeat"

	TypeExecuteTask = "execute_task"
	TypeTaskResult  = "task_result"

	TypeRestartAgent         = "restart_agent"
	TypeRestartHost          = "restart_host"
	TypeRestartAgentResponse = "restart_agent_response"
	TypeRestartHostResponse  = "restart_host_response"

	TypeUpdateAgent         = "update_agent"
	TypeUpdateAgentResponse = "update_agent_response"

	TypeTerminalInit   = "terminal_init"
	TypeTerminalReady  = "terminal_ready"
	TypeTerminalInput  = "terminal_input"
	TypeTerminalResize = "terminal_resize"
	TypeTerminalData   = "terminal_data"
	TypeTerminalClose  = "terminal_close"
	TypeTerminalError  = "terminal_error"
	TypeTerminalPing   = "terminal_ping"
	TypeTerminalPong   = "terminal_pong"
)

// Cluster message types carried over the node pub/sub channel
const (
	TypeTerminalInitRequest   = "terminal_init_request"
	TypeTerminalForwardInput  = "terminal_forward_input"
	TypeTerminalForwardMsg    = "terminal_forward_message"
	TypeTerminalCloseRequest  = "terminal_close_request"
	TypeTerminalResponse      = "terminal_response"
)

// Frame is a single tagged message on the wire. Every JSON frame carries a
// required "type" discriminator; the remaining fields are populated per type.
// Binary WebSocket frames on the terminal path bypass this struct entirely.
type Frame struct {
	Type string `json:"type"`

	// register / register_confirm / heartbeat
	AgentID    string          `json:"agent_id,omitempty"`
	Hostname   string          `json:"hostname,omitempty"`
	IP         string          `json:"ip,omitempty"`
	ExternalIP string          `json:"external_ip,omitempty"`
	Platform   string          `json:"platform,omitempty"`
	SystemInfo json.RawMessage `json:"system_info,omitempty"`
	Message    string          `json:"message,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`

	// heartbeat resource counters
	CPUUsage        *float64        `json:"cpu_usage,omitempty"`
	MemoryUsage     *float64        `json:"memory_usage,omitempty"`
	MemoryTotal     *uint64         `json:"memory_total,omitempty"`
	MemoryUsed      *uint64         `json:"memory_used,omitempty"`
	MemoryAvailable *uint64         `json:"memory_available,omitempty"`
	DiskInfo        json.RawMessage `json:"disk_info,omitempty"`

	// execute_task / task_result
	TaskID        string           `json:"task_id,omitempty"`
	Script        string           `json:"script,omitempty"`
	ScriptParams  string           `json:"script_params,omitempty"`
	Timeout       int              `json:"timeout,omitempty"`
	ExecutionUser string           `json:"execution_user,omitempty"`
	Result        *ExecutionResult `json:"result,omitempty"`

	// restart_* responses
	RestartType  string `json:"restart_type,omitempty"`
	Success      *bool  `json:"success,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// update_agent
	Version     string `json:"version,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	MD5         string `json:"md5,omitempty"`
	Status      string `json:"status,omitempty"`

	// terminal_*
	SessionID string `json:"session_id,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Data      string `json:"data,omitempty"`
	IsBinary  bool   `json:"is_binary,omitempty"`
	Error     string `json:"error,omitempty"`

	// cluster forwarding envelope
	FromNode      string          `json:"from_node,omitempty"`
	TargetNode    string          `json:"target_node,omitempty"`
	RemoteSession string          `json:"remote_session_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// ExecutionResult is one agent's reply for one task. ExitCode -1 is reserved
// for transport or timeout failures where the script never ran.
type ExecutionResult struct {
	ExitCode      int     `json:"exit_code"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExecutionTime float64 `json:"execution_time"`
}

// Parse decodes a single JSON frame. The type discriminator must be present;
// unknown types are returned as-is so the caller can log and skip them.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type discriminator")
	}
	return &f, nil
}

// Encode serializes a frame for the wire.
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame %s: %w", f.Type, err)
	}
	return data, nil
}

// NewRegisterConfirm builds the acknowledgement sent after a successful
// agent registration.
func NewRegisterConfirm(agentID string) *Frame {
	return &Frame{
		Type:    TypeRegisterConfirm,
		AgentID: agentID,
		Message: "Agent 注册成功",
	}
}

// NewTerminalError builds a typed terminal failure frame. Terminal errors are
// always reported to the front end; the connection is never silently dropped.
func NewTerminalError(sessionID, errMsg string) *Frame {
	return &Frame{
		Type:      TypeTerminalError,
		SessionID: sessionID,
		Error:     errMsg,
	}
}
