package model

import (
	"time"

	"gorm.io/datatypes"
)

// AgentStatus represents agent liveness state
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "ONLINE"
	AgentStatusOffline AgentStatus = "OFFLINE"
	// AgentStatusDown is reserved for administrative use; the liveness
	// monitor never sets it.
	AgentStatusDown AgentStatus = "DOWN"
)

// Agent is the durable record of a managed host. The in-memory registry is
// authoritative for status while the process is alive; this row is the
// serialization boundary across cluster nodes.
type Agent struct {
	ID            string         `gorm:"type:varchar(32);primaryKey" json:"id"`
	Hostname      string         `gorm:"type:varchar(128);index" json:"hostname"`
	IP            string         `gorm:"type:varchar(64);column:ip;index" json:"ip"`
	ExternalIP    string         `gorm:"type:varchar(64)" json:"external_ip"`
	OSType        string         `gorm:"type:varchar(32)" json:"os_type"`
	Status        AgentStatus    `gorm:"type:enum('ONLINE','OFFLINE','DOWN');default:'OFFLINE';index" json:"status"`
	TenantID      int            `gorm:"index" json:"tenant_id"`
	ProjectID     int            `gorm:"index" json:"project_id"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	RegisterTime  time.Time      `json:"register_time"`
	WebsocketInfo datatypes.JSON `gorm:"type:json" json:"websocket_info"`
	Tags          datatypes.JSON `gorm:"type:json" json:"tags"`
	// Resource holds the latest coalesced heartbeat counters. Written only
	// by the resource cache flush path with a targeted column update.
	Resource datatypes.JSON `gorm:"type:json" json:"resource"`
}

// TableName specifies the table name for Agent model
func (Agent) TableName() string {
	return "agents"
}

// AgentSystemInfo is the hardware snapshot captured at registration.
// Immutable per session; overwritten wholesale on re-registration.
type AgentSystemInfo struct {
	AgentID     string         `gorm:"type:varchar(32);primaryKey" json:"agent_id"`
	SystemInfo  datatypes.JSON `gorm:"type:json" json:"system_info"`
	CPUInfo     datatypes.JSON `gorm:"type:json" json:"cpu_info"`
	MemoryInfo  datatypes.JSON `gorm:"type:json" json:"memory_info"`
	DiskInfo    datatypes.JSON `gorm:"type:json" json:"disk_info"`
	NetworkInfo datatypes.JSON `gorm:"type:json" json:"network_info"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for AgentSystemInfo
func (AgentSystemInfo) TableName() string {
	return "agent_system_info"
}
