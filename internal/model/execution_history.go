package model

import (
	"time"

	"gorm.io/datatypes"
)

// Task status constants
const (
	TaskStatusPending   = "PENDING"
	TaskStatusRunning   = "RUNNING"
	TaskStatusCompleted = "COMPLETED"
	TaskStatusFailed    = "FAILED"
	TaskStatusCancelled = "CANCELLED"
)

// ExecutionHistory is the durable row behind a fan-out task. It is written
// on create so the task is visible before any agent replies, and rewritten
// on dispatch and on terminalization.
type ExecutionHistory struct {
	ID            string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	ScriptName    string         `gorm:"type:varchar(255)" json:"script_name"`
	ScriptContent string         `gorm:"type:text" json:"script_content"`
	ScriptParams  string         `gorm:"type:varchar(1024)" json:"script_params"`
	TargetHosts   datatypes.JSON `gorm:"type:json" json:"target_hosts"`
	ProjectID     int            `gorm:"index" json:"project_id"`
	Status        string         `gorm:"type:enum('PENDING','RUNNING','COMPLETED','FAILED','CANCELLED');default:'PENDING';index" json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at"`
	Timeout       int            `gorm:"default:7200" json:"timeout"`
	ExecutionUser string         `gorm:"type:varchar(64);default:'root'" json:"execution_user"`
	Results       datatypes.JSON `gorm:"type:json" json:"results"`
	ErrorMessage  string         `gorm:"type:varchar(512)" json:"error_message"`
}

// TableName specifies the table name for ExecutionHistory
func (ExecutionHistory) TableName() string {
	return "execution_history"
}
