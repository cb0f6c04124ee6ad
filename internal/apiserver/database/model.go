package database

import (
	"time"
)

// Audit actions recorded by the notification service.
const (
	ActionConnected    = "connected"
	ActionDisconnected = "disconnected"
	ActionAuthFailed   = "auth_failed"
	ActionRateLimited  = "rate_limited"
	ActionDispatch     = "dispatch"
)

// AuditRecord is one security-relevant event in the connection or
// dispatch lifecycle.
type AuditRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Action       string    `gorm:"index;size:32" json:"action"`
	ConnectionID string    `gorm:"index;size:64" json:"connection_id,omitempty"`
	PrincipalID  string    `gorm:"index;size:64" json:"principal_id,omitempty"`
	JobID        string    `gorm:"index;size:64" json:"job_id,omitempty"`
	RemoteAddr   string    `gorm:"size:64" json:"remote_addr,omitempty"`
	Detail       string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// TableName implements the gorm table naming convention
func (AuditRecord) TableName() string {
	return "audit_records"
}
