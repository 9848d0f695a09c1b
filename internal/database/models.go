package database

import (
	"gorm.io/gorm"
)

// SessionAuditLog records one lifecycle event of a gateway session.
type SessionAuditLog struct {
	gorm.Model
	SessionID string `gorm:"index" json:"session_id"`
	EventType string `gorm:"index" json:"event_type"`
	Kind      string `json:"kind"` // provider kind: ssh or docker
	Host      string `json:"host"`
	Username  string `json:"username"`
	SourceIP  string `json:"source_ip"`
	Details   string `json:"details"`
	// Duration is the session lifetime in milliseconds, set on end events.
	Duration int64 `json:"duration_ms"`
}
