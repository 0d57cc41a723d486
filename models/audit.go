package models

import (
	"time"

	"gorm.io/datatypes"
)

// Object types referenced by audit entries.
const (
	ObjectTransaction = "transaction"
	ObjectOrder       = "order"
	ObjectWebhook     = "webhook"
)

// AuditLog is an append-only record of a state-changing action. Entries are
// created once and never updated or deleted.
type AuditLog struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time         `gorm:"index" json:"created_at"`
	Actor      string            `gorm:"size:128;index" json:"actor"`
	Action     string            `gorm:"size:100;index" json:"action"`
	ObjectType string            `gorm:"size:32;index:idx_audit_object" json:"object_type"`
	ObjectID   *uint             `gorm:"index:idx_audit_object" json:"object_id,omitempty"`
	Data       datatypes.JSONMap `gorm:"type:jsonb" json:"data,omitempty"`
	IPAddress  string            `gorm:"size:100" json:"ip_address,omitempty"`
	UserAgent  string            `gorm:"size:255" json:"user_agent,omitempty"`
}
