package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
)

// AuditLog is an append-only record of a lifecycle mutation.
type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrgID      snowflake.ID      `json:"org_id" gorm:"not null;index"`
	ActorType  string            `json:"actor_type" gorm:"type:text;not null"`
	ActorID    *string           `json:"actor_id" gorm:"type:text"`
	Action     string            `json:"action" gorm:"type:text;not null;index"`
	TargetType string            `json:"target_type" gorm:"type:text;not null"`
	TargetID   *string           `json:"target_id" gorm:"type:text;index"`
	Metadata   datatypes.JSONMap `json:"metadata" gorm:"type:jsonb;not null;default:'{}'"`
	IPAddress  *string           `json:"ip_address" gorm:"type:text"`
	UserAgent  *string           `json:"user_agent" gorm:"type:text"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }
