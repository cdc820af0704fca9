package model

import (
	"encoding/json"
	"time"
)

type AuditLogEntry struct {
	ID              string           `db:"id" json:"id"`
	AdminID         string           `db:"admin_id" json:"adminId"`
	AdminEmail      *string          `db:"admin_email" json:"adminEmail,omitempty"`
	Action          AuditAction      `db:"action" json:"action"`
	TargetUserID    *string          `db:"target_user_id" json:"targetUserId,omitempty"`
	TargetUserEmail *string          `db:"target_user_email" json:"targetUserEmail,omitempty"`
	EntityType      string           `db:"entity_type" json:"entityType"`
	BeforeValue     *json.RawMessage `db:"before_value" json:"beforeValue,omitempty"`
	AfterValue      *json.RawMessage `db:"after_value" json:"afterValue,omitempty"`
	Metadata        *json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"createdAt"`
}

type CreateAuditLogParams struct {
	AdminID         string
	AdminEmail      *string
	Action          AuditAction
	TargetUserID    *string
	TargetUserEmail *string
	EntityType      string
	BeforeValue     any
	AfterValue      any
	Metadata        map[string]any
}
