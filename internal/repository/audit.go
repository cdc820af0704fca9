package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/habitflow/credits-server-go/internal/model"
)

// AuditLogRepository is append-only; there is intentionally no update or delete.
type AuditLogRepository interface {
	Create(ctx context.Context, params model.CreateAuditLogParams) (*model.AuditLogEntry, error)
	FindAll(ctx context.Context, limit, offset int) ([]model.AuditLogEntry, error)
	FindByTarget(ctx context.Context, targetUserID string, limit, offset int) ([]model.AuditLogEntry, error)
	Count(ctx context.Context) (int, error)
}

type auditLogRepo struct {
	db sqlxDB
}

func NewAuditLogRepository(db *sqlx.DB) AuditLogRepository {
	return &auditLogRepo{db: db}
}

func (r *auditLogRepo) Create(ctx context.Context, params model.CreateAuditLogParams) (*model.AuditLogEntry, error) {
	before, err := jsonParam(params.BeforeValue)
	if err != nil {
		return nil, fmt.Errorf("encode before value: %w", err)
	}
	after, err := jsonParam(params.AfterValue)
	if err != nil {
		return nil, fmt.Errorf("encode after value: %w", err)
	}
	var metadata *string
	if params.Metadata != nil {
		if metadata, err = jsonParam(params.Metadata); err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}

	var entry model.AuditLogEntry
	err = r.db.GetContext(ctx, &entry, `
		INSERT INTO admin_audit_log (
			admin_id, admin_email, action, target_user_id, target_user_email,
			entity_type, before_value, after_value, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb)
		RETURNING *
	`, params.AdminID, params.AdminEmail, params.Action, params.TargetUserID, params.TargetUserEmail,
		params.EntityType, before, after, metadata)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *auditLogRepo) FindAll(ctx context.Context, limit, offset int) ([]model.AuditLogEntry, error) {
	var entries []model.AuditLogEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM admin_audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *auditLogRepo) FindByTarget(ctx context.Context, targetUserID string, limit, offset int) ([]model.AuditLogEntry, error) {
	var entries []model.AuditLogEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM admin_audit_log
		WHERE target_user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, targetUserID, limit, offset)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *auditLogRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM admin_audit_log`)
	return count, err
}
