package audit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/habitflow/credits-server-go/internal/config"
	"github.com/habitflow/credits-server-go/internal/events"
	"github.com/habitflow/credits-server-go/internal/model"
	"github.com/habitflow/credits-server-go/internal/repository"
)

// Recorder persists administrative mutations to the append-only audit log.
type Recorder struct {
	repo      repository.AuditLogRepository
	publisher events.Publisher
}

func NewRecorder(repo repository.AuditLogRepository, publisher events.Publisher) *Recorder {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Recorder{repo: repo, publisher: publisher}
}

// Record writes one entry. The caller decides what a failed write means for
// its own result.
func (r *Recorder) Record(ctx context.Context, params model.CreateAuditLogParams) (*model.AuditLogEntry, error) {
	entry, err := r.repo.Create(ctx, params)
	if err != nil {
		log.Error().
			Err(err).
			Str("admin_id", params.AdminID).
			Str("action", string(params.Action)).
			Msg("failed to write audit entry")
		return nil, fmt.Errorf("write audit entry: %w", err)
	}

	logger := log.Info().
		Str("audit", "admin").
		Str("audit_id", entry.ID).
		Str("admin_id", entry.AdminID).
		Str("action", string(entry.Action))
	if entry.TargetUserID != nil {
		logger = logger.Str("target_user_id", *entry.TargetUserID)
	}
	if success, ok := params.Metadata["success"].(bool); ok {
		logger = logger.Bool("success", success)
	}
	logger.Msg("admin action recorded")

	events.PublishAsync(r.publisher, config.SubjectAuditEntries, entry)
	return entry, nil
}

// List returns entries newest first with the total count for pagination.
func (r *Recorder) List(ctx context.Context, limit, offset int) ([]model.AuditLogEntry, int, error) {
	entries, err := r.repo.FindAll(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := r.repo.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *Recorder) ListByTarget(ctx context.Context, targetUserID string, limit, offset int) ([]model.AuditLogEntry, error) {
	return r.repo.FindByTarget(ctx, targetUserID, limit, offset)
}
