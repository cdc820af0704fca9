package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/habitflow/credits-server-go/internal/model"
)

type AdminSessionRepository interface {
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.AdminSession, error)
	Create(ctx context.Context, params model.CreateAdminSessionParams) (*model.AdminSession, error)
	// MarkVerified refreshes verified_at and clears failures. It returns nil
	// while the session is locked.
	MarkVerified(ctx context.Context, id string, now time.Time) (*model.AdminSession, error)
	// RecordFailedVerification counts a failure and locks the session until
	// lockUntil once threshold failures accumulate.
	RecordFailedVerification(ctx context.Context, id string, threshold int, lockUntil time.Time) (*model.AdminSession, error)
	// ActiveLockout returns the latest lock still in force for any session of the account.
	ActiveLockout(ctx context.Context, accountID string, now time.Time) (*time.Time, error)
	DeleteByTokenHash(ctx context.Context, tokenHash string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

type adminSessionRepo struct {
	db sqlxDB
}

func NewAdminSessionRepository(db *sqlx.DB) AdminSessionRepository {
	return &adminSessionRepo{db: db}
}

func (r *adminSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.AdminSession, error) {
	var session model.AdminSession
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM admin_sessions
		WHERE token_hash = $1 AND expires_at > NOW()
	`, tokenHash)
	return HandleNotFound(&session, err)
}

func (r *adminSessionRepo) Create(ctx context.Context, params model.CreateAdminSessionParams) (*model.AdminSession, error) {
	var session model.AdminSession
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO admin_sessions (account_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
		RETURNING *
	`, params.AccountID, params.TokenHash, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *adminSessionRepo) MarkVerified(ctx context.Context, id string, now time.Time) (*model.AdminSession, error) {
	var session model.AdminSession
	err := r.db.GetContext(ctx, &session, `
		UPDATE admin_sessions SET
			verified_at = $2,
			failed_verifications = 0,
			locked_until = NULL
		WHERE id = $1 AND (locked_until IS NULL OR locked_until <= $2)
		RETURNING *
	`, id, now)
	return HandleNotFound(&session, err)
}

func (r *adminSessionRepo) RecordFailedVerification(ctx context.Context, id string, threshold int, lockUntil time.Time) (*model.AdminSession, error) {
	var session model.AdminSession
	err := r.db.GetContext(ctx, &session, `
		UPDATE admin_sessions SET
			failed_verifications = CASE
				WHEN failed_verifications + 1 >= $2 THEN 0
				ELSE failed_verifications + 1
			END,
			locked_until = CASE
				WHEN failed_verifications + 1 >= $2 THEN $3
				ELSE locked_until
			END
		WHERE id = $1
		RETURNING *
	`, id, threshold, lockUntil)
	return HandleNotFound(&session, err)
}

func (r *adminSessionRepo) ActiveLockout(ctx context.Context, accountID string, now time.Time) (*time.Time, error) {
	var lockedUntil *time.Time
	err := r.db.GetContext(ctx, &lockedUntil, `
		SELECT MAX(locked_until) FROM admin_sessions
		WHERE account_id = $1 AND locked_until > $2
	`, accountID, now)
	if err != nil {
		return nil, err
	}
	return lockedUntil, nil
}

func (r *adminSessionRepo) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM admin_sessions WHERE token_hash = $1`, tokenHash)
	return err
}

func (r *adminSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM admin_sessions
		WHERE expires_at < NOW() AND (locked_until IS NULL OR locked_until < NOW())`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
