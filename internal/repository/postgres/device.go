package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/repository"
	apperrors "github.com/jwalitptl/push-engine/pkg/errors"
)

type deviceTokenRepository struct {
	BaseRepository
}

func NewDeviceTokenRepository(base BaseRepository) repository.DeviceTokenRepository {
	return &deviceTokenRepository{base}
}

func (r *deviceTokenRepository) Upsert(ctx context.Context, token *model.DeviceToken) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	now := time.Now()

	query := `
		INSERT INTO device_tokens (id, user_id, platform, token, registered_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, token) DO UPDATE
		SET last_used_at = $5, platform = $3
		RETURNING id, registered_at
	`
	err := r.GetDB().QueryRowxContext(ctx, query,
		token.ID, token.UserID, token.Platform, token.Token, now,
	).Scan(&token.ID, &token.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to upsert device token: %w", err)
	}
	token.LastUsedAt = now
	return nil
}

func (r *deviceTokenRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*model.DeviceToken, error) {
	query := `
		SELECT id, user_id, platform, token, registered_at, last_used_at
		FROM device_tokens
		WHERE user_id = $1
		ORDER BY registered_at
	`
	var tokens []*model.DeviceToken
	if err := r.GetDB().SelectContext(ctx, &tokens, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list device tokens: %w", err)
	}
	return tokens, nil
}

func (r *deviceTokenRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.GetDB().ExecContext(ctx, `DELETE FROM device_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFound("device token", nil)
	}
	return nil
}

func (r *deviceTokenRepository) DeleteBatch(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	_, err := r.GetDB().ExecContext(ctx,
		`DELETE FROM device_tokens WHERE id = ANY($1)`, pq.Array(raw))
	if err != nil {
		return fmt.Errorf("failed to delete device tokens: %w", err)
	}
	return nil
}
