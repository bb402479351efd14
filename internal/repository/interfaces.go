package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/push-engine/internal/model"
)

// All repository interfaces in one file
type (
	// DeviceTokenRepository handles device token registration and hygiene.
	// Upsert is keyed (user_id, token): re-registering an existing token
	// refreshes last_used_at instead of inserting a duplicate.
	DeviceTokenRepository interface {
		Upsert(ctx context.Context, token *model.DeviceToken) error
		ListForUser(ctx context.Context, userID uuid.UUID) ([]*model.DeviceToken, error)
		Delete(ctx context.Context, id uuid.UUID) error
		DeleteBatch(ctx context.Context, ids []uuid.UUID) error
	}

	// NotificationRepository is the engine's outbound persistence contract:
	// it only ever writes delivery results back against a stored
	// notification record.
	NotificationRepository interface {
		UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, status model.DeliveryStatus, sent, failed int, deliveredAt time.Time) error
	}
)
