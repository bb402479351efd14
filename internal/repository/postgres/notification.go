package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/repository"
)

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

func (r *notificationRepository) UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, status model.DeliveryStatus, sent, failed int, deliveredAt time.Time) error {
	query := `
		UPDATE notifications
		SET delivery_status = $2,
		    sent_count = $3,
		    failed_count = $4,
		    delivered_at = $5,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.GetDB().ExecContext(ctx, query, id, status, sent, failed, deliveredAt)
	if err != nil {
		return fmt.Errorf("failed to update delivery status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("notification not found")
	}
	return nil
}
