package model

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusPartial   DeliveryStatus = "partial"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Notification is the stored record a dispatch reports back against. The
// engine only ever updates the delivery columns; creation belongs to the
// originating business logic.
type Notification struct {
	ID             uuid.UUID      `db:"id"`
	UserID         uuid.UUID      `db:"user_id"`
	Title          string         `db:"title"`
	Body           string         `db:"body"`
	DeliveryStatus DeliveryStatus `db:"delivery_status"`
	SentCount      int            `db:"sent_count"`
	FailedCount    int            `db:"failed_count"`
	DeliveredAt    *time.Time     `db:"delivered_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// PushEvent is the broker message consumed by the dispatch worker and
// published back out once a dispatch completes.
type PushEvent struct {
	NotificationID *uuid.UUID        `json:"notification_id,omitempty"`
	UserID         uuid.UUID         `json:"user_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
	Priority       Priority          `json:"priority,omitempty"`
	Urgent         bool              `json:"urgent,omitempty"`
}
