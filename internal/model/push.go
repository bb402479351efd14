package model

import (
	"time"

	"github.com/google/uuid"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// NotificationContent is the immutable payload of one push request. It is
// constructed once per send and shared read-only across provider goroutines.
type NotificationContent struct {
	Title       string
	Body        string
	Data        map[string]string
	Priority    Priority
	Badge       *int
	Sound       string
	CollapseKey string
	ThreadID    string
}

type AttemptStatus string

const (
	AttemptStatusSent     AttemptStatus = "sent"
	AttemptStatusFailed   AttemptStatus = "failed"
	AttemptStatusRetrying AttemptStatus = "retrying"
)

// DeliveryAttempt records the terminal state of one device within one
// dispatch. ProviderMessageID is the provider-assigned id (apns-id header,
// FCM message_id, Expo ticket id) when the send was accepted.
type DeliveryAttempt struct {
	DeviceTokenID     uuid.UUID
	Provider          Platform
	Status            AttemptStatus
	ProviderMessageID string
	ErrorCode         string
	AttemptedAt       time.Time
	RetryCount        int
}

// DeliveryOutcome aggregates one dispatch: one attempt per targeted device.
type DeliveryOutcome struct {
	Sent      int
	Failed    int
	PerDevice []DeliveryAttempt
}

func (o *DeliveryOutcome) Add(attempt DeliveryAttempt) {
	if attempt.Status == AttemptStatusSent {
		o.Sent++
	} else {
		o.Failed++
	}
	o.PerDevice = append(o.PerDevice, attempt)
}

// Status classifies the aggregate as delivered, partial or failed.
func (o *DeliveryOutcome) Status() DeliveryStatus {
	switch {
	case o.Failed == 0 && o.Sent > 0:
		return DeliveryStatusDelivered
	case o.Sent > 0:
		return DeliveryStatusPartial
	default:
		return DeliveryStatusFailed
	}
}
