package push

import (
	"context"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"github.com/jwalitptl/push-engine/internal/provider/expo"
	"github.com/jwalitptl/push-engine/internal/repository"
	"github.com/jwalitptl/push-engine/pkg/logger"
	"github.com/jwalitptl/push-engine/pkg/metrics"
)

// Expo caps one getReceipts call at this many ticket ids.
const receiptBatchLimit = 300

// ReceiptChecker is the second phase of Expo's two-phase acknowledgment.
type ReceiptChecker interface {
	Receipts(ctx context.Context, ids []string) (map[string]expo.Receipt, error)
}

type pendingTicket struct {
	DeviceTokenID uuid.UUID
	ReadyAt       time.Time
}

// ReceiptTracker reconciles Expo tickets against their receipts. The
// synchronous dispatch outcome already treated "ticket accepted" as sent;
// the tracker's job is hygiene after the fact: removing tokens whose
// receipts come back DeviceNotRegistered and surfacing failed deliveries in
// logs and metrics. It never rewrites a returned outcome.
type ReceiptTracker struct {
	checker  ReceiptChecker
	devices  repository.DeviceTokenRepository
	pending  *cache.Cache
	delay    time.Duration
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

func NewReceiptTracker(checker ReceiptChecker, devices repository.DeviceTokenRepository, m *metrics.Metrics, l *logger.Logger) *ReceiptTracker {
	return &ReceiptTracker{
		checker: checker,
		devices: devices,
		// Tickets unresolved after a day are not worth chasing.
		pending:  cache.New(24*time.Hour, time.Hour),
		delay:    15 * time.Minute,
		interval: 5 * time.Minute,
		metrics:  m,
		logger:   l.WithComponent("expo-receipts"),
	}
}

// Track registers a ticket for a later receipt check.
func (t *ReceiptTracker) Track(ticketID string, deviceTokenID uuid.UUID) {
	t.pending.Set(ticketID, pendingTicket{
		DeviceTokenID: deviceTokenID,
		ReadyAt:       time.Now().Add(t.delay),
	}, cache.DefaultExpiration)
}

// Run polls receipts until the context is canceled.
func (t *ReceiptTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkDue(ctx)
		}
	}
}

func (t *ReceiptTracker) checkDue(ctx context.Context) {
	now := time.Now()
	due := make([]string, 0)
	for id, item := range t.pending.Items() {
		ticket, ok := item.Object.(pendingTicket)
		if !ok || now.Before(ticket.ReadyAt) {
			continue
		}
		due = append(due, id)
		if len(due) == receiptBatchLimit {
			break
		}
	}
	if len(due) == 0 {
		return
	}

	receipts, err := t.checker.Receipts(ctx, due)
	if err != nil {
		// Leave the tickets pending; the next tick retries them.
		t.logger.Error(err, "failed to fetch push receipts", "count", len(due))
		return
	}

	for _, id := range due {
		receipt, ok := receipts[id]
		if !ok {
			// Still in flight on Expo's side; poll again later.
			continue
		}
		t.resolve(ctx, id, receipt)
	}
}

func (t *ReceiptTracker) resolve(ctx context.Context, ticketID string, receipt expo.Receipt) {
	item, found := t.pending.Get(ticketID)
	t.pending.Delete(ticketID)

	if receipt.OK() {
		t.metrics.ReceiptChecks.WithLabelValues("ok").Inc()
		return
	}
	t.metrics.ReceiptChecks.WithLabelValues("error").Inc()
	t.logger.Warn("push receipt reported failure",
		"ticket_id", ticketID,
		"reason", receipt.Reason,
		"message", receipt.Message,
	)

	if receipt.Reason != "DeviceNotRegistered" || !found {
		return
	}
	ticket, ok := item.(pendingTicket)
	if !ok {
		return
	}
	if err := t.devices.Delete(ctx, ticket.DeviceTokenID); err != nil {
		t.logger.Error(err, "failed to remove unregistered device", "device_token_id", ticket.DeviceTokenID.String())
	}
}
