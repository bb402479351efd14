package push

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/push-engine/internal/provider/expo"
	"github.com/jwalitptl/push-engine/pkg/logger"
	"github.com/jwalitptl/push-engine/pkg/metrics"
)

type fakeReceiptChecker struct {
	mu       sync.Mutex
	requests [][]string
	receipts map[string]expo.Receipt
	err      error
}

func (c *fakeReceiptChecker) Receipts(_ context.Context, ids []string) (map[string]expo.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, append([]string(nil), ids...))
	if c.err != nil {
		return nil, c.err
	}
	return c.receipts, nil
}

func newTestTracker(checker ReceiptChecker, devices *fakeDeviceRepo) *ReceiptTracker {
	tracker := NewReceiptTracker(checker, devices, metrics.New("receipts_test"), logger.NewLogger(nil))
	// Make tracked tickets due immediately.
	tracker.delay = 0
	return tracker
}

func TestReceiptsRemoveUnregisteredDevices(t *testing.T) {
	deadDevice := uuid.New()
	checker := &fakeReceiptChecker{
		receipts: map[string]expo.Receipt{
			"ticket-ok":   {Status: "ok"},
			"ticket-dead": {Status: "error", Reason: "DeviceNotRegistered", Message: "device gone"},
		},
	}
	devices := &fakeDeviceRepo{}
	tracker := newTestTracker(checker, devices)

	tracker.Track("ticket-ok", uuid.New())
	tracker.Track("ticket-dead", deadDevice)

	tracker.checkDue(context.Background())

	require.Len(t, devices.deletedIDs(), 1)
	assert.Equal(t, deadDevice, devices.deletedIDs()[0])

	// Resolved tickets are gone from the pending set.
	assert.Zero(t, tracker.pending.ItemCount())
}

func TestReceiptsKeepInFlightTicketsPending(t *testing.T) {
	checker := &fakeReceiptChecker{receipts: map[string]expo.Receipt{}}
	devices := &fakeDeviceRepo{}
	tracker := newTestTracker(checker, devices)

	tracker.Track("ticket-pending", uuid.New())
	tracker.checkDue(context.Background())

	// No receipt yet: the ticket stays for the next poll.
	assert.Equal(t, 1, tracker.pending.ItemCount())
	assert.Empty(t, devices.deletedIDs())
}

func TestReceiptsFailedFetchRetriesLater(t *testing.T) {
	checker := &fakeReceiptChecker{err: errors.New("expo unreachable")}
	devices := &fakeDeviceRepo{}
	tracker := newTestTracker(checker, devices)

	tracker.Track("ticket-1", uuid.New())
	tracker.checkDue(context.Background())

	assert.Equal(t, 1, tracker.pending.ItemCount())
}

func TestReceiptsNonRegistrationErrorKeepsDevice(t *testing.T) {
	checker := &fakeReceiptChecker{
		receipts: map[string]expo.Receipt{
			"ticket-1": {Status: "error", Reason: "MessageRateExceeded"},
		},
	}
	devices := &fakeDeviceRepo{}
	tracker := newTestTracker(checker, devices)

	tracker.Track("ticket-1", uuid.New())
	tracker.checkDue(context.Background())

	assert.Empty(t, devices.deletedIDs())
	assert.Zero(t, tracker.pending.ItemCount())
}

func TestReceiptsNothingDue(t *testing.T) {
	checker := &fakeReceiptChecker{}
	tracker := NewReceiptTracker(checker, &fakeDeviceRepo{}, metrics.New("receipts_idle_test"), logger.NewLogger(nil))

	// Freshly tracked tickets are inside the delay window.
	tracker.Track("ticket-early", uuid.New())
	tracker.checkDue(context.Background())

	checker.mu.Lock()
	defer checker.mu.Unlock()
	assert.Empty(t, checker.requests)
}
