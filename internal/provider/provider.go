package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/push-engine/internal/model"
)

// Response is a provider's acknowledgment for a single token.
type Response struct {
	MessageID string
}

// SendOptions carries the per-dispatch knobs that map onto protocol headers
// or message fields.
type SendOptions struct {
	Priority    model.Priority
	CollapseKey string
	ThreadID    string
	Expiration  time.Time
}

// Client is the shared contract across APNs, FCM and Expo transports.
// SendBatch returns one response or error per token, index-aligned with the
// input; clients without native multi-recipient calls loop over Send.
type Client interface {
	Platform() model.Platform
	BatchLimit() int
	Send(ctx context.Context, token string, content *model.NotificationContent, opts SendOptions) (*Response, error)
	SendBatch(ctx context.Context, tokens []string, content *model.NotificationContent, opts SendOptions) ([]*Response, []error)
}

// NoopClient accepts everything without touching the network. It is injected
// when push is disabled so test and offline environments degrade gracefully.
type NoopClient struct {
	platform model.Platform
}

func NewNoopClient(platform model.Platform) *NoopClient {
	return &NoopClient{platform: platform}
}

func (c *NoopClient) Platform() model.Platform { return c.platform }

func (c *NoopClient) BatchLimit() int { return 100 }

func (c *NoopClient) Send(_ context.Context, _ string, _ *model.NotificationContent, _ SendOptions) (*Response, error) {
	return &Response{MessageID: fmt.Sprintf("noop-%s", uuid.New())}, nil
}

func (c *NoopClient) SendBatch(ctx context.Context, tokens []string, content *model.NotificationContent, opts SendOptions) ([]*Response, []error) {
	responses := make([]*Response, len(tokens))
	errs := make([]error, len(tokens))
	for i, token := range tokens {
		responses[i], errs[i] = c.Send(ctx, token, content, opts)
	}
	return responses, errs
}
