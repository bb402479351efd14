package apns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/provider"
	"github.com/jwalitptl/push-engine/pkg/logger"
)

const (
	DefaultHost        = "https://api.push.apple.com"
	DefaultSandboxHost = "https://api.sandbox.push.apple.com"

	priorityImmediate = "10"
	priorityThrottled = "5"
)

type Config struct {
	Host        string
	Topic       string
	PushType    string
	RateLimit   rate.Limit
	RateBurst   int
	HTTPTimeout time.Duration
}

// Client speaks the APNs provider API: one path-addressed request per device
// token, authenticated with a signed provider token from the credential
// manager. APNs has no multicast call, so SendBatch is a rate-limited loop
// over Send on the shared connection.
type Client struct {
	cfg     Config
	http    *http.Client
	creds   *provider.CredentialManager
	limiter *rate.Limiter
	logger  *logger.Logger
}

func NewClient(cfg Config, creds *provider.CredentialManager, l *logger.Logger) *Client {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.PushType == "" {
		cfg.PushType = "alert"
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 20
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		creds:   creds,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  l.WithComponent("apns"),
	}
}

func (c *Client) Platform() model.Platform { return model.PlatformAPNS }

// BatchLimit is 1: the wire protocol addresses exactly one device per call.
func (c *Client) BatchLimit() int { return 1 }

func (c *Client) Send(ctx context.Context, token string, content *model.NotificationContent, opts provider.SendOptions) (*provider.Response, error) {
	return c.send(ctx, token, content, opts, false)
}

func (c *Client) SendBatch(ctx context.Context, tokens []string, content *model.NotificationContent, opts provider.SendOptions) ([]*provider.Response, []error) {
	responses := make([]*provider.Response, len(tokens))
	errs := make([]error, len(tokens))
	for i, token := range tokens {
		responses[i], errs[i] = c.Send(ctx, token, content, opts)
	}
	return responses, errs
}

func (c *Client) send(ctx context.Context, token string, content *model.NotificationContent, opts provider.SendOptions, retried bool) (*provider.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	bearer, err := c.creds.Credentials(ctx, model.PlatformAPNS)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildPayload(content))
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	url := fmt.Sprintf("%s/3/device/%s", c.cfg.Host, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("apns-topic", c.cfg.Topic)
	req.Header.Set("apns-push-type", c.cfg.PushType)
	if opts.Priority == model.PriorityHigh {
		req.Header.Set("apns-priority", priorityImmediate)
	} else {
		req.Header.Set("apns-priority", priorityThrottled)
	}
	if !opts.Expiration.IsZero() {
		req.Header.Set("apns-expiration", strconv.FormatInt(opts.Expiration.Unix(), 10))
	}
	if opts.CollapseKey != "" {
		req.Header.Set("apns-collapse-id", opts.CollapseKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures propagate raw; the classifier treats them
		// as transient.
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return &provider.Response{MessageID: resp.Header.Get("apns-id")}, nil
	}

	provErr := &provider.ProviderError{
		Platform:   model.PlatformAPNS,
		StatusCode: resp.StatusCode,
		Reason:     decodeReason(resp),
		RetryAfter: retryAfter(resp),
	}

	// An auth rejection invalidates the cached provider token and earns
	// exactly one regenerate-and-retry before the error propagates.
	if authRejected(resp.StatusCode, provErr.Reason) {
		c.creds.Invalidate(model.PlatformAPNS)
		if !retried {
			c.logger.Debug("provider token rejected, retrying with fresh credential", "token", token)
			return c.send(ctx, token, content, opts, true)
		}
	}

	return nil, provErr
}

func authRejected(status int, reason string) bool {
	return status == http.StatusForbidden || reason == "ExpiredProviderToken"
}

func decodeReason(resp *http.Response) string {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("content-type"))
	if err != nil || mediaType != "application/json" {
		return ""
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	return body.Reason
}

func retryAfter(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0
	}
	seconds, err := strconv.Atoi(resp.Header.Get("retry-after"))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// buildPayload assembles the aps dictionary plus custom data keys at the top
// level, the shape Apple documents for remote notifications.
func buildPayload(content *model.NotificationContent) map[string]interface{} {
	aps := map[string]interface{}{
		"alert": map[string]string{
			"title": content.Title,
			"body":  content.Body,
		},
	}
	if content.Badge != nil {
		aps["badge"] = *content.Badge
	}
	if content.Sound != "" {
		aps["sound"] = content.Sound
	}
	if content.ThreadID != "" {
		aps["thread-id"] = content.ThreadID
	}

	payload := map[string]interface{}{"aps": aps}
	for k, v := range content.Data {
		if k == "aps" {
			continue
		}
		payload[k] = v
	}
	return payload
}
