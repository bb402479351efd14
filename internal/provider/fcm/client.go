package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/provider"
	"github.com/jwalitptl/push-engine/pkg/logger"
)

const (
	DefaultEndpoint = "https://fcm.googleapis.com/fcm/send"

	// The multicast endpoint accepts far more, but dispatch groups are
	// planned at this size to keep per-call blast radius small.
	batchLimit = 100
)

type Config struct {
	Endpoint    string
	HTTPTimeout time.Duration
}

// Client speaks the FCM multicast API: many registration ids per call, with
// per-token sub-results inside the response envelope. A 200 envelope is NOT
// a batch-level success; every sub-result is unpacked individually.
type Client struct {
	cfg    Config
	http   *http.Client
	creds  *provider.CredentialManager
	logger *logger.Logger
}

func NewClient(cfg Config, creds *provider.CredentialManager, l *logger.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		creds:  creds,
		logger: l.WithComponent("fcm"),
	}
}

func (c *Client) Platform() model.Platform { return model.PlatformFCM }

func (c *Client) BatchLimit() int { return batchLimit }

func (c *Client) Send(ctx context.Context, token string, content *model.NotificationContent, opts provider.SendOptions) (*provider.Response, error) {
	responses, errs := c.SendBatch(ctx, []string{token}, content, opts)
	return responses[0], errs[0]
}

func (c *Client) SendBatch(ctx context.Context, tokens []string, content *model.NotificationContent, opts provider.SendOptions) ([]*provider.Response, []error) {
	return c.sendBatch(ctx, tokens, content, opts, false)
}

type multicastRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Notification    *notification     `json:"notification,omitempty"`
	Data            map[string]string `json:"data,omitempty"`
	Priority        string            `json:"priority,omitempty"`
	CollapseKey     string            `json:"collapse_key,omitempty"`
	TimeToLive      *int              `json:"time_to_live,omitempty"`
}

type notification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Sound string `json:"sound,omitempty"`
	Badge string `json:"badge,omitempty"`
}

type multicastResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

func (c *Client) sendBatch(ctx context.Context, tokens []string, content *model.NotificationContent, opts provider.SendOptions, retried bool) ([]*provider.Response, []error) {
	responses := make([]*provider.Response, len(tokens))
	errs := make([]error, len(tokens))

	bearer, err := c.creds.Credentials(ctx, model.PlatformFCM)
	if err != nil {
		return failAll(responses, errs, err)
	}

	body, err := json.Marshal(buildRequest(tokens, content, opts))
	if err != nil {
		return failAll(responses, errs, fmt.Errorf("failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return failAll(responses, errs, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return failAll(responses, errs, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.creds.Invalidate(model.PlatformFCM)
		if !retried {
			c.logger.Debug("bearer token rejected, retrying with fresh credential")
			return c.sendBatch(ctx, tokens, content, opts, true)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return failAll(responses, errs, &provider.ProviderError{
			Platform:   model.PlatformFCM,
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp),
		})
	}

	var envelope multicastResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return failAll(responses, errs, fmt.Errorf("failed to decode response: %w", err))
	}
	if len(envelope.Results) != len(tokens) {
		return failAll(responses, errs, &provider.ProviderError{
			Platform:   model.PlatformFCM,
			StatusCode: resp.StatusCode,
			Reason:     "InvalidParameters",
			Err:        fmt.Errorf("expected %d results, got %d", len(tokens), len(envelope.Results)),
		})
	}

	for i, result := range envelope.Results {
		if result.Error != "" {
			errs[i] = &provider.ProviderError{
				Platform:   model.PlatformFCM,
				StatusCode: resp.StatusCode,
				Reason:     result.Error,
			}
			continue
		}
		responses[i] = &provider.Response{MessageID: result.MessageID}
	}
	return responses, errs
}

func buildRequest(tokens []string, content *model.NotificationContent, opts provider.SendOptions) *multicastRequest {
	req := &multicastRequest{
		RegistrationIDs: tokens,
		Notification: &notification{
			Title: content.Title,
			Body:  content.Body,
			Sound: content.Sound,
		},
		Data:        content.Data,
		CollapseKey: opts.CollapseKey,
	}
	if content.Badge != nil {
		req.Notification.Badge = strconv.Itoa(*content.Badge)
	}
	if opts.Priority == model.PriorityHigh {
		req.Priority = "high"
	} else {
		req.Priority = "normal"
	}
	if !opts.Expiration.IsZero() {
		ttl := int(time.Until(opts.Expiration).Seconds())
		if ttl < 0 {
			ttl = 0
		}
		req.TimeToLive = &ttl
	}
	return req
}

func failAll(responses []*provider.Response, errs []error, err error) ([]*provider.Response, []error) {
	for i := range errs {
		errs[i] = err
	}
	return responses, errs
}

func retryAfter(resp *http.Response) time.Duration {
	seconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
