package expo

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
	DefaultHost = "https://exp.host"

	sendPath    = "/--/api/v2/push/send"
	receiptPath = "/--/api/v2/push/getReceipts"

	// Expo caps one send call at 100 messages.
	batchLimit = 100
)

type Config struct {
	Host        string
	AccessToken string
	HTTPTimeout time.Duration
}

// Client speaks Expo's two-phase push relay. A send call returns one ticket
// per message synchronously; actual delivery status only surfaces later via
// the receipt endpoint, keyed by ticket id. A ticket is therefore a
// provisional acceptance, not a confirmation.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *logger.Logger
}

func NewClient(cfg Config, l *logger.Logger) *Client {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger: l.WithComponent("expo"),
	}
}

func (c *Client) Platform() model.Platform { return model.PlatformExpo }

func (c *Client) BatchLimit() int { return batchLimit }

func (c *Client) Send(ctx context.Context, token string, content *model.NotificationContent, opts provider.SendOptions) (*provider.Response, error) {
	responses, errs := c.SendBatch(ctx, []string{token}, content, opts)
	return responses[0], errs[0]
}

type pushMessage struct {
	To       string            `json:"to"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	Sound    string            `json:"sound,omitempty"`
	Badge    *int              `json:"badge,omitempty"`
	Priority string            `json:"priority,omitempty"`
	TTL      int               `json:"ttl,omitempty"`
}

type ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

func (c *Client) SendBatch(ctx context.Context, tokens []string, content *model.NotificationContent, opts provider.SendOptions) ([]*provider.Response, []error) {
	responses := make([]*provider.Response, len(tokens))
	errs := make([]error, len(tokens))

	messages := make([]pushMessage, len(tokens))
	for i, token := range tokens {
		messages[i] = buildMessage(token, content, opts)
	}

	var envelope struct {
		Data []ticket `json:"data"`
	}
	if err := c.post(ctx, sendPath, messages, &envelope); err != nil {
		return failAll(responses, errs, err)
	}
	if len(envelope.Data) != len(tokens) {
		return failAll(responses, errs, &provider.ProviderError{
			Platform:   model.PlatformExpo,
			StatusCode: http.StatusOK,
			Reason:     "ExpoError",
			Err:        fmt.Errorf("expected %d tickets, got %d", len(tokens), len(envelope.Data)),
		})
	}

	for i, t := range envelope.Data {
		if t.Status != "ok" {
			errs[i] = &provider.ProviderError{
				Platform:   model.PlatformExpo,
				StatusCode: http.StatusOK,
				Reason:     t.Details.Error,
				Err:        fmt.Errorf("%s", t.Message),
			}
			continue
		}
		responses[i] = &provider.Response{MessageID: t.ID}
	}
	return responses, errs
}

// Receipt is the second-phase delivery status for one ticket.
type Receipt struct {
	Status  string
	Message string
	Reason  string
}

func (r Receipt) OK() bool { return r.Status == "ok" }

// Receipts fetches final delivery statuses for previously issued tickets.
// Tickets still in flight are absent from the result and should be polled
// again later.
func (c *Client) Receipts(ctx context.Context, ids []string) (map[string]Receipt, error) {
	request := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}

	var envelope struct {
		Data map[string]struct {
			Status  string `json:"status"`
			Message string `json:"message"`
			Details struct {
				Error string `json:"error"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := c.post(ctx, receiptPath, request, &envelope); err != nil {
		return nil, err
	}

	receipts := make(map[string]Receipt, len(envelope.Data))
	for id, r := range envelope.Data {
		receipts[id] = Receipt{Status: r.Status, Message: r.Message, Reason: r.Details.Error}
	}
	return receipts, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Host+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &provider.ProviderError{
			Platform:   model.PlatformExpo,
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp),
		}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func buildMessage(token string, content *model.NotificationContent, opts provider.SendOptions) pushMessage {
	msg := pushMessage{
		To:    token,
		Title: content.Title,
		Body:  content.Body,
		Data:  content.Data,
		Sound: content.Sound,
		Badge: content.Badge,
	}
	if opts.Priority == model.PriorityHigh {
		msg.Priority = "high"
	} else {
		msg.Priority = "default"
	}
	if !opts.Expiration.IsZero() {
		ttl := int(time.Until(opts.Expiration).Seconds())
		if ttl > 0 {
			msg.TTL = ttl
		}
	}
	return msg
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
