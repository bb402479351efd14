package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/provider"
	"github.com/jwalitptl/push-engine/internal/repository"
	"github.com/jwalitptl/push-engine/pkg/circuitbreaker"
	"github.com/jwalitptl/push-engine/pkg/logger"
	"github.com/jwalitptl/push-engine/pkg/messaging"
	"github.com/jwalitptl/push-engine/pkg/metrics"
	"github.com/jwalitptl/push-engine/pkg/retry"
)

const (
	errCodeUnsupportedPlatform = "unsupported_platform"
	errCodeNetwork             = "network_error"

	deliveredTopic = "notifications.push.delivered"
)

var (
	// ErrNoDevices means the user has nothing registered to push to. It is
	// distinct from a dispatch where every device failed.
	ErrNoDevices = errors.New("user has no registered devices")

	// ErrInvalidUser rejects a zero user id before touching storage.
	ErrInvalidUser = errors.New("invalid user id")
)

// DispatchOptions are the per-call knobs of one dispatch.
type DispatchOptions struct {
	NotificationID   *uuid.UUID
	ExcludeDeviceIDs []uuid.UUID
	Expiration       time.Time
}

// Config bounds the dispatcher's concurrency and retry behavior.
type Config struct {
	SendTimeout         time.Duration
	ProviderParallelism int
	Retry               retry.Options
	BreakerMaxFailures  int
	BreakerTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		SendTimeout:         30 * time.Second,
		ProviderParallelism: 8,
		Retry:               retry.DefaultOptions(),
		BreakerMaxFailures:  10,
		BreakerTimeout:      30 * time.Second,
	}
}

type Servicer interface {
	Dispatch(ctx context.Context, userID uuid.UUID, content *model.NotificationContent, opts *DispatchOptions) (*model.DeliveryOutcome, error)
	DispatchUrgent(ctx context.Context, userID uuid.UUID, content *model.NotificationContent, opts *DispatchOptions) (*model.DeliveryOutcome, error)
}

// Service is the dispatch orchestrator: it resolves a user's devices, plans
// provider calls, fans out concurrently, aggregates per-device outcomes and
// reports the result back to persistence and the broker.
type Service struct {
	cfg           Config
	devices       repository.DeviceTokenRepository
	notifications repository.NotificationRepository
	clients       map[model.Platform]provider.Client
	planner       *Planner
	classifier    *provider.Classifier
	receipts      *ReceiptTracker
	broker        messaging.Broker
	breakers      map[model.Platform]*circuitbreaker.CircuitBreaker
	metrics       *metrics.Metrics
	logger        *logger.Logger
}

func NewService(
	cfg Config,
	devices repository.DeviceTokenRepository,
	notifications repository.NotificationRepository,
	clients []provider.Client,
	classifier *provider.Classifier,
	receipts *ReceiptTracker,
	broker messaging.Broker,
	m *metrics.Metrics,
	l *logger.Logger,
) *Service {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.ProviderParallelism <= 0 {
		cfg.ProviderParallelism = 8
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultOptions()
	}
	clientMap := make(map[model.Platform]provider.Client, len(clients))
	breakers := make(map[model.Platform]*circuitbreaker.CircuitBreaker, len(clients))
	for _, client := range clients {
		clientMap[client.Platform()] = client
		breakers[client.Platform()] = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        fmt.Sprintf("push-%s", client.Platform()),
			MaxFailures: cfg.BreakerMaxFailures,
			Timeout:     cfg.BreakerTimeout,
		})
	}
	return &Service{
		cfg:           cfg,
		devices:       devices,
		notifications: notifications,
		clients:       clientMap,
		planner:       NewPlanner(clientMap),
		classifier:    classifier,
		receipts:      receipts,
		broker:        broker,
		breakers:      breakers,
		metrics:       m,
		logger:        l.WithComponent("push"),
	}
}

func (s *Service) Dispatch(ctx context.Context, userID uuid.UUID, content *model.NotificationContent, opts *DispatchOptions) (*model.DeliveryOutcome, error) {
	return s.dispatch(ctx, userID, content, opts)
}

// DispatchUrgent forces high priority delivery regardless of the content's
// own setting.
func (s *Service) DispatchUrgent(ctx context.Context, userID uuid.UUID, content *model.NotificationContent, opts *DispatchOptions) (*model.DeliveryOutcome, error) {
	urgent := *content
	urgent.Priority = model.PriorityHigh
	return s.dispatch(ctx, userID, &urgent, opts)
}

func (s *Service) dispatch(ctx context.Context, userID uuid.UUID, content *model.NotificationContent, opts *DispatchOptions) (*model.DeliveryOutcome, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidUser
	}
	if opts == nil {
		opts = &DispatchOptions{}
	}
	started := time.Now()

	devices, err := s.devices.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve devices: %w", err)
	}
	devices = excludeDevices(devices, opts.ExcludeDeviceIDs)
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}

	plan := s.planner.Plan(devices)
	sendOpts := provider.SendOptions{
		Priority:    content.Priority,
		CollapseKey: content.CollapseKey,
		ThreadID:    content.ThreadID,
		Expiration:  opts.Expiration,
	}

	outcome := &model.DeliveryOutcome{}
	var invalidIDs []uuid.UUID
	var mu sync.Mutex

	for _, device := range plan.Unsupported {
		outcome.Add(model.DeliveryAttempt{
			DeviceTokenID: device.ID,
			Provider:      device.Platform,
			Status:        model.AttemptStatusFailed,
			ErrorCode:     errCodeUnsupportedPlatform,
			AttemptedAt:   time.Now(),
		})
	}

	// One unit of work per targeted provider; chunked groups of the same
	// platform run inside that unit with bounded parallelism.
	var wg sync.WaitGroup
	for platform, groups := range groupsByPlatform(plan.Groups) {
		wg.Add(1)
		go func(platform model.Platform, groups []Group) {
			defer wg.Done()
			attempts, invalid := s.sendPlatform(ctx, platform, groups, content, sendOpts)
			mu.Lock()
			for _, attempt := range attempts {
				outcome.Add(attempt)
			}
			invalidIDs = append(invalidIDs, invalid...)
			mu.Unlock()
		}(platform, groups)
	}
	wg.Wait()

	s.removeInvalidTokens(ctx, invalidIDs)
	s.persistOutcome(ctx, opts.NotificationID, outcome)
	s.publishOutcome(ctx, userID, opts.NotificationID, outcome)

	status := outcome.Status()
	s.metrics.Dispatches.WithLabelValues(string(status)).Inc()
	s.metrics.DispatchLatency.Observe(time.Since(started).Seconds())
	s.logger.Info("dispatch complete",
		"user_id", userID.String(),
		"status", string(status),
		"sent", outcome.Sent,
		"failed", outcome.Failed,
	)
	return outcome, nil
}

func (s *Service) sendPlatform(ctx context.Context, platform model.Platform, groups []Group, content *model.NotificationContent, opts provider.SendOptions) ([]model.DeliveryAttempt, []uuid.UUID) {
	client := s.clients[platform]

	var attempts []model.DeliveryAttempt
	var invalid []uuid.UUID

	if client.BatchLimit() <= 1 {
		// Single-token protocol: bounded per-device concurrency.
		var mu sync.Mutex
		eg, egctx := errgroup.WithContext(ctx)
		eg.SetLimit(s.cfg.ProviderParallelism)
		for _, group := range groups {
			for _, device := range group.Devices {
				device := device
				eg.Go(func() error {
					attempt, tokenInvalid := s.sendSingle(egctx, client, device, content, opts)
					mu.Lock()
					attempts = append(attempts, attempt)
					if tokenInvalid {
						invalid = append(invalid, device.ID)
					}
					mu.Unlock()
					return nil
				})
			}
		}
		eg.Wait()
		return attempts, invalid
	}

	for _, group := range groups {
		groupAttempts, groupInvalid := s.sendBatchGroup(ctx, client, group, content, opts)
		attempts = append(attempts, groupAttempts...)
		invalid = append(invalid, groupInvalid...)
	}
	return attempts, invalid
}

// sendSingle drives one device through the retry controller. The second
// return value reports a permanent-invalid verdict for the device token.
func (s *Service) sendSingle(ctx context.Context, client provider.Client, device *model.DeviceToken, content *model.NotificationContent, opts provider.SendOptions) (model.DeliveryAttempt, bool) {
	platform := client.Platform()
	breaker := s.breakers[platform]
	started := time.Now()

	var resp *provider.Response
	tries, err := retry.Do(ctx, s.cfg.Retry, s.decide(platform), func(ctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
		return breaker.Execute(func() error {
			var sendErr error
			resp, sendErr = client.Send(sendCtx, device.Token, content, opts)
			return sendErr
		})
	})
	s.metrics.SendLatency.WithLabelValues(string(platform)).Observe(time.Since(started).Seconds())
	if tries > 1 {
		s.metrics.Retries.WithLabelValues(string(platform)).Add(float64(tries - 1))
	}

	attempt := model.DeliveryAttempt{
		DeviceTokenID: device.ID,
		Provider:      platform,
		AttemptedAt:   started,
		RetryCount:    tries - 1,
	}
	if err != nil {
		verdict := s.classifier.Classify(platform, err)
		attempt.Status = model.AttemptStatusFailed
		attempt.ErrorCode = errorCode(err, verdict)
		s.metrics.Sends.WithLabelValues(string(platform), "failed").Inc()
		s.metrics.Failures.WithLabelValues(string(platform), verdict.String()).Inc()
		return attempt, verdict == provider.VerdictTokenInvalid
	}

	attempt.Status = model.AttemptStatusSent
	attempt.ProviderMessageID = resp.MessageID
	s.metrics.Sends.WithLabelValues(string(platform), "sent").Inc()
	s.trackReceipt(platform, resp.MessageID, device.ID)
	return attempt, false
}

// sendBatchGroup drives one multi-token call, retrying only the subset of
// tokens whose sub-results came back retryable. A 2xx envelope never counts
// as batch-level success; each sub-result stands alone.
func (s *Service) sendBatchGroup(ctx context.Context, client provider.Client, group Group, content *model.NotificationContent, opts provider.SendOptions) ([]model.DeliveryAttempt, []uuid.UUID) {
	platform := client.Platform()
	breaker := s.breakers[platform]
	retryOpts := s.cfg.Retry

	pending := group.Devices
	attempts := make([]model.DeliveryAttempt, 0, len(group.Devices))
	var invalid []uuid.UUID
	var hint time.Duration

	for round := 0; len(pending) > 0 && round < retryOpts.MaxAttempts; round++ {
		if round > 0 {
			if !s.waitBetweenRounds(ctx, retryOpts, round-1, hint) {
				break
			}
			s.metrics.Retries.WithLabelValues(string(platform)).Add(float64(len(pending)))
		}
		hint = 0

		tokens := make([]string, len(pending))
		for i, device := range pending {
			tokens[i] = device.Token
		}

		started := time.Now()
		var responses []*provider.Response
		var errs []error
		breakerErr := breaker.Execute(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
			defer cancel()
			responses, errs = client.SendBatch(sendCtx, tokens, content, opts)
			return wholeCallError(errs)
		})
		s.metrics.SendLatency.WithLabelValues(string(platform)).Observe(time.Since(started).Seconds())
		if responses == nil {
			// Breaker short-circuited before the call was made.
			responses = make([]*provider.Response, len(pending))
			errs = make([]error, len(pending))
			for i := range errs {
				errs[i] = breakerErr
			}
		}

		var next []*model.DeviceToken
		for i, device := range pending {
			if responses[i] != nil {
				attempts = append(attempts, model.DeliveryAttempt{
					DeviceTokenID:     device.ID,
					Provider:          platform,
					Status:            model.AttemptStatusSent,
					ProviderMessageID: responses[i].MessageID,
					AttemptedAt:       started,
					RetryCount:        round,
				})
				s.metrics.Sends.WithLabelValues(string(platform), "sent").Inc()
				s.trackReceipt(platform, responses[i].MessageID, device.ID)
				continue
			}

			err := errs[i]
			verdict := s.classifier.Classify(platform, err)
			if verdict.Retryable() && round < retryOpts.MaxAttempts-1 {
				if after := retryAfterHint(err); after > hint {
					hint = after
				}
				next = append(next, device)
				continue
			}

			attempts = append(attempts, model.DeliveryAttempt{
				DeviceTokenID: device.ID,
				Provider:      platform,
				Status:        model.AttemptStatusFailed,
				ErrorCode:     errorCode(err, verdict),
				AttemptedAt:   started,
				RetryCount:    round,
			})
			s.metrics.Sends.WithLabelValues(string(platform), "failed").Inc()
			s.metrics.Failures.WithLabelValues(string(platform), verdict.String()).Inc()
			if verdict == provider.VerdictTokenInvalid {
				invalid = append(invalid, device.ID)
			}
		}
		pending = next
	}

	// Anything still pending ran out of rounds mid-wait (context canceled).
	for _, device := range pending {
		attempts = append(attempts, model.DeliveryAttempt{
			DeviceTokenID: device.ID,
			Provider:      platform,
			Status:        model.AttemptStatusFailed,
			ErrorCode:     errCodeNetwork,
			AttemptedAt:   time.Now(),
			RetryCount:    retryOpts.MaxAttempts - 1,
		})
		s.metrics.Sends.WithLabelValues(string(platform), "failed").Inc()
	}
	return attempts, invalid
}

func (s *Service) waitBetweenRounds(ctx context.Context, opts retry.Options, attempt int, hint time.Duration) bool {
	delay := opts.BaseDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * opts.Multiplier)
	}
	if opts.MaxDelay > 0 && delay > opts.MaxDelay {
		delay = opts.MaxDelay
	}
	if hint > delay {
		delay = hint
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// decide adapts the classifier's verdict to the retry controller's contract.
func (s *Service) decide(platform model.Platform) retry.Decide {
	return func(err error) (bool, time.Duration) {
		verdict := s.classifier.Classify(platform, err)
		return verdict.Retryable(), retryAfterHint(err)
	}
}

func (s *Service) trackReceipt(platform model.Platform, ticketID string, deviceID uuid.UUID) {
	if s.receipts == nil || platform != model.PlatformExpo || ticketID == "" {
		return
	}
	s.receipts.Track(ticketID, deviceID)
}

func (s *Service) removeInvalidTokens(ctx context.Context, ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	if err := s.devices.DeleteBatch(ctx, ids); err != nil {
		s.logger.Error(err, "failed to remove invalid device tokens", "count", len(ids))
		return
	}
	s.logger.Info("removed invalid device tokens", "count", len(ids))
}

// persistOutcome writes delivery status back exactly once. A write failure
// is logged and swallowed: it must never retract pushes that already went
// out.
func (s *Service) persistOutcome(ctx context.Context, notificationID *uuid.UUID, outcome *model.DeliveryOutcome) {
	if notificationID == nil {
		return
	}
	err := s.notifications.UpdateDeliveryStatus(ctx, *notificationID, outcome.Status(), outcome.Sent, outcome.Failed, time.Now())
	if err != nil {
		s.logger.Error(err, "failed to persist delivery status", "notification_id", notificationID.String())
	}
}

func (s *Service) publishOutcome(ctx context.Context, userID uuid.UUID, notificationID *uuid.UUID, outcome *model.DeliveryOutcome) {
	if s.broker == nil {
		return
	}
	event := map[string]interface{}{
		"user_id": userID,
		"status":  outcome.Status(),
		"sent":    outcome.Sent,
		"failed":  outcome.Failed,
	}
	if notificationID != nil {
		event["notification_id"] = *notificationID
	}
	if err := s.broker.Publish(ctx, deliveredTopic, event); err != nil {
		s.logger.Error(err, "failed to publish delivery event")
	}
}

func excludeDevices(devices []*model.DeviceToken, excluded []uuid.UUID) []*model.DeviceToken {
	if len(excluded) == 0 {
		return devices
	}
	skip := make(map[uuid.UUID]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}
	kept := devices[:0]
	for _, device := range devices {
		if _, ok := skip[device.ID]; !ok {
			kept = append(kept, device)
		}
	}
	return kept
}

func groupsByPlatform(groups []Group) map[model.Platform][]Group {
	byPlatform := make(map[model.Platform][]Group)
	for _, group := range groups {
		byPlatform[group.Platform] = append(byPlatform[group.Platform], group)
	}
	return byPlatform
}

// wholeCallError reports a failure to the circuit breaker only when every
// token failed identically, which is the signature of a transport or
// envelope-level problem rather than per-token rejections.
func wholeCallError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	first := errs[0]
	if first == nil {
		return nil
	}
	for _, err := range errs[1:] {
		if !errors.Is(err, first) {
			return nil
		}
	}
	return first
}

func retryAfterHint(err error) time.Duration {
	var provErr *provider.ProviderError
	if errors.As(err, &provErr) {
		return provErr.RetryAfter
	}
	return 0
}

func errorCode(err error, verdict provider.Verdict) string {
	var cfgErr *provider.ConfigurationError
	if errors.As(err, &cfgErr) {
		return "provider_unavailable"
	}
	var provErr *provider.ProviderError
	if errors.As(err, &provErr) {
		if provErr.Reason != "" {
			return provErr.Reason
		}
		return fmt.Sprintf("status_%d", provErr.StatusCode)
	}
	if verdict == provider.VerdictTransient {
		return errCodeNetwork
	}
	return verdict.String()
}
