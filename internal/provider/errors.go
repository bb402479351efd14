package provider

import (
	"fmt"
	"time"

	"github.com/jwalitptl/push-engine/internal/model"
)

// ProviderError is a provider's explicit rejection of a send: an HTTP status
// outside 2xx, or a per-token error reason inside a 2xx envelope. Transport
// failures (timeouts, resets) are NOT wrapped in ProviderError; they
// propagate raw so the classifier can treat them as transient.
type ProviderError struct {
	Platform   model.Platform
	StatusCode int
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (status %d)", e.Platform, e.Reason, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d", e.Platform, e.StatusCode)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ConfigurationError means a provider cannot be used at all with the current
// configuration (missing signing key, unreadable service account). It is
// fatal for sends routed to that provider and nothing else.
type ConfigurationError struct {
	Platform model.Platform
	Msg      string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Platform, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Msg)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
