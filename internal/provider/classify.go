package provider

import (
	"errors"

	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/pkg/logger"
)

// Verdict is the shared decision space every provider error collapses into.
// Everything downstream of the clients (retry controller, dispatcher) only
// ever looks at the verdict, never at provider vocabulary.
type Verdict int

const (
	// VerdictTransient: safe to retry with backoff.
	VerdictTransient Verdict = iota
	// VerdictTokenInvalid: the device token is dead; remove it and stop.
	VerdictTokenInvalid
	// VerdictPermanent: non-retryable, kept only for diagnostics.
	VerdictPermanent
	// VerdictRateLimited: retry with backoff, honoring a retry-after hint.
	VerdictRateLimited
)

func (v Verdict) String() string {
	switch v {
	case VerdictTransient:
		return "transient"
	case VerdictTokenInvalid:
		return "permanent_token_invalid"
	case VerdictPermanent:
		return "permanent_other"
	case VerdictRateLimited:
		return "rate_limited"
	}
	return "unknown"
}

// Retryable reports whether the retry controller may attempt again.
func (v Verdict) Retryable() bool {
	return v == VerdictTransient || v == VerdictRateLimited
}

// Reason tables per provider. Unknown reasons deliberately fall through to
// the status-code ranges and finally to VerdictPermanent so a new provider
// string is never silently treated as success.
var apnsReasons = map[string]Verdict{
	"BadDeviceToken":          VerdictTokenInvalid,
	"Unregistered":            VerdictTokenInvalid,
	"DeviceTokenNotForTopic":  VerdictTokenInvalid,
	"ExpiredProviderToken":    VerdictTransient,
	"TooManyRequests":         VerdictRateLimited,
	"TooManyProviderTokens":   VerdictRateLimited,
	"InternalServerError":     VerdictTransient,
	"ServiceUnavailable":      VerdictTransient,
	"Shutdown":                VerdictTransient,
	"PayloadTooLarge":         VerdictPermanent,
	"BadTopic":                VerdictPermanent,
	"TopicDisallowed":         VerdictPermanent,
	"MissingTopic":            VerdictPermanent,
	"BadPriority":             VerdictPermanent,
	"PayloadEmpty":            VerdictPermanent,
	"InvalidPushType":         VerdictPermanent,
	"MissingProviderToken":    VerdictPermanent,
	"InvalidProviderToken":    VerdictPermanent,
	"ExpiredToken":            VerdictTokenInvalid,
}

var fcmReasons = map[string]Verdict{
	"NotRegistered":               VerdictTokenInvalid,
	"InvalidRegistration":         VerdictTokenInvalid,
	"MissingRegistration":         VerdictTokenInvalid,
	"MismatchSenderId":            VerdictTokenInvalid,
	"Unavailable":                 VerdictTransient,
	"InternalServerError":         VerdictTransient,
	"DeviceMessageRateExceeded":   VerdictRateLimited,
	"TopicsMessageRateExceeded":   VerdictRateLimited,
	"MessageTooBig":               VerdictPermanent,
	"InvalidDataKey":              VerdictPermanent,
	"InvalidTtl":                  VerdictPermanent,
	"InvalidPackageName":          VerdictPermanent,
	"InvalidParameters":           VerdictPermanent,
	"InvalidApnsCredential":       VerdictPermanent,
	"AuthenticationError":         VerdictPermanent,
}

var expoReasons = map[string]Verdict{
	"DeviceNotRegistered":  VerdictTokenInvalid,
	"MessageRateExceeded":  VerdictRateLimited,
	"MessageTooBig":        VerdictPermanent,
	"InvalidCredentials":   VerdictPermanent,
	"MismatchSenderId":     VerdictTokenInvalid,
	"ExpoError":            VerdictPermanent,
}

var reasonTables = map[model.Platform]map[string]Verdict{
	model.PlatformAPNS: apnsReasons,
	model.PlatformFCM:  fcmReasons,
	model.PlatformExpo: expoReasons,
}

// Classifier normalizes provider error vocabularies into verdicts. It is a
// pure lookup; the logger is only used to surface unknown reasons so they
// can be added to the tables later.
type Classifier struct {
	logger *logger.Logger
}

func NewClassifier(l *logger.Logger) *Classifier {
	return &Classifier{logger: l}
}

// Classify maps one send error into the shared taxonomy. Anything that is
// not an explicit provider rejection (deadline exceeded, connection reset,
// DNS failure) counts as transient regardless of provider.
func (c *Classifier) Classify(platform model.Platform, err error) Verdict {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return VerdictPermanent
	}

	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		return VerdictTransient
	}

	if provErr.Reason != "" {
		if table, ok := reasonTables[platform]; ok {
			if verdict, ok := table[provErr.Reason]; ok {
				return verdict
			}
		}
	}

	switch {
	case provErr.StatusCode == 404 || provErr.StatusCode == 410:
		return VerdictTokenInvalid
	case provErr.StatusCode == 429:
		return VerdictRateLimited
	case provErr.StatusCode >= 500:
		return VerdictTransient
	}

	if provErr.Reason != "" && c.logger != nil {
		c.logger.Warn("unclassified provider error reason",
			"platform", string(platform),
			"reason", provErr.Reason,
			"status", provErr.StatusCode,
		)
	}
	return VerdictPermanent
}
