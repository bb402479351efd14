package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/pkg/logger"
)

// Credential is short-lived auth material for one provider. RefreshAfter is
// the safety margin: the manager regenerates once that instant passes even
// though the material is still technically valid until ExpiresAt.
type Credential struct {
	Material     string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	RefreshAfter time.Time
}

func (c *Credential) stale(now time.Time) bool {
	return c == nil || now.After(c.RefreshAfter)
}

// CredentialSource generates fresh material for one provider. Sources must
// return *ConfigurationError when the configured key material is unusable.
type CredentialSource interface {
	Platform() model.Platform
	Generate(ctx context.Context) (*Credential, error)
}

// CredentialManager owns the single cached credential per provider. All
// mutation goes through it; regeneration is single-flight per provider so
// concurrent dispatches never produce duplicate in-flight generations.
type CredentialManager struct {
	mu      sync.RWMutex
	cached  map[model.Platform]*Credential
	sources map[model.Platform]CredentialSource
	group   singleflight.Group
	logger  *logger.Logger
	now     func() time.Time
}

func NewCredentialManager(sources []CredentialSource, l *logger.Logger) *CredentialManager {
	m := &CredentialManager{
		cached:  make(map[model.Platform]*Credential),
		sources: make(map[model.Platform]CredentialSource),
		logger:  l,
		now:     time.Now,
	}
	for _, src := range sources {
		m.sources[src.Platform()] = src
	}
	return m
}

// Credentials returns valid material for the provider, generating it if the
// cache is empty or past its refresh threshold.
func (m *CredentialManager) Credentials(ctx context.Context, platform model.Platform) (string, error) {
	m.mu.RLock()
	cached := m.cached[platform]
	m.mu.RUnlock()

	if !cached.stale(m.now()) {
		return cached.Material, nil
	}
	return m.refresh(ctx, platform)
}

// Invalidate drops the cached credential regardless of its timestamps. Used
// when a provider rejects the material at send time.
func (m *CredentialManager) Invalidate(platform model.Platform) {
	m.mu.Lock()
	delete(m.cached, platform)
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Debug("credential invalidated", "platform", string(platform))
	}
}

func (m *CredentialManager) refresh(ctx context.Context, platform model.Platform) (string, error) {
	result, err, _ := m.group.Do(string(platform), func() (interface{}, error) {
		// Another caller may have refreshed while we waited on the group.
		m.mu.RLock()
		cached := m.cached[platform]
		m.mu.RUnlock()
		if !cached.stale(m.now()) {
			return cached.Material, nil
		}

		src, ok := m.sources[platform]
		if !ok {
			return nil, &ConfigurationError{Platform: platform, Msg: "no credential source configured"}
		}

		cred, err := src.Generate(ctx)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.cached[platform] = cred
		m.mu.Unlock()

		if m.logger != nil {
			m.logger.Debug("credential refreshed",
				"platform", string(platform),
				"expires_at", cred.ExpiresAt,
			)
		}
		return cred.Material, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
