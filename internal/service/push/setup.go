package push

import (
	"time"

	"github.com/jwalitptl/push-engine/internal/config"
	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/provider"
	"github.com/jwalitptl/push-engine/internal/provider/apns"
	"github.com/jwalitptl/push-engine/internal/provider/expo"
	"github.com/jwalitptl/push-engine/internal/provider/fcm"
	"github.com/jwalitptl/push-engine/pkg/logger"
)

// BuildProviders assembles the configured provider clients. With push
// disabled it returns no-op clients so the rest of the system behaves
// normally in test and offline environments. A provider whose credentials
// fail to load still gets a client: its sends fail with a provider-scoped
// configuration error instead of taking the process down.
func BuildProviders(cfg config.PushConfig, l *logger.Logger) ([]provider.Client, *expo.Client) {
	if !cfg.Enabled {
		l.Info("push delivery disabled, using no-op providers")
		return []provider.Client{
			provider.NewNoopClient(model.PlatformAPNS),
			provider.NewNoopClient(model.PlatformFCM),
			provider.NewNoopClient(model.PlatformExpo),
		}, nil
	}

	var sources []provider.CredentialSource
	if cfg.APNS.Enabled {
		src, err := apns.NewTokenSource([]byte(cfg.APNS.Key), cfg.APNS.KeyPath, cfg.APNS.KeyID, cfg.APNS.TeamID)
		if err != nil {
			l.Error(err, "apns credentials unavailable, sends to apns will fail")
		} else {
			sources = append(sources, src)
		}
	}
	if cfg.FCM.Enabled {
		src, err := fcm.NewTokenSource([]byte(cfg.FCM.CredentialsJSON), cfg.FCM.CredentialsFile)
		if err != nil {
			l.Error(err, "fcm credentials unavailable, sends to fcm will fail")
		} else {
			sources = append(sources, src)
		}
	}
	creds := provider.NewCredentialManager(sources, l)

	var clients []provider.Client
	var expoClient *expo.Client
	if cfg.APNS.Enabled {
		clients = append(clients, apns.NewClient(apns.Config{
			Host:  cfg.APNS.Host,
			Topic: cfg.APNS.Topic,
		}, creds, l))
	}
	if cfg.FCM.Enabled {
		clients = append(clients, fcm.NewClient(fcm.Config{
			Endpoint: cfg.FCM.Endpoint,
		}, creds, l))
	}
	if cfg.Expo.Enabled {
		expoClient = expo.NewClient(expo.Config{
			Host:        cfg.Expo.Host,
			AccessToken: cfg.Expo.AccessToken,
		}, l)
		clients = append(clients, expoClient)
	}
	return clients, expoClient
}

// ServiceConfig translates file configuration into dispatcher bounds.
func ServiceConfig(cfg config.PushConfig) Config {
	out := DefaultConfig()
	if cfg.SendTimeoutSeconds > 0 {
		out.SendTimeout = time.Duration(cfg.SendTimeoutSeconds) * time.Second
	}
	if cfg.ProviderParallelism > 0 {
		out.ProviderParallelism = cfg.ProviderParallelism
	}
	if cfg.Retry.MaxAttempts > 0 {
		out.Retry.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelayMS > 0 {
		out.Retry.BaseDelay = cfg.Retry.BaseDelay()
	}
	if cfg.Retry.Multiplier >= 1 {
		out.Retry.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Retry.MaxDelayMS > 0 {
		out.Retry.MaxDelay = cfg.Retry.MaxDelay()
	}
	return out
}
