package fcm

import (
	"context"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/provider"
)

const messagingScope = "https://www.googleapis.com/auth/firebase.messaging"

// Bearer tokens from the service account live about an hour; hand them back
// for refresh a few minutes early so a token never expires mid-request.
const refreshMargin = 5 * time.Minute

// TokenSource derives short-lived bearer tokens from a Firebase service
// account, via the oauth2 two-legged JWT flow.
type TokenSource struct {
	ts  oauth2.TokenSource
	now func() time.Time
}

func NewTokenSource(credentialsJSON []byte, credentialsFile string) (*TokenSource, error) {
	if len(credentialsJSON) == 0 && credentialsFile != "" {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, &provider.ConfigurationError{Platform: model.PlatformFCM, Msg: "failed to read service account file", Err: err}
		}
		credentialsJSON = data
	}
	if len(credentialsJSON) == 0 {
		return nil, &provider.ConfigurationError{Platform: model.PlatformFCM, Msg: "service account credentials are required"}
	}

	cfg, err := google.JWTConfigFromJSON(credentialsJSON, messagingScope)
	if err != nil {
		return nil, &provider.ConfigurationError{Platform: model.PlatformFCM, Msg: "invalid service account credentials", Err: err}
	}

	return &TokenSource{ts: cfg.TokenSource(context.Background()), now: time.Now}, nil
}

func (s *TokenSource) Platform() model.Platform { return model.PlatformFCM }

func (s *TokenSource) Generate(_ context.Context) (*provider.Credential, error) {
	token, err := s.ts.Token()
	if err != nil {
		return nil, &provider.ConfigurationError{Platform: model.PlatformFCM, Msg: "failed to obtain bearer token", Err: err}
	}

	issuedAt := s.now()
	return &provider.Credential{
		Material:     token.AccessToken,
		IssuedAt:     issuedAt,
		ExpiresAt:    token.Expiry,
		RefreshAfter: token.Expiry.Add(-refreshMargin),
	}, nil
}
