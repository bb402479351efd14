package apns

import (
	"context"
	"crypto/ecdsa"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/provider"
)

const (
	// Apple accepts provider tokens up to an hour old; refresh well before
	// that so in-flight requests never carry an expired one.
	tokenLifetime   = 55 * time.Minute
	tokenRefreshAge = 40 * time.Minute
)

// TokenSource signs the ES256 provider token APNs requires as a bearer
// credential. One source serves the whole process through the credential
// manager.
type TokenSource struct {
	key    *ecdsa.PrivateKey
	keyID  string
	teamID string
	now    func() time.Time
}

// NewTokenSource loads the .p8 signing key. Key material may be passed
// inline (keyPEM) or by path; inline wins when both are set.
func NewTokenSource(keyPEM []byte, keyPath, keyID, teamID string) (*TokenSource, error) {
	if len(keyPEM) == 0 && keyPath != "" {
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, &provider.ConfigurationError{Platform: model.PlatformAPNS, Msg: "failed to read signing key", Err: err}
		}
		keyPEM = data
	}
	if len(keyPEM) == 0 || keyID == "" || teamID == "" {
		return nil, &provider.ConfigurationError{Platform: model.PlatformAPNS, Msg: "signing key, key id and team id are required"}
	}

	key, err := jwt.ParseECPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, &provider.ConfigurationError{Platform: model.PlatformAPNS, Msg: "invalid signing key", Err: err}
	}

	return &TokenSource{key: key, keyID: keyID, teamID: teamID, now: time.Now}, nil
}

func (s *TokenSource) Platform() model.Platform { return model.PlatformAPNS }

func (s *TokenSource) Generate(_ context.Context) (*provider.Credential, error) {
	issuedAt := s.now()

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": s.teamID,
		"iat": issuedAt.Unix(),
	})
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return nil, &provider.ConfigurationError{Platform: model.PlatformAPNS, Msg: "failed to sign provider token", Err: err}
	}

	return &provider.Credential{
		Material:     signed,
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt.Add(tokenLifetime),
		RefreshAfter: issuedAt.Add(tokenRefreshAge),
	}, nil
}
