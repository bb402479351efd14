package apns

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/provider"
)

func generateSigningKey(t *testing.T) ([]byte, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), key
}

func TestTokenSourceGenerate(t *testing.T) {
	keyPEM, key := generateSigningKey(t)

	src, err := NewTokenSource(keyPEM, "", "KEYID1234", "TEAMID5678")
	require.NoError(t, err)
	assert.Equal(t, model.PlatformAPNS, src.Platform())

	cred, err := src.Generate(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, cred.Material)

	// The credential must be regenerated well before Apple stops
	// accepting it.
	assert.True(t, cred.RefreshAfter.Before(cred.ExpiresAt))
	assert.WithinDuration(t, cred.IssuedAt.Add(55*time.Minute), cred.ExpiresAt, time.Second)

	parsed, err := jwt.Parse(cred.Material, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	assert.Equal(t, "KEYID1234", parsed.Header["kid"])
	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, "TEAMID5678", claims["iss"])
}

func TestNewTokenSourceRejectsMissingConfig(t *testing.T) {
	keyPEM, _ := generateSigningKey(t)

	tests := []struct {
		name   string
		keyPEM []byte
		keyID  string
		teamID string
	}{
		{"missing key", nil, "KEYID", "TEAMID"},
		{"missing key id", keyPEM, "", "TEAMID"},
		{"missing team id", keyPEM, "KEYID", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenSource(tt.keyPEM, "", tt.keyID, tt.teamID)
			require.Error(t, err)

			var cfgErr *provider.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestNewTokenSourceRejectsGarbageKey(t *testing.T) {
	_, err := NewTokenSource([]byte("not a pem key"), "", "KEYID", "TEAMID")
	require.Error(t, err)

	var cfgErr *provider.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, model.PlatformAPNS, cfgErr.Platform)
}
