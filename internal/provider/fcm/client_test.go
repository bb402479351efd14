package fcm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/provider"
	"github.com/jwalitptl/push-engine/pkg/logger"
)

type stubSource struct {
	calls int32
}

func (s *stubSource) Platform() model.Platform { return model.PlatformFCM }

func (s *stubSource) Generate(_ context.Context) (*provider.Credential, error) {
	n := atomic.AddInt32(&s.calls, 1)
	now := time.Now()
	return &provider.Credential{
		Material:     fmt.Sprintf("bearer-%d", n),
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
		RefreshAfter: now.Add(time.Hour),
	}, nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *stubSource) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	src := &stubSource{}
	creds := provider.NewCredentialManager([]provider.CredentialSource{src}, logger.NewLogger(nil))
	return NewClient(Config{Endpoint: server.URL}, creds, logger.NewLogger(nil)), src
}

func writeEnvelope(w http.ResponseWriter, results []map[string]string) {
	success, failure := 0, 0
	for _, r := range results {
		if r["error"] == "" {
			success++
		} else {
			failure++
		}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": success,
		"failure": failure,
		"results": results,
	})
}

func TestSendBatchUnpacksPerTokenResults(t *testing.T) {
	var gotRequest multicastRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer bearer-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))
		writeEnvelope(w, []map[string]string{
			{"message_id": "msg-1"},
			{"error": "NotRegistered"},
			{"error": "Unavailable"},
		})
	})

	tokens := []string{"reg-a", "reg-b", "reg-c"}
	responses, errs := client.SendBatch(context.Background(), tokens, &model.NotificationContent{Title: "t", Body: "b"}, provider.SendOptions{Priority: model.PriorityHigh})
	require.Len(t, responses, 3)
	require.Len(t, errs, 3)

	assert.Equal(t, tokens, gotRequest.RegistrationIDs)
	assert.Equal(t, "high", gotRequest.Priority)

	require.NoError(t, errs[0])
	assert.Equal(t, "msg-1", responses[0].MessageID)

	var provErr *provider.ProviderError
	require.ErrorAs(t, errs[1], &provErr)
	assert.Equal(t, "NotRegistered", provErr.Reason)

	require.ErrorAs(t, errs[2], &provErr)
	assert.Equal(t, "Unavailable", provErr.Reason)
}

func TestSendBatchEnvelopeSuccessIsNotBatchSuccess(t *testing.T) {
	// A 200 envelope where every sub-result failed must produce zero
	// successful responses.
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]string{
			{"error": "NotRegistered"},
			{"error": "InvalidRegistration"},
		})
	})

	responses, errs := client.SendBatch(context.Background(), []string{"a", "b"}, &model.NotificationContent{Title: "t"}, provider.SendOptions{})
	for i := range responses {
		assert.Nil(t, responses[i])
		assert.Error(t, errs[i])
	}
}

func TestSendBatchAuthRejectionRetriesOnce(t *testing.T) {
	var requests int32
	client, src := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer bearer-2", r.Header.Get("Authorization"))
		writeEnvelope(w, []map[string]string{{"message_id": "msg-1"}})
	})

	responses, errs := client.SendBatch(context.Background(), []string{"a"}, &model.NotificationContent{Title: "t"}, provider.SendOptions{})
	require.NoError(t, errs[0])
	assert.Equal(t, "msg-1", responses[0].MessageID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
}

func TestSendBatchServerErrorFailsWholeCall(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, errs := client.SendBatch(context.Background(), []string{"a", "b"}, &model.NotificationContent{Title: "t"}, provider.SendOptions{})
	require.Len(t, errs, 2)

	var provErr *provider.ProviderError
	require.ErrorAs(t, errs[0], &provErr)
	assert.Equal(t, http.StatusServiceUnavailable, provErr.StatusCode)
	assert.Equal(t, 5*time.Second, provErr.RetryAfter)

	// All tokens see the identical whole-call error.
	assert.Equal(t, errs[0], errs[1])
}

func TestSendBatchResultCountMismatch(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]string{{"message_id": "msg-1"}})
	})

	_, errs := client.SendBatch(context.Background(), []string{"a", "b"}, &model.NotificationContent{Title: "t"}, provider.SendOptions{})

	var provErr *provider.ProviderError
	require.ErrorAs(t, errs[0], &provErr)
	assert.Equal(t, "InvalidParameters", provErr.Reason)
}

func TestSendWrapsSingleToken(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]string{{"message_id": "msg-solo"}})
	})

	resp, err := client.Send(context.Background(), "only-one", &model.NotificationContent{Title: "t"}, provider.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "msg-solo", resp.MessageID)
	assert.Equal(t, model.PlatformFCM, client.Platform())
	assert.Equal(t, batchLimit, client.BatchLimit())
}

func TestBuildRequestExpiration(t *testing.T) {
	content := &model.NotificationContent{Title: "t"}
	req := buildRequest([]string{"a"}, content, provider.SendOptions{
		Expiration: time.Now().Add(90 * time.Second),
	})
	require.NotNil(t, req.TimeToLive)
	assert.InDelta(t, 90, *req.TimeToLive, 2)
}

func TestNewTokenSourceRejectsInvalidCredentials(t *testing.T) {
	_, err := NewTokenSource([]byte("{not valid json"), "")
	require.Error(t, err)

	var cfgErr *provider.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, model.PlatformFCM, cfgErr.Platform)

	_, err = NewTokenSource(nil, "")
	require.ErrorAs(t, err, &cfgErr)
}
