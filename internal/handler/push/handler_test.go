package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/push-engine/internal/handler"
	"github.com/jwalitptl/push-engine/internal/model"
	pushService "github.com/jwalitptl/push-engine/internal/service/push"
	apperrors "github.com/jwalitptl/push-engine/pkg/errors"
)

type dispatchCall struct {
	userID  uuid.UUID
	content *model.NotificationContent
	opts    *pushService.DispatchOptions
	urgent  bool
}

type fakeService struct {
	mu      sync.Mutex
	calls   []dispatchCall
	outcome *model.DeliveryOutcome
	err     error
}

func (s *fakeService) Dispatch(_ context.Context, userID uuid.UUID, content *model.NotificationContent, opts *pushService.DispatchOptions) (*model.DeliveryOutcome, error) {
	return s.record(userID, content, opts, false)
}

func (s *fakeService) DispatchUrgent(_ context.Context, userID uuid.UUID, content *model.NotificationContent, opts *pushService.DispatchOptions) (*model.DeliveryOutcome, error) {
	return s.record(userID, content, opts, true)
}

func (s *fakeService) record(userID uuid.UUID, content *model.NotificationContent, opts *pushService.DispatchOptions, urgent bool) (*model.DeliveryOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, dispatchCall{userID: userID, content: content, opts: opts, urgent: urgent})
	if s.err != nil {
		return nil, s.err
	}
	if s.outcome != nil {
		return s.outcome, nil
	}
	return &model.DeliveryOutcome{Sent: 1}, nil
}

type fakeDeviceRepo struct {
	mu        sync.Mutex
	upserted  []*model.DeviceToken
	deleted   []uuid.UUID
	upsertErr error
	deleteErr error
}

func (r *fakeDeviceRepo) Upsert(_ context.Context, token *model.DeviceToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	token.ID = uuid.New()
	token.RegisteredAt = time.Now()
	token.LastUsedAt = token.RegisteredAt
	r.upserted = append(r.upserted, token)
	return nil
}

func (r *fakeDeviceRepo) ListForUser(context.Context, uuid.UUID) ([]*model.DeviceToken, error) {
	return nil, nil
}

func (r *fakeDeviceRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *fakeDeviceRepo) DeleteBatch(context.Context, []uuid.UUID) error { return nil }

func setupRouter(service *fakeService, devices *fakeDeviceRepo) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	NewHandler(service, devices).RegisterRoutes(engine.Group("/api/v1"))
	return engine
}

func doRequest(t *testing.T, engine *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, handler.Response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	var resp handler.Response
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestRegisterDevice(t *testing.T) {
	devices := &fakeDeviceRepo{}
	engine := setupRouter(&fakeService{}, devices)

	userID := uuid.New()
	w, resp := doRequest(t, engine, http.MethodPost, "/api/v1/push/devices", map[string]interface{}{
		"user_id":  userID.String(),
		"platform": "apns",
		"token":    "device-token-abc",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", resp.Status)

	require.Len(t, devices.upserted, 1)
	assert.Equal(t, userID, devices.upserted[0].UserID)
	assert.Equal(t, model.PlatformAPNS, devices.upserted[0].Platform)
	assert.Equal(t, "device-token-abc", devices.upserted[0].Token)
}

func TestRegisterDeviceValidation(t *testing.T) {
	engine := setupRouter(&fakeService{}, &fakeDeviceRepo{})

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing token", map[string]interface{}{"user_id": uuid.New().String(), "platform": "apns"}},
		{"bad platform", map[string]interface{}{"user_id": uuid.New().String(), "platform": "windows", "token": "t"}},
		{"bad user id", map[string]interface{}{"user_id": "not-a-uuid", "platform": "apns", "token": "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := doRequest(t, engine, http.MethodPost, "/api/v1/push/devices", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "error", resp.Status)
		})
	}
}

func TestUnregisterDevice(t *testing.T) {
	devices := &fakeDeviceRepo{}
	engine := setupRouter(&fakeService{}, devices)

	id := uuid.New()
	w, _ := doRequest(t, engine, http.MethodDelete, "/api/v1/push/devices/"+id.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, devices.deleted, 1)
	assert.Equal(t, id, devices.deleted[0])

	w, _ = doRequest(t, engine, http.MethodDelete, "/api/v1/push/devices/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnregisterDeviceNotFound(t *testing.T) {
	devices := &fakeDeviceRepo{deleteErr: apperrors.NotFound("device token", nil)}
	engine := setupRouter(&fakeService{}, devices)

	w, _ := doRequest(t, engine, http.MethodDelete, "/api/v1/push/devices/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	devices.deleteErr = errors.New("db down")
	w, _ = doRequest(t, engine, http.MethodDelete, "/api/v1/push/devices/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSend(t *testing.T) {
	service := &fakeService{outcome: &model.DeliveryOutcome{Sent: 2, Failed: 1}}
	engine := setupRouter(service, &fakeDeviceRepo{})

	userID := uuid.New()
	notificationID := uuid.New()
	w, resp := doRequest(t, engine, http.MethodPost, "/api/v1/push/send", map[string]interface{}{
		"user_id":         userID.String(),
		"notification_id": notificationID.String(),
		"title":           "hello",
		"body":            "world",
		"priority":        "high",
		"ttl_seconds":     60,
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", resp.Status)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(model.DeliveryStatusPartial), data["status"])
	assert.Equal(t, float64(2), data["sent"])
	assert.Equal(t, float64(1), data["failed"])

	require.Len(t, service.calls, 1)
	call := service.calls[0]
	assert.False(t, call.urgent)
	assert.Equal(t, userID, call.userID)
	assert.Equal(t, "hello", call.content.Title)
	assert.Equal(t, model.PriorityHigh, call.content.Priority)
	require.NotNil(t, call.opts.NotificationID)
	assert.Equal(t, notificationID, *call.opts.NotificationID)
	assert.False(t, call.opts.Expiration.IsZero())
}

func TestSendUrgent(t *testing.T) {
	service := &fakeService{}
	engine := setupRouter(service, &fakeDeviceRepo{})

	w, _ := doRequest(t, engine, http.MethodPost, "/api/v1/push/send/urgent", map[string]interface{}{
		"user_id": uuid.New().String(),
		"title":   "alert",
		"body":    "now",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, service.calls, 1)
	assert.True(t, service.calls[0].urgent)
}

func TestSendDefaultsToNormalPriority(t *testing.T) {
	service := &fakeService{}
	engine := setupRouter(service, &fakeDeviceRepo{})

	doRequest(t, engine, http.MethodPost, "/api/v1/push/send", map[string]interface{}{
		"user_id": uuid.New().String(),
		"title":   "t",
		"body":    "b",
	})

	require.Len(t, service.calls, 1)
	assert.Equal(t, model.PriorityNormal, service.calls[0].content.Priority)
}

func TestSendNoDevicesIsNotFound(t *testing.T) {
	service := &fakeService{err: pushService.ErrNoDevices}
	engine := setupRouter(service, &fakeDeviceRepo{})

	w, resp := doRequest(t, engine, http.MethodPost, "/api/v1/push/send", map[string]interface{}{
		"user_id": uuid.New().String(),
		"title":   "t",
		"body":    "b",
	})

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "error", resp.Status)
}

func TestSendValidation(t *testing.T) {
	service := &fakeService{}
	engine := setupRouter(service, &fakeDeviceRepo{})

	w, _ := doRequest(t, engine, http.MethodPost, "/api/v1/push/send", map[string]interface{}{
		"user_id": uuid.New().String(),
		// title and body missing
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, service.calls)
}
