package push

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/push-engine/internal/handler"
	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/repository"
	pushService "github.com/jwalitptl/push-engine/internal/service/push"
	apperrors "github.com/jwalitptl/push-engine/pkg/errors"
)

type Handler struct {
	service pushService.Servicer
	devices repository.DeviceTokenRepository
}

func NewHandler(service pushService.Servicer, devices repository.DeviceTokenRepository) *Handler {
	return &Handler{service: service, devices: devices}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	push := r.Group("/push")
	{
		push.POST("/devices", h.RegisterDevice)
		push.DELETE("/devices/:id", h.UnregisterDevice)
		push.POST("/send", h.Send)
		push.POST("/send/urgent", h.SendUrgent)
	}
}

type registerDeviceRequest struct {
	UserID   string `json:"user_id" binding:"required,uuid"`
	Platform string `json:"platform" binding:"required,oneof=apns fcm expo web"`
	Token    string `json:"token" binding:"required"`
}

func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	device := &model.DeviceToken{
		UserID:   uuid.MustParse(req.UserID),
		Platform: model.Platform(req.Platform),
		Token:    req.Token,
	}
	if err := h.devices.Upsert(c.Request.Context(), device); err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse("failed to register device"))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"id":            device.ID,
		"registered_at": device.RegisteredAt,
		"last_used_at":  device.LastUsedAt,
	}))
}

func (h *Handler) UnregisterDevice(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid device id"))
		return
	}

	if err := h.devices.Delete(c.Request.Context(), id); err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Code == apperrors.ErrNotFound {
			c.JSON(http.StatusNotFound, handler.NewErrorResponse("device not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse("failed to unregister device"))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

type sendRequest struct {
	UserID           string            `json:"user_id" binding:"required,uuid"`
	NotificationID   string            `json:"notification_id" binding:"omitempty,uuid"`
	Title            string            `json:"title" binding:"required"`
	Body             string            `json:"body" binding:"required"`
	Data             map[string]string `json:"data"`
	Priority         string            `json:"priority" binding:"omitempty,oneof=high normal"`
	Badge            *int              `json:"badge"`
	Sound            string            `json:"sound"`
	CollapseKey      string            `json:"collapse_key"`
	ThreadID         string            `json:"thread_id"`
	TTLSeconds       int               `json:"ttl_seconds" binding:"omitempty,min=0"`
	ExcludeDeviceIDs []string          `json:"exclude_device_ids" binding:"omitempty,dive,uuid"`
}

func (h *Handler) Send(c *gin.Context) {
	h.send(c, h.service.Dispatch)
}

func (h *Handler) SendUrgent(c *gin.Context) {
	h.send(c, h.service.DispatchUrgent)
}

type dispatchFunc func(ctx context.Context, userID uuid.UUID, content *model.NotificationContent, opts *pushService.DispatchOptions) (*model.DeliveryOutcome, error)

func (h *Handler) send(c *gin.Context, dispatch dispatchFunc) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	content := &model.NotificationContent{
		Title:       req.Title,
		Body:        req.Body,
		Data:        req.Data,
		Priority:    model.Priority(req.Priority),
		Badge:       req.Badge,
		Sound:       req.Sound,
		CollapseKey: req.CollapseKey,
		ThreadID:    req.ThreadID,
	}
	if content.Priority == "" {
		content.Priority = model.PriorityNormal
	}

	opts := &pushService.DispatchOptions{}
	if req.NotificationID != "" {
		id := uuid.MustParse(req.NotificationID)
		opts.NotificationID = &id
	}
	for _, raw := range req.ExcludeDeviceIDs {
		opts.ExcludeDeviceIDs = append(opts.ExcludeDeviceIDs, uuid.MustParse(raw))
	}
	if req.TTLSeconds > 0 {
		opts.Expiration = time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
	}

	outcome, err := dispatch(c.Request.Context(), uuid.MustParse(req.UserID), content, opts)
	if err != nil {
		if errors.Is(err, pushService.ErrNoDevices) {
			c.JSON(http.StatusNotFound, handler.NewErrorResponse("user has no registered devices"))
			return
		}
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse("dispatch failed"))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"status": outcome.Status(),
		"sent":   outcome.Sent,
		"failed": outcome.Failed,
	}))
}
