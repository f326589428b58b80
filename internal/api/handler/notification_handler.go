package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/campusline/school-backend/internal/core/domain"
)

// NotificationDispatcher is the interface the handler uses to enqueue pushes.
type NotificationDispatcher interface {
	Enqueue(n domain.Notification) error
}

type notificationRequest struct {
	AccountID string          `json:"account_id" validate:"required"`
	Type      string          `json:"type"       validate:"required,max=64"`
	Payload   json.RawMessage `json:"payload"`
}

type acceptedResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// NotificationHandler accepts server-to-client pushes for realtime delivery.
type NotificationHandler struct {
	dispatcher NotificationDispatcher
	now        func() time.Time
}

// NewNotificationHandler creates a NotificationHandler backed by the given dispatcher.
func NewNotificationHandler(dispatcher NotificationDispatcher) *NotificationHandler {
	return &NotificationHandler{dispatcher: dispatcher, now: time.Now}
}

// Send handles POST /v1/notifications. It enqueues a push and answers 202.
// Delivery is best effort to the recipient's open realtime connections.
func (h *NotificationHandler) Send(c echo.Context) error {
	principal, err := ctxPrincipal(c)
	if err != nil {
		return err
	}

	var req notificationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "payload must be valid JSON")
	}

	n := domain.Notification{
		ID:        uuid.NewString(),
		AccountID: req.AccountID,
		Type:      req.Type,
		Payload:   req.Payload,
		SenderID:  principal.AccountID,
		CreatedAt: h.now().UTC(),
	}
	if err := h.dispatcher.Enqueue(n); err != nil {
		return MapError(err)
	}

	return c.JSON(http.StatusAccepted, acceptedResponse{Message: "notification accepted", ID: n.ID})
}
