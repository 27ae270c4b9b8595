package signaling

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pulsechat/backend/internal/middleware"
	"github.com/pulsechat/backend/internal/models"
	"github.com/pulsechat/backend/pkg/response"
)

// SendRequest is the body for POST /calls/:id/signals.
type SendRequest struct {
	Kind         string  `json:"kind" binding:"required"`
	Payload      string  `json:"payload" binding:"required"`
	TargetUserID *string `json:"target_user_id"` // absent = broadcast
}

// Handler handles signaling HTTP endpoints.
type Handler struct {
	relay *Relay
}

// NewHandler creates a signaling handler.
func NewHandler(relay *Relay) *Handler {
	return &Handler{relay: relay}
}

// Send handles POST /calls/:id/signals.
func (h *Handler) Send(c *gin.Context) {
	callID := c.Param("id")
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	var target *uuid.UUID
	if req.TargetUserID != nil {
		t, err := uuid.Parse(*req.TargetUserID)
		if err != nil {
			response.BadRequest(c, "invalid target_user_id")
			return
		}
		target = &t
	}

	s, err := h.relay.Send(c.Request.Context(), callID, userID, target, models.SignalKind(req.Kind), req.Payload)
	if err != nil {
		if errors.Is(err, ErrInvalidKind) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Internal(c, "failed to store signal")
		return
	}
	response.Created(c, gin.H{"signal_id": s.ID})
}

// List handles GET /calls/:id/signals.
func (h *Handler) List(c *gin.Context) {
	callID := c.Param("id")
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	signals, err := h.relay.SignalsFor(c.Request.Context(), callID, userID)
	if err != nil {
		response.Internal(c, "failed to load signals")
		return
	}
	response.OK(c, signals)
}
