package calls

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pulsechat/backend/internal/middleware"
	"github.com/pulsechat/backend/internal/models"
	"github.com/pulsechat/backend/pkg/response"
)

// EventPublisher pushes call events to connected clients (WebSocket hub with
// Redis fanout). Nil-safe: the handler works without one.
type EventPublisher interface {
	BroadcastToCallAndPublish(callID string, event string, payload interface{})
}

// CreateRequest is the body for POST /rooms/:roomId/calls.
type CreateRequest struct {
	CallID string `json:"call_id"` // optional, client-generated
	Kind   string `json:"kind" binding:"required"`
}

// StatusRequest is the body for PATCH /calls/:id/status. Omitted fields are
// left untouched.
type StatusRequest struct {
	IsMuted    *bool `json:"is_muted"`
	IsVideoOff *bool `json:"is_video_off"`
}

// Handler handles call lifecycle HTTP endpoints.
type Handler struct {
	manager *Manager
	events  EventPublisher
}

// NewHandler creates a call handler.
func NewHandler(manager *Manager, events EventPublisher) *Handler {
	return &Handler{manager: manager, events: events}
}

// Create handles POST /rooms/:roomId/calls.
func (h *Handler) Create(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("roomId"))
	if err != nil {
		response.BadRequest(c, "invalid room id")
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	call, err := h.manager.CreateCall(c.Request.Context(), roomID, models.CallKind(req.Kind), userID, req.CallID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, call)
}

// ActiveCall handles GET /rooms/:roomId/active-call.
func (h *Handler) ActiveCall(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("roomId"))
	if err != nil {
		response.BadRequest(c, "invalid room id")
		return
	}
	summary, err := h.manager.ActiveCall(c.Request.Context(), roomID)
	if err != nil {
		response.Internal(c, "failed to load active call")
		return
	}
	response.OK(c, summary) // null when no displayable call
}

// Join handles POST /calls/:id/join.
func (h *Handler) Join(c *gin.Context) {
	callID := c.Param("id")
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	if err := h.manager.JoinCall(c.Request.Context(), callID, userID); err != nil {
		h.writeError(c, err)
		return
	}
	h.publish(callID, "participant_joined", gin.H{"call_id": callID, "user_id": userID})
	response.OK(c, gin.H{"call_id": callID})
}

// Leave handles POST /calls/:id/leave.
func (h *Handler) Leave(c *gin.Context) {
	callID := c.Param("id")
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	if err := h.manager.LeaveCall(c.Request.Context(), callID, userID); err != nil {
		h.writeError(c, err)
		return
	}
	h.publish(callID, "participant_left", gin.H{"call_id": callID, "user_id": userID})
	response.NoContent(c)
}

// End handles POST /calls/:id/end.
func (h *Handler) End(c *gin.Context) {
	callID := c.Param("id")
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	if err := h.manager.EndCall(c.Request.Context(), callID, userID); err != nil {
		h.writeError(c, err)
		return
	}
	h.publish(callID, "call_ended", gin.H{"call_id": callID})
	response.NoContent(c)
}

// UpdateStatus handles PATCH /calls/:id/status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	callID := c.Param("id")
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.manager.UpdateParticipantStatus(c.Request.Context(), callID, userID, req.IsMuted, req.IsVideoOff); err != nil {
		h.writeError(c, err)
		return
	}
	h.publish(callID, "status_changed", gin.H{
		"call_id":      callID,
		"user_id":      userID,
		"is_muted":     req.IsMuted,
		"is_video_off": req.IsVideoOff,
	})
	response.NoContent(c)
}

func (h *Handler) publish(callID, event string, payload interface{}) {
	if h.events != nil {
		h.events.BroadcastToCallAndPublish(callID, event, payload)
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrCallNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrActiveCallExists):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrAlreadyInCall):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrNotInCall):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrNotCreator):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrInvalidKind):
		response.BadRequest(c, err.Error())
	default:
		response.Internal(c, "internal error")
	}
}
