package presence

import (
	"github.com/gin-gonic/gin"

	"github.com/pulsechat/backend/pkg/response"
)

// Handler handles presence HTTP endpoints.
type Handler struct {
	projector *Projector
}

// NewHandler creates a presence handler.
func NewHandler(projector *Projector) *Handler {
	return &Handler{projector: projector}
}

// CallParticipants handles GET /calls/:id/participants.
// Query ?all=1 includes participants who already left (history view).
func (h *Handler) CallParticipants(c *gin.Context) {
	callID := c.Param("id")
	includeLeft := c.Query("all") == "1"

	views, err := h.projector.CallParticipants(c.Request.Context(), callID, includeLeft)
	if err != nil {
		response.Internal(c, "failed to load participants")
		return
	}
	response.OK(c, views)
}
