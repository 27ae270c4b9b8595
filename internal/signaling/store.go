package signaling

import (
	"context"

	"github.com/google/uuid"

	"github.com/pulsechat/backend/internal/models"
)

// DefaultHistoryLimit bounds how many signals a single poll returns per call.
const DefaultHistoryLimit = 50

// Store is the append-only signal log. The storage layer is order-agnostic;
// reads are timestamp-ordered, most recent first.
type Store interface {
	// Append persists a signal and fills in its id and timestamp.
	Append(ctx context.Context, s *models.Signal) error

	// VisibleTo returns the most recent signals for the call that the user may
	// see: broadcasts, signals addressed to the user, and the user's own sends.
	VisibleTo(ctx context.Context, callID string, userID uuid.UUID, limit int) ([]models.Signal, error)
}
