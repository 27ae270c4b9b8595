package calls

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pulsechat/backend/internal/models"
)

// Store is the session store consumed by the lifecycle manager. Every method is
// an atomic unit of work: partial effects must never be visible to concurrent
// callers. In particular CreateCall must reject a second open call for the same
// room even under concurrent invocation, and InsertParticipant must reject a
// second open row for the same (call, user).
type Store interface {
	// CreateCall inserts the call and its creator participant atomically.
	// Returns ErrActiveCallExists if the room already has an open call.
	CreateCall(ctx context.Context, call *models.Call, creator *models.Participant) error

	// GetCall returns a call by id, or ErrCallNotFound.
	GetCall(ctx context.Context, callID string) (*models.Call, error)

	// ActiveCallByRoom returns the room's call in state=active, or ErrCallNotFound.
	ActiveCallByRoom(ctx context.Context, roomID uuid.UUID) (*models.Call, error)

	// InsertParticipant adds an open participant row. Returns ErrCallNotFound if
	// the call is not open, ErrAlreadyInCall if the user already has an open row.
	InsertParticipant(ctx context.Context, p *models.Participant) error

	// CloseParticipant sets left_at on the user's open row. Returns false if the
	// user had no open row (idempotent leave).
	CloseParticipant(ctx context.Context, callID string, userID uuid.UUID, at time.Time) (bool, error)

	// EndCall marks the call ended and closes every open participant row, in one
	// transaction. No-op on an already ended call.
	EndCall(ctx context.Context, callID string, at time.Time) error

	// UpdateParticipantStatus patches the provided flags on the user's open row,
	// leaving nil fields untouched. Returns false if the user had no open row.
	UpdateParticipantStatus(ctx context.Context, callID string, userID uuid.UUID, isMuted, isVideoOff *bool) (bool, error)

	// Participants returns every participant row for a call, open and left,
	// ordered by join time.
	Participants(ctx context.Context, callID string) ([]models.Participant, error)

	// OpenParticipants returns the currently open participant rows for a call.
	OpenParticipants(ctx context.Context, callID string) ([]models.Participant, error)

	// CountOpenParticipants returns the number of open participant rows.
	CountOpenParticipants(ctx context.Context, callID string) (int, error)

	// EmptyOpenCalls returns open calls whose last participant left before the
	// cutoff (or that never gathered anyone and started before it).
	EmptyOpenCalls(ctx context.Context, cutoff time.Time) ([]models.Call, error)
}

// UserDirectory resolves user ids to display names. The call core treats user
// profiles as an external collaborator; this is the only slice of it we consume.
type UserDirectory interface {
	DisplayName(ctx context.Context, id uuid.UUID) (string, error)
}
