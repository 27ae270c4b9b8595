package presence

import (
	"context"

	"github.com/google/uuid"

	"github.com/pulsechat/backend/internal/models"
)

// ParticipantSource is the slice of the session store the projector reads.
type ParticipantSource interface {
	OpenParticipants(ctx context.Context, callID string) ([]models.Participant, error)
	Participants(ctx context.Context, callID string) ([]models.Participant, error)
}

// UserDirectory resolves user ids to display names.
type UserDirectory interface {
	DisplayName(ctx context.Context, id uuid.UUID) (string, error)
}

// Projector derives a call's public participant view from session store state.
// Pure read model: no state of its own, recomputed on every request.
type Projector struct {
	source ParticipantSource
	users  UserDirectory
}

// NewProjector creates a presence projector.
func NewProjector(source ParticipantSource, users UserDirectory) *Projector {
	return &Projector{source: source, users: users}
}

// CallParticipants returns the call's participants joined with display names.
// With includeLeft the full history (audit view) is returned; otherwise only
// currently open participants.
func (p *Projector) CallParticipants(ctx context.Context, callID string, includeLeft bool) ([]models.ParticipantView, error) {
	var (
		parts []models.Participant
		err   error
	)
	if includeLeft {
		parts, err = p.source.Participants(ctx, callID)
	} else {
		parts, err = p.source.OpenParticipants(ctx, callID)
	}
	if err != nil {
		return nil, err
	}

	views := make([]models.ParticipantView, 0, len(parts))
	for _, part := range parts {
		name, err := p.users.DisplayName(ctx, part.UserID)
		if err != nil || name == "" {
			name = "Unknown"
		}
		views = append(views, models.ParticipantView{
			UserID:     part.UserID,
			UserName:   name,
			JoinedAt:   part.JoinedAt,
			LeftAt:     part.LeftAt,
			IsMuted:    part.IsMuted,
			IsVideoOff: part.IsVideoOff,
		})
	}
	return views, nil
}
