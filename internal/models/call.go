package models

import (
	"time"

	"github.com/google/uuid"
)

// CallKind is the media profile of a call.
type CallKind string

const (
	CallKindVideo CallKind = "video"
	CallKindAudio CallKind = "audio"
)

// CallState is the lifecycle state of a call.
type CallState string

const (
	CallStateWaiting CallState = "waiting"
	CallStateActive  CallState = "active"
	CallStateEnded   CallState = "ended"
)

// Valid reports whether k is a known call kind.
func (k CallKind) Valid() bool {
	return k == CallKindVideo || k == CallKindAudio
}

// Open reports whether the state counts against the one-open-call-per-room rule.
func (s CallState) Open() bool {
	return s == CallStateWaiting || s == CallStateActive
}

// Call is one audio/video call scoped to a chat room. Immutable once ended.
type Call struct {
	ID        string     `json:"id"` // client-generated, unique per call attempt
	RoomID    uuid.UUID  `json:"room_id"`
	CreatorID uuid.UUID  `json:"creator_id"`
	Kind      CallKind   `json:"kind"`
	State     CallState  `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Participant is one user's membership in one call, spanning join to leave.
// Rows are never deleted; a rejoin inserts a new row.
type Participant struct {
	ID         uuid.UUID  `json:"id"`
	CallID     string     `json:"call_id"`
	UserID     uuid.UUID  `json:"user_id"`
	JoinedAt   time.Time  `json:"joined_at"`
	LeftAt     *time.Time `json:"left_at,omitempty"`
	IsMuted    bool       `json:"is_muted"`
	IsVideoOff bool       `json:"is_video_off"`
}

// Open reports whether the participant is currently in the call.
func (p *Participant) Open() bool {
	return p.LeftAt == nil
}

// ActiveCallSummary is the projector view of a room's active call.
type ActiveCallSummary struct {
	CallID           string    `json:"call_id"`
	Kind             CallKind  `json:"kind"`
	StartedAt        time.Time `json:"started_at"`
	CreatorID        uuid.UUID `json:"creator_id"`
	CreatorName      string    `json:"creator_name"`
	ParticipantCount int       `json:"participant_count"`
}

// ParticipantView is the projector view of one participant, with display name.
type ParticipantView struct {
	UserID     uuid.UUID  `json:"user_id"`
	UserName   string     `json:"user_name"`
	JoinedAt   time.Time  `json:"joined_at"`
	LeftAt     *time.Time `json:"left_at,omitempty"`
	IsMuted    bool       `json:"is_muted"`
	IsVideoOff bool       `json:"is_video_off"`
}
