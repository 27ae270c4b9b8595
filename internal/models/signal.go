package models

import (
	"time"

	"github.com/google/uuid"
)

// SignalKind is the type of a relayed negotiation message.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// Valid reports whether k is a known signal kind.
func (k SignalKind) Valid() bool {
	return k == SignalOffer || k == SignalAnswer || k == SignalICECandidate
}

// Signal is one WebRTC negotiation message relayed between call participants.
// TargetUserID nil means broadcast to everyone in the call. Payload is an opaque
// caller-defined encoding (JSON SDP or ICE candidate); the relay never parses it.
type Signal struct {
	ID           uuid.UUID  `json:"id"`
	CallID       string     `json:"call_id"`
	FromUserID   uuid.UUID  `json:"from_user_id"`
	TargetUserID *uuid.UUID `json:"target_user_id,omitempty"`
	Kind         SignalKind `json:"kind"`
	Payload      string     `json:"payload"`
	CreatedAt    time.Time  `json:"created_at"`
}

// VisibleTo reports whether the signal may be delivered to the given user:
// broadcasts, messages addressed to the user, and the user's own sends.
func (s *Signal) VisibleTo(userID uuid.UUID) bool {
	return s.TargetUserID == nil || *s.TargetUserID == userID || s.FromUserID == userID
}
