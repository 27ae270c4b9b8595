package peer

import (
	"errors"
)

var (
	// ErrMediaUnavailable means the local capture device was denied or is absent.
	// A call can still be joined observation-only without a capture.
	ErrMediaUnavailable = errors.New("local media unavailable")
	// ErrNoSession means an operation referenced a remote peer with no session.
	ErrNoSession = errors.New("no session for peer")
)

// ConnState is the connectivity state reported by the underlying transport.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateConnected
	ConnStateFailed
	ConnStateClosed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case ConnStateConnected:
		return "connected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	default:
		return "new"
	}
}

// Track is one outgoing media track owned by a Capture. Implementations are
// transport-specific; the controller only routes them.
type Track interface {
	Kind() string // "audio" or "video"
}

// Capture owns the local media source: one audio track, one video track, and
// an optional alternate screen track. Enable flags act directly on the tracks;
// established peer connections are unaffected (no renegotiation).
type Capture interface {
	AudioTrack() Track
	VideoTrack() Track
	// ScreenTrack returns the alternate video source for screen sharing,
	// acquiring it on first use. Returns ErrMediaUnavailable when denied.
	ScreenTrack() (Track, error)
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Close()
}

// PeerConn is the peer-connection capability consumed by the controller, one
// per remote participant. Descriptions and candidates are opaque strings (the
// wire encoding of the negotiation payloads); the controller never parses them.
type PeerConn interface {
	// CreateOffer produces the local description for an initiator.
	CreateOffer() (string, error)
	// HandleOffer applies a remote offer and produces the local answer.
	HandleOffer(sdp string) (answer string, err error)
	// HandleAnswer applies a remote answer on the initiating side.
	HandleAnswer(sdp string) error
	// AddICECandidate applies a trickled remote candidate. Implementations must
	// tolerate candidates arriving before the remote description.
	AddICECandidate(candidate string) error
	// OnICECandidate registers the local trickle callback. Must be set before
	// negotiation starts.
	OnICECandidate(fn func(candidate string))
	// OnStateChange registers the connectivity callback.
	OnStateChange(fn func(state ConnState))
	// ReplaceVideo swaps the outgoing video track without renegotiating.
	ReplaceVideo(t Track) error
	Close() error
}

// ConnFactory creates peer connections with the local capture's tracks
// attached. A nil capture yields a receive-only connection.
type ConnFactory interface {
	NewConn(capture Capture) (PeerConn, error)
}
