package peer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsechat/backend/internal/models"
)

// DefaultNegotiationTimeout bounds how long a session may sit in negotiating
// before it is torn down as a failed peer.
const DefaultNegotiationTimeout = 30 * time.Second

// Signaler relays negotiation messages to other call participants.
type Signaler interface {
	SendSignal(ctx context.Context, callID string, target *uuid.UUID, kind models.SignalKind, payload string) error
}

// Lifecycle is the slice of the call lifecycle API the controller drives:
// leaving the call and propagating local media flags. Satisfied by
// calls.Manager in-process and by the HTTP client remotely.
type Lifecycle interface {
	LeaveCall(ctx context.Context, callID string, userID uuid.UUID) error
	UpdateParticipantStatus(ctx context.Context, callID string, userID uuid.UUID, isMuted, isVideoOff *bool) error
}

// EventKind classifies controller notifications.
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerFailed
	EventPeerClosed
)

// Event is a non-fatal, per-peer notification. A failed peer never aborts the
// call or other peers' sessions.
type Event struct {
	Kind   EventKind
	PeerID uuid.UUID
	Reason string
}

type phase int

const (
	phaseIdle phase = iota
	phaseNegotiating
	phaseConnected
	phaseClosed
)

func (p phase) String() string {
	switch p {
	case phaseNegotiating:
		return "negotiating"
	case phaseConnected:
		return "connected"
	case phaseClosed:
		return "closed"
	default:
		return "idle"
	}
}

// session is the live negotiation/media state toward one remote participant.
type session struct {
	peerID    uuid.UUID
	phase     phase
	conn      PeerConn
	initiator bool
	timer     *time.Timer
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	CallID    string
	SelfID    uuid.UUID
	CreatorID uuid.UUID
	Factory   ConnFactory
	// Capture may be nil: the call is then joined observation-only and media
	// toggles return ErrMediaUnavailable.
	Capture            Capture
	Signaler           Signaler
	Lifecycle          Lifecycle
	Logger             *zap.Logger
	NegotiationTimeout time.Duration
}

// Controller owns the local capture and one peer session per remote
// participant, keyed by user id. It drives offer/answer/ICE through the
// Signaler and reports per-peer outcomes on Events. All entry points are safe
// for concurrent use; a stalled remote only affects its own session.
type Controller struct {
	callID    string
	selfID    uuid.UUID
	creatorID uuid.UUID
	factory   ConnFactory
	capture   Capture
	signaler  Signaler
	lifecycle Lifecycle
	logger    *zap.Logger
	timeout   time.Duration

	mu         sync.Mutex
	sessions   map[uuid.UUID]*session
	pendingICE map[uuid.UUID][]string
	muted      bool
	videoOff   bool
	sharing    bool
	done       bool

	events chan Event
}

// NewController creates a controller for one joined call.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{
		callID:     cfg.CallID,
		selfID:     cfg.SelfID,
		creatorID:  cfg.CreatorID,
		factory:    cfg.Factory,
		capture:    cfg.Capture,
		signaler:   cfg.Signaler,
		lifecycle:  cfg.Lifecycle,
		logger:     cfg.Logger,
		timeout:    cfg.NegotiationTimeout,
		sessions:   make(map[uuid.UUID]*session),
		pendingICE: make(map[uuid.UUID][]string),
		events:     make(chan Event, 32),
	}
}

// Events returns the per-peer notification stream. Events are dropped rather
// than blocking when the consumer falls behind.
func (c *Controller) Events() <-chan Event { return c.events }

// shouldInitiate decides which side sends the initial offer: the call creator
// always initiates, otherwise the lexicographically smaller user id does.
// Exactly one side of every pair initiates, which prevents glare.
func (c *Controller) shouldInitiate(peerID uuid.UUID) bool {
	if c.selfID == c.creatorID {
		return true
	}
	if peerID == c.creatorID {
		return false
	}
	return c.selfID.String() < peerID.String()
}

// PeerJoined reacts to a participant appearing in the call. The initiating
// side opens a connection and sends the offer; the other side waits for it.
func (c *Controller) PeerJoined(ctx context.Context, peerID uuid.UUID) error {
	if peerID == c.selfID {
		return nil
	}
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	if s, ok := c.sessions[peerID]; ok && s.phase != phaseClosed {
		c.mu.Unlock()
		return nil
	}
	if !c.shouldInitiate(peerID) {
		c.mu.Unlock()
		return nil
	}
	s, err := c.openSessionLocked(peerID, true)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	offer, err := s.conn.CreateOffer()
	if err != nil {
		c.failSession(peerID, "create offer: "+err.Error())
		return err
	}
	if err := c.signaler.SendSignal(ctx, c.callID, &peerID, models.SignalOffer, offer); err != nil {
		c.failSession(peerID, "send offer: "+err.Error())
		return err
	}
	return nil
}

// PeerLeft tears down the session for a departed participant.
func (c *Controller) PeerLeft(peerID uuid.UUID) {
	c.closeSession(peerID, EventPeerClosed, "peer left")
}

// HandleSignal dispatches one relayed negotiation message from a remote peer.
// Out-of-order arrival is tolerated: candidates before the answer are buffered,
// stale answers are dropped.
func (c *Controller) HandleSignal(ctx context.Context, from uuid.UUID, kind models.SignalKind, payload string) error {
	if from == c.selfID {
		return nil
	}
	switch kind {
	case models.SignalOffer:
		return c.handleOffer(ctx, from, payload)
	case models.SignalAnswer:
		return c.handleAnswer(from, payload)
	case models.SignalICECandidate:
		return c.handleCandidate(from, payload)
	default:
		c.logger.Debug("ignoring unknown signal kind", zap.String("kind", string(kind)))
		return nil
	}
}

func (c *Controller) handleOffer(ctx context.Context, from uuid.UUID, sdp string) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	if s, ok := c.sessions[from]; ok && s.phase != phaseClosed {
		// Glare: both sides offered at once. The deterministic initiator's
		// offer stands; the other side abandons its own attempt and answers.
		if c.shouldInitiate(from) {
			c.mu.Unlock()
			c.logger.Debug("dropping glare offer", zap.String("peer", from.String()))
			return nil
		}
		c.teardownLocked(s)
	}
	s, err := c.openSessionLocked(from, false)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	pending := c.pendingICE[from]
	delete(c.pendingICE, from)
	c.mu.Unlock()

	answer, err := s.conn.HandleOffer(sdp)
	if err != nil {
		c.failSession(from, "handle offer: "+err.Error())
		return err
	}
	for _, cand := range pending {
		if err := s.conn.AddICECandidate(cand); err != nil {
			c.logger.Warn("apply buffered candidate", zap.String("peer", from.String()), zap.Error(err))
		}
	}
	if err := c.signaler.SendSignal(ctx, c.callID, &from, models.SignalAnswer, answer); err != nil {
		c.failSession(from, "send answer: "+err.Error())
		return err
	}
	return nil
}

func (c *Controller) handleAnswer(from uuid.UUID, sdp string) error {
	c.mu.Lock()
	s, ok := c.sessions[from]
	if !ok || s.phase != phaseNegotiating || !s.initiator {
		c.mu.Unlock()
		c.logger.Debug("dropping stale answer", zap.String("peer", from.String()))
		return nil
	}
	conn := s.conn
	c.mu.Unlock()

	if err := conn.HandleAnswer(sdp); err != nil {
		c.failSession(from, "handle answer: "+err.Error())
		return err
	}
	return nil
}

func (c *Controller) handleCandidate(from uuid.UUID, candidate string) error {
	c.mu.Lock()
	s, ok := c.sessions[from]
	if !ok || s.phase == phaseClosed {
		// Trickled candidates can outrun the offer; keep them for the session
		// that is about to exist.
		c.pendingICE[from] = append(c.pendingICE[from], candidate)
		c.mu.Unlock()
		return nil
	}
	conn := s.conn
	c.mu.Unlock()
	return conn.AddICECandidate(candidate)
}

// openSessionLocked creates the connection, wires its callbacks, and arms the
// negotiation timeout. Caller holds c.mu.
func (c *Controller) openSessionLocked(peerID uuid.UUID, initiator bool) (*session, error) {
	conn, err := c.factory.NewConn(c.capture)
	if err != nil {
		return nil, err
	}
	s := &session{peerID: peerID, phase: phaseNegotiating, conn: conn, initiator: initiator}
	c.sessions[peerID] = s

	conn.OnICECandidate(func(candidate string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.signaler.SendSignal(ctx, c.callID, &peerID, models.SignalICECandidate, candidate); err != nil {
			c.logger.Warn("send candidate", zap.String("peer", peerID.String()), zap.Error(err))
		}
	})
	conn.OnStateChange(func(state ConnState) {
		c.onConnState(peerID, conn, state)
	})
	s.timer = time.AfterFunc(c.timeout, func() {
		c.timeoutSession(peerID, conn)
	})
	return s, nil
}

// onConnState reacts to transport connectivity for one session. The conn
// pointer guards against callbacks from an already-replaced session.
func (c *Controller) onConnState(peerID uuid.UUID, conn PeerConn, state ConnState) {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	if !ok || s.conn != conn {
		c.mu.Unlock()
		return
	}
	switch state {
	case ConnStateConnected:
		s.phase = phaseConnected
		if s.timer != nil {
			s.timer.Stop()
		}
		c.mu.Unlock()
		c.emit(Event{Kind: EventPeerConnected, PeerID: peerID})
	case ConnStateFailed:
		c.teardownLocked(s)
		c.mu.Unlock()
		c.emit(Event{Kind: EventPeerFailed, PeerID: peerID, Reason: "transport failed"})
	case ConnStateClosed:
		c.teardownLocked(s)
		c.mu.Unlock()
		c.emit(Event{Kind: EventPeerClosed, PeerID: peerID, Reason: "transport closed"})
	default:
		c.mu.Unlock()
	}
}

// timeoutSession fires when negotiation never reached connected.
func (c *Controller) timeoutSession(peerID uuid.UUID, conn PeerConn) {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	if !ok || s.conn != conn || s.phase != phaseNegotiating {
		c.mu.Unlock()
		return
	}
	c.teardownLocked(s)
	c.mu.Unlock()
	c.logger.Warn("negotiation timed out", zap.String("peer", peerID.String()))
	c.emit(Event{Kind: EventPeerFailed, PeerID: peerID, Reason: "negotiation timeout"})
}

func (c *Controller) failSession(peerID uuid.UUID, reason string) {
	c.closeSession(peerID, EventPeerFailed, reason)
}

func (c *Controller) closeSession(peerID uuid.UUID, kind EventKind, reason string) {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	if !ok || s.phase == phaseClosed {
		c.mu.Unlock()
		return
	}
	c.teardownLocked(s)
	c.mu.Unlock()
	c.emit(Event{Kind: kind, PeerID: peerID, Reason: reason})
}

// teardownLocked closes one session and frees its entry. Caller holds c.mu.
func (c *Controller) teardownLocked(s *session) {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.phase = phaseClosed
	delete(c.sessions, s.peerID)
	delete(c.pendingICE, s.peerID)
}

func (c *Controller) emit(e Event) {
	select {
	case c.events <- e:
	default:
	}
}

// SessionPhase reports the negotiation phase toward one peer ("idle" when no
// session exists).
func (c *Controller) SessionPhase(peerID uuid.UUID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[peerID]; ok {
		return s.phase.String()
	}
	return phaseIdle.String()
}

// Peers returns the ids of remotes with live sessions.
func (c *Controller) Peers() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

// ToggleMute flips the local audio flag, gates the capture track, and
// propagates the flag. Established sessions are unaffected (no renegotiation).
func (c *Controller) ToggleMute(ctx context.Context) (muted bool, err error) {
	if c.capture == nil {
		return false, ErrMediaUnavailable
	}
	c.mu.Lock()
	c.muted = !c.muted
	muted = c.muted
	c.mu.Unlock()

	c.capture.SetAudioEnabled(!muted)
	if err := c.lifecycle.UpdateParticipantStatus(ctx, c.callID, c.selfID, &muted, nil); err != nil {
		return muted, err
	}
	return muted, nil
}

// ToggleVideo flips the local video flag, gates the capture track, and
// propagates the flag.
func (c *Controller) ToggleVideo(ctx context.Context) (videoOff bool, err error) {
	if c.capture == nil {
		return false, ErrMediaUnavailable
	}
	c.mu.Lock()
	c.videoOff = !c.videoOff
	videoOff = c.videoOff
	c.mu.Unlock()

	c.capture.SetVideoEnabled(!videoOff)
	if err := c.lifecycle.UpdateParticipantStatus(ctx, c.callID, c.selfID, nil, &videoOff); err != nil {
		return videoOff, err
	}
	return videoOff, nil
}

// StartScreenShare swaps the outgoing video on every open session for the
// capture's screen track. Track replacement only, no new offer/answer cycle.
func (c *Controller) StartScreenShare() error {
	if c.capture == nil {
		return ErrMediaUnavailable
	}
	track, err := c.capture.ScreenTrack()
	if err != nil {
		return err
	}
	c.replaceVideoAll(track)
	c.mu.Lock()
	c.sharing = true
	c.mu.Unlock()
	return nil
}

// StopScreenShare restores the camera track on every open session.
func (c *Controller) StopScreenShare() error {
	if c.capture == nil {
		return ErrMediaUnavailable
	}
	c.mu.Lock()
	if !c.sharing {
		c.mu.Unlock()
		return nil
	}
	c.sharing = false
	c.mu.Unlock()
	c.replaceVideoAll(c.capture.VideoTrack())
	return nil
}

func (c *Controller) replaceVideoAll(t Track) {
	c.mu.Lock()
	conns := make([]PeerConn, 0, len(c.sessions))
	for _, s := range c.sessions {
		if s.phase == phaseNegotiating || s.phase == phaseConnected {
			conns = append(conns, s.conn)
		}
	}
	c.mu.Unlock()
	for _, conn := range conns {
		if err := conn.ReplaceVideo(t); err != nil {
			c.logger.Warn("replace video track", zap.Error(err))
		}
	}
}

// Leave closes every peer session, releases the capture, and leaves the call.
// Resource release happens regardless of the lifecycle call's outcome.
func (c *Controller) Leave(ctx context.Context) error {
	c.shutdown()
	return c.lifecycle.LeaveCall(ctx, c.callID, c.selfID)
}

// CallEnded tears everything down without calling leave; the call is already
// terminal on the server.
func (c *Controller) CallEnded() {
	c.shutdown()
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	for _, s := range sessions {
		c.teardownLocked(s)
	}
	c.mu.Unlock()

	if c.capture != nil {
		c.capture.Close()
	}
}
