package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsechat/backend/internal/models"
)

type fakeTrack struct{ kind string }

func (t *fakeTrack) Kind() string { return t.kind }

type fakeCapture struct {
	mu           sync.Mutex
	audio        *fakeTrack
	video        *fakeTrack
	screen       *fakeTrack
	screenErr    error
	audioEnabled bool
	videoEnabled bool
	closed       bool
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{
		audio:        &fakeTrack{kind: "audio"},
		video:        &fakeTrack{kind: "video"},
		screen:       &fakeTrack{kind: "video"},
		audioEnabled: true,
		videoEnabled: true,
	}
}

func (c *fakeCapture) AudioTrack() Track { return c.audio }
func (c *fakeCapture) VideoTrack() Track { return c.video }

func (c *fakeCapture) ScreenTrack() (Track, error) {
	if c.screenErr != nil {
		return nil, c.screenErr
	}
	return c.screen, nil
}

func (c *fakeCapture) SetAudioEnabled(enabled bool) {
	c.mu.Lock()
	c.audioEnabled = enabled
	c.mu.Unlock()
}

func (c *fakeCapture) SetVideoEnabled(enabled bool) {
	c.mu.Lock()
	c.videoEnabled = enabled
	c.mu.Unlock()
}

func (c *fakeCapture) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

type fakeConn struct {
	mu           sync.Mutex
	offered      bool
	remoteOffer  string
	remoteAnswer string
	candidates   []string
	video        Track
	stateFn      func(ConnState)
	closed       bool
}

func (c *fakeConn) CreateOffer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offered = true
	return "offer-sdp", nil
}

func (c *fakeConn) HandleOffer(sdp string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteOffer = sdp
	return "answer-sdp", nil
}

func (c *fakeConn) HandleAnswer(sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteAnswer = sdp
	return nil
}

func (c *fakeConn) AddICECandidate(candidate string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(string)) {}

func (c *fakeConn) OnStateChange(fn func(ConnState)) {
	c.mu.Lock()
	c.stateFn = fn
	c.mu.Unlock()
}

func (c *fakeConn) ReplaceVideo(t Track) error {
	c.mu.Lock()
	c.video = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) fire(state ConnState) {
	c.mu.Lock()
	fn := c.stateFn
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

type fakeFactory struct {
	mu       sync.Mutex
	conns    []*fakeConn
	captures []Capture
}

func (f *fakeFactory) NewConn(capture Capture) (PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := &fakeConn{}
	f.conns = append(f.conns, conn)
	f.captures = append(f.captures, capture)
	return conn, nil
}

func (f *fakeFactory) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

type sentSignal struct {
	target  *uuid.UUID
	kind    models.SignalKind
	payload string
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
}

func (s *fakeSignaler) SendSignal(_ context.Context, _ string, target *uuid.UUID, kind models.SignalKind, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentSignal{target: target, kind: kind, payload: payload})
	return nil
}

func (s *fakeSignaler) all() []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentSignal, len(s.sent))
	copy(out, s.sent)
	return out
}

type statusCall struct {
	isMuted    *bool
	isVideoOff *bool
}

type fakeLifecycle struct {
	mu       sync.Mutex
	leftCall string
	statuses []statusCall
}

func (l *fakeLifecycle) LeaveCall(_ context.Context, callID string, _ uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leftCall = callID
	return nil
}

func (l *fakeLifecycle) UpdateParticipantStatus(_ context.Context, _ string, _ uuid.UUID, isMuted, isVideoOff *bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, statusCall{isMuted: isMuted, isVideoOff: isVideoOff})
	return nil
}

type testRig struct {
	ctrl      *Controller
	factory   *fakeFactory
	signaler  *fakeSignaler
	lifecycle *fakeLifecycle
	capture   *fakeCapture
	selfID    uuid.UUID
	creatorID uuid.UUID
}

func newTestRig(t *testing.T, selfIsCreator bool, timeout time.Duration) *testRig {
	t.Helper()
	self := uuid.New()
	creator := self
	if !selfIsCreator {
		creator = uuid.New()
	}
	r := &testRig{
		factory:   &fakeFactory{},
		signaler:  &fakeSignaler{},
		lifecycle: &fakeLifecycle{},
		capture:   newFakeCapture(),
		selfID:    self,
		creatorID: creator,
	}
	r.ctrl = NewController(ControllerConfig{
		CallID:             "call-1",
		SelfID:             self,
		CreatorID:          creator,
		Factory:            r.factory,
		Capture:            r.capture,
		Signaler:           r.signaler,
		Lifecycle:          r.lifecycle,
		NegotiationTimeout: timeout,
	})
	return r
}

func waitEvent(t *testing.T, ctrl *Controller, timeout time.Duration) Event {
	t.Helper()
	select {
	case e := <-ctrl.Events():
		return e
	case <-time.After(timeout):
		t.Fatal("timed out waiting for controller event")
		return Event{}
	}
}

func TestCreatorInitiatesOffer(t *testing.T) {
	r := newTestRig(t, true, time.Minute)
	peer := uuid.New()

	require.NoError(t, r.ctrl.PeerJoined(context.Background(), peer))

	sent := r.signaler.all()
	require.Len(t, sent, 1)
	assert.Equal(t, models.SignalOffer, sent[0].kind)
	require.NotNil(t, sent[0].target)
	assert.Equal(t, peer, *sent[0].target)
	assert.Equal(t, "offer-sdp", sent[0].payload)
	assert.Equal(t, "negotiating", r.ctrl.SessionPhase(peer))
}

func TestNonCreatorWaitsForCreatorOffer(t *testing.T) {
	r := newTestRig(t, false, time.Minute)

	require.NoError(t, r.ctrl.PeerJoined(context.Background(), r.creatorID))

	assert.Empty(t, r.signaler.all())
	assert.Equal(t, "idle", r.ctrl.SessionPhase(r.creatorID))
}

func TestTieBreakBetweenNonCreators(t *testing.T) {
	r := newTestRig(t, false, time.Minute)

	smaller := r.selfID
	larger := r.selfID
	for smaller.String() >= larger.String() || larger == r.creatorID {
		larger = uuid.New()
	}

	// Local id sorts before the remote: local side initiates.
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), larger))
	require.Len(t, r.signaler.all(), 1)
	assert.Equal(t, models.SignalOffer, r.signaler.all()[0].kind)
}

func TestAnswersIncomingOffer(t *testing.T) {
	r := newTestRig(t, false, time.Minute)

	require.NoError(t, r.ctrl.HandleSignal(context.Background(), r.creatorID, models.SignalOffer, "their-offer"))

	conn := r.factory.last()
	assert.Equal(t, "their-offer", conn.remoteOffer)
	sent := r.signaler.all()
	require.Len(t, sent, 1)
	assert.Equal(t, models.SignalAnswer, sent[0].kind)
	require.NotNil(t, sent[0].target)
	assert.Equal(t, r.creatorID, *sent[0].target)
	assert.Equal(t, "negotiating", r.ctrl.SessionPhase(r.creatorID))
}

func TestAnswerThenConnected(t *testing.T) {
	r := newTestRig(t, true, time.Minute)
	peer := uuid.New()
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), peer))

	require.NoError(t, r.ctrl.HandleSignal(context.Background(), peer, models.SignalAnswer, "their-answer"))
	conn := r.factory.last()
	assert.Equal(t, "their-answer", conn.remoteAnswer)
	assert.Equal(t, "negotiating", r.ctrl.SessionPhase(peer))

	conn.fire(ConnStateConnected)
	assert.Equal(t, "connected", r.ctrl.SessionPhase(peer))
	e := waitEvent(t, r.ctrl, time.Second)
	assert.Equal(t, EventPeerConnected, e.Kind)
	assert.Equal(t, peer, e.PeerID)
}

func TestStaleAnswerIgnored(t *testing.T) {
	r := newTestRig(t, false, time.Minute)
	peer := uuid.New()

	require.NoError(t, r.ctrl.HandleSignal(context.Background(), peer, models.SignalAnswer, "orphan"))
	assert.Empty(t, r.factory.conns)
}

func TestCandidateBufferedUntilOffer(t *testing.T) {
	r := newTestRig(t, false, time.Minute)

	require.NoError(t, r.ctrl.HandleSignal(context.Background(), r.creatorID, models.SignalICECandidate, "cand-1"))
	assert.Empty(t, r.factory.conns)

	require.NoError(t, r.ctrl.HandleSignal(context.Background(), r.creatorID, models.SignalOffer, "their-offer"))
	conn := r.factory.last()
	assert.Equal(t, []string{"cand-1"}, conn.candidates)
}

func TestCandidateAppliedToLiveSession(t *testing.T) {
	r := newTestRig(t, true, time.Minute)
	peer := uuid.New()
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), peer))

	require.NoError(t, r.ctrl.HandleSignal(context.Background(), peer, models.SignalICECandidate, "cand-2"))
	assert.Equal(t, []string{"cand-2"}, r.factory.last().candidates)
}

func TestGlareOfferDroppedByInitiator(t *testing.T) {
	r := newTestRig(t, true, time.Minute)
	peer := uuid.New()
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), peer))
	initial := r.factory.last()

	// Both sides offered at once; the creator wins and keeps its session.
	require.NoError(t, r.ctrl.HandleSignal(context.Background(), peer, models.SignalOffer, "their-offer"))

	require.Len(t, r.factory.conns, 1)
	assert.False(t, initial.closed)
	require.Len(t, r.signaler.all(), 1)
	assert.Equal(t, models.SignalOffer, r.signaler.all()[0].kind)
}

func TestRenegotiationOfferReplacesResponderSession(t *testing.T) {
	r := newTestRig(t, false, time.Minute)

	require.NoError(t, r.ctrl.HandleSignal(context.Background(), r.creatorID, models.SignalOffer, "offer-1"))
	first := r.factory.last()

	require.NoError(t, r.ctrl.HandleSignal(context.Background(), r.creatorID, models.SignalOffer, "offer-2"))
	second := r.factory.last()

	assert.True(t, first.closed)
	assert.Equal(t, "offer-2", second.remoteOffer)
	require.Len(t, r.factory.conns, 2)
}

func TestNegotiationTimeoutIsContained(t *testing.T) {
	r := newTestRig(t, true, 30*time.Millisecond)
	stuck := uuid.New()
	healthy := uuid.New()

	require.NoError(t, r.ctrl.PeerJoined(context.Background(), stuck))
	stuckConn := r.factory.last()
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), healthy))
	r.factory.last().fire(ConnStateConnected)

	e := waitEvent(t, r.ctrl, time.Second)
	assert.Equal(t, EventPeerConnected, e.Kind)

	e = waitEvent(t, r.ctrl, time.Second)
	assert.Equal(t, EventPeerFailed, e.Kind)
	assert.Equal(t, stuck, e.PeerID)
	assert.Equal(t, "negotiation timeout", e.Reason)
	assert.True(t, stuckConn.closed)

	// The rest of the mesh keeps going.
	assert.Equal(t, "connected", r.ctrl.SessionPhase(healthy))
	assert.Equal(t, "idle", r.ctrl.SessionPhase(stuck))
}

func TestTransportFailureClosesOnlyThatPeer(t *testing.T) {
	r := newTestRig(t, true, time.Minute)
	a, b := uuid.New(), uuid.New()
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), a))
	connA := r.factory.last()
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), b))
	connB := r.factory.last()

	connA.fire(ConnStateFailed)

	e := waitEvent(t, r.ctrl, time.Second)
	assert.Equal(t, EventPeerFailed, e.Kind)
	assert.Equal(t, a, e.PeerID)
	assert.True(t, connA.closed)
	assert.False(t, connB.closed)
	assert.Equal(t, "negotiating", r.ctrl.SessionPhase(b))
}

func TestPeerLeftClosesSession(t *testing.T) {
	r := newTestRig(t, true, time.Minute)
	peer := uuid.New()
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), peer))
	conn := r.factory.last()

	r.ctrl.PeerLeft(peer)

	assert.True(t, conn.closed)
	assert.Equal(t, "idle", r.ctrl.SessionPhase(peer))
	e := waitEvent(t, r.ctrl, time.Second)
	assert.Equal(t, EventPeerClosed, e.Kind)
}

func TestToggleMutePropagatesOnlyMuteFlag(t *testing.T) {
	r := newTestRig(t, true, time.Minute)

	muted, err := r.ctrl.ToggleMute(context.Background())
	require.NoError(t, err)
	assert.True(t, muted)
	assert.False(t, r.capture.audioEnabled)
	assert.True(t, r.capture.videoEnabled)

	require.Len(t, r.lifecycle.statuses, 1)
	call := r.lifecycle.statuses[0]
	require.NotNil(t, call.isMuted)
	assert.True(t, *call.isMuted)
	assert.Nil(t, call.isVideoOff)

	muted, err = r.ctrl.ToggleMute(context.Background())
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, r.capture.audioEnabled)
}

func TestToggleVideoPropagatesOnlyVideoFlag(t *testing.T) {
	r := newTestRig(t, true, time.Minute)

	videoOff, err := r.ctrl.ToggleVideo(context.Background())
	require.NoError(t, err)
	assert.True(t, videoOff)
	assert.False(t, r.capture.videoEnabled)
	assert.True(t, r.capture.audioEnabled)

	require.Len(t, r.lifecycle.statuses, 1)
	call := r.lifecycle.statuses[0]
	assert.Nil(t, call.isMuted)
	require.NotNil(t, call.isVideoOff)
	assert.True(t, *call.isVideoOff)
}

func TestScreenShareSwapsTrackOnEverySession(t *testing.T) {
	r := newTestRig(t, true, time.Minute)
	a, b := uuid.New(), uuid.New()
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), a))
	connA := r.factory.conns[0]
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), b))
	connB := r.factory.conns[1]

	require.NoError(t, r.ctrl.StartScreenShare())
	assert.Same(t, r.capture.screen, connA.video)
	assert.Same(t, r.capture.screen, connB.video)

	require.NoError(t, r.ctrl.StopScreenShare())
	assert.Same(t, r.capture.video, connA.video)
	assert.Same(t, r.capture.video, connB.video)

	// No renegotiation happened: only the two initial offers were signaled.
	for _, s := range r.signaler.all() {
		assert.Equal(t, models.SignalOffer, s.kind)
	}
}

func TestScreenShareDeniedSurfacesError(t *testing.T) {
	r := newTestRig(t, true, time.Minute)
	r.capture.screenErr = ErrMediaUnavailable

	err := r.ctrl.StartScreenShare()
	assert.ErrorIs(t, err, ErrMediaUnavailable)
}

func TestLeaveReleasesEverything(t *testing.T) {
	r := newTestRig(t, true, time.Minute)
	peer := uuid.New()
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), peer))
	conn := r.factory.last()

	require.NoError(t, r.ctrl.Leave(context.Background()))

	assert.True(t, conn.closed)
	assert.True(t, r.capture.closed)
	assert.Equal(t, "call-1", r.lifecycle.leftCall)
	assert.Equal(t, "idle", r.ctrl.SessionPhase(peer))
}

func TestCallEndedTearsDownWithoutLeaving(t *testing.T) {
	r := newTestRig(t, true, time.Minute)
	peer := uuid.New()
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), peer))
	conn := r.factory.last()

	r.ctrl.CallEnded()

	assert.True(t, conn.closed)
	assert.True(t, r.capture.closed)
	assert.Empty(t, r.lifecycle.leftCall)

	// Terminal: later discovery is ignored.
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), uuid.New()))
	require.Len(t, r.factory.conns, 1)
}

func TestObservationOnlyJoinWithoutCapture(t *testing.T) {
	self := uuid.New()
	factory := &fakeFactory{}
	signaler := &fakeSignaler{}
	lifecycle := &fakeLifecycle{}
	ctrl := NewController(ControllerConfig{
		CallID:    "call-1",
		SelfID:    self,
		CreatorID: self,
		Factory:   factory,
		Capture:   nil,
		Signaler:  signaler,
		Lifecycle: lifecycle,
	})

	require.NoError(t, ctrl.PeerJoined(context.Background(), uuid.New()))
	require.Len(t, factory.captures, 1)
	assert.Nil(t, factory.captures[0])

	_, err := ctrl.ToggleMute(context.Background())
	assert.ErrorIs(t, err, ErrMediaUnavailable)
	_, err = ctrl.ToggleVideo(context.Background())
	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.ErrorIs(t, ctrl.StartScreenShare(), ErrMediaUnavailable)
}

func TestOwnSignalsIgnored(t *testing.T) {
	r := newTestRig(t, true, time.Minute)

	require.NoError(t, r.ctrl.HandleSignal(context.Background(), r.selfID, models.SignalOffer, "echo"))
	assert.Empty(t, r.factory.conns)
	require.NoError(t, r.ctrl.PeerJoined(context.Background(), r.selfID))
	assert.Empty(t, r.factory.conns)
}
