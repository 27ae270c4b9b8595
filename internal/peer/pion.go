package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// PionFactory creates pion-backed peer connections with the given ICE
// (STUN/TURN) configuration.
type PionFactory struct {
	cfg webrtc.Configuration
}

// NewPionFactory creates a factory from STUN/TURN URLs.
func NewPionFactory(iceURLs []string) *PionFactory {
	cfg := webrtc.Configuration{}
	for _, u := range iceURLs {
		if u != "" {
			cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return &PionFactory{cfg: cfg}
}

var _ ConnFactory = (*PionFactory)(nil)

// NewConn implements ConnFactory.
func (f *PionFactory) NewConn(capture Capture) (PeerConn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}

	conn := &pionConn{pc: pc}
	if capture != nil {
		for _, t := range []Track{capture.AudioTrack(), capture.VideoTrack()} {
			st, ok := t.(*SampleTrack)
			if !ok || st == nil {
				continue
			}
			sender, err := pc.AddTrack(st.local)
			if err != nil {
				_ = pc.Close()
				return nil, err
			}
			if t.Kind() == "video" {
				conn.videoSender = sender
			}
		}
	}
	return conn, nil
}

// pionConn adapts *webrtc.PeerConnection to PeerConn. Remote ICE candidates
// arriving before the remote description are buffered and flushed afterwards.
type pionConn struct {
	pc          *webrtc.PeerConnection
	videoSender *webrtc.RTPSender

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func (c *pionConn) CreateOffer() (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return marshalDescription(offer)
}

func (c *pionConn) HandleOffer(sdp string) (string, error) {
	desc, err := unmarshalDescription(sdp)
	if err != nil {
		return "", err
	}
	if err := c.setRemote(desc); err != nil {
		return "", err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return marshalDescription(answer)
}

func (c *pionConn) HandleAnswer(sdp string) error {
	desc, err := unmarshalDescription(sdp)
	if err != nil {
		return err
	}
	return c.setRemote(desc)
}

func (c *pionConn) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			return err
		}
	}
	return nil
}

func (c *pionConn) AddICECandidate(candidate string) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(cand)
}

func (c *pionConn) OnICECandidate(fn func(candidate string)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		fn(string(b))
	})
}

func (c *pionConn) OnStateChange(fn func(state ConnState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			fn(ConnStateConnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			fn(ConnStateFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(ConnStateClosed)
		}
	})
}

func (c *pionConn) ReplaceVideo(t Track) error {
	if c.videoSender == nil {
		return errors.New("connection has no video sender")
	}
	st, ok := t.(*SampleTrack)
	if !ok {
		return errors.New("track is not a pion sample track")
	}
	return c.videoSender.ReplaceTrack(st.local)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

func marshalDescription(d webrtc.SessionDescription) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalDescription(s string) (webrtc.SessionDescription, error) {
	var d webrtc.SessionDescription
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return d, fmt.Errorf("decode description: %w", err)
	}
	return d, nil
}

// SampleTrack is one pion sample track with an enable gate. Disabled tracks
// drop writes, which reads as silence/frozen video on the remote side without
// any renegotiation.
type SampleTrack struct {
	local   *webrtc.TrackLocalStaticSample
	mu      sync.Mutex
	enabled bool
}

// Kind implements Track.
func (t *SampleTrack) Kind() string {
	return t.local.Kind().String()
}

// WriteSample forwards a media sample to the track when enabled.
func (t *SampleTrack) WriteSample(s media.Sample) error {
	t.mu.Lock()
	enabled := t.enabled
	t.mu.Unlock()
	if !enabled {
		return nil
	}
	return t.local.WriteSample(s)
}

func (t *SampleTrack) setEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// SampleCapture is the pion-backed local media source: the caller pumps
// encoded samples in (from a device reader, ffmpeg pipe, etc.) and the capture
// fans them out to whatever peer connections carry its tracks.
type SampleCapture struct {
	audio  *SampleTrack
	video  *SampleTrack
	mu     sync.Mutex
	screen *SampleTrack
}

// NewSampleCapture creates a capture with one opus audio and one VP8 video track.
func NewSampleCapture() (*SampleCapture, error) {
	streamID := uuid.New().String()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, ErrMediaUnavailable
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, ErrMediaUnavailable
	}
	return &SampleCapture{
		audio: &SampleTrack{local: audio, enabled: true},
		video: &SampleTrack{local: video, enabled: true},
	}, nil
}

var _ Capture = (*SampleCapture)(nil)

// AudioTrack implements Capture.
func (c *SampleCapture) AudioTrack() Track { return c.audio }

// VideoTrack implements Capture.
func (c *SampleCapture) VideoTrack() Track { return c.video }

// ScreenTrack implements Capture, creating the screen track on first use.
func (c *SampleCapture) ScreenTrack() (Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.screen != nil {
		return c.screen, nil
	}
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", uuid.New().String())
	if err != nil {
		return nil, ErrMediaUnavailable
	}
	c.screen = &SampleTrack{local: local, enabled: true}
	return c.screen, nil
}

// SetAudioEnabled implements Capture.
func (c *SampleCapture) SetAudioEnabled(enabled bool) { c.audio.setEnabled(enabled) }

// SetVideoEnabled implements Capture.
func (c *SampleCapture) SetVideoEnabled(enabled bool) { c.video.setEnabled(enabled) }

// Close implements Capture. Sample tracks hold no OS resources; the sample
// producer owns the device and stops pumping when the capture closes.
func (c *SampleCapture) Close() {
	c.SetAudioEnabled(false)
	c.SetVideoEnabled(false)
}

// WriteAudio pumps one encoded audio sample to the capture.
func (c *SampleCapture) WriteAudio(s media.Sample) error { return c.audio.WriteSample(s) }

// WriteVideo pumps one encoded video frame to the capture.
func (c *SampleCapture) WriteVideo(s media.Sample) error { return c.video.WriteSample(s) }
