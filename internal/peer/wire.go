package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulsechat/backend/internal/models"
)

// APIClient talks to the call server's HTTP API. It implements Signaler and
// Lifecycle so a Controller can run against a remote server the same way it
// runs against an in-process manager.
type APIClient struct {
	baseURL string
	token   string
	userID  uuid.UUID
	http    *http.Client
}

// NewAPIClient creates a client for the given server base URL
// (e.g. "http://localhost:8080/api/v1").
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

var (
	_ Signaler  = (*APIClient)(nil)
	_ Lifecycle = (*APIClient)(nil)
)

// envelope mirrors the server's response body.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (a *APIClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if !env.Success {
		return fmt.Errorf("%s %s: %s (status %d)", method, path, env.Error, resp.StatusCode)
	}
	if out != nil && env.Data != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

type tokenResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// Register creates an account and stores the session token.
func (a *APIClient) Register(ctx context.Context, email, password, displayName string) error {
	var tr tokenResponse
	err := a.do(ctx, http.MethodPost, "/auth/register", map[string]string{
		"email": email, "password": password, "display_name": displayName,
	}, &tr)
	if err != nil {
		return err
	}
	a.token, a.userID = tr.Token, tr.User.ID
	return nil
}

// Login authenticates and stores the session token.
func (a *APIClient) Login(ctx context.Context, email, password string) error {
	var tr tokenResponse
	err := a.do(ctx, http.MethodPost, "/auth/login", map[string]string{
		"email": email, "password": password,
	}, &tr)
	if err != nil {
		return err
	}
	a.token, a.userID = tr.Token, tr.User.ID
	return nil
}

// UserID returns the authenticated user's id (zero before login).
func (a *APIClient) UserID() uuid.UUID { return a.userID }

// Token returns the session JWT (used for the WebSocket feed).
func (a *APIClient) Token() string { return a.token }

// CreateCall starts a call in the room.
func (a *APIClient) CreateCall(ctx context.Context, roomID uuid.UUID, kind models.CallKind) (*models.Call, error) {
	var call models.Call
	err := a.do(ctx, http.MethodPost, "/rooms/"+roomID.String()+"/calls",
		map[string]string{"kind": string(kind)}, &call)
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// ActiveCall returns the room's active call summary, or nil when none.
func (a *APIClient) ActiveCall(ctx context.Context, roomID uuid.UUID) (*models.ActiveCallSummary, error) {
	var summary *models.ActiveCallSummary
	err := a.do(ctx, http.MethodGet, "/rooms/"+roomID.String()+"/active-call", nil, &summary)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// JoinCall joins an open call.
func (a *APIClient) JoinCall(ctx context.Context, callID string) error {
	return a.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(callID)+"/join", nil, nil)
}

// LeaveCall implements Lifecycle. The server derives the user from the token;
// the id argument exists to match the in-process manager signature.
func (a *APIClient) LeaveCall(ctx context.Context, callID string, _ uuid.UUID) error {
	return a.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(callID)+"/leave", nil, nil)
}

// EndCall ends a call (creator only).
func (a *APIClient) EndCall(ctx context.Context, callID string) error {
	return a.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(callID)+"/end", nil, nil)
}

// UpdateParticipantStatus implements Lifecycle.
func (a *APIClient) UpdateParticipantStatus(ctx context.Context, callID string, _ uuid.UUID, isMuted, isVideoOff *bool) error {
	return a.do(ctx, http.MethodPatch, "/calls/"+url.PathEscape(callID)+"/status", map[string]*bool{
		"is_muted": isMuted, "is_video_off": isVideoOff,
	}, nil)
}

// Participants returns the call's participant list.
func (a *APIClient) Participants(ctx context.Context, callID string) ([]models.ParticipantView, error) {
	var views []models.ParticipantView
	err := a.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(callID)+"/participants", nil, &views)
	return views, err
}

// SendSignal implements Signaler over POST /calls/:id/signals.
func (a *APIClient) SendSignal(ctx context.Context, callID string, target *uuid.UUID, kind models.SignalKind, payload string) error {
	body := map[string]interface{}{"kind": string(kind), "payload": payload}
	if target != nil {
		body["target_user_id"] = target.String()
	}
	return a.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(callID)+"/signals", body, nil)
}

// Signals polls the visible signal history (most recent first).
func (a *APIClient) Signals(ctx context.Context, callID string) ([]models.Signal, error) {
	var signals []models.Signal
	err := a.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(callID)+"/signals", nil, &signals)
	return signals, err
}

// wsEnvelope mirrors the server's WebSocket message frame.
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type participantEvent struct {
	CallID string    `json:"call_id"`
	UserID uuid.UUID `json:"user_id"`
}

// Feed attaches to the server's WebSocket event stream for one call and drives
// a Controller from it: relayed signals, membership changes, and call end.
type Feed struct {
	conn   *websocket.Conn
	ctrl   *Controller
	logger *zap.Logger
}

// DialFeed connects the event feed. serverURL is the ws endpoint
// (e.g. "ws://localhost:8080/ws").
func DialFeed(ctx context.Context, serverURL, callID, token string, ctrl *Controller, logger *zap.Logger) (*Feed, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("call_id", callID)
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{conn: conn, ctrl: ctrl, logger: logger}, nil
}

// Run reads the feed until the connection drops or the call ends. Each event
// is dispatched inline; negotiation work inside the controller is quick and
// per-peer failures never abort the loop.
func (f *Feed) Run(ctx context.Context) error {
	defer f.conn.Close()
	for {
		var msg wsEnvelope
		if err := f.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch msg.Event {
		case "signal":
			var s models.Signal
			if err := json.Unmarshal(msg.Data, &s); err != nil {
				continue
			}
			if err := f.ctrl.HandleSignal(ctx, s.FromUserID, s.Kind, s.Payload); err != nil {
				f.logger.Warn("handle signal", zap.String("from", s.FromUserID.String()), zap.Error(err))
			}
		case "participant_joined":
			var e participantEvent
			if err := json.Unmarshal(msg.Data, &e); err != nil {
				continue
			}
			if err := f.ctrl.PeerJoined(ctx, e.UserID); err != nil {
				f.logger.Warn("peer joined", zap.String("peer", e.UserID.String()), zap.Error(err))
			}
		case "participant_left":
			var e participantEvent
			if err := json.Unmarshal(msg.Data, &e); err != nil {
				continue
			}
			f.ctrl.PeerLeft(e.UserID)
		case "call_ended":
			f.ctrl.CallEnded()
			return nil
		}
	}
}

// Close drops the feed connection.
func (f *Feed) Close() error { return f.conn.Close() }
