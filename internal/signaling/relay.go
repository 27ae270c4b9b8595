package signaling

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsechat/backend/internal/models"
)

// ErrInvalidKind means the signal kind is not offer, answer or ice-candidate.
var ErrInvalidKind = errors.New("invalid signal kind")

// Notifier pushes appended signals to connected clients. Directed signals go to
// the target only; broadcasts go to everyone in the call. Nil-safe.
type Notifier interface {
	BroadcastToCallAndPublish(callID string, event string, payload interface{})
	SendToUserAndPublish(callID string, userID uuid.UUID, event string, payload interface{})
}

// Relay stores and delivers negotiation messages. It is fire-and-forget: an
// append always succeeds regardless of whether anyone is listening; consumers
// that never read are handled by negotiation timeouts on the client side.
type Relay struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
}

// NewRelay creates a signaling relay.
func NewRelay(store Store, notifier Notifier, logger *zap.Logger) *Relay {
	return &Relay{store: store, notifier: notifier, logger: logger}
}

// Send appends a signal to the call's log and notifies live consumers.
// target nil means broadcast.
func (r *Relay) Send(ctx context.Context, callID string, from uuid.UUID, target *uuid.UUID, kind models.SignalKind, payload string) (*models.Signal, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	s := &models.Signal{
		CallID:       callID,
		FromUserID:   from,
		TargetUserID: target,
		Kind:         kind,
		Payload:      payload,
	}
	if err := r.store.Append(ctx, s); err != nil {
		return nil, err
	}
	r.notify(s)
	return s, nil
}

// SignalsFor returns the user's visible slice of the call's signal log,
// most recent first, capped at DefaultHistoryLimit.
func (r *Relay) SignalsFor(ctx context.Context, callID string, userID uuid.UUID) ([]models.Signal, error) {
	return r.store.VisibleTo(ctx, callID, userID, DefaultHistoryLimit)
}

func (r *Relay) notify(s *models.Signal) {
	if r.notifier == nil {
		return
	}
	if s.TargetUserID != nil {
		r.notifier.SendToUserAndPublish(s.CallID, *s.TargetUserID, "signal", s)
		// The sender sees its own echoed history on poll; no push back.
		return
	}
	r.notifier.BroadcastToCallAndPublish(s.CallID, "signal", s)
}
