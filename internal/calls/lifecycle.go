package calls

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsechat/backend/internal/models"
)

// Manager is the call lifecycle manager: the single place where call and
// participant invariants are enforced. All mutation of call state goes through
// it; nothing else writes the store directly.
type Manager struct {
	store  Store
	users  UserDirectory
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(store Store, users UserDirectory, logger *zap.Logger) *Manager {
	return &Manager{store: store, users: users, logger: logger, now: time.Now}
}

// CreateCall creates a call in the room and joins the creator. callID is the
// client-generated call identifier; when empty a fresh one is generated.
// Returns ErrActiveCallExists if the room already has an open call — under
// concurrent creation exactly one caller wins, arbitrated by the store.
func (m *Manager) CreateCall(ctx context.Context, roomID uuid.UUID, kind models.CallKind, creatorID uuid.UUID, callID string) (*models.Call, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	if callID == "" {
		callID = uuid.New().String()
	}
	now := m.now()
	call := &models.Call{
		ID:        callID,
		RoomID:    roomID,
		CreatorID: creatorID,
		Kind:      kind,
		State:     models.CallStateActive,
		StartedAt: now,
	}
	creator := &models.Participant{
		CallID:     callID,
		UserID:     creatorID,
		JoinedAt:   now,
		IsMuted:    false,
		IsVideoOff: kind == models.CallKindAudio,
	}
	if err := m.store.CreateCall(ctx, call, creator); err != nil {
		return nil, err
	}
	m.logger.Info("call created",
		zap.String("call_id", call.ID),
		zap.String("room_id", roomID.String()),
		zap.String("kind", string(kind)))
	return call, nil
}

// JoinCall adds the user to an open call. Returns ErrCallNotFound if the call
// does not exist or is no longer joinable, ErrAlreadyInCall if the user already
// has an open participant row.
func (m *Manager) JoinCall(ctx context.Context, callID string, userID uuid.UUID) error {
	call, err := m.store.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if !call.State.Open() {
		return ErrCallNotFound
	}
	p := &models.Participant{
		CallID:     callID,
		UserID:     userID,
		JoinedAt:   m.now(),
		IsMuted:    false,
		IsVideoOff: call.Kind == models.CallKindAudio,
	}
	if err := m.store.InsertParticipant(ctx, p); err != nil {
		return err
	}
	m.logger.Info("participant joined", zap.String("call_id", callID), zap.String("user_id", userID.String()))
	return nil
}

// LeaveCall closes the user's open participant row. Idempotent: leaving a call
// the user is not in is a no-op.
func (m *Manager) LeaveCall(ctx context.Context, callID string, userID uuid.UUID) error {
	closed, err := m.store.CloseParticipant(ctx, callID, userID, m.now())
	if err != nil {
		return err
	}
	if closed {
		m.logger.Info("participant left", zap.String("call_id", callID), zap.String("user_id", userID.String()))
	}
	return nil
}

// EndCall ends the call and closes every open participant row. Only the creator
// may end a call; ending an already ended call is a no-op.
func (m *Manager) EndCall(ctx context.Context, callID string, userID uuid.UUID) error {
	call, err := m.store.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.CreatorID != userID {
		return ErrNotCreator
	}
	if call.State == models.CallStateEnded {
		return nil
	}
	if err := m.store.EndCall(ctx, callID, m.now()); err != nil {
		return err
	}
	m.logger.Info("call ended", zap.String("call_id", callID))
	return nil
}

// EndCallBySystem ends a call without a creator check, for housekeeping
// (stale-call reaping). Same cascading close semantics as EndCall.
func (m *Manager) EndCallBySystem(ctx context.Context, callID string) error {
	if err := m.store.EndCall(ctx, callID, m.now()); err != nil {
		return err
	}
	m.logger.Info("call ended by system", zap.String("call_id", callID))
	return nil
}

// ActiveCall returns the room's active call summary, or nil if there is none or
// the creator can no longer be resolved to a display name.
func (m *Manager) ActiveCall(ctx context.Context, roomID uuid.UUID) (*models.ActiveCallSummary, error) {
	call, err := m.store.ActiveCallByRoom(ctx, roomID)
	if errors.Is(err, ErrCallNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	creatorName, err := m.users.DisplayName(ctx, call.CreatorID)
	if err != nil || creatorName == "" {
		// A dangling creator reference means there is nothing displayable.
		return nil, nil
	}
	count, err := m.store.CountOpenParticipants(ctx, call.ID)
	if err != nil {
		return nil, err
	}
	return &models.ActiveCallSummary{
		CallID:           call.ID,
		Kind:             call.Kind,
		StartedAt:        call.StartedAt,
		CreatorID:        call.CreatorID,
		CreatorName:      creatorName,
		ParticipantCount: count,
	}, nil
}

// UpdateParticipantStatus patches the user's mute/video flags, leaving omitted
// fields untouched. Returns ErrNotInCall if the user has no open row.
func (m *Manager) UpdateParticipantStatus(ctx context.Context, callID string, userID uuid.UUID, isMuted, isVideoOff *bool) error {
	if isMuted == nil && isVideoOff == nil {
		return nil
	}
	ok, err := m.store.UpdateParticipantStatus(ctx, callID, userID, isMuted, isVideoOff)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInCall
	}
	return nil
}

// GetCall returns a call by id.
func (m *Manager) GetCall(ctx context.Context, callID string) (*models.Call, error) {
	return m.store.GetCall(ctx, callID)
}

// ReapEmptyCalls ends open calls whose last participant left before the grace
// period. Returns the calls it ended.
func (m *Manager) ReapEmptyCalls(ctx context.Context, grace time.Duration) ([]models.Call, error) {
	stale, err := m.store.EmptyOpenCalls(ctx, m.now().Add(-grace))
	if err != nil {
		return nil, err
	}
	var ended []models.Call
	for _, c := range stale {
		if err := m.store.EndCall(ctx, c.ID, m.now()); err != nil {
			m.logger.Warn("reap call", zap.String("call_id", c.ID), zap.Error(err))
			continue
		}
		m.logger.Info("reaped empty call", zap.String("call_id", c.ID))
		ended = append(ended, c)
	}
	return ended, nil
}
