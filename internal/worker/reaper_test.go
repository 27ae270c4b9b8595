package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsechat/backend/internal/calls"
	"github.com/pulsechat/backend/internal/models"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events map[string][]string // callID -> events
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{events: make(map[string][]string)}
}

func (b *recordingBroadcaster) BroadcastToCallAndPublish(callID string, event string, _ interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[callID] = append(b.events[callID], event)
}

func newRoom() uuid.UUID { return uuid.New() }

func TestSweepEndsAbandonedCalls(t *testing.T) {
	store := calls.NewMemoryStore()
	manager := calls.NewManager(store, store, zap.NewNop())
	events := newRecordingBroadcaster()
	reaper := NewReaper(manager, events, zap.NewNop(), time.Minute, 10*time.Millisecond)

	ctx := context.Background()
	alice := store.AddUser("Alice")
	bob := store.AddUser("Bob")

	abandoned, err := manager.CreateCall(ctx, newRoom(), models.CallKindVideo, alice, "")
	require.NoError(t, err)
	require.NoError(t, manager.LeaveCall(ctx, abandoned.ID, alice))

	occupied, err := manager.CreateCall(ctx, newRoom(), models.CallKindVideo, bob, "")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, reaper.Sweep(ctx))

	got, err := manager.GetCall(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStateEnded, got.State)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, []string{"call_ended"}, events.events[abandoned.ID])

	got, err = manager.GetCall(ctx, occupied.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStateActive, got.State)
	assert.Empty(t, events.events[occupied.ID])
}

func TestSweepRespectsGracePeriod(t *testing.T) {
	store := calls.NewMemoryStore()
	manager := calls.NewManager(store, store, zap.NewNop())
	reaper := NewReaper(manager, nil, zap.NewNop(), time.Minute, time.Hour)

	ctx := context.Background()
	alice := store.AddUser("Alice")
	call, err := manager.CreateCall(ctx, newRoom(), models.CallKindAudio, alice, "")
	require.NoError(t, err)
	require.NoError(t, manager.LeaveCall(ctx, call.ID, alice))

	require.NoError(t, reaper.Sweep(ctx))

	got, err := manager.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStateActive, got.State)
}

func TestSweepIsIdempotent(t *testing.T) {
	store := calls.NewMemoryStore()
	manager := calls.NewManager(store, store, zap.NewNop())
	events := newRecordingBroadcaster()
	reaper := NewReaper(manager, events, zap.NewNop(), time.Minute, 0)

	ctx := context.Background()
	alice := store.AddUser("Alice")
	call, err := manager.CreateCall(ctx, newRoom(), models.CallKindVideo, alice, "")
	require.NoError(t, err)
	require.NoError(t, manager.LeaveCall(ctx, call.ID, alice))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, reaper.Sweep(ctx))
	require.NoError(t, reaper.Sweep(ctx))

	assert.Equal(t, []string{"call_ended"}, events.events[call.ID])
}
