package presence

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsechat/backend/internal/calls"
	"github.com/pulsechat/backend/internal/models"
)

func TestProjector_OpenParticipantsWithNames(t *testing.T) {
	store := calls.NewMemoryStore()
	manager := calls.NewManager(store, store, zap.NewNop())
	projector := NewProjector(store, store)

	alice := store.AddUser("Alice")
	bob := store.AddUser("Bob")

	call, err := manager.CreateCall(context.Background(), uuid.New(), models.CallKindVideo, alice, "")
	require.NoError(t, err)
	require.NoError(t, manager.JoinCall(context.Background(), call.ID, bob))

	muted := true
	require.NoError(t, manager.UpdateParticipantStatus(context.Background(), call.ID, bob, &muted, nil))

	views, err := projector.CallParticipants(context.Background(), call.ID, false)
	require.NoError(t, err)
	require.Len(t, views, 2)

	byName := map[string]models.ParticipantView{}
	for _, v := range views {
		byName[v.UserName] = v
	}
	assert.Contains(t, byName, "Alice")
	assert.Contains(t, byName, "Bob")
	assert.True(t, byName["Bob"].IsMuted)
	assert.False(t, byName["Bob"].IsVideoOff)
	assert.Nil(t, byName["Alice"].LeftAt)
}

func TestProjector_LeftParticipantsExcludedUnlessAsked(t *testing.T) {
	store := calls.NewMemoryStore()
	manager := calls.NewManager(store, store, zap.NewNop())
	projector := NewProjector(store, store)

	alice := store.AddUser("Alice")
	bob := store.AddUser("Bob")

	call, err := manager.CreateCall(context.Background(), uuid.New(), models.CallKindVideo, alice, "")
	require.NoError(t, err)
	require.NoError(t, manager.JoinCall(context.Background(), call.ID, bob))
	require.NoError(t, manager.LeaveCall(context.Background(), call.ID, bob))

	open, err := projector.CallParticipants(context.Background(), call.ID, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "Alice", open[0].UserName)

	all, err := projector.CallParticipants(context.Background(), call.ID, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestProjector_UnknownUserFallback(t *testing.T) {
	store := calls.NewMemoryStore()
	manager := calls.NewManager(store, store, zap.NewNop())
	projector := NewProjector(store, store)

	ghost := uuid.New() // not in the directory
	call, err := manager.CreateCall(context.Background(), uuid.New(), models.CallKindVideo, ghost, "")
	require.NoError(t, err)

	views, err := projector.CallParticipants(context.Background(), call.ID, false)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Unknown", views[0].UserName)
}
