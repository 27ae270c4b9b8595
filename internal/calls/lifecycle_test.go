package calls

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsechat/backend/internal/models"
)

func newTestManager(t *testing.T) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewManager(store, store, zap.NewNop()), store
}

func TestCreateCall_ConcurrentCreatesOneWinner(t *testing.T) {
	m, store := newTestManager(t)
	roomID := uuid.New()

	const n = 16
	creators := make([]uuid.UUID, n)
	for i := range creators {
		creators[i] = store.AddUser("user")
	}

	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(creator uuid.UUID) {
			defer wg.Done()
			_, err := m.CreateCall(context.Background(), roomID, models.CallKindVideo, creator, "")
			results <- err
		}(creators[i])
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		switch err {
		case nil:
			successes++
		case ErrActiveCallExists:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent create must win")
	assert.Equal(t, n-1, conflicts)
}

func TestCreateCall_SecondCallAfterEndAllowed(t *testing.T) {
	m, store := newTestManager(t)
	roomID := uuid.New()
	alice := store.AddUser("Alice")

	call, err := m.CreateCall(context.Background(), roomID, models.CallKindVideo, alice, "")
	require.NoError(t, err)

	_, err = m.CreateCall(context.Background(), roomID, models.CallKindVideo, alice, "")
	require.ErrorIs(t, err, ErrActiveCallExists)

	require.NoError(t, m.EndCall(context.Background(), call.ID, alice))

	_, err = m.CreateCall(context.Background(), roomID, models.CallKindVideo, alice, "")
	assert.NoError(t, err)
}

func TestCreateCall_InvalidKind(t *testing.T) {
	m, store := newTestManager(t)
	_, err := m.CreateCall(context.Background(), uuid.New(), models.CallKind("screen"), store.AddUser("A"), "")
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestJoinCall_EndedCallIsNotFound(t *testing.T) {
	m, store := newTestManager(t)
	alice := store.AddUser("Alice")
	bob := store.AddUser("Bob")

	call, err := m.CreateCall(context.Background(), uuid.New(), models.CallKindVideo, alice, "")
	require.NoError(t, err)
	require.NoError(t, m.EndCall(context.Background(), call.ID, alice))

	err = m.JoinCall(context.Background(), call.ID, bob)
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestJoinCall_ConcurrentWithEndNeverLeavesOpenParticipant(t *testing.T) {
	// End must be observably terminal even while joins race it: every join
	// either fails with NotFound or lands before the end and is swept by the
	// cascading close. An ended call with an open participant row means the
	// store let a join slip past the end.
	for i := 0; i < 50; i++ {
		m, store := newTestManager(t)
		alice := store.AddUser("Alice")
		bob := store.AddUser("Bob")

		call, err := m.CreateCall(context.Background(), uuid.New(), models.CallKindVideo, alice, "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		joinErr := make(chan error, 1)
		endErr := make(chan error, 1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			joinErr <- m.JoinCall(context.Background(), call.ID, bob)
		}()
		go func() {
			defer wg.Done()
			endErr <- m.EndCall(context.Background(), call.ID, alice)
		}()
		wg.Wait()

		require.NoError(t, <-endErr)
		if err := <-joinErr; err != nil {
			require.ErrorIs(t, err, ErrCallNotFound)
		}
		got, err := m.GetCall(context.Background(), call.ID)
		require.NoError(t, err)
		require.Equal(t, models.CallStateEnded, got.State)
		parts, err := store.Participants(context.Background(), call.ID)
		require.NoError(t, err)
		for _, p := range parts {
			require.NotNil(t, p.LeftAt, "participant %s still open on ended call", p.UserID)
		}
	}
}

func TestJoinCall_DuplicateJoinRejected(t *testing.T) {
	m, store := newTestManager(t)
	alice := store.AddUser("Alice")
	bob := store.AddUser("Bob")

	call, err := m.CreateCall(context.Background(), uuid.New(), models.CallKindVideo, alice, "")
	require.NoError(t, err)

	require.NoError(t, m.JoinCall(context.Background(), call.ID, bob))
	err = m.JoinCall(context.Background(), call.ID, bob)
	assert.ErrorIs(t, err, ErrAlreadyInCall)
}

func TestJoinCall_AudioCallDefaultsVideoOff(t *testing.T) {
	m, store := newTestManager(t)
	alice := store.AddUser("Alice")
	bob := store.AddUser("Bob")

	call, err := m.CreateCall(context.Background(), uuid.New(), models.CallKindAudio, alice, "")
	require.NoError(t, err)
	require.NoError(t, m.JoinCall(context.Background(), call.ID, bob))

	parts, err := store.OpenParticipants(context.Background(), call.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	for _, p := range parts {
		assert.True(t, p.IsVideoOff)
		assert.False(t, p.IsMuted)
	}
}

func TestLeaveCall_Idempotent(t *testing.T) {
	m, store := newTestManager(t)
	alice := store.AddUser("Alice")
	bob := store.AddUser("Bob")

	call, err := m.CreateCall(context.Background(), uuid.New(), models.CallKindVideo, alice, "")
	require.NoError(t, err)
	require.NoError(t, m.JoinCall(context.Background(), call.ID, bob))

	require.NoError(t, m.LeaveCall(context.Background(), call.ID, bob))
	firstLeave, err := store.Participants(context.Background(), call.ID)
	require.NoError(t, err)

	require.NoError(t, m.LeaveCall(context.Background(), call.ID, bob))
	secondLeave, err := store.Participants(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, firstLeave, secondLeave, "second leave must not mutate anything")
}

func TestEndCall_NonCreatorForbidden(t *testing.T) {
	m, store := newTestManager(t)
	alice := store.AddUser("Alice")
	bob := store.AddUser("Bob")

	call, err := m.CreateCall(context.Background(), uuid.New(), models.CallKindVideo, alice, "")
	require.NoError(t, err)
	require.NoError(t, m.JoinCall(context.Background(), call.ID, bob))

	err = m.EndCall(context.Background(), call.ID, bob)
	require.ErrorIs(t, err, ErrNotCreator)

	got, err := m.GetCall(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStateActive, got.State, "state must be unchanged after forbidden end")
}

func TestEndCall_ClosesAllOpenParticipants(t *testing.T) {
	m, store := newTestManager(t)
	alice := store.AddUser("Alice")
	bob := store.AddUser("Bob")

	call, err := m.CreateCall(context.Background(), uuid.New(), models.CallKindVideo, alice, "")
	require.NoError(t, err)
	require.NoError(t, m.JoinCall(context.Background(), call.ID, bob))
	require.NoError(t, m.EndCall(context.Background(), call.ID, alice))

	parts, err := store.Participants(context.Background(), call.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	for _, p := range parts {
		assert.NotNil(t, p.LeftAt, "every participant must be closed after endCall")
	}

	got, err := m.GetCall(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStateEnded, got.State)
	assert.NotNil(t, got.EndedAt)
}

func TestEndCall_MissingCallNotFound(t *testing.T) {
	m, store := newTestManager(t)
	err := m.EndCall(context.Background(), "no-such-call", store.AddUser("A"))
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestUpdateParticipantStatus_PartialUpdateIsolation(t *testing.T) {
	m, store := newTestManager(t)
	alice := store.AddUser("Alice")

	call, err := m.CreateCall(context.Background(), uuid.New(), models.CallKindVideo, alice, "")
	require.NoError(t, err)

	muted := true
	require.NoError(t, m.UpdateParticipantStatus(context.Background(), call.ID, alice, &muted, nil))

	parts, err := store.OpenParticipants(context.Background(), call.ID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.True(t, parts[0].IsMuted)
	assert.False(t, parts[0].IsVideoOff, "is_video_off must be untouched by a mute-only patch")

	videoOff := true
	require.NoError(t, m.UpdateParticipantStatus(context.Background(), call.ID, alice, nil, &videoOff))
	parts, err = store.OpenParticipants(context.Background(), call.ID)
	require.NoError(t, err)
	assert.True(t, parts[0].IsMuted, "is_muted must be untouched by a video-only patch")
	assert.True(t, parts[0].IsVideoOff)
}

func TestUpdateParticipantStatus_NotInCall(t *testing.T) {
	m, store := newTestManager(t)
	alice := store.AddUser("Alice")
	bob := store.AddUser("Bob")

	call, err := m.CreateCall(context.Background(), uuid.New(), models.CallKindVideo, alice, "")
	require.NoError(t, err)

	muted := true
	err = m.UpdateParticipantStatus(context.Background(), call.ID, bob, &muted, nil)
	assert.ErrorIs(t, err, ErrNotInCall)
}

func TestUpdateParticipantStatus_AfterEndFails(t *testing.T) {
	m, store := newTestManager(t)
	alice := store.AddUser("Alice")

	call, err := m.CreateCall(context.Background(), uuid.New(), models.CallKindVideo, alice, "")
	require.NoError(t, err)
	require.NoError(t, m.EndCall(context.Background(), call.ID, alice))

	muted := true
	err = m.UpdateParticipantStatus(context.Background(), call.ID, alice, &muted, nil)
	assert.ErrorIs(t, err, ErrNotInCall, "endCall must be observably terminal")
}

func TestActiveCall_Scenario(t *testing.T) {
	m, store := newTestManager(t)
	roomID := uuid.New()
	alice := store.AddUser("Alice")
	bob := store.AddUser("Bob")

	call, err := m.CreateCall(context.Background(), roomID, models.CallKindVideo, alice, "")
	require.NoError(t, err)

	summary, err := m.ActiveCall(context.Background(), roomID)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, call.ID, summary.CallID)
	assert.Equal(t, "Alice", summary.CreatorName)
	assert.Equal(t, 1, summary.ParticipantCount)

	require.NoError(t, m.JoinCall(context.Background(), call.ID, bob))
	summary, err = m.ActiveCall(context.Background(), roomID)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.ParticipantCount)

	require.NoError(t, m.EndCall(context.Background(), call.ID, alice))
	summary, err = m.ActiveCall(context.Background(), roomID)
	require.NoError(t, err)
	assert.Nil(t, summary)

	parts, err := store.Participants(context.Background(), call.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	for _, p := range parts {
		assert.NotNil(t, p.LeftAt)
	}
}

func TestActiveCall_DanglingCreatorHidden(t *testing.T) {
	m, _ := newTestManager(t)
	roomID := uuid.New()
	ghost := uuid.New() // never registered in the directory

	_, err := m.CreateCall(context.Background(), roomID, models.CallKindVideo, ghost, "")
	require.NoError(t, err)

	summary, err := m.ActiveCall(context.Background(), roomID)
	require.NoError(t, err)
	assert.Nil(t, summary, "a call with an unresolvable creator is not displayable")
}

func TestReapEmptyCalls(t *testing.T) {
	m, store := newTestManager(t)
	alice := store.AddUser("Alice")

	call, err := m.CreateCall(context.Background(), uuid.New(), models.CallKindVideo, alice, "")
	require.NoError(t, err)

	// Still populated: not reaped.
	ended, err := m.ReapEmptyCalls(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, ended)

	require.NoError(t, m.LeaveCall(context.Background(), call.ID, alice))

	// Inside the grace period: not reaped.
	ended, err = m.ReapEmptyCalls(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ended)

	// Grace elapsed: reaped and terminal.
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	ended, err = m.ReapEmptyCalls(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Len(t, ended, 1)

	got, err := m.GetCall(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStateEnded, got.State)
}
