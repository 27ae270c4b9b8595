package calls

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsechat/backend/internal/models"
)

const (
	constraintOneOpenCallPerRoom = "calls_one_open_per_room"
	constraintOneOpenParticipant = "call_participants_one_open"
)

// Repository is the PostgreSQL session store. The one-open-call-per-room and
// one-open-participant invariants are enforced by partial unique indexes, so
// check-then-insert races lose at the insert, not silently; joins additionally
// serialize against call end through a shared lock on the call row.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a call repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// CreateCall inserts the call and its creator participant in one transaction.
func (r *Repository) CreateCall(ctx context.Context, call *models.Call, creator *models.Participant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insertCall = `INSERT INTO calls (id, room_id, creator_id, kind, state, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, insertCall, call.ID, call.RoomID, call.CreatorID, call.Kind, call.State, call.StartedAt); err != nil {
		if isUniqueViolation(err, constraintOneOpenCallPerRoom) {
			return ErrActiveCallExists
		}
		return err
	}

	const insertParticipant = `INSERT INTO call_participants (call_id, user_id, joined_at, is_muted, is_video_off)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`
	if err := tx.QueryRow(ctx, insertParticipant, creator.CallID, creator.UserID, creator.JoinedAt, creator.IsMuted, creator.IsVideoOff).Scan(&creator.ID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetCall returns a call by id.
func (r *Repository) GetCall(ctx context.Context, callID string) (*models.Call, error) {
	const q = `SELECT id, room_id, creator_id, kind, state, started_at, ended_at FROM calls WHERE id = $1`
	var c models.Call
	err := r.pool.QueryRow(ctx, q, callID).Scan(&c.ID, &c.RoomID, &c.CreatorID, &c.Kind, &c.State, &c.StartedAt, &c.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ActiveCallByRoom returns the room's active call.
func (r *Repository) ActiveCallByRoom(ctx context.Context, roomID uuid.UUID) (*models.Call, error) {
	const q = `SELECT id, room_id, creator_id, kind, state, started_at, ended_at
		FROM calls WHERE room_id = $1 AND state = 'active'`
	var c models.Call
	err := r.pool.QueryRow(ctx, q, roomID).Scan(&c.ID, &c.RoomID, &c.CreatorID, &c.Kind, &c.State, &c.StartedAt, &c.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertParticipant adds an open participant row. The call row is locked
// shared first, which serializes the insert against EndCall's row update:
// either the end waits for this join to commit and its cascade closes the new
// row, or the join observes the ended state here and fails. A join concurrent
// with endCall can therefore never leave an open participant on an ended call.
func (r *Repository) InsertParticipant(ctx context.Context, p *models.Participant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const lockCall = `SELECT state FROM calls WHERE id = $1 FOR SHARE`
	var state models.CallState
	if err := tx.QueryRow(ctx, lockCall, p.CallID).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCallNotFound
		}
		return err
	}
	if !state.Open() {
		return ErrCallNotFound
	}

	const insert = `INSERT INTO call_participants (call_id, user_id, joined_at, is_muted, is_video_off)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`
	if err := tx.QueryRow(ctx, insert, p.CallID, p.UserID, p.JoinedAt, p.IsMuted, p.IsVideoOff).Scan(&p.ID); err != nil {
		if isUniqueViolation(err, constraintOneOpenParticipant) {
			return ErrAlreadyInCall
		}
		return err
	}
	return tx.Commit(ctx)
}

// CloseParticipant sets left_at on the user's open row.
func (r *Repository) CloseParticipant(ctx context.Context, callID string, userID uuid.UUID, at time.Time) (bool, error) {
	const q = `UPDATE call_participants SET left_at = $3 WHERE call_id = $1 AND user_id = $2 AND left_at IS NULL`
	tag, err := r.pool.Exec(ctx, q, callID, userID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// EndCall marks the call ended and closes all open participants transactionally.
func (r *Repository) EndCall(ctx context.Context, callID string, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const endCall = `UPDATE calls SET state = 'ended', ended_at = $2 WHERE id = $1 AND state <> 'ended'`
	if _, err := tx.Exec(ctx, endCall, callID, at); err != nil {
		return err
	}
	const closeAll = `UPDATE call_participants SET left_at = $2 WHERE call_id = $1 AND left_at IS NULL`
	if _, err := tx.Exec(ctx, closeAll, callID, at); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateParticipantStatus patches only the provided flags.
func (r *Repository) UpdateParticipantStatus(ctx context.Context, callID string, userID uuid.UUID, isMuted, isVideoOff *bool) (bool, error) {
	const q = `UPDATE call_participants
		SET is_muted = COALESCE($3, is_muted), is_video_off = COALESCE($4, is_video_off)
		WHERE call_id = $1 AND user_id = $2 AND left_at IS NULL`
	tag, err := r.pool.Exec(ctx, q, callID, userID, isMuted, isVideoOff)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Participants returns all participant rows for a call, oldest first.
func (r *Repository) Participants(ctx context.Context, callID string) ([]models.Participant, error) {
	const q = `SELECT id, call_id, user_id, joined_at, left_at, is_muted, is_video_off
		FROM call_participants WHERE call_id = $1 ORDER BY joined_at`
	return r.scanParticipants(ctx, q, callID)
}

// OpenParticipants returns currently open participant rows, oldest first.
func (r *Repository) OpenParticipants(ctx context.Context, callID string) ([]models.Participant, error) {
	const q = `SELECT id, call_id, user_id, joined_at, left_at, is_muted, is_video_off
		FROM call_participants WHERE call_id = $1 AND left_at IS NULL ORDER BY joined_at`
	return r.scanParticipants(ctx, q, callID)
}

// CountOpenParticipants returns the number of open participant rows.
func (r *Repository) CountOpenParticipants(ctx context.Context, callID string) (int, error) {
	const q = `SELECT COUNT(*) FROM call_participants WHERE call_id = $1 AND left_at IS NULL`
	var n int
	if err := r.pool.QueryRow(ctx, q, callID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// EmptyOpenCalls returns open calls abandoned before the cutoff.
func (r *Repository) EmptyOpenCalls(ctx context.Context, cutoff time.Time) ([]models.Call, error) {
	const q = `SELECT c.id, c.room_id, c.creator_id, c.kind, c.state, c.started_at, c.ended_at
		FROM calls c
		WHERE c.state IN ('waiting', 'active')
		AND NOT EXISTS (SELECT 1 FROM call_participants p WHERE p.call_id = c.id AND p.left_at IS NULL)
		AND COALESCE((SELECT MAX(p.left_at) FROM call_participants p WHERE p.call_id = c.id), c.started_at) < $1`
	rows, err := r.pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Call
	for rows.Next() {
		var c models.Call
		if err := rows.Scan(&c.ID, &c.RoomID, &c.CreatorID, &c.Kind, &c.State, &c.StartedAt, &c.EndedAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (r *Repository) scanParticipants(ctx context.Context, q, callID string) ([]models.Participant, error) {
	rows, err := r.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.CallID, &p.UserID, &p.JoinedAt, &p.LeftAt, &p.IsMuted, &p.IsVideoOff); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
	}
	return false
}
