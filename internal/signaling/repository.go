package signaling

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsechat/backend/internal/models"
)

// Repository is the PostgreSQL signal log.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a signal repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// Append inserts a signal.
func (r *Repository) Append(ctx context.Context, s *models.Signal) error {
	const q = `INSERT INTO signals (call_id, from_user_id, target_user_id, kind, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, q, s.CallID, s.FromUserID, s.TargetUserID, s.Kind, s.Payload).
		Scan(&s.ID, &s.CreatedAt)
}

// VisibleTo returns the user's visible slice of the call's signal log,
// most recent first.
func (r *Repository) VisibleTo(ctx context.Context, callID string, userID uuid.UUID, limit int) ([]models.Signal, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	const q = `SELECT id, call_id, from_user_id, target_user_id, kind, payload, created_at
		FROM signals
		WHERE call_id = $1 AND (from_user_id = $2 OR target_user_id = $2 OR target_user_id IS NULL)
		ORDER BY created_at DESC
		LIMIT $3`
	rows, err := r.pool.Query(ctx, q, callID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Signal
	for rows.Next() {
		var s models.Signal
		if err := rows.Scan(&s.ID, &s.CallID, &s.FromUserID, &s.TargetUserID, &s.Kind, &s.Payload, &s.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
