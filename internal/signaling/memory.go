package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsechat/backend/internal/models"
)

// MemoryStore is an in-memory signal log for tests and single-process mode.
type MemoryStore struct {
	mu      sync.Mutex
	signals []models.Signal
	seq     int64
}

// NewMemoryStore creates an empty in-memory signal log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, sig *models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig.ID = uuid.New()
	// Monotonic per-store timestamps so read order is stable even when appends
	// land within the clock's resolution.
	s.seq++
	sig.CreatedAt = time.Now().Add(time.Duration(s.seq) * time.Nanosecond)
	s.signals = append(s.signals, *sig)
	return nil
}

// VisibleTo implements Store.
func (s *MemoryStore) VisibleTo(_ context.Context, callID string, userID uuid.UUID, limit int) ([]models.Signal, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.Signal
	for i := len(s.signals) - 1; i >= 0 && len(list) < limit; i-- {
		sig := s.signals[i]
		if sig.CallID != callID {
			continue
		}
		if sig.VisibleTo(userID) {
			list = append(list, sig)
		}
	}
	return list, nil
}
