package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsechat/backend/internal/models"
)

// MemoryStore is an in-memory session store with the same atomicity guarantees
// as the PostgreSQL repository, guarded by a single mutex. Used in tests and
// single-process development mode. It also acts as a user directory.
type MemoryStore struct {
	mu           sync.Mutex
	calls        map[string]*models.Call
	participants []*models.Participant
	users        map[uuid.UUID]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls: make(map[string]*models.Call),
		users: make(map[uuid.UUID]string),
	}
}

var _ Store = (*MemoryStore)(nil)
var _ UserDirectory = (*MemoryStore)(nil)

// AddUser registers a user and returns its id.
func (s *MemoryStore) AddUser(name string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.users[id] = name
	return id
}

// DisplayName implements UserDirectory.
func (s *MemoryStore) DisplayName(_ context.Context, id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.users[id]
	if !ok {
		return "", ErrCallNotFound
	}
	return name, nil
}

// CreateCall implements Store.
func (s *MemoryStore) CreateCall(_ context.Context, call *models.Call, creator *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.RoomID == call.RoomID && c.State.Open() {
			return ErrActiveCallExists
		}
	}
	cp := *call
	s.calls[call.ID] = &cp
	creator.ID = uuid.New()
	pp := *creator
	s.participants = append(s.participants, &pp)
	return nil
}

// GetCall implements Store.
func (s *MemoryStore) GetCall(_ context.Context, callID string) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	cp := *c
	return &cp, nil
}

// ActiveCallByRoom implements Store.
func (s *MemoryStore) ActiveCallByRoom(_ context.Context, roomID uuid.UUID) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.RoomID == roomID && c.State == models.CallStateActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrCallNotFound
}

// InsertParticipant implements Store.
func (s *MemoryStore) InsertParticipant(_ context.Context, p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[p.CallID]
	if !ok || !c.State.Open() {
		return ErrCallNotFound
	}
	for _, existing := range s.participants {
		if existing.CallID == p.CallID && existing.UserID == p.UserID && existing.LeftAt == nil {
			return ErrAlreadyInCall
		}
	}
	p.ID = uuid.New()
	pp := *p
	s.participants = append(s.participants, &pp)
	return nil
}

// CloseParticipant implements Store.
func (s *MemoryStore) CloseParticipant(_ context.Context, callID string, userID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.CallID == callID && p.UserID == userID && p.LeftAt == nil {
			t := at
			p.LeftAt = &t
			return true, nil
		}
	}
	return false, nil
}

// EndCall implements Store.
func (s *MemoryStore) EndCall(_ context.Context, callID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	if c.State == models.CallStateEnded {
		return nil
	}
	t := at
	c.State = models.CallStateEnded
	c.EndedAt = &t
	for _, p := range s.participants {
		if p.CallID == callID && p.LeftAt == nil {
			lt := at
			p.LeftAt = &lt
		}
	}
	return nil
}

// UpdateParticipantStatus implements Store.
func (s *MemoryStore) UpdateParticipantStatus(_ context.Context, callID string, userID uuid.UUID, isMuted, isVideoOff *bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.CallID == callID && p.UserID == userID && p.LeftAt == nil {
			if isMuted != nil {
				p.IsMuted = *isMuted
			}
			if isVideoOff != nil {
				p.IsVideoOff = *isVideoOff
			}
			return true, nil
		}
	}
	return false, nil
}

// Participants implements Store.
func (s *MemoryStore) Participants(_ context.Context, callID string) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(callID, false), nil
}

// OpenParticipants implements Store.
func (s *MemoryStore) OpenParticipants(_ context.Context, callID string) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(callID, true), nil
}

// CountOpenParticipants implements Store.
func (s *MemoryStore) CountOpenParticipants(_ context.Context, callID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.participants {
		if p.CallID == callID && p.LeftAt == nil {
			n++
		}
	}
	return n, nil
}

// EmptyOpenCalls implements Store.
func (s *MemoryStore) EmptyOpenCalls(_ context.Context, cutoff time.Time) ([]models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.Call
	for _, c := range s.calls {
		if !c.State.Open() {
			continue
		}
		last := c.StartedAt
		empty := true
		for _, p := range s.participants {
			if p.CallID != c.ID {
				continue
			}
			if p.LeftAt == nil {
				empty = false
				break
			}
			if p.LeftAt.After(last) {
				last = *p.LeftAt
			}
		}
		if empty && last.Before(cutoff) {
			list = append(list, *c)
		}
	}
	return list, nil
}

func (s *MemoryStore) collect(callID string, openOnly bool) []models.Participant {
	var list []models.Participant
	for _, p := range s.participants {
		if p.CallID != callID {
			continue
		}
		if openOnly && p.LeftAt != nil {
			continue
		}
		list = append(list, *p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].JoinedAt.Before(list[j].JoinedAt) })
	return list
}
