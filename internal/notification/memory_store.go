package notification

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps events in process. Used by tests and by the api-server when
// running without Postgres-backed notifications.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(ctx context.Context, ev Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	ev.ID = s.nextID
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *MemoryStore) ListSince(ctx context.Context, recipientID uuid.UUID, sinceID int64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Event{}
	for _, ev := range s.events {
		if ev.RecipientID != recipientID || ev.ID <= sinceID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, recipientID uuid.UUID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.events {
		if s.events[i].ID == id && s.events[i].RecipientID == recipientID {
			s.events[i].Read = true
			return nil
		}
	}
	return ErrEventNotFound
}

func (s *MemoryStore) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for i := range s.events {
		if s.events[i].RecipientID == recipientID && !s.events[i].Read {
			s.events[i].Read = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, ev := range s.events {
		if ev.RecipientID == recipientID && !ev.Read {
			n++
		}
	}
	return n, nil
}
