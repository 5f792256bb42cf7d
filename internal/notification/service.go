package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-booking/internal/apperr"
)

// Service persists events and pushes them to live subscribers.
type Service struct {
	store  Store
	broker Broker
	log    *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*recipientLock
}

type recipientLock struct {
	mu   sync.Mutex
	refs int
}

func NewService(store Store, broker Broker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		broker: broker,
		log:    logger,
		now:    time.Now,
		locks:  make(map[uuid.UUID]*recipientLock),
	}
}

// Emit stores ev and then publishes it. Emits for the same recipient are serialized, so
// the order a stream observes is the order events were produced. A publish failure is
// logged only: the stored copy is still served by replay and the pull endpoint.
func (s *Service) Emit(ctx context.Context, ev Event) (Event, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}

	unlock := s.lockRecipient(ev.RecipientID)
	defer unlock()

	saved, err := s.store.Insert(ctx, ev)
	if err != nil {
		return Event{}, fmt.Errorf("persist notification: %w", err)
	}

	if s.broker != nil {
		if err := s.broker.Publish(ctx, saved); err != nil {
			s.log.Warn("notification publish failed",
				zap.Int64("event_id", saved.ID),
				zap.String("recipient_id", saved.RecipientID.String()),
				zap.Error(err),
			)
		}
	}
	return saved, nil
}

func (s *Service) lockRecipient(id uuid.UUID) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &recipientLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (s *Service) List(ctx context.Context, recipientID uuid.UUID, sinceID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if sinceID < 0 {
		sinceID = 0
	}
	events, err := s.store.ListSince(ctx, recipientID, sinceID, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "notifications temporarily unavailable")
	}
	return events, nil
}

func (s *Service) MarkRead(ctx context.Context, recipientID uuid.UUID, id int64) error {
	err := s.store.MarkRead(ctx, recipientID, id)
	switch {
	case errors.Is(err, ErrEventNotFound):
		return apperr.Wrap(err, apperr.KindNotFound, "notification not found")
	case err != nil:
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (s *Service) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	n, err := s.store.MarkAllRead(ctx, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return n, nil
}

func (s *Service) UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error) {
	n, err := s.store.UnreadCount(ctx, recipientID)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}
