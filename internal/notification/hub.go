package notification

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrSubscriberLagged ends a subscription whose buffer filled up. The client reconnects
	// and replays from its last event ID.
	ErrSubscriberLagged = errors.New("subscriber fell behind and was dropped")

	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Subscription is one live stream for one recipient.
type Subscription struct {
	RecipientID uuid.UUID

	events chan Event
	done   chan struct{}
	once   sync.Once
	err    error
	hub    *Hub
}

// Events delivers live events. It is never closed; select on Done as well.
func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended, or nil while it is live.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s, ErrSubscriptionClosed)
}

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Hub fans events out to the live subscriptions of their recipient. Publishing never
// blocks: a subscriber whose buffer is full is dropped instead.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	buffer int
	onDrop func(*Subscription)
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// OnDrop registers a callback run when a lagging subscriber is dropped.
func (h *Hub) OnDrop(fn func(*Subscription)) {
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

func (h *Hub) Subscribe(recipientID uuid.UUID) *Subscription {
	sub := &Subscription{
		RecipientID: recipientID,
		events:      make(chan Event, h.buffer),
		done:        make(chan struct{}),
		hub:         h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[recipientID] == nil {
		h.subs[recipientID] = make(map[*Subscription]struct{})
	}
	h.subs[recipientID][sub] = struct{}{}
	return sub
}

// Publish delivers ev to every subscription of ev.RecipientID.
func (h *Hub) Publish(ev Event) {
	var lagged []*Subscription

	h.mu.RLock()
	for sub := range h.subs[ev.RecipientID] {
		select {
		case sub.events <- ev:
		default:
			lagged = append(lagged, sub)
		}
	}
	onDrop := h.onDrop
	h.mu.RUnlock()

	for _, sub := range lagged {
		if h.remove(sub, ErrSubscriberLagged) && onDrop != nil {
			onDrop(sub)
		}
	}
}

// remove reports whether sub was still registered.
func (h *Hub) remove(sub *Subscription, reason error) bool {
	h.mu.Lock()
	set, ok := h.subs[sub.RecipientID]
	_, present := set[sub]
	if ok && present {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.RecipientID)
		}
	}
	h.mu.Unlock()

	sub.end(reason)
	return present
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}
