package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	replayPage = 500
	// seenWindow bounds how many delivered ids a stream remembers for dedupe.
	seenWindow = 1024
)

// StreamOptions configure one client stream.
type StreamOptions struct {
	RecipientID uuid.UUID
	// SinceID is the last event the client has seen; 0 replays everything stored.
	SinceID     int64
	Heartbeat   time.Duration
	OnEvent     func(Event) error
	OnHeartbeat func() error
}

// Streamer joins stored backlog and live hub delivery into one gap-free, duplicate-free
// sequence per client.
type Streamer struct {
	store Store
	hub   *Hub
}

func NewStreamer(store Store, hub *Hub) *Streamer {
	return &Streamer{store: store, hub: hub}
}

// Stream blocks until ctx is done, the subscription is dropped, or a callback fails.
// It returns ctx.Err() on cancellation and ErrSubscriberLagged when the hub dropped it.
func (s *Streamer) Stream(ctx context.Context, opts StreamOptions) error {
	if opts.OnEvent == nil {
		return errors.New("stream: OnEvent is required")
	}

	// Subscribe before reading the backlog so nothing persisted in between is missed.
	sub := s.hub.Subscribe(opts.RecipientID)
	defer sub.Close()

	seen := newSeenIDs(seenWindow)
	last := opts.SinceID
	for {
		page, err := s.store.ListSince(ctx, opts.RecipientID, last, replayPage)
		if err != nil {
			return fmt.Errorf("replay notifications: %w", err)
		}
		for _, ev := range page {
			if err := opts.OnEvent(ev); err != nil {
				return err
			}
			seen.add(ev.ID)
			last = ev.ID
		}
		if len(page) < replayPage {
			break
		}
	}

	var beat <-chan time.Time
	if opts.Heartbeat > 0 && opts.OnHeartbeat != nil {
		ticker := time.NewTicker(opts.Heartbeat)
		defer ticker.Stop()
		beat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return sub.Err()
		case <-beat:
			if err := opts.OnHeartbeat(); err != nil {
				return err
			}
		case ev := <-sub.Events():
			// Live events can arrive out of id order when another instance published a
			// lower id late, so dedupe by id rather than by high-water mark.
			if ev.ID <= opts.SinceID || seen.has(ev.ID) {
				continue
			}
			if err := opts.OnEvent(ev); err != nil {
				return err
			}
			seen.add(ev.ID)
		}
	}
}

// seenIDs remembers the most recent delivered ids, forgetting the oldest past its limit.
type seenIDs struct {
	limit int
	ids   map[int64]struct{}
	order []int64
}

func newSeenIDs(limit int) *seenIDs {
	return &seenIDs{limit: limit, ids: make(map[int64]struct{})}
}

func (s *seenIDs) has(id int64) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *seenIDs) add(id int64) {
	if s.has(id) {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Streamer) Hub() *Hub {
	return s.hub
}
