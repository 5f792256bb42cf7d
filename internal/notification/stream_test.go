package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-booking/internal/apperr"
)

func TestStreamReplaysThenGoesLive(t *testing.T) {
	store := NewMemoryStore()
	hub := NewHub(16)
	svc := NewService(store, NewLocalBroker(hub), nil)
	streamer := NewStreamer(store, hub)
	user := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := svc.Emit(ctx, Event{RecipientID: user, Kind: KindCustom})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var got []int64
	errc := make(chan error, 1)
	go func() {
		errc <- streamer.Stream(ctx, StreamOptions{
			RecipientID: user,
			SinceID:     1,
			OnEvent: func(ev Event) error {
				mu.Lock()
				got = append(got, ev.ID)
				mu.Unlock()
				return nil
			},
		})
	}()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)
	_, err := svc.Emit(ctx, Event{RecipientID: user, Kind: KindCustom})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, []int64{2, 3, 4}, got)
	assert.Equal(t, 0, hub.Count())
}

func TestStreamStopsOnCallbackError(t *testing.T) {
	store := NewMemoryStore()
	hub := NewHub(4)
	user := uuid.New()
	_, err := store.Insert(context.Background(), Event{RecipientID: user})
	require.NoError(t, err)

	boom := errors.New("client gone")
	err = NewStreamer(store, hub).Stream(context.Background(), StreamOptions{
		RecipientID: user,
		OnEvent:     func(Event) error { return boom },
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, hub.Count())
}

func TestStreamDeliversLiveEventsOutOfIDOrder(t *testing.T) {
	store := NewMemoryStore()
	hub := NewHub(16)
	user := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replayed, err := store.Insert(ctx, Event{RecipientID: user, Kind: KindCustom})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []int64
	errc := make(chan error, 1)
	go func() {
		errc <- NewStreamer(store, hub).Stream(ctx, StreamOptions{
			RecipientID: user,
			OnEvent: func(ev Event) error {
				mu.Lock()
				got = append(got, ev.ID)
				mu.Unlock()
				return nil
			},
		})
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hub.Count() == 1 && len(got) == 1
	}, time.Second, 5*time.Millisecond)

	// Two instances committed ids 2 and 3; the later one reached the hub first.
	e2, err := store.Insert(ctx, Event{RecipientID: user, Kind: KindCustom})
	require.NoError(t, err)
	e3, err := store.Insert(ctx, Event{RecipientID: user, Kind: KindCustom})
	require.NoError(t, err)
	hub.Publish(e3)
	hub.Publish(replayed)
	hub.Publish(e2)
	hub.Publish(e3)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{replayed.ID, e3.ID, e2.ID}, got)
}

func TestSeenIDsForgetsOldest(t *testing.T) {
	seen := newSeenIDs(2)
	seen.add(1)
	seen.add(2)
	seen.add(2)
	assert.True(t, seen.has(1))

	seen.add(3)
	assert.False(t, seen.has(1))
	assert.True(t, seen.has(2))
	assert.True(t, seen.has(3))
}

func writeSSE(w http.ResponseWriter, ev Event) {
	fmt.Fprintf(w, "id: %d\nevent: notification\ndata: {\"id\":%d,\"kind\":\"custom\",\"message\":\"m%d\"}\n\n", ev.ID, ev.ID, ev.ID)
	w.(http.Flusher).Flush()
}

func TestFollowResumesFromLastEventID(t *testing.T) {
	var connects int32
	var secondLastID atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		switch atomic.AddInt32(&connects, 1) {
		case 1:
			writeSSE(w, Event{ID: 1})
			fmt.Fprint(w, ": ping\n\n")
			writeSSE(w, Event{ID: 2})
		default:
			secondLastID.Store(r.Header.Get("Last-Event-ID"))
			writeSSE(w, Event{ID: 3})
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []int64
	err := Follow(ctx, FollowConfig{
		URL:        srv.URL,
		Token:      "tok",
		MinBackoff: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	}, func(ev Event) error {
		got = append(got, ev.ID)
		if ev.ID == 3 {
			cancel()
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, "2", secondLastID.Load())
}

func TestFollowStopsOnUnauthorized(t *testing.T) {
	var connects int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connects, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := Follow(context.Background(), FollowConfig{URL: srv.URL, MinBackoff: time.Millisecond}, func(Event) error {
		return nil
	})

	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&connects))
}

func TestFollowHandlerErrorStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, Event{ID: 7})
		<-r.Context().Done()
	}))
	defer srv.Close()

	boom := errors.New("stop")
	err := Follow(context.Background(), FollowConfig{URL: srv.URL}, func(Event) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestFollowCancelWhileBackingOff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Follow(ctx, FollowConfig{URL: srv.URL, MinBackoff: time.Second, MaxBackoff: time.Second}, func(Event) error {
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
