package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubDeliversOnlyToRecipient(t *testing.T) {
	hub := NewHub(4)
	alice, bob := uuid.New(), uuid.New()
	subA := hub.Subscribe(alice)
	subB := hub.Subscribe(bob)
	defer subA.Close()
	defer subB.Close()

	hub.Publish(Event{ID: 1, RecipientID: alice, Kind: KindStatusChanged})

	assert.Equal(t, int64(1), recv(t, subA).ID)
	select {
	case ev := <-subB.Events():
		t.Fatalf("bob received %v", ev)
	default:
	}
}

func TestHubDropsLaggingSubscriberWithoutBlocking(t *testing.T) {
	hub := NewHub(2)
	user := uuid.New()
	slow := hub.Subscribe(user)
	fast := hub.Subscribe(user)

	var dropped []*Subscription
	hub.OnDrop(func(s *Subscription) { dropped = append(dropped, s) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 3; i++ {
			hub.Publish(Event{ID: i, RecipientID: user})
			if i <= 2 {
				// fast keeps up
				<-fast.Events()
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	<-slow.Done()
	assert.ErrorIs(t, slow.Err(), ErrSubscriberLagged)
	assert.Equal(t, []*Subscription{slow}, dropped)

	assert.NoError(t, fast.Err())
	assert.Equal(t, int64(3), recv(t, fast).ID)
	assert.Equal(t, 1, hub.Count())
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := NewHub(1)
	sub := hub.Subscribe(uuid.New())

	sub.Close()
	sub.Close()

	assert.ErrorIs(t, sub.Err(), ErrSubscriptionClosed)
	assert.Equal(t, 0, hub.Count())
}

func TestHubConcurrentSubscribePublish(t *testing.T) {
	hub := NewHub(8)
	user := uuid.New()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := hub.Subscribe(user)
			sub.Close()
		}()
		go func(id int64) {
			defer wg.Done()
			hub.Publish(Event{ID: id, RecipientID: user})
		}(int64(i))
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Count())
}

type failingBroker struct{}

func (failingBroker) Publish(context.Context, Event) error { return errors.New("redis down") }

func TestServiceEmitPersistsEvenWhenPublishFails(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, failingBroker{}, nil)
	user := uuid.New()

	saved, err := svc.Emit(context.Background(), Event{RecipientID: user, Kind: KindStatusChanged, Message: "approved"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.ID)
	assert.False(t, saved.Timestamp.IsZero())

	events, err := svc.List(context.Background(), user, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "approved", events[0].Message)
}

func TestServiceEmitOrderMatchesStreamOrder(t *testing.T) {
	store := NewMemoryStore()
	hub := NewHub(256)
	svc := NewService(store, NewLocalBroker(hub), nil)
	user := uuid.New()
	sub := hub.Subscribe(user)
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Emit(context.Background(), Event{RecipientID: user, Kind: KindCustom})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var prev int64
	for i := 0; i < 100; i++ {
		ev := recv(t, sub)
		assert.Greater(t, ev.ID, prev)
		prev = ev.ID
	}
}

func TestServiceReadState(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil, nil)
	user, other := uuid.New(), uuid.New()
	ctx := context.Background()

	first, err := svc.Emit(ctx, Event{RecipientID: user, Kind: KindCustom})
	require.NoError(t, err)
	_, err = svc.Emit(ctx, Event{RecipientID: user, Kind: KindCustom})
	require.NoError(t, err)

	n, err := svc.UnreadCount(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, svc.MarkRead(ctx, user, first.ID))
	err = svc.MarkRead(ctx, other, first.ID)
	assert.Error(t, err)

	marked, err := svc.MarkAllRead(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	n, err = svc.UnreadCount(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, n)
}
