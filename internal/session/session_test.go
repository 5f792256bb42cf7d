package session

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-booking/internal/apperr"
)

func TestGuardDirtyUntilCommitOrClear(t *testing.T) {
	g := NewGuard()
	assert.False(t, g.IsDirty())

	g.Touch(FieldDate)
	assert.True(t, g.IsDirty())
	g.Touch(FieldReason)
	assert.Equal(t, []Field{FieldDate, FieldReason}, g.Touched())

	g.Commit()
	assert.False(t, g.IsDirty())
	assert.Empty(t, g.Touched())

	g.Touch(FieldConsent)
	assert.True(t, g.IsDirty())
	g.Clear()
	assert.False(t, g.IsDirty())
}

func TestGuardSubscribeOnlyOnFlip(t *testing.T) {
	g := NewGuard()
	var got []bool
	cancel := g.Subscribe(func(dirty bool) { got = append(got, dirty) })

	g.Touch(FieldDate)
	g.Touch(FieldTime)
	g.Clear()
	g.Clear()
	assert.Equal(t, []bool{true, false}, got)

	cancel()
	cancel()
	g.Touch(FieldDate)
	assert.Equal(t, []bool{true, false}, got)
}

func TestGuardConcurrentTouch(t *testing.T) {
	g := NewGuard()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				g.Touch(FieldTime)
			} else {
				_ = g.IsDirty()
			}
		}(i)
	}
	wg.Wait()
	assert.True(t, g.IsDirty())
}

func TestGuardDeliversFlipsInOrderUnderContention(t *testing.T) {
	for round := 0; round < 20; round++ {
		g := NewGuard()
		var mu sync.Mutex
		var got []bool
		g.Subscribe(func(dirty bool) {
			mu.Lock()
			got = append(got, dirty)
			mu.Unlock()
		})

		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					g.Touch(FieldReason)
				} else {
					g.Clear()
				}
			}(i)
		}
		wg.Wait()

		mu.Lock()
		if len(got) == 0 {
			assert.False(t, g.IsDirty())
		} else {
			assert.True(t, got[0], "first flip is to dirty")
			for i := 1; i < len(got); i++ {
				require.NotEqual(t, got[i-1], got[i], "flip %d repeats the previous state", i)
			}
			assert.Equal(t, g.IsDirty(), got[len(got)-1], "last delivery matches the final state")
		}
		mu.Unlock()
	}
}

func TestParseField(t *testing.T) {
	f, err := ParseField(" Reason ")
	require.NoError(t, err)
	assert.Equal(t, FieldReason, f)

	_, err = ParseField("doctor")
	assert.Error(t, err)
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	owner := uuid.New()

	s := r.Create(owner)
	assert.False(t, s.Dirty)

	s, err := r.Touch(owner, s.ID, FieldDate)
	require.NoError(t, err)
	assert.True(t, s.Dirty)

	// Someone else's session reads as missing.
	_, err = r.Get(uuid.New(), s.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	g, err := r.Guard(owner, s.ID)
	require.NoError(t, err)
	require.NoError(t, r.Commit(owner, s.ID))
	assert.False(t, g.IsDirty())

	_, err = r.Get(owner, s.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(r.Discard(owner, s.ID)))
}

func TestRegistryDiscard(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	owner := uuid.New()
	s := r.Create(owner)
	_, err := r.Touch(owner, s.ID, FieldConsent)
	require.NoError(t, err)

	require.NoError(t, r.Discard(owner, s.ID))
	assert.Equal(t, 0, r.Len())
}

func TestRegistrySweep(t *testing.T) {
	r := NewRegistry(10*time.Minute, nil)
	now := time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	owner := uuid.New()

	stale := r.Create(owner)
	now = now.Add(8 * time.Minute)
	fresh := r.Create(owner)
	now = now.Add(5 * time.Minute)

	assert.Equal(t, 1, r.Sweep())
	_, err := r.Get(owner, stale.ID)
	assert.Error(t, err)
	_, err = r.Get(owner, fresh.ID)
	assert.NoError(t, err)
}
