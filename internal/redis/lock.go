package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// Locker guards booking critical sections per key (a slot, or a patient's day at a doctor).
// Acquisition never waits: a held key fails fast with ErrLockNotAcquired.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

func SlotKey(doctorID uuid.UUID, date, at string) string {
	return fmt.Sprintf("lock:slot:%s:%s:%s", doctorID, date, at)
}

func PatientDayKey(patientID, doctorID uuid.UUID, date string) string {
	return fmt.Sprintf("lock:patient-day:%s:%s:%s", patientID, doctorID, date)
}

// PatientEventsKey orders a patient's committed transitions and their notifications.
func PatientEventsKey(patientID uuid.UUID) string {
	return fmt.Sprintf("lock:patient-events:%s", patientID)
}

// WithLockWait is WithLock for sections that must queue instead of failing: it retries
// every retry interval while the key is held, until ctx is done.
func WithLockWait(ctx context.Context, l Locker, key string, retry time.Duration, fn func(ctx context.Context) error) error {
	if retry <= 0 {
		retry = 10 * time.Millisecond
	}
	for {
		entered := false
		err := l.WithLock(ctx, key, func(ctx context.Context) error {
			entered = true
			return fn(ctx)
		})
		if entered || !errors.Is(err, ErrLockNotAcquired) {
			return err
		}

		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker creates a locker backed by SET NX keys with a TTL, so a crashed holder
// cannot wedge a slot for longer than ttl.
func NewRedisLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		// Release must run even if ctx was cancelled mid-section.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = l.release(releaseCtx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// LocalLocker is an in-process Locker for single-instance runs and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if _, busy := l.held[key]; busy {
		l.mu.Unlock()
		return ErrLockNotAcquired
	}
	l.held[key] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()

	return fn(ctx)
}
