package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-booking/internal/apperr"
)

var errSessionNotFound = apperr.New(apperr.KindNotFound, "booking session not found")

// State is a read-only view of one booking session.
type State struct {
	ID        uuid.UUID `json:"id"`
	Dirty     bool      `json:"dirty"`
	Touched   []Field   `json:"touched"`
	UpdatedAt time.Time `json:"updated_at"`
}

type entry struct {
	owner    uuid.UUID
	guard    *Guard
	lastSeen time.Time
}

// Registry holds the open booking sessions of every user. Sessions idle for longer than
// the idle TTL are swept.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*entry
	idleTTL  time.Duration
	now      func() time.Time
	log      *zap.Logger
}

func NewRegistry(idleTTL time.Duration, logger *zap.Logger) *Registry {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[uuid.UUID]*entry),
		idleTTL:  idleTTL,
		now:      time.Now,
		log:      logger,
	}
}

func (r *Registry) Create(owner uuid.UUID) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	e := &entry{owner: owner, guard: NewGuard(), lastSeen: r.now()}
	r.sessions[id] = e
	return r.state(id, e)
}

func (r *Registry) Get(owner, id uuid.UUID) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(owner, id)
	if err != nil {
		return State{}, err
	}
	return r.state(id, e), nil
}

// Guard returns the live guard so callers can Subscribe to it.
func (r *Registry) Guard(owner, id uuid.UUID) (*Guard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(owner, id)
	if err != nil {
		return nil, err
	}
	return e.guard, nil
}

func (r *Registry) Touch(owner, id uuid.UUID, f Field) (State, error) {
	r.mu.Lock()
	e, err := r.lookup(owner, id)
	if err != nil {
		r.mu.Unlock()
		return State{}, err
	}
	e.lastSeen = r.now()
	r.mu.Unlock()

	e.guard.Touch(f)
	return r.Get(owner, id)
}

// Discard clears the session and forgets it.
func (r *Registry) Discard(owner, id uuid.UUID) error {
	e, err := r.remove(owner, id)
	if err != nil {
		return err
	}
	e.guard.Clear()
	return nil
}

// Commit marks the session saved after a successful booking and forgets it.
func (r *Registry) Commit(owner, id uuid.UUID) error {
	e, err := r.remove(owner, id)
	if err != nil {
		return err
	}
	e.guard.Commit()
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep drops sessions idle since before now-idleTTL and returns how many went.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	cutoff := r.now().Add(-r.idleTTL)
	var expired []*entry
	for id, e := range r.sessions {
		if e.lastSeen.Before(cutoff) {
			expired = append(expired, e)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		e.guard.Clear()
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Debug("swept idle booking sessions", zap.Int("count", n))
			}
		}
	}
}

// lookup must be called with mu held. A session owned by someone else reads as missing.
func (r *Registry) lookup(owner, id uuid.UUID) (*entry, error) {
	e, ok := r.sessions[id]
	if !ok || e.owner != owner {
		return nil, errSessionNotFound
	}
	return e, nil
}

func (r *Registry) remove(owner, id uuid.UUID) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(owner, id)
	if err != nil {
		return nil, err
	}
	delete(r.sessions, id)
	return e, nil
}

func (r *Registry) state(id uuid.UUID, e *entry) State {
	return State{
		ID:        id,
		Dirty:     e.guard.IsDirty(),
		Touched:   e.guard.Touched(),
		UpdatedAt: e.lastSeen,
	}
}
