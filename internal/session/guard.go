package session

import (
	"fmt"
	"strings"
	"sync"
)

// Field is one of the user-editable inputs of the booking flow.
type Field string

const (
	FieldDate    Field = "date"
	FieldTime    Field = "time"
	FieldReason  Field = "reason"
	FieldConsent Field = "consent"
)

func ParseField(s string) (Field, error) {
	switch f := Field(strings.ToLower(strings.TrimSpace(s))); f {
	case FieldDate, FieldTime, FieldReason, FieldConsent:
		return f, nil
	}
	return "", fmt.Errorf("unknown booking field %q", s)
}

// Guard tracks whether a booking flow holds uncommitted edits. It becomes dirty the moment
// any field is touched and only turns clean again on Commit or Clear.
type Guard struct {
	// deliver serializes each flip with its delivery so subscribers see flips in order.
	deliver sync.Mutex
	mu      sync.Mutex
	dirty   bool
	touched map[Field]struct{}
	subs    map[int]func(dirty bool)
	nextSub int
}

func NewGuard() *Guard {
	return &Guard{
		touched: make(map[Field]struct{}),
		subs:    make(map[int]func(bool)),
	}
}

func (g *Guard) Touch(f Field) {
	g.deliver.Lock()
	defer g.deliver.Unlock()

	g.mu.Lock()
	g.touched[f] = struct{}{}
	notify := g.set(true)
	g.mu.Unlock()

	notify()
}

func (g *Guard) IsDirty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty
}

// Touched returns the touched fields in a stable order.
func (g *Guard) Touched() []Field {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := []Field{}
	for _, f := range []Field{FieldDate, FieldTime, FieldReason, FieldConsent} {
		if _, ok := g.touched[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Clear discards the in-progress selection.
func (g *Guard) Clear() {
	g.reset()
}

// Commit marks the selection as saved after a successful booking.
func (g *Guard) Commit() {
	g.reset()
}

// Subscribe registers fn to be called with the new state every time the dirty flag flips.
// fn may read the guard but must not Touch, Clear or Commit it. The returned func removes
// the subscription.
func (g *Guard) Subscribe(fn func(dirty bool)) (cancel func()) {
	g.mu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = fn
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.subs, id)
			g.mu.Unlock()
		})
	}
}

func (g *Guard) reset() {
	g.deliver.Lock()
	defer g.deliver.Unlock()

	g.mu.Lock()
	g.touched = make(map[Field]struct{})
	notify := g.set(false)
	g.mu.Unlock()

	notify()
}

// set must be called with deliver and mu held. The returned func delivers the change after
// mu is released, still under deliver.
func (g *Guard) set(dirty bool) func() {
	if g.dirty == dirty {
		return func() {}
	}
	g.dirty = dirty

	subs := make([]func(bool), 0, len(g.subs))
	for _, fn := range g.subs {
		subs = append(subs, fn)
	}
	return func() {
		for _, fn := range subs {
			fn(dirty)
		}
	}
}
