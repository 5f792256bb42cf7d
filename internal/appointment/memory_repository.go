package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-booking/internal/availability"
	"github.com/hackgods/clinic-appointment-booking/internal/calendar"
)

// MemoryRepository is an in-process reservation store. CreateAppointment is a
// mutex-guarded insert-if-absent, matching the unique index of the Postgres schema.
type MemoryRepository struct {
	mu           sync.RWMutex
	doctors      map[uuid.UUID]availability.DoctorProfile
	appointments map[uuid.UUID]*Appointment
	active       map[slotKey]uuid.UUID
}

type slotKey struct {
	doctorID uuid.UUID
	slot     availability.Slot
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		doctors:      make(map[uuid.UUID]availability.DoctorProfile),
		appointments: make(map[uuid.UUID]*Appointment),
		active:       make(map[slotKey]uuid.UUID),
	}
}

// PutDoctor stores or replaces a directory snapshot.
func (r *MemoryRepository) PutDoctor(d availability.DoctorProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots := make(availability.SlotSet, len(d.SlotsBooked))
	for s := range d.SlotsBooked {
		slots.Add(s)
	}
	d.SlotsBooked = slots
	r.doctors[d.ID] = d
}

func (r *MemoryRepository) GetDoctor(ctx context.Context, id uuid.UUID, from, to calendar.Date) (*availability.DoctorProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	slots := availability.SlotSet{}
	for s := range d.SlotsBooked {
		if !s.Date.Before(from) && !s.Date.After(to) {
			slots.Add(s)
		}
	}
	d.SlotsBooked = slots
	return &d, nil
}

func (r *MemoryRepository) ListDoctorBookings(ctx context.Context, doctorID uuid.UUID, from, to calendar.Date) ([]Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.filter(func(a *Appointment) bool {
		return a.DoctorID == doctorID && a.Occupies() && !a.Date.Before(from) && !a.Date.After(to)
	}, func(x, y Appointment) bool { return slotLess(x, y) }), nil
}

func (r *MemoryRepository) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.doctors[a.DoctorID]; !ok {
		return nil, ErrDoctorNotFound
	}
	key := slotKey{doctorID: a.DoctorID, slot: a.Slot()}
	if _, taken := r.active[key]; taken {
		return nil, ErrSlotTaken
	}

	a.Status = StatusPending
	a.Paid = false
	a.UpdatedAt = a.CreatedAt
	stored := a
	r.appointments[a.ID] = &stored
	r.active[key] = a.ID

	out := stored
	return &out, nil
}

func (r *MemoryRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (r *MemoryRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, t Transition) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok || a.Status != t.From {
		return nil, ErrAppointmentNotFound
	}

	at := t.At
	a.Status = t.To
	a.UpdatedAt = at
	switch t.To {
	case StatusApproved:
		a.ApprovedAt = &at
	case StatusCompleted:
		a.CompletedAt = &at
	case StatusCancelled:
		a.CancelledAt = &at
		delete(r.active, slotKey{doctorID: a.DoctorID, slot: a.Slot()})
	}
	if t.CancelledBy != nil {
		a.CancelledBy = t.CancelledBy
	}
	if t.CancellationReason != nil {
		a.CancellationReason = t.CancellationReason
	}
	if t.ConsultationSummary != nil {
		a.ConsultationSummary = t.ConsultationSummary
	}

	out := *a
	return &out, nil
}

func (r *MemoryRepository) SetPaid(ctx context.Context, id uuid.UUID, paid bool) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.Paid = paid
	a.UpdatedAt = time.Now().UTC()
	out := *a
	return &out, nil
}

func (r *MemoryRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all := r.filter(func(a *Appointment) bool {
		return (f.PatientID == uuid.Nil || a.PatientID == f.PatientID) &&
			(f.DoctorID == uuid.Nil || a.DoctorID == f.DoctorID)
	}, func(x, y Appointment) bool { return slotLess(y, x) })

	if f.Offset >= len(all) {
		return []Appointment{}, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func (r *MemoryRepository) FindLapsedPending(ctx context.Context, before calendar.Date) ([]Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.filter(func(a *Appointment) bool {
		return a.Status == StatusPending && a.Date.Before(before)
	}, func(x, y Appointment) bool { return slotLess(x, y) }), nil
}

func (r *MemoryRepository) filter(keep func(*Appointment) bool, less func(x, y Appointment) bool) []Appointment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []Appointment{}
	for _, a := range r.appointments {
		if keep(a) {
			out = append(out, *a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func slotLess(x, y Appointment) bool {
	if c := x.Date.Compare(y.Date); c != 0 {
		return c < 0
	}
	if x.Time != y.Time {
		return x.Time < y.Time
	}
	return x.CreatedAt.Before(y.CreatedAt)
}
