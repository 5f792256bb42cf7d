package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-booking/internal/availability"
	"github.com/hackgods/clinic-appointment-booking/internal/calendar"
)

var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrSlotTaken is returned by CreateAppointment when an active appointment already
	// holds the (doctor, date, time) key.
	ErrSlotTaken = errors.New("slot already has an active appointment")
)

// Repository contains all reservation-store interactions needed by the service.
type Repository interface {
	// Doctor directory snapshot, with materialized booked slots in [from, to].
	GetDoctor(ctx context.Context, id uuid.UUID, from, to calendar.Date) (*availability.DoctorProfile, error)

	// Active (non-cancelled) appointments at a doctor with dates in [from, to].
	ListDoctorBookings(ctx context.Context, doctorID uuid.UUID, from, to calendar.Date) ([]Appointment, error)

	// Creation and updates
	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, t Transition) (*Appointment, error)
	SetPaid(ctx context.Context, id uuid.UUID, paid bool) (*Appointment, error)

	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// Lapse worker
	FindLapsedPending(ctx context.Context, before calendar.Date) ([]Appointment, error)
}
