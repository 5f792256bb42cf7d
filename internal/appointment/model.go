package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-booking/internal/auth"
	"github.com/hackgods/clinic-appointment-booking/internal/availability"
	"github.com/hackgods/clinic-appointment-booking/internal/calendar"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusApproved  AppointmentStatus = "approved"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
)

type Appointment struct {
	ID                  uuid.UUID
	PatientID           uuid.UUID
	DoctorID            uuid.UUID
	Date                calendar.Date
	Time                calendar.TimeOfDay
	Reason              string
	Status              AppointmentStatus
	Paid                bool
	CancellationReason  *string
	CancelledBy         *auth.Role
	ConsultationSummary *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ApprovedAt          *time.Time
	CompletedAt         *time.Time
	CancelledAt         *time.Time
}

func (a *Appointment) Slot() availability.Slot {
	return availability.Slot{Date: a.Date, Time: a.Time}
}

// Occupies reports whether the appointment still holds its slot. Only cancellation frees it.
func (a *Appointment) Occupies() bool {
	return a.Status != StatusCancelled
}

// Transition is a compare-and-set status change: it applies only while the row is in From.
type Transition struct {
	From                AppointmentStatus
	To                  AppointmentStatus
	At                  time.Time
	CancelledBy         *auth.Role
	CancellationReason  *string
	ConsultationSummary *string
}

// BookRequest is a patient's slot selection.
type BookRequest struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Date      calendar.Date
	Time      calendar.TimeOfDay
	Reason    string
}

// ListFilter selects appointments by patient or doctor.
type ListFilter struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Limit     int
	Offset    int
}
