package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-booking/internal/appointment"
	"github.com/hackgods/clinic-appointment-booking/internal/auth"
	"github.com/hackgods/clinic-appointment-booking/internal/availability"
	"github.com/hackgods/clinic-appointment-booking/internal/calendar"
	"github.com/hackgods/clinic-appointment-booking/internal/notification"
	"github.com/hackgods/clinic-appointment-booking/internal/session"
)

type CreateAppointmentRequest struct {
	DoctorID  string `json:"doctor_id" validate:"required,uuid"`
	PatientID string `json:"patient_id" validate:"omitempty,uuid"`
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	Time      string `json:"time" validate:"required,datetime=15:04"`
	Reason    string `json:"reason" validate:"required,max=2000"`
	SessionID string `json:"session_id" validate:"omitempty,uuid"`
}

// CancelAppointmentRequest: the service requires a reason unless the appointment is
// already cancelled.
type CancelAppointmentRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

type CompleteAppointmentRequest struct {
	Summary string `json:"summary" validate:"required,max=10000"`
}

type NotifyRequest struct {
	Kind    string `json:"kind" validate:"required,oneof=reason_requested custom"`
	Message string `json:"message" validate:"max=2000"`
}

type PaymentRequest struct {
	Paid *bool `json:"paid" validate:"required"`
}

type AppointmentResponse struct {
	ID                  uuid.UUID          `json:"id"`
	PatientID           uuid.UUID          `json:"patient_id"`
	DoctorID            uuid.UUID          `json:"doctor_id"`
	Date                calendar.Date      `json:"date"`
	Time                calendar.TimeOfDay `json:"time"`
	Reason              string             `json:"reason"`
	Status              string             `json:"status"`
	Paid                bool               `json:"paid"`
	CancellationReason  *string            `json:"cancellation_reason,omitempty"`
	CancelledBy         *auth.Role         `json:"cancelled_by,omitempty"`
	ConsultationSummary *string            `json:"consultation_summary,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
	ApprovedAt          *time.Time         `json:"approved_at,omitempty"`
	CompletedAt         *time.Time         `json:"completed_at,omitempty"`
	CancelledAt         *time.Time         `json:"cancelled_at,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                  a.ID,
		PatientID:           a.PatientID,
		DoctorID:            a.DoctorID,
		Date:                a.Date,
		Time:                a.Time,
		Reason:              a.Reason,
		Status:              string(a.Status),
		Paid:                a.Paid,
		CancellationReason:  a.CancellationReason,
		CancelledBy:         a.CancelledBy,
		ConsultationSummary: a.ConsultationSummary,
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
		ApprovedAt:          a.ApprovedAt,
		CompletedAt:         a.CompletedAt,
		CancelledAt:         a.CancelledAt,
	}
}

type AppointmentListResponse struct {
	Items  []AppointmentResponse `json:"items"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type SlotsResponse struct {
	DoctorID uuid.UUID                    `json:"doctor_id"`
	Date     calendar.Date                `json:"date"`
	Slots    []availability.SlotCandidate `json:"slots"`
}

type AvailabilityResponse struct {
	DoctorID uuid.UUID                      `json:"doctor_id"`
	Month    string                         `json:"month"`
	Today    calendar.Date                  `json:"today"`
	Grid     []calendar.Date                `json:"grid"`
	Days     []availability.DayAvailability `json:"days"`
}

type NotificationListResponse struct {
	Items  []notification.Event `json:"items"`
	LastID int64                `json:"last_id"`
}

type UnreadCountResponse struct {
	Unread int `json:"unread"`
}

type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

type SessionResponse = session.State

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
