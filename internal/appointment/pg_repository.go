package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-appointment-booking/internal/auth"
	"github.com/hackgods/clinic-appointment-booking/internal/availability"
	"github.com/hackgods/clinic-appointment-booking/internal/calendar"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const appointmentColumns = `id, patient_id, doctor_id, slot_date, slot_time, reason, status, paid,
	cancellation_reason, cancelled_by, consultation_summary,
	created_at, updated_at, approved_at, completed_at, cancelled_at`

func pgDate(d calendar.Date) time.Time {
	return d.Time(time.UTC)
}

func pgTime(t calendar.TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t) * int64(time.Minute/time.Microsecond), Valid: true}
}

func fromPgTime(t pgtype.Time) calendar.TimeOfDay {
	return calendar.TimeOfDay(t.Microseconds / int64(time.Minute/time.Microsecond))
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var slotDate time.Time
	var slotTime pgtype.Time
	var cancelledBy *string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&slotDate,
		&slotTime,
		&a.Reason,
		&a.Status,
		&a.Paid,
		&a.CancellationReason,
		&cancelledBy,
		&a.ConsultationSummary,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.ApprovedAt,
		&a.CompletedAt,
		&a.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Date = calendar.DateOf(slotDate)
	a.Time = fromPgTime(slotTime)
	if cancelledBy != nil {
		role := auth.Role(*cancelledBy)
		a.CancelledBy = &role
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	result := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Interface methods

func (r *PgRepository) GetDoctor(ctx context.Context, id uuid.UUID, from, to calendar.Date) (*availability.DoctorProfile, error) {
	var d availability.DoctorProfile
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, speciality, day_off, available
		FROM doctors
		WHERE id = $1
	`, id).Scan(&d.ID, &d.Name, &d.Speciality, &d.DayOff, &d.Available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT slot_date, slot_time
		FROM doctor_booked_slots
		WHERE doctor_id = $1
		  AND slot_date BETWEEN $2 AND $3
	`, id, pgDate(from), pgDate(to))
	if err != nil {
		return nil, fmt.Errorf("load doctor booked slots: %w", err)
	}
	defer rows.Close()

	d.SlotsBooked = availability.SlotSet{}
	for rows.Next() {
		var day time.Time
		var at pgtype.Time
		if err := rows.Scan(&day, &at); err != nil {
			return nil, err
		}
		d.SlotsBooked.Add(availability.Slot{Date: calendar.DateOf(day), Time: fromPgTime(at)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &d, nil
}

func (r *PgRepository) ListDoctorBookings(ctx context.Context, doctorID uuid.UUID, from, to calendar.Date) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND slot_date BETWEEN $2 AND $3
		  AND status <> 'cancelled'
		ORDER BY slot_date, slot_time
	`, doctorID, pgDate(from), pgDate(to))
	if err != nil {
		return nil, fmt.Errorf("list doctor bookings: %w", err)
	}
	return collectAppointments(rows)
}

// CreateAppointment relies on the partial unique index over active appointments as the
// insert-if-absent backstop behind the booking lock.
func (r *PgRepository) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, slot_date, slot_time, reason, status, paid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', false, $7, $7)
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.DoctorID, pgDate(a.Date), pgTime(a.Time), a.Reason, a.CreatedAt)

	created, err := scanAppointment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return nil, ErrSlotTaken
			case pgForeignKeyViolation:
				return nil, ErrDoctorNotFound
			}
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return created, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// UpdateAppointmentStatus returns ErrAppointmentNotFound when the row is missing or no
// longer in t.From.
func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, t Transition) (*Appointment, error) {
	var cancelledBy *string
	if t.CancelledBy != nil {
		s := string(*t.CancelledBy)
		cancelledBy = &s
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2::text,
		    updated_at = $4,
		    approved_at = CASE WHEN $2::text = 'approved' THEN $4 ELSE approved_at END,
		    completed_at = CASE WHEN $2::text = 'completed' THEN $4 ELSE completed_at END,
		    cancelled_at = CASE WHEN $2::text = 'cancelled' THEN $4 ELSE cancelled_at END,
		    cancelled_by = COALESCE($5, cancelled_by),
		    cancellation_reason = COALESCE($6, cancellation_reason),
		    consultation_summary = COALESCE($7, consultation_summary)
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, t.To, t.From, t.At, cancelledBy, t.CancellationReason, t.ConsultationSummary)

	return scanAppointment(row)
}

func (r *PgRepository) SetPaid(ctx context.Context, id uuid.UUID, paid bool) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET paid = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns, id, paid)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ($1 = '00000000-0000-0000-0000-000000000000'::uuid OR patient_id = $1)
		  AND ($2 = '00000000-0000-0000-0000-000000000000'::uuid OR doctor_id = $2)
		ORDER BY slot_date DESC, slot_time DESC
		LIMIT $3 OFFSET $4
	`, f.PatientID, f.DoctorID, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindLapsedPending(ctx context.Context, before calendar.Date) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'pending'
		  AND slot_date < $1
		ORDER BY slot_date
	`, pgDate(before))
	if err != nil {
		return nil, fmt.Errorf("find lapsed pending: %w", err)
	}
	return collectAppointments(rows)
}
