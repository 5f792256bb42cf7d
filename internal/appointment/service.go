package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-booking/internal/apperr"
	"github.com/hackgods/clinic-appointment-booking/internal/auth"
	"github.com/hackgods/clinic-appointment-booking/internal/availability"
	"github.com/hackgods/clinic-appointment-booking/internal/calendar"
	"github.com/hackgods/clinic-appointment-booking/internal/metrics"
	"github.com/hackgods/clinic-appointment-booking/internal/notification"
	redisclient "github.com/hackgods/clinic-appointment-booking/internal/redis"
)

const (
	lapsedReason = "Appointment date passed before it was approved"

	eventLockRetry = 10 * time.Millisecond
)

// Notifier receives one event per committed transition.
type Notifier interface {
	Emit(ctx context.Context, ev notification.Event) (notification.Event, error)
}

type Options struct {
	Policy   calendar.Policy
	Window   availability.ServiceWindow
	Location *time.Location
	Now      func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	notifier Notifier
	engine   *availability.Engine
	policy   calendar.Policy
	loc      *time.Location
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewService(repo Repository, locker redisclient.Locker, notifier Notifier, opts Options) *Service {
	if opts.Policy == (calendar.Policy{}) {
		opts.Policy = calendar.DefaultPolicy()
	}
	if opts.Window == (availability.ServiceWindow{}) {
		opts.Window = availability.DefaultServiceWindow()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		engine:   availability.NewEngine(opts.Window),
		policy:   opts.Policy,
		loc:      opts.Location,
		now:      opts.Now,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Today is the reference-zone civil date of now.
func (s *Service) Today() calendar.Date {
	return calendar.Today(s.now(), s.loc)
}

// Book reserves a slot for a patient. The slot is re-validated against a fresh snapshot
// inside a per-slot lock; a second lock on the patient's day at the doctor keeps the
// one-appointment-per-day rule race-free. Booking never retries.
func (s *Service) Book(ctx context.Context, caller auth.Identity, req BookRequest) (*Appointment, error) {
	appt, err := s.book(ctx, caller, req)
	if err != nil {
		s.metrics.ObserveBooking(string(apperr.KindOf(err)))
		return nil, err
	}
	s.metrics.ObserveBooking("created")
	return appt, nil
}

func (s *Service) book(ctx context.Context, caller auth.Identity, req BookRequest) (*Appointment, error) {
	switch caller.Role {
	case auth.RolePatient:
		if req.PatientID == uuid.Nil {
			req.PatientID = caller.UserID
		}
		if req.PatientID != caller.UserID {
			return nil, apperr.New(apperr.KindForbidden, "patients can only book for themselves")
		}
	case auth.RoleAdmin:
		if req.PatientID == uuid.Nil {
			return nil, apperr.New(apperr.KindValidation, "patient_id is required")
		}
	default:
		return nil, apperr.New(apperr.KindForbidden, "only patients can book appointments")
	}

	req.Reason = strings.TrimSpace(req.Reason)
	switch {
	case req.Reason == "":
		return nil, apperr.New(apperr.KindValidation, "reason is required")
	case req.DoctorID == uuid.Nil:
		return nil, apperr.New(apperr.KindValidation, "doctor_id is required")
	case req.Date.IsZero():
		return nil, apperr.New(apperr.KindValidation, "date is required")
	case !s.engine.Window().Contains(req.Time):
		return nil, apperr.Newf(apperr.KindValidation, "%s is not a bookable time", req.Time)
	}

	now := s.now()
	today := calendar.Today(now, s.loc)

	var created *Appointment
	slotKey := redisclient.SlotKey(req.DoctorID, req.Date.String(), req.Time.String())
	dayKey := redisclient.PatientDayKey(req.PatientID, req.DoctorID, req.Date.String())

	err := s.locker.WithLock(ctx, slotKey, func(slotCtx context.Context) error {
		return s.locker.WithLock(slotCtx, dayKey, func(lockCtx context.Context) error {
			// Inside the critical section re-check against a fresh snapshot
			snap, err := s.snapshot(lockCtx, req.DoctorID, req.PatientID, req.Date, req.Date, today)
			if err != nil {
				return err
			}
			c, _ := availability.Find(s.engine.ComputeSlots(snap, req.Date), req.Time)
			if !c.Available {
				return apperr.Newf(apperr.KindSlotNoLongerAvailable, "slot %s %s is no longer available (%s)", req.Date, req.Time, c.Reason)
			}

			return s.sequenced(lockCtx, req.PatientID, func(eventCtx context.Context) error {
				appt, err := s.repo.CreateAppointment(eventCtx, Appointment{
					ID:        uuid.New(),
					PatientID: req.PatientID,
					DoctorID:  req.DoctorID,
					Date:      req.Date,
					Time:      req.Time,
					Reason:    req.Reason,
					Status:    StatusPending,
					CreatedAt: now.UTC(),
				})
				if err != nil {
					return err
				}
				created = appt
				s.notifyStatus(eventCtx, appt, fmt.Sprintf("Your appointment on %s at %s is pending approval.", appt.Date, appt.Time))
				return nil
			})
		})
	})

	if err != nil {
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired), errors.Is(err, ErrSlotTaken):
			return nil, apperr.Wrap(err, apperr.KindSlotNoLongerAvailable, "slot is no longer available")
		case errors.Is(err, ErrDoctorNotFound):
			return nil, apperr.Wrap(err, apperr.KindNotFound, "doctor not found")
		case apperr.KindOf(err) != apperr.KindInternal:
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, apperr.Wrap(err, apperr.KindUnavailable, "reservation store temporarily unavailable")
		}
	}

	s.log.Info("appointment booked",
		zap.String("appointment_id", created.ID.String()),
		zap.String("doctor_id", created.DoctorID.String()),
		zap.String("date", created.Date.String()),
		zap.String("time", created.Time.String()),
	)
	return created, nil
}

// Cancel moves a Pending appointment to Cancelled. Cancelling an already-cancelled
// appointment succeeds without a new event; Approved and Completed cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, caller auth.Identity, id uuid.UUID, reason string) (*Appointment, error) {
	appt, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeParticipant(caller, appt); err != nil {
		return nil, err
	}

	switch appt.Status {
	case StatusCancelled:
		return appt, nil
	case StatusPending:
	default:
		return nil, invalidTransition(appt.Status, StatusCancelled)
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.KindValidation, "cancellation reason is required")
	}

	actor := caller.Role
	updated, err := s.commit(ctx, appt, Transition{
		From:               StatusPending,
		To:                 StatusCancelled,
		CancelledBy:        &actor,
		CancellationReason: &reason,
	}, func(a *Appointment) string {
		return fmt.Sprintf("Your appointment on %s at %s was cancelled by the %s: %s", a.Date, a.Time, actor, reason)
	})
	if errors.Is(err, ErrAppointmentNotFound) {
		// Lost the compare-and-set; a concurrent cancel is still a success.
		current, lerr := s.load(ctx, id)
		if lerr != nil {
			return nil, lerr
		}
		if current.Status == StatusCancelled {
			return current, nil
		}
		return nil, invalidTransition(current.Status, StatusCancelled)
	}
	if err != nil {
		return nil, s.storeError("cancel appointment", err)
	}
	return updated, nil
}

func (s *Service) Approve(ctx context.Context, caller auth.Identity, id uuid.UUID) (*Appointment, error) {
	return s.advance(ctx, caller, id, Transition{From: StatusPending, To: StatusApproved}, func(a *Appointment) string {
		return fmt.Sprintf("Your appointment on %s at %s has been approved.", a.Date, a.Time)
	})
}

func (s *Service) Complete(ctx context.Context, caller auth.Identity, id uuid.UUID, summary string) (*Appointment, error) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, apperr.New(apperr.KindValidation, "consultation summary is required")
	}
	t := Transition{From: StatusApproved, To: StatusCompleted, ConsultationSummary: &summary}
	return s.advance(ctx, caller, id, t, func(a *Appointment) string {
		return fmt.Sprintf("Your appointment on %s at %s is complete.", a.Date, a.Time)
	})
}

// advance runs a doctor-side transition. Only the appointment's doctor or an admin may.
func (s *Service) advance(ctx context.Context, caller auth.Identity, id uuid.UUID, t Transition, message func(*Appointment) string) (*Appointment, error) {
	appt, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeStaff(caller, appt); err != nil {
		return nil, err
	}
	if appt.Status != t.From {
		return nil, invalidTransition(appt.Status, t.To)
	}

	updated, err := s.commit(ctx, appt, t, message)
	if errors.Is(err, ErrAppointmentNotFound) {
		current, lerr := s.load(ctx, id)
		if lerr != nil {
			return nil, lerr
		}
		return nil, invalidTransition(current.Status, t.To)
	}
	if err != nil {
		return nil, s.storeError("update appointment", err)
	}
	return updated, nil
}

// commit applies t and emits its event while holding the patient's event lock, so the
// patient's notifications are stored and published in commit order, also across processes.
// Repository errors are returned unmapped.
func (s *Service) commit(ctx context.Context, appt *Appointment, t Transition, message func(*Appointment) string) (*Appointment, error) {
	var updated *Appointment
	err := s.sequenced(ctx, appt.PatientID, func(lockCtx context.Context) error {
		t.At = s.now().UTC()
		u, err := s.repo.UpdateAppointmentStatus(lockCtx, appt.ID, t)
		if err != nil {
			return err
		}
		updated = u
		s.notifyStatus(lockCtx, u, message(u))
		return nil
	})
	return updated, err
}

// sequenced queues behind any other commit producing events for the same patient.
func (s *Service) sequenced(ctx context.Context, patientID uuid.UUID, fn func(ctx context.Context) error) error {
	return redisclient.WithLockWait(ctx, s.locker, redisclient.PatientEventsKey(patientID), eventLockRetry, fn)
}

// MarkPaid records the payment collaborator's marker. No policy applies and no event is sent.
func (s *Service) MarkPaid(ctx context.Context, caller auth.Identity, id uuid.UUID, paid bool) (*Appointment, error) {
	if caller.Role != auth.RoleAdmin {
		return nil, apperr.New(apperr.KindForbidden, "only the payment service can set the payment marker")
	}
	updated, err := s.repo.SetPaid(ctx, id, paid)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, apperr.Wrap(err, apperr.KindNotFound, "appointment not found")
	}
	if err != nil {
		return nil, s.storeError("set payment marker", err)
	}
	return updated, nil
}

// Notify sends the patient a message about an appointment without changing its status.
func (s *Service) Notify(ctx context.Context, caller auth.Identity, id uuid.UUID, kind notification.Kind, message string) (notification.Event, error) {
	message = strings.TrimSpace(message)
	switch {
	case kind != notification.KindReasonRequested && kind != notification.KindCustom:
		return notification.Event{}, apperr.New(apperr.KindValidation, "kind must be reason_requested or custom")
	case kind == notification.KindReasonRequested && message == "":
		message = "Your doctor has asked for more detail about the reason for your visit."
	case message == "":
		return notification.Event{}, apperr.New(apperr.KindValidation, "message is required")
	}

	appt, err := s.load(ctx, id)
	if err != nil {
		return notification.Event{}, err
	}
	if err := authorizeStaff(caller, appt); err != nil {
		return notification.Event{}, err
	}

	var ev notification.Event
	err = s.sequenced(ctx, appt.PatientID, func(lockCtx context.Context) error {
		var err error
		ev, err = s.notifier.Emit(lockCtx, notification.Event{
			RecipientID:   appt.PatientID,
			AppointmentID: appt.ID,
			Kind:          kind,
			Status:        string(appt.Status),
			Message:       message,
		})
		return err
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return notification.Event{}, err
	}
	if err != nil {
		return notification.Event{}, apperr.Wrap(err, apperr.KindUnavailable, "notification store temporarily unavailable")
	}
	return ev, nil
}

func (s *Service) Get(ctx context.Context, caller auth.Identity, id uuid.UUID) (*Appointment, error) {
	appt, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.Role == auth.RolePatient || caller.Role == auth.RoleDoctor {
		if err := authorizeParticipant(caller, appt); err != nil {
			return nil, err
		}
	}
	return appt, nil
}

// List returns appointments visible to caller. Patients and doctors only ever see their own.
func (s *Service) List(ctx context.Context, caller auth.Identity, f ListFilter) ([]Appointment, error) {
	switch caller.Role {
	case auth.RolePatient:
		f.PatientID = caller.UserID
	case auth.RoleDoctor:
		f.DoctorID = caller.UserID
	case auth.RoleAdmin:
		if f.PatientID == uuid.Nil && f.DoctorID == uuid.Nil {
			return nil, apperr.New(apperr.KindValidation, "patient_id or doctor_id is required")
		}
	default:
		return nil, apperr.New(apperr.KindForbidden, "unknown role")
	}

	if f.Limit <= 0 {
		f.Limit = 20 // default
	}
	if f.Limit > 100 {
		f.Limit = 100 // max
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	appointments, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, s.storeError("list appointments", err)
	}
	return appointments, nil
}

// Slots returns the ordered slot candidates of one date. An unknown doctor yields none.
func (s *Service) Slots(ctx context.Context, caller auth.Identity, doctorID uuid.UUID, date calendar.Date) ([]availability.SlotCandidate, error) {
	today := s.Today()
	snap, err := s.readSnapshot(ctx, doctorID, viewer(caller), date, date, today)
	if err != nil {
		return nil, err
	}
	return s.engine.ComputeSlots(snap, date), nil
}

// Availability returns per-day selectability for a month. An unknown doctor yields none.
func (s *Service) Availability(ctx context.Context, caller auth.Identity, doctorID uuid.UUID, ym calendar.YearMonth) ([]availability.DayAvailability, error) {
	days := ym.Days()
	today := s.Today()
	snap, err := s.readSnapshot(ctx, doctorID, viewer(caller), days[0], days[len(days)-1], today)
	if err != nil {
		return nil, err
	}
	return s.engine.Month(snap, ym), nil
}

// CancelLapsed cancels, as admin, every Pending appointment whose date has passed.
// Failures on single appointments are logged and skipped.
func (s *Service) CancelLapsed(ctx context.Context) (int, error) {
	today := s.Today()
	lapsed, err := s.repo.FindLapsedPending(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("find lapsed pending appointments: %w", err)
	}

	admin := auth.RoleAdmin
	reason := lapsedReason
	cancelled := 0
	for _, appt := range lapsed {
		_, err := s.commit(ctx, &appt, Transition{
			From:               StatusPending,
			To:                 StatusCancelled,
			CancelledBy:        &admin,
			CancellationReason: &reason,
		}, func(a *Appointment) string {
			return fmt.Sprintf("Your appointment on %s at %s was cancelled: %s", a.Date, a.Time, reason)
		})
		if err != nil {
			if !errors.Is(err, ErrAppointmentNotFound) {
				s.log.Warn("failed to cancel lapsed appointment",
					zap.String("appointment_id", appt.ID.String()), zap.Error(err))
			}
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// snapshot reads the doctor profile and the active bookings for [from, to]. The patient's
// own bookings feed two separate inputs: single slots and whole days.
func (s *Service) snapshot(ctx context.Context, doctorID, patientID uuid.UUID, from, to, today calendar.Date) (availability.Snapshot, error) {
	snap := availability.Snapshot{
		Policy:         s.policy,
		Today:          today,
		DoctorBookings: availability.SlotSet{},
		UserBookings:   availability.SlotSet{},
		PatientDays:    availability.DaySet{},
	}

	doctor, err := s.repo.GetDoctor(ctx, doctorID, from, to)
	if err != nil {
		return snap, err
	}
	snap.Doctor = doctor

	bookings, err := s.repo.ListDoctorBookings(ctx, doctorID, from, to)
	if err != nil {
		return snap, err
	}
	for i := range bookings {
		b := &bookings[i]
		snap.DoctorBookings.Add(b.Slot())
		if patientID != uuid.Nil && b.PatientID == patientID {
			snap.UserBookings.Add(b.Slot())
			snap.PatientDays[b.Date] = struct{}{}
		}
	}
	return snap, nil
}

// readSnapshot is the read path: one retry on a transient failure, then Unavailable.
func (s *Service) readSnapshot(ctx context.Context, doctorID, patientID uuid.UUID, from, to, today calendar.Date) (availability.Snapshot, error) {
	snap, err := s.snapshot(ctx, doctorID, patientID, from, to, today)
	if err != nil && !errors.Is(err, ErrDoctorNotFound) && ctx.Err() == nil {
		s.log.Warn("availability read failed, retrying once",
			zap.String("doctor_id", doctorID.String()), zap.Error(err))
		snap, err = s.snapshot(ctx, doctorID, patientID, from, to, today)
	}
	switch {
	case err == nil:
		return snap, nil
	case errors.Is(err, ErrDoctorNotFound):
		snap.Doctor = nil
		return snap, nil
	case ctx.Err() != nil:
		return snap, ctx.Err()
	default:
		return snap, apperr.Wrap(err, apperr.KindUnavailable, "availability temporarily unavailable")
	}
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, apperr.Wrap(err, apperr.KindNotFound, "appointment not found")
	}
	if err != nil {
		return nil, s.storeError("load appointment", err)
	}
	return appt, nil
}

func (s *Service) storeError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Wrap(fmt.Errorf("%s: %w", op, err), apperr.KindUnavailable, "reservation store temporarily unavailable")
}

// notifyStatus emits the status-changed event for a committed transition. The transition
// already happened, so a failed emit is logged rather than returned.
func (s *Service) notifyStatus(ctx context.Context, appt *Appointment, message string) {
	s.metrics.ObserveTransition(string(appt.Status))
	if s.notifier == nil {
		return
	}
	_, err := s.notifier.Emit(context.WithoutCancel(ctx), notification.Event{
		RecipientID:   appt.PatientID,
		AppointmentID: appt.ID,
		Kind:          notification.KindStatusChanged,
		Status:        string(appt.Status),
		Message:       message,
	})
	if err != nil {
		s.log.Error("failed to emit status notification",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("status", string(appt.Status)),
			zap.Error(err),
		)
	}
}

// viewer is the patient whose own bookings should be flagged in availability views.
func viewer(caller auth.Identity) uuid.UUID {
	if caller.Role == auth.RolePatient {
		return caller.UserID
	}
	return uuid.Nil
}

func authorizeParticipant(caller auth.Identity, appt *Appointment) error {
	switch caller.Role {
	case auth.RoleAdmin:
		return nil
	case auth.RolePatient:
		if appt.PatientID == caller.UserID {
			return nil
		}
	case auth.RoleDoctor:
		if appt.DoctorID == caller.UserID {
			return nil
		}
	}
	return apperr.New(apperr.KindForbidden, "not allowed to act on this appointment")
}

func authorizeStaff(caller auth.Identity, appt *Appointment) error {
	switch caller.Role {
	case auth.RoleAdmin:
		return nil
	case auth.RoleDoctor:
		if appt.DoctorID == caller.UserID {
			return nil
		}
		return apperr.New(apperr.KindForbidden, "appointment belongs to another doctor")
	}
	return apperr.New(apperr.KindForbidden, "only doctors and admins can do this")
}

func invalidTransition(from, to AppointmentStatus) error {
	return apperr.Newf(apperr.KindInvalidTransition, "cannot move appointment from %s to %s", from, to)
}
