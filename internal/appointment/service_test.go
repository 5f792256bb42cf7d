package appointment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-booking/internal/apperr"
	"github.com/hackgods/clinic-appointment-booking/internal/auth"
	"github.com/hackgods/clinic-appointment-booking/internal/availability"
	"github.com/hackgods/clinic-appointment-booking/internal/calendar"
	"github.com/hackgods/clinic-appointment-booking/internal/notification"
	redisclient "github.com/hackgods/clinic-appointment-booking/internal/redis"
)

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	events   *notification.Service
	store    *notification.MemoryStore
	hub      *notification.Hub
	doctor   uuid.UUID
	patient  auth.Identity
	doctorID auth.Identity
	admin    auth.Identity
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    NewMemoryRepository(),
		store:   notification.NewMemoryStore(),
		hub:     notification.NewHub(256),
		doctor:  uuid.New(),
		patient: auth.Identity{UserID: uuid.New(), Role: auth.RolePatient},
		admin:   auth.Identity{UserID: uuid.New(), Role: auth.RoleAdmin},
		// 2024-06-01 is a Saturday.
		now: time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC),
	}
	f.doctorID = auth.Identity{UserID: f.doctor, Role: auth.RoleDoctor}
	f.repo.PutDoctor(availability.DoctorProfile{
		ID:        f.doctor,
		Name:      "Dr. Santos",
		DayOff:    "Sunday",
		Available: true,
	})
	f.events = notification.NewService(f.store, notification.NewLocalBroker(f.hub), nil)
	f.svc = NewService(f.repo, redisclient.NewLocalLocker(), f.events, Options{
		Now: func() time.Time { return f.now },
	})
	return f
}

func d(t *testing.T, s string) calendar.Date {
	t.Helper()
	out, err := calendar.ParseDate(s)
	require.NoError(t, err)
	return out
}

func tm(t *testing.T, s string) calendar.TimeOfDay {
	t.Helper()
	out, err := calendar.ParseTimeOfDay(s)
	require.NoError(t, err)
	return out
}

func (f *fixture) book(t *testing.T, who auth.Identity, date, at string) (*Appointment, error) {
	return f.svc.Book(context.Background(), who, BookRequest{
		DoctorID: f.doctor,
		Date:     d(t, date),
		Time:     tm(t, at),
		Reason:   "follow-up on blood pressure",
	})
}

func (f *fixture) slot(t *testing.T, who auth.Identity, date, at string) availability.SlotCandidate {
	t.Helper()
	slots, err := f.svc.Slots(context.Background(), who, f.doctor, d(t, date))
	require.NoError(t, err)
	c, ok := availability.Find(slots, tm(t, at))
	require.True(t, ok)
	return c
}

func TestBookCreatesPending(t *testing.T) {
	f := newFixture(t)

	appt, err := f.book(t, f.patient, "2024-06-10", "10:30")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, appt.Status)
	assert.Equal(t, f.patient.UserID, appt.PatientID)
	assert.Equal(t, f.doctor, appt.DoctorID)
	assert.False(t, appt.Paid)

	events, err := f.store.ListSince(context.Background(), f.patient.UserID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, notification.KindStatusChanged, events[0].Kind)
	assert.Equal(t, string(StatusPending), events[0].Status)
	assert.Equal(t, appt.ID, events[0].AppointmentID)
}

func TestBookConcurrentSameSlotSingleWinner(t *testing.T) {
	f := newFixture(t)
	const n = 25

	var wg sync.WaitGroup
	var wins, lost int32
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			who := auth.Identity{UserID: uuid.New(), Role: auth.RolePatient}
			<-start
			_, err := f.book(t, who, "2024-06-10", "14:00")
			switch apperr.KindOf(err) {
			case "":
				atomic.AddInt32(&wins, 1)
			case apperr.KindSlotNoLongerAvailable:
				atomic.AddInt32(&lost, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(n-1), lost)

	active, err := f.repo.ListDoctorBookings(context.Background(), f.doctor, d(t, "2024-06-10"), d(t, "2024-06-10"))
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestBookValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Book(ctx, f.patient, BookRequest{DoctorID: f.doctor, Date: d(t, "2024-06-10"), Time: tm(t, "10:00"), Reason: "   "})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	for _, at := range []string{"10:15", "21:00", "09:30"} {
		_, err := f.book(t, f.patient, "2024-06-10", at)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), at)
	}

	_, err = f.svc.Book(ctx, f.patient, BookRequest{DoctorID: f.doctor, Time: tm(t, "10:00"), Reason: "x"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestBookUnavailableDates(t *testing.T) {
	f := newFixture(t)

	for _, date := range []string{"2024-06-05", "2024-07-02", "2024-06-09"} {
		_, err := f.book(t, f.patient, date, "10:00")
		assert.Equal(t, apperr.KindSlotNoLongerAvailable, apperr.KindOf(err), date)
	}

	_, err := f.svc.Book(context.Background(), f.patient, BookRequest{
		DoctorID: uuid.New(), Date: d(t, "2024-06-10"), Time: tm(t, "10:00"), Reason: "x",
	})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestBookRoles(t *testing.T) {
	f := newFixture(t)

	_, err := f.book(t, f.doctorID, "2024-06-10", "10:00")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.Book(context.Background(), f.patient, BookRequest{
		DoctorID: f.doctor, PatientID: uuid.New(), Date: d(t, "2024-06-10"), Time: tm(t, "10:00"), Reason: "x",
	})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	onBehalf := uuid.New()
	appt, err := f.svc.Book(context.Background(), f.admin, BookRequest{
		DoctorID: f.doctor, PatientID: onBehalf, Date: d(t, "2024-06-10"), Time: tm(t, "10:00"), Reason: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, onBehalf, appt.PatientID)
}

func TestBookSecondSlotSameDayRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.book(t, f.patient, "2024-06-10", "10:00")
	require.NoError(t, err)

	_, err = f.book(t, f.patient, "2024-06-10", "16:00")
	assert.Equal(t, apperr.KindSlotNoLongerAvailable, apperr.KindOf(err))

	// A different day with the same doctor is fine.
	_, err = f.book(t, f.patient, "2024-06-11", "16:00")
	assert.NoError(t, err)
}

func TestStateMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.book(t, f.patient, "2024-06-10", "11:00")
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, f.doctorID, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.NotNil(t, approved.ApprovedAt)

	_, err = f.svc.Cancel(ctx, f.patient, appt.ID, "changed my mind")
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	_, err = f.svc.Approve(ctx, f.doctorID, appt.ID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	_, err = f.svc.Complete(ctx, f.doctorID, appt.ID, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	completed, err := f.svc.Complete(ctx, f.doctorID, appt.ID, "BP normal, continue meds")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	require.NotNil(t, completed.ConsultationSummary)
	assert.Equal(t, "BP normal, continue meds", *completed.ConsultationSummary)

	_, err = f.svc.Cancel(ctx, f.admin, appt.ID, "too late")
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestCompleteRequiresApproved(t *testing.T) {
	f := newFixture(t)

	appt, err := f.book(t, f.patient, "2024-06-10", "11:00")
	require.NoError(t, err)

	_, err = f.svc.Complete(context.Background(), f.doctorID, appt.ID, "summary")
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestCancelPendingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.book(t, f.patient, "2024-06-10", "12:00")
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, f.patient, appt.ID, "feeling better")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledBy)
	assert.Equal(t, auth.RolePatient, *cancelled.CancelledBy)
	require.NotNil(t, cancelled.CancellationReason)
	assert.Equal(t, "feeling better", *cancelled.CancellationReason)

	again, err := f.svc.Cancel(ctx, f.patient, appt.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.Equal(t, "feeling better", *again.CancellationReason)

	events, err := f.store.ListSince(ctx, f.patient.UserID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2, "booking + one cancellation, no event for the repeat")
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stranger := auth.Identity{UserID: uuid.New(), Role: auth.RolePatient}
	otherDoctor := auth.Identity{UserID: uuid.New(), Role: auth.RoleDoctor}

	appt, err := f.book(t, f.patient, "2024-06-10", "13:00")
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, stranger, appt.ID, "nope")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.Approve(ctx, f.patient, appt.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.Approve(ctx, otherDoctor, appt.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.Get(ctx, stranger, appt.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.Get(ctx, f.doctorID, appt.ID)
	assert.NoError(t, err)

	_, err = f.svc.Get(ctx, f.patient, uuid.New())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestConcurrentApproveAndCancel(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		appt, err := f.book(t, f.patient, "2024-06-10", "15:00")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var approveErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, approveErr = f.svc.Approve(ctx, f.doctorID, appt.ID)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = f.svc.Cancel(ctx, f.patient, appt.ID, "conflict")
		}()
		wg.Wait()

		final, err := f.repo.GetAppointmentByID(ctx, appt.ID)
		require.NoError(t, err)
		switch final.Status {
		case StatusApproved:
			assert.NoError(t, approveErr)
			assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(cancelErr))
		case StatusCancelled:
			assert.NoError(t, cancelErr)
			assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(approveErr))
		default:
			t.Fatalf("unexpected final status %s", final.Status)
		}
	}
}

func TestNotificationOrderMatchesTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.hub.Subscribe(f.patient.UserID)
	defer sub.Close()

	appt, err := f.book(t, f.patient, "2024-06-10", "16:30")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, f.doctorID, appt.ID)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, f.doctorID, appt.ID, "all good")
	require.NoError(t, err)

	var statuses []string
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events():
			statuses = append(statuses, ev.Status)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []string{"pending", "approved", "completed"}, statuses)
}

func TestRoundTripRestoresSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := auth.Identity{UserID: uuid.New(), Role: auth.RolePatient}

	assert.True(t, f.slot(t, f.patient, "2024-06-12", "17:00").Available)

	appt, err := f.book(t, f.patient, "2024-06-12", "17:00")
	require.NoError(t, err)

	mine := f.slot(t, f.patient, "2024-06-12", "17:00")
	assert.False(t, mine.Available)
	assert.True(t, mine.ReservedByRequestingUser)
	assert.Equal(t, availability.ReasonSlotTaken, f.slot(t, other, "2024-06-12", "17:00").Reason)
	assert.Equal(t, availability.ReasonAlreadyBooked, f.slot(t, f.patient, "2024-06-12", "10:00").Reason)

	_, err = f.svc.Cancel(ctx, f.patient, appt.ID, "conflict at work")
	require.NoError(t, err)

	assert.True(t, f.slot(t, f.patient, "2024-06-12", "17:00").Available)
	assert.True(t, f.slot(t, f.patient, "2024-06-12", "10:00").Available)
}

func TestCancelFreesSlotButNotDayWhileAnotherRemains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := auth.Identity{UserID: uuid.New(), Role: auth.RolePatient}
	day := d(t, "2024-06-13")

	// Two legacy appointments on the same day, as imported from the directory.
	var ids []uuid.UUID
	for _, at := range []string{"10:00", "18:00"} {
		a, err := f.repo.CreateAppointment(ctx, Appointment{
			ID: uuid.New(), PatientID: f.patient.UserID, DoctorID: f.doctor,
			Date: day, Time: tm(t, at), Reason: "r", CreatedAt: f.now,
		})
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	_, err := f.svc.Cancel(ctx, f.patient, ids[0], "double booked")
	require.NoError(t, err)

	// The slot is free for others...
	assert.True(t, f.slot(t, other, "2024-06-13", "10:00").Available)
	// ...but the patient's day with this doctor stays excluded.
	freed := f.slot(t, f.patient, "2024-06-13", "10:00")
	assert.False(t, freed.Available)
	assert.Equal(t, availability.ReasonAlreadyBooked, freed.Reason)
}

func TestAvailabilityMonth(t *testing.T) {
	f := newFixture(t)

	_, err := f.book(t, f.patient, "2024-06-14", "10:00")
	require.NoError(t, err)

	days, err := f.svc.Availability(context.Background(), f.patient, f.doctor, calendar.YearMonth{Year: 2024, Month: time.June})
	require.NoError(t, err)
	require.Len(t, days, 30)
	assert.Equal(t, availability.ReasonAlreadyBooked, days[13].Reason)
	assert.Equal(t, availability.ReasonDayOff, days[8].Reason)
	assert.True(t, days[9].Selectable)

	unknown, err := f.svc.Availability(context.Background(), f.patient, uuid.New(), calendar.YearMonth{Year: 2024, Month: time.June})
	require.NoError(t, err)
	assert.Empty(t, unknown)
}

type flakyRepo struct {
	*MemoryRepository
	failures int32
}

func (r *flakyRepo) GetDoctor(ctx context.Context, id uuid.UUID, from, to calendar.Date) (*availability.DoctorProfile, error) {
	if atomic.AddInt32(&r.failures, -1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return r.MemoryRepository.GetDoctor(ctx, id, from, to)
}

func TestSlotsRetriesOnceThenUnavailable(t *testing.T) {
	f := newFixture(t)
	repo := &flakyRepo{MemoryRepository: f.repo, failures: 1}
	svc := NewService(repo, redisclient.NewLocalLocker(), f.events, Options{Now: func() time.Time { return f.now }})

	slots, err := svc.Slots(context.Background(), f.patient, f.doctor, d(t, "2024-06-10"))
	require.NoError(t, err)
	assert.Len(t, slots, 22)

	repo.failures = 2
	_, err = svc.Slots(context.Background(), f.patient, f.doctor, d(t, "2024-06-10"))
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}

func TestBookDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	repo := &flakyRepo{MemoryRepository: f.repo, failures: 1}
	svc := NewService(repo, redisclient.NewLocalLocker(), f.events, Options{Now: func() time.Time { return f.now }})

	_, err := svc.Book(context.Background(), f.patient, BookRequest{
		DoctorID: f.doctor, Date: d(t, "2024-06-10"), Time: tm(t, "10:00"), Reason: "x",
	})
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}

func TestMarkPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt, err := f.book(t, f.patient, "2024-06-10", "19:00")
	require.NoError(t, err)

	_, err = f.svc.MarkPaid(ctx, f.patient, appt.ID, true)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	paid, err := f.svc.MarkPaid(ctx, f.admin, appt.ID, true)
	require.NoError(t, err)
	assert.True(t, paid.Paid)
	assert.Equal(t, StatusPending, paid.Status)

	events, err := f.store.ListSince(ctx, f.patient.UserID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "payment marker emits nothing")
}

func TestNotify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt, err := f.book(t, f.patient, "2024-06-10", "19:30")
	require.NoError(t, err)

	ev, err := f.svc.Notify(ctx, f.doctorID, appt.ID, notification.KindReasonRequested, "")
	require.NoError(t, err)
	assert.Equal(t, notification.KindReasonRequested, ev.Kind)
	assert.Equal(t, f.patient.UserID, ev.RecipientID)
	assert.NotEmpty(t, ev.Message)

	_, err = f.svc.Notify(ctx, f.doctorID, appt.ID, notification.KindStatusChanged, "x")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.Notify(ctx, f.patient, appt.ID, notification.KindCustom, "hi")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestCancelLapsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.book(t, f.patient, "2024-06-10", "10:00")
	require.NoError(t, err)
	other := auth.Identity{UserID: uuid.New(), Role: auth.RolePatient}
	approved, err := f.book(t, other, "2024-06-10", "11:00")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, f.doctorID, approved.ID)
	require.NoError(t, err)

	f.now = time.Date(2024, time.June, 11, 9, 0, 0, 0, time.UTC)
	n, err := f.svc.CancelLapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.repo.GetAppointmentByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledBy)
	assert.Equal(t, auth.RoleAdmin, *got.CancelledBy)

	still, err := f.repo.GetAppointmentByID(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, still.Status)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := auth.Identity{UserID: uuid.New(), Role: auth.RolePatient}

	_, err := f.book(t, f.patient, "2024-06-10", "10:00")
	require.NoError(t, err)
	_, err = f.book(t, f.patient, "2024-06-11", "10:00")
	require.NoError(t, err)
	_, err = f.book(t, other, "2024-06-10", "12:00")
	require.NoError(t, err)

	mine, err := f.svc.List(ctx, f.patient, ListFilter{PatientID: other.UserID})
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	assert.Equal(t, d(t, "2024-06-11"), mine[0].Date, "newest first")

	doctors, err := f.svc.List(ctx, f.doctorID, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, doctors, 3)

	page, err := f.svc.List(ctx, f.doctorID, ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	_, err = f.svc.List(ctx, f.admin, ListFilter{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

// gatedNotifier holds the first emit for one status until released.
type gatedNotifier struct {
	next    Notifier
	status  string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedNotifier) Emit(ctx context.Context, ev notification.Event) (notification.Event, error) {
	if ev.Status == g.status {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.next.Emit(ctx, ev)
}

func TestStatusEventsFollowCommitOrderWhenEmitIsSlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gate := &gatedNotifier{
		next:    f.events,
		status:  string(StatusApproved),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := NewService(f.repo, redisclient.NewLocalLocker(), gate, Options{Now: func() time.Time { return f.now }})

	appt, err := svc.Book(ctx, f.patient, BookRequest{
		DoctorID: f.doctor, Date: d(t, "2024-06-10"), Time: tm(t, "17:00"), Reason: "checkup",
	})
	require.NoError(t, err)

	approveErr := make(chan error, 1)
	go func() {
		_, err := svc.Approve(ctx, f.doctorID, appt.ID)
		approveErr <- err
	}()
	select {
	case <-gate.entered:
	case <-time.After(time.Second):
		t.Fatal("approve never reached its emit")
	}

	completeErr := make(chan error, 1)
	go func() {
		_, err := svc.Complete(ctx, f.doctorID, appt.ID, "resting heart rate normal")
		completeErr <- err
	}()

	select {
	case err := <-completeErr:
		t.Fatalf("complete finished while approve's event was still pending: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate.release)

	require.NoError(t, <-approveErr)
	require.NoError(t, <-completeErr)

	events, err := f.store.ListSince(ctx, f.patient.UserID, 0, 0)
	require.NoError(t, err)
	var statuses []string
	for _, ev := range events {
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []string{"pending", "approved", "completed"}, statuses)
}

func TestCancelCancelledWithoutReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.book(t, f.patient, "2024-06-10", "17:30")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, f.patient, appt.ID, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.Cancel(ctx, f.patient, appt.ID, "travelling")
	require.NoError(t, err)

	again, err := f.svc.Cancel(ctx, f.patient, appt.ID, "  ")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.Equal(t, "travelling", *again.CancellationReason)

	events, err := f.store.ListSince(ctx, f.patient.UserID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

type downLocker struct{}

func (downLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return errors.New("acquire lock " + key + ": dial tcp 127.0.0.1:6379: connection refused")
}

func TestLockerDownIsUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing, err := f.book(t, f.patient, "2024-06-10", "18:00")
	require.NoError(t, err)

	svc := NewService(f.repo, downLocker{}, f.events, Options{Now: func() time.Time { return f.now }})

	_, err = svc.Book(ctx, f.patient, BookRequest{
		DoctorID: f.doctor, Date: d(t, "2024-06-11"), Time: tm(t, "10:00"), Reason: "x",
	})
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))

	_, err = svc.Approve(ctx, f.doctorID, existing.ID)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))

	list, err := f.repo.ListAppointments(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusPending, list[0].Status)
}
