package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-booking/internal/apperr"
	"github.com/hackgods/clinic-appointment-booking/internal/appointment"
	"github.com/hackgods/clinic-appointment-booking/internal/calendar"
	"github.com/hackgods/clinic-appointment-booking/internal/notification"
	"github.com/hackgods/clinic-appointment-booking/internal/session"
)

func createAppointmentHandler(svc *appointment.Service, sessions *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAppError(w, r, err)
			return
		}

		// Shapes were validated above, so these parses cannot fail.
		doctorID := uuid.MustParse(req.DoctorID)
		date, _ := calendar.ParseDate(req.Date)
		at, err := calendar.ParseTimeOfDay(req.Time)
		if err != nil {
			writeAppError(w, r, apperr.Wrap(err, apperr.KindValidation, "time must be HH:MM"))
			return
		}
		var patientID uuid.UUID
		if req.PatientID != "" {
			patientID = uuid.MustParse(req.PatientID)
		}

		caller := identity(r)
		appt, err := svc.Book(r.Context(), caller, appointment.BookRequest{
			DoctorID:  doctorID,
			PatientID: patientID,
			Date:      date,
			Time:      at,
			Reason:    req.Reason,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		if req.SessionID != "" && sessions != nil {
			if err := sessions.Commit(caller.UserID, uuid.MustParse(req.SessionID)); err != nil {
				loggerFrom(r).Debug("booking session not committed", zap.Error(err))
			}
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := appointment.ListFilter{}

		var err error
		if filter.PatientID, err = optionalUUID(q.Get("patient_id"), "patient_id"); err != nil {
			writeAppError(w, r, err)
			return
		}
		if filter.DoctorID, err = optionalUUID(q.Get("doctor_id"), "doctor_id"); err != nil {
			writeAppError(w, r, err)
			return
		}
		if filter.Limit, err = optionalInt(q.Get("limit"), "limit"); err != nil {
			writeAppError(w, r, err)
			return
		}
		if filter.Offset, err = optionalInt(q.Get("offset"), "offset"); err != nil {
			writeAppError(w, r, err)
			return
		}

		appts, err := svc.List(r.Context(), identity(r), filter)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		items := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			items = append(items, toAppointmentResponse(&appts[i]))
		}
		limit := filter.Limit
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}
		writeJSON(w, http.StatusOK, AppointmentListResponse{Items: items, Limit: limit, Offset: max(filter.Offset, 0)})
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		appt, err := svc.Get(r.Context(), identity(r), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		var req CancelAppointmentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAppError(w, r, err)
			return
		}

		appt, err := svc.Cancel(r.Context(), identity(r), id, req.Reason)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func approveAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		appt, err := svc.Approve(r.Context(), identity(r), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func completeAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		var req CompleteAppointmentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAppError(w, r, err)
			return
		}

		appt, err := svc.Complete(r.Context(), identity(r), id, req.Summary)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func notifyPatientHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		var req NotifyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAppError(w, r, err)
			return
		}

		ev, err := svc.Notify(r.Context(), identity(r), id, notification.Kind(req.Kind), req.Message)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, ev)
	}
}

func setPaymentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		var req PaymentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAppError(w, r, err)
			return
		}

		appt, err := svc.MarkPaid(r.Context(), identity(r), id, *req.Paid)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func doctorSlotsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuidParam(r, "doctorID")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		date, err := calendar.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			writeAppError(w, r, apperr.Wrap(err, apperr.KindValidation, "date must be YYYY-MM-DD"))
			return
		}

		slots, err := svc.Slots(r.Context(), identity(r), doctorID, date)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, SlotsResponse{DoctorID: doctorID, Date: date, Slots: slots})
	}
}

func doctorAvailabilityHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuidParam(r, "doctorID")
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		today := svc.Today()
		ym := today.YearMonth()
		if raw := r.URL.Query().Get("month"); raw != "" {
			if ym, err = calendar.ParseYearMonth(raw); err != nil {
				writeAppError(w, r, apperr.Wrap(err, apperr.KindValidation, "month must be YYYY-MM"))
				return
			}
		}

		days, err := svc.Availability(r.Context(), identity(r), doctorID, ym)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, AvailabilityResponse{
			DoctorID: doctorID,
			Month:    ym.String(),
			Today:    today,
			Grid:     calendar.MonthGrid(ym),
			Days:     days,
		})
	}
}

func listNotificationsHandler(svc *notification.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		since, err := optionalInt64(q.Get("since"), "since")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		limit, err := optionalInt(q.Get("limit"), "limit")
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		events, err := svc.List(r.Context(), identity(r).UserID, since, limit)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		last := since
		if n := len(events); n > 0 {
			last = events[n-1].ID
		}
		writeJSON(w, http.StatusOK, NotificationListResponse{Items: events, LastID: last})
	}
}

func unreadCountHandler(svc *notification.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.UnreadCount(r.Context(), identity(r).UserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, UnreadCountResponse{Unread: n})
	}
}

func markReadHandler(svc *notification.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeAppError(w, r, apperr.New(apperr.KindValidation, "id must be a notification id"))
			return
		}
		if err := svc.MarkRead(r.Context(), identity(r).UserID, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func markAllReadHandler(svc *notification.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.MarkAllRead(r.Context(), identity(r).UserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, MarkAllReadResponse{Updated: n})
	}
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.New(apperr.KindValidation, name+" must be a valid UUID")
	}
	return id, nil
}

func optionalUUID(raw, name string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.New(apperr.KindValidation, name+" must be a valid UUID")
	}
	return id, nil
}

func optionalInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.New(apperr.KindValidation, name+" must be an integer")
	}
	return n, nil
}

func optionalInt64(raw, name string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.KindValidation, name+" must be a non-negative integer")
	}
	return n, nil
}
