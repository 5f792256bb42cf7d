package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-appointment-booking/internal/apperr"
	"github.com/hackgods/clinic-appointment-booking/internal/session"
)

// Booking sessions back the "unsaved changes" prompt of the booking page. They carry no
// business data; the page only asks whether the selection is dirty.

func createSessionHandler(reg *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, reg.Create(identity(r).UserID))
	}
}

func getSessionHandler(reg *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		state, err := reg.Get(identity(r).UserID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func touchSessionHandler(reg *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		field, err := session.ParseField(chi.URLParam(r, "field"))
		if err != nil {
			writeAppError(w, r, apperr.Wrap(err, apperr.KindValidation, "field must be one of date, time, reason, consent"))
			return
		}
		state, err := reg.Touch(identity(r).UserID, id, field)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func discardSessionHandler(reg *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if err := reg.Discard(identity(r).UserID, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
