package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-booking/internal/appointment"
	"github.com/hackgods/clinic-appointment-booking/internal/auth"
	"github.com/hackgods/clinic-appointment-booking/internal/metrics"
	"github.com/hackgods/clinic-appointment-booking/internal/notification"
	"github.com/hackgods/clinic-appointment-booking/internal/session"
)

type RouterConfig struct {
	Appointments  *appointment.Service
	Notifications *notification.Service
	Streamer      *notification.Streamer
	Sessions      *session.Registry
	Verifier      *auth.Verifier
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	Health        *HealthHandler
	Heartbeat     time.Duration
	Env           string
	Version       string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Health == nil {
		cfg.Health = NewHealthHandler(nil, nil, cfg.Env, cfg.Version)
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger, cfg.Metrics))

	// Health endpoints
	r.Get("/health/live", cfg.Health.Liveness)
	r.Get("/health/ready", cfg.Health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	streams := NewStreamHandler(cfg.Streamer, cfg.Verifier, cfg.Heartbeat, cfg.Metrics)
	staff := RequireRole(auth.RoleDoctor, auth.RoleAdmin)

	r.Route("/api/v1", func(r chi.Router) {
		// The websocket handshake authenticates itself so it can close with 4401.
		r.Get("/notifications/ws", streams.WebSocket)

		r.With(Authenticate(cfg.Verifier, true)).Get("/notifications/stream", streams.SSE)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Verifier, false))

			// Availability endpoints
			r.Get("/doctors/{doctorID}/availability", doctorAvailabilityHandler(cfg.Appointments))
			r.Get("/doctors/{doctorID}/slots", doctorSlotsHandler(cfg.Appointments))

			// Appointment endpoints
			r.Post("/appointments", createAppointmentHandler(cfg.Appointments, cfg.Sessions))
			r.Get("/appointments", listAppointmentsHandler(cfg.Appointments))
			r.Get("/appointments/{id}", getAppointmentHandler(cfg.Appointments))
			r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Appointments))
			r.With(staff).Post("/appointments/{id}/approve", approveAppointmentHandler(cfg.Appointments))
			r.With(staff).Post("/appointments/{id}/complete", completeAppointmentHandler(cfg.Appointments))
			r.With(staff).Post("/appointments/{id}/notify", notifyPatientHandler(cfg.Appointments))
			r.With(RequireRole(auth.RoleAdmin)).Put("/appointments/{id}/payment", setPaymentHandler(cfg.Appointments))

			// Notification endpoints
			r.Get("/notifications", listNotificationsHandler(cfg.Notifications))
			r.Get("/notifications/unread-count", unreadCountHandler(cfg.Notifications))
			r.Post("/notifications/read-all", markAllReadHandler(cfg.Notifications))
			r.Post("/notifications/{id}/read", markReadHandler(cfg.Notifications))

			// Booking session endpoints
			r.Post("/booking-sessions", createSessionHandler(cfg.Sessions))
			r.Get("/booking-sessions/{id}", getSessionHandler(cfg.Sessions))
			r.Put("/booking-sessions/{id}/fields/{field}", touchSessionHandler(cfg.Sessions))
			r.Delete("/booking-sessions/{id}", discardSessionHandler(cfg.Sessions))
		})
	})

	return r
}
