package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	bookings        *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	openStreams     *prometheus.GaugeVec
	droppedStreams  prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	bookings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_attempts_total",
		Help: "Booking attempts by outcome kind",
	}, []string{"outcome"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appointment_transitions_total",
		Help: "Committed appointment status transitions",
	}, []string{"to"})

	openStreams := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "notification_streams_open",
		Help: "Open notification streams by transport",
	}, []string{"transport"})

	droppedStreams := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notification_subscribers_dropped_total",
		Help: "Subscribers dropped for falling behind",
	})

	registry.MustRegister(
		requestDuration,
		bookings,
		transitions,
		openStreams,
		droppedStreams,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		bookings:        bookings,
		transitions:     transitions,
		openStreams:     openStreams,
		droppedStreams:  droppedStreams,
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// ObserveBooking counts a booking attempt; outcome is "created" or an error kind.
func (m *Metrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// StreamOpened increments the open-stream gauge and returns the matching decrement.
func (m *Metrics) StreamOpened(transport string) func() {
	if m == nil {
		return func() {}
	}
	g := m.openStreams.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.droppedStreams.Inc()
}
