package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event metrics
	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypnos_bot_events_received_total",
		Help: "Total number of gateway events received",
	}, []string{"chat_type"})

	commandsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypnos_bot_commands_total",
		Help: "Total number of parsed commands by kind",
	}, []string{"kind"})

	// Request metrics
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hypnos_bot_request_duration_seconds",
		Help:    "Duration of external generative requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "outcome"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypnos_bot_requests_total",
		Help: "Total number of external generative requests by outcome",
	}, []string{"kind", "outcome"})

	requestAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypnos_bot_request_attempts_total",
		Help: "Total number of provider call attempts",
	}, []string{"kind"})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hypnos_bot_requests_in_flight",
		Help: "Number of requests currently holding a conversation slot",
	})

	// Backpressure metrics
	rateLimitDeferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypnos_bot_rate_limit_deferred_total",
		Help: "Total number of rate limiter deferrals",
	}, []string{"service"})

	backpressure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypnos_bot_backpressure_total",
		Help: "Total number of commands denied or queued for lack of a slot",
	}, []string{"result"})

	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypnos_bot_deliveries_total",
		Help: "Total number of outbound deliveries",
	}, []string{"status"})

	// Active conversations gauge
	activeConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hypnos_bot_active_conversations",
		Help: "Number of conversations held in memory",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordEventReceived records an inbound gateway event
func (m *Metrics) RecordEventReceived(chatType string) {
	eventsReceived.WithLabelValues(chatType).Inc()
}

// RecordCommand records a parsed command
func (m *Metrics) RecordCommand(kind string) {
	commandsParsed.WithLabelValues(kind).Inc()
}

// RecordRequest records a finished request
func (m *Metrics) RecordRequest(kind, outcome string, duration time.Duration) {
	requestDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
	requestsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordAttempt records a single provider call attempt
func (m *Metrics) RecordAttempt(kind string) {
	requestAttempts.WithLabelValues(kind).Inc()
}

// RecordRateLimitDeferred records a rate limiter deferral
func (m *Metrics) RecordRateLimitDeferred(service string) {
	rateLimitDeferred.WithLabelValues(service).Inc()
}

// RecordBackpressure records a command that found no free slot
func (m *Metrics) RecordBackpressure(result string) {
	backpressure.WithLabelValues(result).Inc()
}

// RecordDelivery records an outbound delivery
func (m *Metrics) RecordDelivery(status string) {
	deliveries.WithLabelValues(status).Inc()
}

// IncInFlight and DecInFlight track held slots
func (m *Metrics) IncInFlight() { inFlight.Inc() }
func (m *Metrics) DecInFlight() { inFlight.Dec() }

// SetActiveConversations sets the number of live conversations
func (m *Metrics) SetActiveConversations(count float64) {
	activeConversations.Set(count)
}

// NewMetricsRouter builds the router serving metrics and health
func NewMetricsRouter(path string) *mux.Router {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return router
}

// StartMetricsServer serves metrics until ctx is cancelled
func StartMetricsServer(ctx context.Context, port int, path string) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      NewMetricsRouter(path),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
