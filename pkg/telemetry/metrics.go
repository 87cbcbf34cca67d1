package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for epicflow. It implements
// engine.Recorder.
type Metrics struct {
	config MetricsConfig

	// Lifecycle metrics
	transitions *prometheus.CounterVec

	// Gate metrics
	gateOutcomes *prometheus.CounterVec
	gateDuration *prometheus.HistogramVec

	// Scheduler metrics
	slotsBusy  prometheus.Gauge
	slotsTotal prometheus.Gauge
	queueDepth *prometheus.GaugeVec
	autoParks  prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Lifecycle transition attempts by edge and result",
			},
			[]string{"from", "to", "accepted"},
		),

		gateOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_results_total",
				Help:      "Gate results by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		gateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gate_duration_seconds",
				Help:      "Duration of gate execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		slotsBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_slots_busy",
				Help:      "Worker slots currently holding a unit",
			},
		),
		slotsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_slots",
				Help:      "Registered worker slots",
			},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "admission_queue_depth",
				Help:      "Units waiting for a worker, by execution layer",
			},
			[]string{"layer"},
		),
		autoParks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auto_parks_total",
				Help:      "Units parked by the idle reaper",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.transitions,
		m.gateOutcomes,
		m.gateDuration,
		m.slotsBusy,
		m.slotsTotal,
		m.queueDepth,
		m.autoParks,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Lifecycle Metrics

// RecordTransition counts a transition attempt.
func (m *Metrics) RecordTransition(from, to string, accepted bool) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, strconv.FormatBool(accepted)).Inc()
}

// Gate Metrics

// RecordGateOutcome counts a gate result and observes its duration.
func (m *Metrics) RecordGateOutcome(kind, outcome string, duration time.Duration) {
	if m.gateOutcomes == nil {
		return
	}
	m.gateOutcomes.WithLabelValues(kind, outcome).Inc()
	m.gateDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// Scheduler Metrics

// RecordSlotOccupancy sets the busy and total worker slot gauges.
func (m *Metrics) RecordSlotOccupancy(busy, total int) {
	if m.slotsBusy == nil {
		return
	}
	m.slotsBusy.Set(float64(busy))
	m.slotsTotal.Set(float64(total))
}

// RecordQueueDepths replaces the per-layer queue depth gauges. Layers that
// are no longer queued disappear from the output.
func (m *Metrics) RecordQueueDepths(depths map[int]int) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Reset()
	for layer, depth := range depths {
		m.queueDepth.WithLabelValues(strconv.Itoa(layer)).Set(float64(depth))
	}
}

// RecordAutoPark counts an idle-timeout park.
func (m *Metrics) RecordAutoPark() {
	if m.autoParks == nil {
		return
	}
	m.autoParks.Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint on its own listener until
// ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	return nil
}
