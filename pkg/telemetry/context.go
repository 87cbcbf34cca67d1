package telemetry

import (
	"context"
	"errors"

	"github.com/openfroyo/epicflow/pkg/engine"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Initialize tracer
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	// Initialize metrics
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	// Initialize event publisher
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Shutdown in reverse order of initialization
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	// Metrics server is not explicitly shut down here as it may need to continue
	// serving metrics until the very end of the application lifecycle

	return nil
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx, t.Logger.Zerolog())
}

// RecordError counts err by class and code when it is an engine error.
func (t *Telemetry) RecordError(err error) {
	if err == nil {
		return
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		t.Metrics.RecordError(string(ee.Class), ee.Code)
		return
	}
	t.Metrics.RecordError("unknown", "")
}

// WithUnitContext returns a context whose logger carries the unit and,
// when set, the worker it is assigned to.
func WithUnitContext(ctx context.Context, unitID, workerID string) context.Context {
	logger := FromContext(ctx).WithUnitID(unitID)
	if workerID != "" {
		logger = logger.WithWorkerID(workerID)
	}
	return logger.WithContext(ctx)
}

// InstrumentGate runs one gate execution inside a span and publishes its
// outcome. fn returns the outcome string.
func InstrumentGate(ctx context.Context, unitID, gate, kind string, fn func(context.Context) (string, error)) (string, error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	spanCtx, span := tel.Tracer.StartGateSpan(ctx, unitID, gate, kind)
	defer span.End()
	timer := NewTimer()

	outcome, err := fn(tel.Logger.WithUnitID(unitID).WithGate(gate, kind).WithContext(spanCtx))
	if err != nil {
		RecordError(span, err)
		return outcome, err
	}

	span.SetAttributes(AttrGateOutcome.String(outcome))
	RecordSuccess(span)
	_ = tel.Events.PublishGateCompleted(unitID, gate, kind, outcome, timer.Duration())
	return outcome, nil
}

var (
	_ engine.Recorder            = (*Metrics)(nil)
	_ engine.TransitionPublisher = (*EventPublisher)(nil)
)
