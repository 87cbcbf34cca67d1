// Package telemetry provides observability for the epicflow scheduler.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an in-process event publisher. Metrics implements
// engine.Recorder and EventPublisher implements engine.TransitionPublisher,
// so both can be handed straight to engine.NewCoordinator:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	coord, err := engine.NewCoordinator(store, executor, engine.CoordinatorOptions{
//	    Logger:    tel.Logger.Zerolog(),
//	    Recorder:  tel.Metrics,
//	    Publisher: tel.Events,
//	})
//
// # Metrics
//
// All series share the configured namespace (default "epicflow"):
//
//	transitions_total{from,to,accepted}
//	gate_results_total{kind,outcome}
//	gate_duration_seconds{kind}
//	worker_slots, worker_slots_busy
//	admission_queue_depth{layer}
//	auto_parks_total
//	errors_by_class_total{class}, errors_by_code_total{code}
//
// A disabled MetricsConfig yields a Metrics whose methods are no-ops.
//
// # Events
//
// Transition attempts are published as transition.accepted,
// transition.rejected or unit.parked events. Subscribers receive events on
// their own goroutine; with EnableAsync the publisher buffers and drops
// events when the buffer is full. The store's transition log remains the
// source of truth.
//
// # Tracing
//
// NewTracer installs the global tracer provider. The engine starts its
// spans from that provider, so no tracer needs to be passed around. The
// default configuration leaves tracing disabled.
package telemetry
