// Package api serves a read-only HTTP view of the scheduler: units, worker
// slots, admission queues, contracts, layers, gate history and the
// transition log.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/openfroyo/epicflow/pkg/engine"
	"github.com/openfroyo/epicflow/pkg/stores"
)

// Config for the HTTP handler.
type Config struct {
	Coordinator *engine.Coordinator

	// Audit exposes /v1/audit when set.
	Audit stores.Auditor

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// Health is consulted by /healthz. Nil always reports healthy.
	Health func(ctx context.Context) error

	Logger zerolog.Logger
}

type errorBody struct {
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	Resource string                 `json:"resource,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type handler struct {
	coord  *engine.Coordinator
	audit  stores.Auditor
	health func(ctx context.Context) error
	logger zerolog.Logger
}

// New returns the HTTP handler.
func New(cfg Config) http.Handler {
	h := &handler{
		coord:  cfg.Coordinator,
		audit:  cfg.Audit,
		health: cfg.Health,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.getHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/snapshot", h.getSnapshot)

		r.Get("/units", h.listUnits)
		r.Route("/units/{id}", func(r chi.Router) {
			r.Get("/", h.getUnit)
			r.Get("/gates", h.listGateResults)
			r.Get("/gates/latest", h.latestGateResults)
			r.Get("/events", h.listUnitEvents)
			r.Get("/blockers", h.getBlockers)
		})

		r.Get("/slots", h.listSlots)
		r.Get("/queues", h.getQueues)

		r.Get("/contracts", h.listContracts)
		r.Get("/contracts/{name}/{version}", h.getContract)

		r.Get("/layers", h.getLayers)
		r.Get("/critical-path", h.getCriticalPath)
		r.Get("/graph.dot", h.getGraphDOT)

		r.Get("/events", h.listEvents)
		if h.audit != nil {
			r.Get("/audit", h.listAudit)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errorBody{Code: engine.ErrCodeNotFound, Message: "no route for " + r.URL.Path})
	})
	return r
}

func (h *handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, errorEnvelope{Error: body})
}

// handleError maps an engine error onto an HTTP status and the error envelope.
func (h *handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, errorBody{Code: engine.ErrCodeInternal, Message: err.Error()})
		return
	}

	status := statusFor(ee)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeError(w, status, errorBody{
		Code:     ee.Code,
		Message:  ee.Message,
		Resource: ee.Resource,
		Details:  ee.Details,
	})
}

func statusFor(ee *engine.EngineError) int {
	switch ee.Code {
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeValidation, engine.ErrCodeUnknownDependency, engine.ErrCodeCycleDetected:
		return http.StatusBadRequest
	}
	switch ee.Class {
	case engine.ErrorClassConflict:
		return http.StatusConflict
	case engine.ErrorClassTransient, engine.ErrorClassThrottled:
		return http.StatusServiceUnavailable
	case engine.ErrorClassPermanent:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
