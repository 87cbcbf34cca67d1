package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openfroyo/epicflow/pkg/engine"
)

func (h *handler) getHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.coord.Snapshot(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// listUnits supports ?state=implementing and ?layer=1 filters.
func (h *handler) listUnits(w http.ResponseWriter, r *http.Request) {
	var state engine.LifecycleState
	if s := r.URL.Query().Get("state"); s != "" {
		parsed, err := engine.ParseLifecycleState(s)
		if err != nil {
			h.handleError(w, r, engine.NewCodedError(engine.ErrCodeValidation, err.Error(), nil))
			return
		}
		state = parsed
	}
	layer := -1
	if s := r.URL.Query().Get("layer"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.handleError(w, r, engine.NewCodedError(engine.ErrCodeValidation, "layer must be a non-negative integer", nil))
			return
		}
		layer = n
	}

	units, err := h.coord.Store().ListUnits(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	out := make([]*engine.Unit, 0, len(units))
	for _, u := range units {
		if state != "" && u.State != state {
			continue
		}
		if layer >= 0 && u.Layer != layer {
			continue
		}
		out = append(out, u)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.coord.Store().GetUnit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (h *handler) listGateResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.coord.Store().GetUnit(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}
	results, err := h.coord.Gates.History(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if results == nil {
		results = []*engine.GateResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *handler) latestGateResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.coord.Store().GetUnit(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}
	latest, err := h.coord.Gates.LatestByKind(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (h *handler) listUnitEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.coord.Store().GetUnit(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeEvents(w, r, id)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	h.writeEvents(w, r, r.URL.Query().Get("unit"))
}

func (h *handler) writeEvents(w http.ResponseWriter, r *http.Request, unitID string) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	events, err := h.coord.Events(r.Context(), unitID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if events == nil {
		events = []*engine.TransitionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

type blockers struct {
	UnitID    string   `json:"unit_id"`
	State     string   `json:"state"`
	Satisfied bool     `json:"contracts_satisfied"`
	Contracts []string `json:"contracts,omitempty"`
	Pending   []string `json:"pending_tasks,omitempty"`
	Park      any      `json:"park,omitempty"`
}

// getBlockers explains what keeps a unit from advancing.
func (h *handler) getBlockers(w http.ResponseWriter, r *http.Request) {
	unit, err := h.coord.Store().GetUnit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	reasons, err := h.coord.Contracts.Unsatisfied(r.Context(), unit.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	b := blockers{
		UnitID:    unit.ID,
		State:     string(unit.State),
		Satisfied: len(reasons) == 0,
		Contracts: reasons,
		Pending:   unit.PendingTasks(),
	}
	if unit.Park != nil {
		b.Park = unit.Park
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *handler) listSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := h.coord.Scheduler.Slots(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slots)
}

type queueView struct {
	Layer int      `json:"layer"`
	Units []string `json:"units"`
}

func (h *handler) getQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.coord.Scheduler.Queues(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	out := make([]queueView, 0, len(queues))
	for layer, units := range queues {
		out = append(out, queueView{Layer: layer, Units: units})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Layer < out[j].Layer })
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) listContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := h.coord.Contracts.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if contracts == nil {
		contracts = []*engine.Contract{}
	}
	writeJSON(w, http.StatusOK, contracts)
}

func (h *handler) getContract(w http.ResponseWriter, r *http.Request) {
	ref := engine.ContractRef{Name: chi.URLParam(r, "name"), Version: chi.URLParam(r, "version")}
	c, err := h.coord.Contracts.Get(r.Context(), ref)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// graph is Coordinator.Graph, except that an empty plan yields an empty graph.
func (h *handler) graph(r *http.Request) (*engine.ExecutionGraph, *engine.DAGBuilder, error) {
	units, err := h.coord.Store().ListUnits(r.Context())
	if err != nil {
		return nil, nil, err
	}
	if len(units) == 0 {
		return &engine.ExecutionGraph{Layers: []engine.ExecutionLayer{}, CriticalPath: []string{}}, engine.NewDAGBuilder(), nil
	}
	return h.coord.Graph(r.Context())
}

func (h *handler) getLayers(w http.ResponseWriter, r *http.Request) {
	graph, _, err := h.graph(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, graph.Layers)
}

func (h *handler) getCriticalPath(w http.ResponseWriter, r *http.Request) {
	graph, _, err := h.graph(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"units":  graph.CriticalPath,
		"effort": graph.CriticalEffort,
	})
}

func (h *handler) getGraphDOT(w http.ResponseWriter, r *http.Request) {
	_, builder, err := h.graph(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	_, _ = w.Write([]byte(builder.ToDOT()))
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	if limit <= 0 {
		limit = 100
	}
	var action, actor *string
	if s := r.URL.Query().Get("action"); s != "" {
		action = &s
	}
	if s := r.URL.Query().Get("actor"); s != "" {
		actor = &s
	}
	entries, err := h.audit.ListAuditEntries(r.Context(), action, actor, limit, 0)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// limit parses ?limit=N. Zero or absent means no limit.
func (h *handler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		h.handleError(w, r, engine.NewCodedError(engine.ErrCodeValidation, "limit must be a non-negative integer", nil))
		return 0, false
	}
	return n, true
}
