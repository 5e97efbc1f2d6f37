package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"gpsnav/internal/localsearch"
	"gpsnav/internal/metrics"
	"gpsnav/internal/model"
	"gpsnav/internal/opt"
)

// OptimizerRunsHandler handles POST (start a run) and GET (list runs) on
// /v1/optimizer/runs.
func (s *Server) OptimizerRunsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.startOptimizerRun(w, r)
	case http.MethodGet:
		_, tenant := s.withTenant(r)
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListOptimizerRuns(r.Context(), tenant, cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List runs failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) startOptimizerRun(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !(p.IsAdmin() || p.Role == "dispatcher") {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	var req model.OptimizerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.TenantID == "" {
		_, req.TenantID = s.withTenant(r)
	}
	if err := validateOptimizerRunRequest(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid optimizer run request", err.Error(), r.URL.Path)
		return
	}

	rows := make([][]string, len(req.Routes))
	starts := make([]int, len(req.Routes))
	costs := make([]float64, len(req.Routes))
	for i, row := range req.Routes {
		rows[i] = append([]string(nil), row...)
		if len(req.FrozenCounts) > 0 {
			starts[i] = req.FrozenCounts[i]
		}
		costs[i] = stopRouteDistance(req.Stops, row)
	}
	schedule, err := localsearch.NewSchedule(rows, starts, costs)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid schedule", err.Error(), r.URL.Path)
		return
	}

	policy := req.Policy
	if policy == "" {
		policy = "bfs"
	}
	runID := uuid.New().String()
	run := model.OptimizerRun{
		ID:        runID,
		TenantID:  req.TenantID,
		PlanDate:  req.PlanDate,
		Status:    "running",
		Policy:    policy,
		Seed:      req.Seed,
		StartCost: schedule.Objective,
		BestCost:  schedule.Objective,
		StartedAt: time.Now().UTC(),
	}
	if err := s.Store.SaveOptimizerRun(r.Context(), run); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Save run failed", err.Error(), r.URL.Path)
		return
	}

	go s.runOptimizerSearch(req, schedule, run)

	writeJSON(w, http.StatusAccepted, map[string]any{"runId": runID, "status": run.Status})
}

// runOptimizerSearch executes the local-search engine in the background,
// fanning out progress over the SSE broker (throttled so a fast-converging
// search can't flood a slow client) and persisting the final state.
func (s *Server) runOptimizerSearch(req model.OptimizerRunRequest, schedule localsearch.Schedule[string], run model.OptimizerRun) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if req.TimeBudgetMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeBudgetMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	limiter := rate.NewLimiter(rate.Limit(5), 1) // at most 5 progress events/sec to subscribers
	improvements := 0

	evaluator := func(stops map[string]model.GeoPoint, _ int, seq []string) (float64, error) {
		metrics.EngineSwapsProposed.WithLabelValues(run.Policy).Inc()
		return stopRouteDistance(stops, seq), nil
	}
	listener := func(snap localsearch.Schedule[string], objective float64) {
		improvements++
		metrics.EngineSwapsAccepted.WithLabelValues(run.Policy).Inc()
		if limiter.Allow() {
			s.Broker.Publish(run.ID, SSEEvent{Type: "optimizer.progress", Data: map[string]any{
				"runId": run.ID, "objective": objective, "improvements": improvements,
			}})
		}
	}

	var final localsearch.Schedule[string]
	var searchErr error
	if run.Policy == "dfs" {
		seed := run.Seed
		if seed == 0 {
			seed = 1
		}
		rng := rand.New(rand.NewSource(seed))
		final, searchErr = localsearch.DFSOpt2[map[string]model.GeoPoint](ctx, schedule, req.Stops, evaluator, rng, nil, listener)
	} else {
		final, searchErr = localsearch.BFSOpt2[map[string]model.GeoPoint](ctx, schedule, req.Stops, evaluator, nil, listener)
	}
	metrics.EngineSearchDuration.WithLabelValues(run.Policy).Observe(time.Since(start).Seconds())

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Improvements = improvements
	switch {
	case searchErr != nil && strings.Contains(searchErr.Error(), "context"):
		metrics.EngineCancellations.WithLabelValues(run.Policy).Inc()
		run.Status = "canceled"
		run.Error = searchErr.Error()
	case searchErr != nil:
		run.Status = "failed"
		run.Error = searchErr.Error()
	default:
		run.Status = "completed"
		run.BestCost = final.Objective
	}

	ctxSave, cancelSave := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSave()
	_ = s.Store.SaveOptimizerRun(ctxSave, run)

	s.Broker.Publish(run.ID, SSEEvent{Type: "optimizer.completed", Data: map[string]any{
		"runId": run.ID, "status": run.Status, "bestCost": run.BestCost, "improvements": improvements,
	}})
	s.Pub.Emit(ctxSave, run.TenantID, "optimizer.completed", map[string]any{
		"runId": run.ID, "status": run.Status, "bestCost": run.BestCost, "startCost": run.StartCost,
	})
}

func stopRouteDistance(stops map[string]model.GeoPoint, order []string) float64 {
	total := 0.0
	for i := 0; i < len(order)-1; i++ {
		a, b := stops[order[i]], stops[order[i+1]]
		total += opt.Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
	}
	return total
}

// OptimizerRunByIDHandler handles GET /v1/optimizer/runs/{id} and the SSE
// stream at /v1/optimizer/runs/{id}/stream.
func (s *Server) OptimizerRunByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/optimizer/runs/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	_, tenant := s.withTenant(r)

	if len(parts) > 1 && parts[1] == "stream" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		ch := s.Broker.Subscribe(id)
		defer s.Broker.Unsubscribe(id, ch)
		fmt.Fprintf(w, "event: heartbeat\ndata: {\"runId\":\"%s\"}\n\n", id)
		flusher.Flush()
		notify := r.Context().Done()
		for {
			select {
			case <-notify:
				return
			case evt, open := <-ch:
				if !open {
					return
				}
				b, _ := json.Marshal(evt.Data)
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, string(b))
				flusher.Flush()
				if evt.Type == "optimizer.completed" {
					return
				}
			case <-time.After(15 * time.Second):
				fmt.Fprintf(w, "event: heartbeat\ndata: {\"runId\":\"%s\"}\n\n", id)
				flusher.Flush()
			}
		}
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	run, err := s.Store.GetOptimizerRun(r.Context(), tenant, id)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "Run not found", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
