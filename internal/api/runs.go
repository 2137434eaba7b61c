package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/loadforge/platform/internal/domain"
	"github.com/loadforge/platform/internal/store"
)

// MountRunRoutes mounts the run-orchestration HTTP surface.
func MountRunRoutes(r chi.Router, s *Server) {
	r.Post("/runs/{specId}", s.HandleStartRun)
	r.Delete("/runs/{runId}", s.HandleStopRun)
	r.Get("/runs", s.HandleListRuns)
	r.Get("/runs/active", s.HandleListActiveRuns)
	r.Get("/runs/{runId}", s.HandleGetRun)
	r.Get("/runs/{runId}/csv", s.HandleGetRunCSV)
	r.Delete("/runs/{runId}/delete", s.HandleDeleteRun)
}

// startRunResponse is the 201 body for POST /runs/{specId}.
type startRunResponse struct {
	RunID string `json:"runId"`
}

// HandleStartRun admits a new run against the spec named by the path
// parameter.
func (s *Server) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	specID := chi.URLParam(r, "specId")

	runID, err := s.Orchestrator.StartRun(r.Context(), specID)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, startRunResponse{RunID: runID})
}

// HandleStopRun cancels a run in flight.
func (s *Server) HandleStopRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	if err := s.Orchestrator.StopRun(r.Context(), runID); err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// listRunsResponse is the 200 body for GET /runs.
type listRunsResponse struct {
	Runs []*domain.RunRecord `json:"runs"`
}

// HandleListRuns returns up to 100 runs, newest first.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parsePagination(r)

	runs, err := s.Store.List(r.Context(), limit)
	if err != nil {
		internalError(w, "list runs failed", err)
		return
	}
	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs})
}

// activeRunView is the JSON shape of one entry in GET /runs/active.
type activeRunView struct {
	RunID          string  `json:"runId"`
	SpecID         string  `json:"specId"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

// listActiveRunsResponse is the 200 body for GET /runs/active.
type listActiveRunsResponse struct {
	ActiveRuns []activeRunView `json:"activeRuns"`
}

// HandleListActiveRuns reports every run this process currently has a live
// Supervisor for.
func (s *Server) HandleListActiveRuns(w http.ResponseWriter, r *http.Request) {
	active := s.Orchestrator.ListActive()
	views := make([]activeRunView, 0, len(active))
	for _, a := range active {
		views = append(views, activeRunView{RunID: a.RunID, SpecID: a.SpecID, ElapsedSeconds: a.ElapsedSeconds})
	}
	writeJSON(w, http.StatusOK, listActiveRunsResponse{ActiveRuns: views})
}

// HandleGetRun returns the current record for one run.
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	record, err := s.Store.Get(r.Context(), runID)
	if err != nil {
		internalError(w, "get run failed", err)
		return
	}
	if record == nil {
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*domain.RunRecord{"run": record})
}

// csvColumns is the export's fixed column order; consumers key on these
// exact header names.
var csvColumns = []string{
	"Run ID", "Spec Name", "Status", "Started At", "Completed At",
	"Total Requests", "Successful Requests", "Failed Requests", "Average RPS",
	"P50 Latency (ms)", "P95 Latency (ms)", "P99 Latency (ms)", "Error Rate (%)", "Duration (s)",
}

// HandleGetRunCSV exports a completed run's summary as a single CSV row.
func (s *Server) HandleGetRunCSV(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	record, err := s.Store.Get(r.Context(), runID)
	if err != nil {
		internalError(w, "get run failed", err)
		return
	}
	if record == nil {
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if record.Summary == nil {
		errorJSON(w, "run has no summary yet", "NO_SUMMARY", http.StatusBadRequest)
		return
	}

	// Spec name is not available off the run record alone (spec CRUD lives
	// outside this service); the run's spec id stands in for it.
	summary := record.Summary
	completedAt := ""
	if record.CompletedAt != nil {
		completedAt = record.CompletedAt.Format(csvTimeLayout)
	}

	row := []string{
		record.ID,
		record.SpecID,
		string(record.Status),
		record.StartedAt.Format(csvTimeLayout),
		completedAt,
		strconv.FormatInt(summary.TotalRequests, 10),
		strconv.FormatInt(summary.SuccessfulRequests, 10),
		strconv.FormatInt(summary.FailedRequests, 10),
		formatFloat(summary.AverageRps),
		formatFloat(summary.P50Latency),
		formatFloat(summary.P95Latency),
		formatFloat(summary.P99Latency),
		formatFloat(summary.ErrorRate),
		formatFloat(summary.Duration),
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="run-%s.csv"`, record.ID))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return
	}
	if err := cw.Write(row); err != nil {
		return
	}
	cw.Flush()
}

const csvTimeLayout = "2006-01-02T15:04:05Z07:00"

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// HandleDeleteRun permanently removes a run record. Guarded by the
// still_running rule: a non-terminal run must be stopped first.
func (s *Server) HandleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	record, err := s.Store.Get(r.Context(), runID)
	if err != nil {
		internalError(w, "get run failed", err)
		return
	}
	if record == nil {
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if !record.Status.IsTerminal() {
		errorJSON(w, "run is still running; stop it before deleting", "STILL_RUNNING", http.StatusBadRequest)
		return
	}

	if err := s.Store.Delete(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "delete run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// writeRunError maps the domain sentinel errors surfaced by the
// Orchestrator to their HTTP status codes.
func writeRunError(w http.ResponseWriter, err error) {
	var invalid *domain.SpecInvalidError
	switch {
	case errors.As(err, &invalid):
		errorJSON(w, invalid.Error(), "SPEC_INVALID", http.StatusBadRequest)
	case errors.Is(err, domain.ErrSpecNotFound):
		errorJSON(w, "spec not found", "SPEC_NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, domain.ErrRunNotFound):
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, domain.ErrCapacityExhausted):
		errorJSON(w, "worker capacity exhausted", "CAPACITY_EXHAUSTED", http.StatusTooManyRequests)
	default:
		internalError(w, "run operation failed", err)
	}
}
