package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pixelkiln/server/internal/domain"
)

// AdminDeadLetters lists dead-lettered jobs for one queue.
func (a *App) AdminDeadLetters(w http.ResponseWriter, r *http.Request) {
	jobType := domain.JobType(chi.URLParam(r, "type"))
	if !jobType.Valid() {
		a.error(w, http.StatusBadRequest, "bad_request", "unknown queue")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	letters, err := a.DLQ.List(r.Context(), jobType, limit)
	if err != nil {
		a.Logger.Error().Err(err).Msg("http: dead letter list failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list dead letters")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

// AdminSweepJobs clears terminal failed jobs past the retention window.
func (a *App) AdminSweepJobs(w http.ResponseWriter, r *http.Request) {
	removed, err := a.Registry.ClearOldFailedJobs(r.Context(), a.FailedRetention)
	if err != nil {
		a.Logger.Error().Err(err).Msg("http: sweep failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to sweep jobs")
		return
	}
	a.json(w, http.StatusOK, map[string]int{"removed": removed})
}
