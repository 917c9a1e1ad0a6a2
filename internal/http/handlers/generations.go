package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pixelkiln/server/internal/domain"
	"github.com/pixelkiln/server/internal/ledger"
	"github.com/pixelkiln/server/internal/poll"
	"github.com/pixelkiln/server/internal/registry"
)

type generateRequest struct {
	Type   string          `json:"type"`
	Params ledger.Params   `json:"params"`
	Prompt json.RawMessage `json:"prompt"`
}

type generateResponse struct {
	JobID        string `json:"job_id"`
	Queue        string `json:"queue"`
	Status       string `json:"status"`
	ReservedCost int    `json:"reserved_cost"`
	CreatedAt    string `json:"created_at"`
}

// GenerationSubmit reserves credits and queues a generation job.
func (a *App) GenerationSubmit(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	jobType := domain.JobType(req.Type)
	if !jobType.Valid() {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported job type")
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	job, err := a.Registry.Register(r.Context(), registry.RegisterInput{
		UserID:          userID,
		Type:            jobType,
		Payload:         payload,
		CreditsReserved: ledger.CostFor(jobType, req.Params),
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
	})
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, http.StatusPaymentRequired, "insufficient_credits", "not enough credits for this generation")
		return
	case errors.Is(err, domain.ErrInvalidPayload):
		a.error(w, http.StatusBadRequest, "bad_request", "invalid generation request")
		return
	case err != nil:
		a.Logger.Error().Err(err).Msg("http: generation submit failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue generation")
		return
	}

	a.json(w, http.StatusAccepted, generateResponse{
		JobID:        job.ID,
		Queue:        string(job.Type),
		Status:       string(job.Status),
		ReservedCost: job.CreditsReserved,
		CreatedAt:    job.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

type jobView struct {
	JobID         string `json:"job_id"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	ReservedCost  int    `json:"reserved_cost"`
	RetryCount    int    `json:"retry_count"`
	MaxRetries    int    `json:"max_retries"`
	Refunded      bool   `json:"refunded"`
	ResultRef     string `json:"result_ref,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func viewOf(job *domain.Job) jobView {
	return jobView{
		JobID:         job.ID,
		Type:          string(job.Type),
		Status:        string(job.Status),
		Progress:      poll.Progress(job),
		ReservedCost:  job.CreditsReserved,
		RetryCount:    job.RetryCount,
		MaxRetries:    job.MaxRetries,
		Refunded:      job.Refunded,
		ResultRef:     job.ResultRef,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:     job.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// loadOwnedJob fetches a job and enforces ownership; missing and foreign
// jobs are indistinguishable to the caller.
func (a *App) loadOwnedJob(r *http.Request) (*domain.Job, bool) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		return nil, false
	}
	job, err := a.Registry.Job(r.Context(), jobID)
	if err != nil || job.UserID != a.currentUserID(r) {
		return nil, false
	}
	return job, true
}

// GenerationStatus returns one job's state and coarse progress.
func (a *App) GenerationStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadOwnedJob(r)
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.json(w, http.StatusOK, viewOf(job))
}

// GenerationCancel aborts a pending or processing job. The body may carry an
// optional reason; an empty or absent one falls back to a generic note.
func (a *App) GenerationCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadOwnedJob(r)
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	err := a.Registry.Cancel(r.Context(), job.ID, body.Reason)
	if errors.Is(err, domain.ErrInvalidTransition) {
		a.error(w, http.StatusConflict, "conflict", "job can no longer be cancelled")
		return
	}
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("http: cancel failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}
	job, _ = a.Registry.Job(r.Context(), job.ID)
	a.json(w, http.StatusOK, viewOf(job))
}

// GenerationRetry re-enqueues a failed job with retry budget left.
func (a *App) GenerationRetry(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadOwnedJob(r)
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	err := a.Registry.Retry(r.Context(), job.ID)
	switch {
	case errors.Is(err, domain.ErrRetryExhausted):
		a.error(w, http.StatusConflict, "retry_exhausted", "job has no retries left")
		return
	case errors.Is(err, domain.ErrInvalidTransition):
		a.error(w, http.StatusConflict, "conflict", "only failed jobs can be retried")
		return
	case err != nil:
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("http: retry failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to retry job")
		return
	}
	job, _ = a.Registry.Job(r.Context(), job.ID)
	a.json(w, http.StatusOK, viewOf(job))
}

// GenerationList lists the caller's jobs; ?failed=1 narrows to failures.
func (a *App) GenerationList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var (
		jobs []domain.Job
		err  error
	)
	if r.URL.Query().Get("failed") == "1" {
		jobs, err = a.Registry.UserFailedJobs(r.Context(), userID)
	} else {
		jobs, err = a.Registry.UserJobs(r.Context(), userID)
	}
	if err != nil {
		a.Logger.Error().Err(err).Msg("http: list jobs failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	views := make([]jobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, viewOf(&jobs[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": views})
}

// GenerationStats aggregates the caller's job history.
func (a *App) GenerationStats(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	stats, err := a.Registry.Stats(r.Context(), userID)
	if err != nil {
		a.Logger.Error().Err(err).Msg("http: stats failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to compute stats")
		return
	}
	a.json(w, http.StatusOK, stats)
}
