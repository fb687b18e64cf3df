package httpapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/manthysbr/auleRender/internal/core/domain"
	"github.com/manthysbr/auleRender/internal/core/ports"
)

//go:embed openapi.yaml
var openapiSpec []byte

// workerUnavailableBody is the envelope returned verbatim when no
// workers are reachable at create time.
const workerUnavailableBody = `{"error":{"message":"The image queuing service is not currently running. Please try again in a few minutes.","service":"celery_worker","status":"unavailable","support_info":{"details":"No render workers responded to the health inspection within the timeout."}}}`

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"

	healthGateTimeout = time.Second
)

// Caller is the authenticated identity the upstream proxy injects.
type Caller struct {
	UserID string
	Admin  bool
}

// Server is the job orchestrator's HTTP surface plus the websocket
// streaming relay. It owns no job state; every read goes to the
// repository and every event to the progress bus.
type Server struct {
	logger *slog.Logger
	repo   ports.Repository
	queue  ports.TaskQueue
	bus    ports.ProgressBus
	router routers.Router

	defaultMaxDuration time.Duration
}

func NewServer(logger *slog.Logger, repo ports.Repository, queue ports.TaskQueue, bus ports.ProgressBus, defaultMaxDuration time.Duration) (*Server, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to load openapi spec: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid openapi spec: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build openapi router: %w", err)
	}

	if defaultMaxDuration <= 0 {
		defaultMaxDuration = 10 * time.Minute
	}
	return &Server{
		logger:             logger,
		repo:               repo,
		queue:              queue,
		bus:                bus,
		router:             router,
		defaultMaxDuration: defaultMaxDuration,
	}, nil
}

// Handler wires the job endpoints. The websocket relay is registered on
// the same mux; it hijacks the connection, so any middleware wrapped
// around this handler must pass the ResponseWriter through unwrapped.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("PUT /jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("GET /jobs/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) caller(r *http.Request) (Caller, bool) {
	userID := strings.TrimSpace(r.Header.Get(headerUserID))
	if userID == "" {
		return Caller{}, false
	}
	return Caller{
		UserID: userID,
		Admin:  r.Header.Get(headerUserRole) == "admin",
	}, true
}

// CreateJobRequest is the POST /jobs body.
type CreateJobRequest struct {
	Prompt         string               `json:"prompt"`
	NegativePrompt string               `json:"negative_prompt"`
	Checkpoint     string               `json:"checkpoint"`
	LoRAs          []domain.LoRA        `json:"loras"`
	Width          int                  `json:"width"`
	Height         int                  `json:"height"`
	BatchSize      int                  `json:"batch_size"`
	Sampler        domain.SamplerConfig `json:"sampler"`
	Params         map[string]string    `json:"params"`
}

type fieldError struct {
	Loc []string `json:"loc"`
	Msg string   `json:"msg"`
}

// validateCreateJob applies the job-creation constraints as a free
// function over the explicit record type; it returns every violation so
// the client can fix them in one pass.
func validateCreateJob(req CreateJobRequest) []fieldError {
	var errs []fieldError
	add := func(field, msg string) {
		errs = append(errs, fieldError{Loc: []string{"body", field}, Msg: msg})
	}

	if strings.TrimSpace(req.Prompt) == "" {
		add("prompt", "prompt must not be empty")
	}
	if req.Checkpoint == "" {
		add("checkpoint", "checkpoint must not be empty")
	}
	checkDim := func(field string, v int) {
		if v < 64 || v > 2048 {
			add(field, fmt.Sprintf("%s must be between 64 and 2048", field))
		} else if v%64 != 0 {
			add(field, fmt.Sprintf("%s must be a multiple of 64", field))
		}
	}
	checkDim("width", req.Width)
	checkDim("height", req.Height)
	if req.BatchSize < 1 || req.BatchSize > 8 {
		add("batch_size", "batch_size must be between 1 and 8")
	}
	if req.Sampler.Steps < 1 || req.Sampler.Steps > 150 {
		add("sampler", "steps must be between 1 and 150")
	}
	if req.Sampler.Seed < -1 {
		add("sampler", "seed must be a non-negative integer or -1")
	}
	return errs
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(r)
	if !ok {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	// Contract-level validation first: body shape against the embedded
	// OpenAPI document, before any field-level rules run.
	if err := s.validateAgainstContract(r); err != nil {
		s.writeValidationErrors(w, []fieldError{{Loc: []string{"body"}, Msg: err.Error()}})
		return
	}

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeValidationErrors(w, []fieldError{{Loc: []string{"body"}, Msg: "malformed JSON body"}})
		return
	}
	if req.BatchSize == 0 {
		req.BatchSize = 1
	}
	if req.Sampler.Steps == 0 {
		req.Sampler = defaultSampler(req.Sampler)
	}

	if errs := validateCreateJob(req); len(errs) > 0 {
		s.writeValidationErrors(w, errs)
		return
	}

	// Worker health gate: never create the row when workers are
	// down. A slow inspection counts as down.
	healthCtx, cancel := context.WithTimeout(r.Context(), healthGateTimeout)
	defer cancel()
	healthy, err := s.queue.WorkerHealthy(healthCtx)
	if err != nil || !healthy {
		if err != nil {
			s.logger.Warn("worker health inspection failed", "error", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, workerUnavailableBody)
		return
	}

	job := domain.Job{
		UserID:         caller.UserID,
		Prompt:         strings.TrimSpace(req.Prompt),
		NegativePrompt: req.NegativePrompt,
		Checkpoint:     req.Checkpoint,
		LoRAs:          req.LoRAs,
		Width:          req.Width,
		Height:         req.Height,
		BatchSize:      req.BatchSize,
		Sampler:        req.Sampler,
		Params:         req.Params,
		MaxDuration:    s.defaultMaxDuration,
		Status:         domain.JobStatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	jobID, err := s.repo.CreateJob(r.Context(), job)
	if err != nil {
		s.logger.Error("failed to create job", "error", err)
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}

	handle, err := s.queue.Enqueue(r.Context(), jobID)
	if err != nil {
		// Enqueue failed after the row exists: fail the row so the
		// client is not left polling a job nothing will ever pick up.
		s.logger.Error("failed to enqueue job", "job_id", jobID, "error", err)
		if failErr := s.repo.FailJob(r.Context(), jobID, "failed to enqueue render task", nil); failErr != nil {
			s.logger.Error("failed to mark unenqueued job as failed", "job_id", jobID, "error", failErr)
		}
		http.Error(w, "failed to enqueue job", http.StatusInternalServerError)
		return
	}
	if err := s.repo.SetTaskHandle(r.Context(), jobID, handle); err != nil {
		s.logger.Warn("failed to persist task handle", "job_id", jobID, "error", err)
	}

	created, err := s.repo.GetJob(r.Context(), jobID)
	if err != nil {
		s.logger.Error("failed to re-read created job", "job_id", jobID, "error", err)
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) validateAgainstContract(r *http.Request) error {
	route, pathParams, err := s.router.FindRoute(r)
	if err != nil {
		return fmt.Errorf("request does not match API contract: %w", err)
	}
	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options:    &openapi3filter.Options{AuthenticationFunc: openapi3filter.NoopAuthenticationFunc},
	}
	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		var reqErr *openapi3filter.RequestError
		if errors.As(err, &reqErr) {
			return fmt.Errorf("request body does not match API contract: %s", reqErr.Reason)
		}
		return err
	}
	return nil
}

func defaultSampler(s domain.SamplerConfig) domain.SamplerConfig {
	if s.Steps == 0 {
		s.Steps = 20
	}
	if s.CFG == 0 {
		s.CFG = 7
	}
	if s.Sampler == "" {
		s.Sampler = "euler_ancestral"
	}
	if s.Scheduler == "" {
		s.Scheduler = "normal"
	}
	if s.Denoise == 0 {
		s.Denoise = 1.0
	}
	return s
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(r)
	if !ok {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	job, err := s.repo.GetJob(r.Context(), domain.JobID(r.PathValue("id")))
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	if job.UserID != caller.UserID && !caller.Admin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(r)
	if !ok {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	filter := domain.JobFilter{}
	if !caller.Admin {
		filter.UserID = &caller.UserID
	} else if u := r.URL.Query().Get("user_id"); u != "" {
		filter.UserID = &u
	}
	if st := r.URL.Query().Get("status"); st != "" {
		status := domain.JobStatus(st)
		filter.Status = &status
	}

	page := domain.Pagination{Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			page.Limit = n
		}
	}
	if v := r.URL.Query().Get("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			page.Skip = n
		}
	}

	result, err := s.repo.ListJobs(r.Context(), filter, page)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleCancelJob is idempotent: cancelling a terminal job returns 204
// without touching the row. When the job was still pending, the queued
// handle is revoked so no worker ever claims it; a running job's worker
// observes the row change through its cancel token instead.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(r)
	if !ok {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	jobID := domain.JobID(r.PathValue("id"))
	job, err := s.repo.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	if job.UserID != caller.UserID && !caller.Admin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	previous, err := s.repo.CancelJob(r.Context(), jobID, "")
	if err != nil {
		s.writeRepoError(w, err)
		return
	}

	if previous == domain.JobStatusPending && job.TaskHandle != "" {
		if err := s.queue.Revoke(r.Context(), job.TaskHandle); err != nil {
			s.logger.Warn("failed to revoke task handle", "job_id", jobID, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteJob removes the row for terminal jobs only; a non-terminal
// job must be cancelled first. Artifact rows are unaffected.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(r)
	if !ok {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	jobID := domain.JobID(r.PathValue("id"))
	job, err := s.repo.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	if job.UserID != caller.UserID && !caller.Admin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !job.Status.IsTerminal() {
		http.Error(w, "job is not terminal", http.StatusConflict)
		return
	}

	if err := s.repo.DeleteJob(r.Context(), jobID); err != nil {
		s.writeRepoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeValidationErrors(w http.ResponseWriter, errs []fieldError) {
	s.writeJSON(w, http.StatusUnprocessableEntity, map[string][]fieldError{"detail": errs})
}

func (s *Server) writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrArtifactNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		s.logger.Error("repository error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
