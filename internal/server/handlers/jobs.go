package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/dbrelay/internal/errors"
	"github.com/3leaps/dbrelay/internal/service"
	"github.com/3leaps/dbrelay/pkg/events"
	"github.com/3leaps/dbrelay/pkg/jobregistry"
	"github.com/3leaps/dbrelay/pkg/request"
)

// Request identity headers.
const (
	UserIDHeader   = "X-User-ID"
	DefaultUserID  = "anonymous"
	maxRequestBody = 1 << 20
)

// JobService is the part of the engine the job endpoints use.
type JobService interface {
	StartBackup(uid, credentials string, spec request.BackupSpec) (*service.Submission, error)
	StartRestore(uid, credentials string, spec request.RestoreSpec) (*service.Submission, error)
	StartDump(uid, credentials string, spec request.DumpSpec) (*service.Submission, error)
	StartLoad(uid, credentials string, spec request.LoadSpec) (*service.Submission, error)

	BeginTransaction(ctx context.Context, uid, credentials string, spec request.TransactionSpec) (jobregistry.Record, error)
	CommitTransaction(uid, jobID string) (jobregistry.Record, error)
	RollbackTransaction(uid, jobID string) (jobregistry.Record, error)

	GetJob(t jobregistry.Type, uid, jobID string) (jobregistry.Record, error)
	ListJobs(t jobregistry.Type, uid string) []jobregistry.Record
	Cancel(t jobregistry.Type, uid, jobID string) (jobregistry.Record, error)
	JobLogs(t jobregistry.Type, uid, jobID string) map[string]string
}

// JobsHandler serves /api/v1 job endpoints.
type JobsHandler struct {
	engine   JobService
	hub      *events.Hub
	validate *validator.Validate
	logger   *zap.Logger
}

// NewJobsHandler builds the handler. hub may be nil, which disables the
// event stream.
func NewJobsHandler(engine JobService, hub *events.Hub, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{
		engine:   engine,
		hub:      hub,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Routes mounts the job endpoints on r.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Post("/backups", h.CreateBackup)
	r.Post("/restores", h.CreateRestore)
	r.Post("/dumps", h.CreateDump)
	r.Post("/loads", h.CreateLoad)

	r.Post("/transactions", h.BeginTransaction)
	r.Post("/transactions/{jobID}/commit", h.CommitTransaction)
	r.Post("/transactions/{jobID}/rollback", h.RollbackTransaction)

	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{type}/{jobID}", h.GetJob)
	r.Post("/jobs/{type}/{jobID}/cancel", h.CancelJob)
	r.Get("/jobs/{type}/{jobID}/logs/{name}", h.JobLog)
	if h.hub != nil {
		r.Get("/jobs/{type}/{jobID}/events", h.StreamEvents)
	}
}

// identity returns the caller's uid and credentials.
func identity(r *http.Request) (string, string) {
	uid := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if uid == "" {
		uid = DefaultUserID
	}
	creds := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(creds) > 7 && strings.EqualFold(creds[:7], "bearer ") {
		creds = strings.TrimSpace(creds[7:])
	}
	return uid, creds
}

// decode reads a JSON body into v and validates it. An empty body is
// accepted when allowEmpty is set.
func (h *JobsHandler) decode(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return apperrors.Wrap(apperrors.CodeBadRequest, err, "invalid request body")
		}
	}

	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]any, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			return apperrors.New(apperrors.CodeBadRequest, "request validation failed").
				WithDetails(map[string]any{"fields": fields})
		}
		return apperrors.Wrap(apperrors.CodeBadRequest, err, "request validation failed")
	}
	return nil
}

func (h *JobsHandler) accepted(w http.ResponseWriter, r *http.Request, sub *service.Submission, err error) {
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusAccepted, sub.Record)
}

func (h *JobsHandler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	var spec request.BackupSpec
	if err := h.decode(r, &spec, false); err != nil {
		respondWithError(w, r, err)
		return
	}
	uid, creds := identity(r)
	sub, err := h.engine.StartBackup(uid, creds, spec)
	h.accepted(w, r, sub, err)
}

func (h *JobsHandler) CreateRestore(w http.ResponseWriter, r *http.Request) {
	var spec request.RestoreSpec
	if err := h.decode(r, &spec, false); err != nil {
		respondWithError(w, r, err)
		return
	}
	uid, creds := identity(r)
	sub, err := h.engine.StartRestore(uid, creds, spec)
	h.accepted(w, r, sub, err)
}

func (h *JobsHandler) CreateDump(w http.ResponseWriter, r *http.Request) {
	var spec request.DumpSpec
	if err := h.decode(r, &spec, false); err != nil {
		respondWithError(w, r, err)
		return
	}
	uid, creds := identity(r)
	sub, err := h.engine.StartDump(uid, creds, spec)
	h.accepted(w, r, sub, err)
}

func (h *JobsHandler) CreateLoad(w http.ResponseWriter, r *http.Request) {
	var spec request.LoadSpec
	if err := h.decode(r, &spec, false); err != nil {
		respondWithError(w, r, err)
		return
	}
	uid, creds := identity(r)
	sub, err := h.engine.StartLoad(uid, creds, spec)
	h.accepted(w, r, sub, err)
}

func (h *JobsHandler) BeginTransaction(w http.ResponseWriter, r *http.Request) {
	var spec request.TransactionSpec
	if err := h.decode(r, &spec, true); err != nil {
		respondWithError(w, r, err)
		return
	}
	uid, creds := identity(r)
	rec, err := h.engine.BeginTransaction(r.Context(), uid, creds, spec)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusCreated, rec)
}

func (h *JobsHandler) CommitTransaction(w http.ResponseWriter, r *http.Request) {
	uid, _ := identity(r)
	rec, err := h.engine.CommitTransaction(uid, chi.URLParam(r, "jobID"))
	h.record(w, r, rec, err)
}

func (h *JobsHandler) RollbackTransaction(w http.ResponseWriter, r *http.Request) {
	uid, _ := identity(r)
	rec, err := h.engine.RollbackTransaction(uid, chi.URLParam(r, "jobID"))
	h.record(w, r, rec, err)
}

func (h *JobsHandler) record(w http.ResponseWriter, r *http.Request, rec jobregistry.Record, err error) {
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, rec)
}

// ListResponse is the body of GET /jobs.
type ListResponse struct {
	Jobs  []jobregistry.Record `json:"jobs"`
	Count int                  `json:"count"`
}

func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var t jobregistry.Type
	if raw := r.URL.Query().Get("type"); raw != "" {
		parsed, ok := jobregistry.ParseType(raw)
		if !ok {
			respondWithError(w, r, apperrors.BadRequest("unknown job type %q", raw))
			return
		}
		t = parsed
	}
	uid, _ := identity(r)
	jobs := h.engine.ListJobs(t, uid)
	if jobs == nil {
		jobs = []jobregistry.Record{}
	}
	apperrors.WriteJSON(w, http.StatusOK, ListResponse{Jobs: jobs, Count: len(jobs)})
}

// jobRef resolves the {type} and {jobID} path parameters.
func jobRef(r *http.Request) (jobregistry.Type, string, error) {
	raw := chi.URLParam(r, "type")
	t, ok := jobregistry.ParseType(raw)
	if !ok {
		return "", "", apperrors.BadRequest("unknown job type %q", raw)
	}
	return t, chi.URLParam(r, "jobID"), nil
}

func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	t, jobID, err := jobRef(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	uid, _ := identity(r)
	rec, err := h.engine.GetJob(t, uid, jobID)
	h.record(w, r, rec, err)
}

func (h *JobsHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	t, jobID, err := jobRef(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	uid, _ := identity(r)
	rec, err := h.engine.Cancel(t, uid, jobID)
	h.record(w, r, rec, err)
}

// JobLog serves one of a worker job's log files: status, stdout or stderr.
func (h *JobsHandler) JobLog(w http.ResponseWriter, r *http.Request) {
	t, jobID, err := jobRef(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	uid, _ := identity(r)
	if _, err := h.engine.GetJob(t, uid, jobID); err != nil {
		respondWithError(w, r, err)
		return
	}
	name := chi.URLParam(r, "name")
	path, ok := h.engine.JobLogs(t, uid, jobID)[name]
	if !ok {
		respondWithError(w, r, apperrors.NotFound("log %q not found for %s job %s", name, t, jobID))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, path)
}
