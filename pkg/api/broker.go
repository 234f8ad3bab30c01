package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/psantana5/bisect-farm/pkg/filter"
	"github.com/psantana5/bisect-farm/pkg/logging"
	"github.com/psantana5/bisect-farm/pkg/logstore"
	"github.com/psantana5/bisect-farm/pkg/models"
	"github.com/psantana5/bisect-farm/pkg/patch"
	"github.com/psantana5/bisect-farm/pkg/store"
)

const (
	maxJobBody   = 1 << 20
	maxPatchBody = 1 << 20
	maxLogChunk  = 8 << 20
)

// MetricsRecorder receives broker events
type MetricsRecorder interface {
	RecordJobCreated(jobType string)
	RecordPatch(kind, outcome string)
	RecordLogAppend(n int)
}

// BrokerHandler serves the job API over a Store and a LogStore
type BrokerHandler struct {
	store    store.Store
	logs     logstore.LogStore
	policy   patch.Policy
	validate *validator.Validate
	types    map[string]TypeValidator
	metrics  MetricsRecorder
	logger   *logging.Logger
	newID    func() string
}

// NewBrokerHandler creates a handler with the default patch policy and job types
func NewBrokerHandler(s store.Store, logs logstore.LogStore, logger *logging.Logger) *BrokerHandler {
	return &BrokerHandler{
		store:    s,
		logs:     logs,
		policy:   patch.DefaultPolicy(),
		validate: NewValidator(),
		types:    DefaultTypes(),
		logger:   logger,
		newID:    func() string { return uuid.New().String() },
	}
}

// SetMetricsRecorder sets the metrics recorder for the handler
func (h *BrokerHandler) SetMetricsRecorder(recorder MetricsRecorder) {
	h.metrics = recorder
}

// RegisterRoutes registers all API routes
func (h *BrokerHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs", h.CreateJob).Methods("POST")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.PatchJob).Methods("PATCH")
	r.HandleFunc("/jobs/{id}/log", h.AppendLog).Methods("PUT")
	r.HandleFunc("/jobs/{id}/log", h.GetJobLog).Methods("GET")
	r.HandleFunc("/log/{id}", h.RenderLog).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// ListJobs returns the ids of jobs matching the filter query, in store order
func (h *BrokerHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	matched, err := filter.Jobs(h.store.List(), r.URL.Query())
	if err != nil {
		h.logger.Error("Failed to filter jobs", logging.Fields{"error": err})
		WriteError(w, http.StatusInternalServerError, CodeInternal, "failed to filter jobs", nil)
		return
	}

	ids := make([]string, 0, len(matched))
	for _, job := range matched {
		ids = append(ids, job.ID)
	}
	writeJSON(w, http.StatusOK, models.JobList{Jobs: ids, Count: len(ids)})
}

// GetJob returns the job body with its etag
func (h *BrokerHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, etag, err := h.store.Get(id)
	if err != nil {
		h.writeStoreError(w, id, err)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, job)
}

// CreateJob validates a submission and stores a new unclaimed job
func (h *BrokerHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJobBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("invalid request body: %v", err), nil)
		return
	}

	if verr := validateRequest(h.validate, h.types, &req); verr != nil {
		WriteError(w, http.StatusUnprocessableEntity, CodeValidationError, "Validation failed", verr.Fields)
		return
	}

	job := &models.Job{
		ID:            h.newID(),
		Type:          req.Type,
		BisectRange:   models.BisectRange{req.BisectRange[0], req.BisectRange[1]},
		Gist:          req.Gist,
		Platform:      req.Platform,
		History:       []models.Result{},
		BotClientData: req.BotClientData,
	}
	if err := h.store.Create(job); err != nil {
		h.logger.Error("Failed to create job", logging.Fields{"job_id": job.ID, "error": err})
		WriteError(w, http.StatusInternalServerError, CodeInternal, "failed to create job", nil)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordJobCreated(job.Type)
	}
	h.logger.Info("Job created", logging.Fields{"job_id": job.ID, "type": job.Type, "platform": job.Platform})

	_, etag, err := h.store.Get(job.ID)
	if err == nil {
		w.Header().Set("ETag", etag)
	}
	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, http.StatusCreated, models.CreatedJob{ID: job.ID})
}

// PatchJob applies a JSON-Patch batch atomically, honoring If-Match
func (h *BrokerHandler) PatchJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var ops []models.PatchOp
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPatchBody)).Decode(&ops); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("patch body must be a JSON array of operations: %v", err), nil)
		return
	}

	kind := patch.Classify(ops)
	job, etag, err := h.store.Update(id, r.Header.Get("If-Match"), func(j *models.Job) error {
		_, err := patch.Apply(j, ops, h.policy)
		return err
	})
	if err != nil {
		h.recordPatch(kind, err)
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		h.writeStoreError(w, id, err)
		return
	}
	h.recordPatch(kind, nil)

	fields := logging.Fields{"job_id": id, "kind": kind.String()}
	switch kind {
	case patch.Claim:
		fields["runner"] = job.Current.Runner
		h.logger.Info("Job claimed", fields)
	case patch.Completion:
		fields["runner"] = job.Last.Runner
		fields["status"] = string(job.Last.Status)
		h.logger.Info("Job completed", fields)
	default:
		h.logger.Debug("Job patched", fields)
	}

	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, job)
}

// AppendLog appends the raw request body to the job's log. It is not
// conditioned on the etag.
func (h *BrokerHandler) AppendLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, _, err := h.store.Get(id); err != nil {
		h.writeStoreError(w, id, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxLogChunk))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("failed to read log chunk: %v", err), nil)
		return
	}

	length := h.logs.Append(id, string(body))
	if h.metrics != nil {
		h.metrics.RecordLogAppend(len(body))
	}
	writeJSON(w, http.StatusOK, map[string]int{"length": length})
}

// GetJobLog returns the raw log text
func (h *BrokerHandler) GetJobLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, _, err := h.store.Get(id); err != nil {
		h.writeStoreError(w, id, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, h.logs.Read(id))
}

// RenderLog renders the log for operators as HTML or text
func (h *BrokerHandler) RenderLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, _, err := h.store.Get(id)
	if err != nil {
		h.writeStoreError(w, id, err)
		return
	}

	view := logstore.View{JobID: id, Running: job.Claimed(), Text: h.logs.Read(id)}
	if err := logstore.Render(w, view, logstore.NegotiateFormat(r)); err != nil {
		h.logger.Error("Failed to render log", logging.Fields{"job_id": id, "error": err})
	}
}

// Health reports liveness and the number of stored jobs
func (h *BrokerHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"jobs":   h.store.Count(),
	})
}

// writeStoreError converts store and patch errors to HTTP responses
func (h *BrokerHandler) writeStoreError(w http.ResponseWriter, id string, err error) {
	var perr *patch.Error
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("job %s not found", id), nil)
	case errors.Is(err, store.ErrPreconditionFailed):
		WriteError(w, http.StatusPreconditionFailed, CodePreconditionFailed,
			fmt.Sprintf("job %s was modified; re-fetch and retry", id), nil)
	case errors.As(err, &perr):
		var details interface{}
		if perr.Index >= 0 {
			details = map[string]interface{}{"index": perr.Index, "op": perr.Op, "path": perr.Path}
		}
		WriteError(w, http.StatusBadRequest, CodePatchRejected, perr.Error(), details)
	default:
		h.logger.Error("Store operation failed", logging.Fields{"job_id": id, "error": err})
		WriteError(w, http.StatusInternalServerError, CodeInternal, fmt.Sprintf("failed to update job %s", id), nil)
	}
}

func (h *BrokerHandler) recordPatch(kind patch.Kind, err error) {
	if h.metrics == nil {
		return
	}
	outcome := "applied"
	var perr *patch.Error
	switch {
	case err == nil:
	case errors.Is(err, store.ErrJobNotFound):
		outcome = "not_found"
	case errors.Is(err, store.ErrPreconditionFailed):
		outcome = "precondition_failed"
	case errors.As(err, &perr):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	h.metrics.RecordPatch(kind.String(), outcome)
}
