// Copyright 2025 James Ross
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-redis-work-queue/internal/balancer"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/errkind"
	"github.com/flyingrobots/go-redis-work-queue/internal/fileplane"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/nodefleet"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
)

// Canceler is the worker pool's in-flight cancellation hook. A job in
// status=queued is cancelled by a direct store write; a job already
// being driven by a worker needs its bound context cancelled, which is
// what this interface exists to reach.
type Canceler interface {
	Cancel(jobID string) bool
}

// Handler holds every dependency the thin HTTP surface needs. It does
// not itself run the dispatch pipeline; it validates, persists, and
// enqueues, same division of labor as spec.md §2 assigns the intake.
type Handler struct {
	cfg      *config.Config
	queue    *queue.Queue
	store    *jobstore.Store
	files    *fileplane.Plane
	nodes    *nodefleet.Manager
	balancer *balancer.Balancer
	cancel   Canceler
	log      *zap.Logger
}

func NewHandler(cfg *config.Config, q *queue.Queue, store *jobstore.Store, files *fileplane.Plane, nodes *nodefleet.Manager, bal *balancer.Balancer, cancel Canceler, log *zap.Logger) *Handler {
	return &Handler{cfg: cfg, queue: q, store: store, files: files, nodes: nodes, balancer: bal, cancel: cancel, log: log}
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorResponse(w http.ResponseWriter, status int, kind, message string) {
	writeJSONResponse(w, status, ErrorBody{Kind: kind, Message: message})
}

func writeTaxonomyError(w http.ResponseWriter, err *errkind.Error) {
	writeJSONResponse(w, err.Kind.HTTPStatus(), ErrorBody{Kind: string(err.Kind), Message: err.Message})
}

// submitJob backs both POST /jobs/text-to-image and POST /jobs/image-to-video;
// kind is the closed job-kind tag the rest of the pipeline dispatches on.
func (h *Handler) submitJob(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params map[string]any
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeTaxonomyError(w, errkind.Validationf("request body must be a JSON object: %v", err))
			return
		}

		workflowName, _ := params["workflow_name"].(string)
		if workflowName == "" {
			writeTaxonomyError(w, errkind.Validationf("workflow_name is required"))
			return
		}

		priority := 0
		if v, ok := params["priority"]; ok {
			if f, ok := v.(float64); ok {
				priority = int(f)
			}
		}

		clientID := clientIDFromContext(r.Context())
		jobID := uuid.NewString()

		ctx := r.Context()
		job := &jobstore.Job{
			JobID:        jobID,
			Kind:         kind,
			ClientID:     clientID,
			SourceTag:    "client",
			TemplateName: workflowName,
			Params:       params,
			Status:       jobstore.StatusQueued,
			Priority:     priority,
		}
		if err := h.store.Create(ctx, job); err != nil {
			h.log.Error("job store create failed", zap.Error(err), zap.String("job_id", jobID))
			writeTaxonomyError(w, errkind.Internalf("failed to persist job"))
			return
		}

		traceID, spanID := obs.GetTraceAndSpanID(ctx)
		if err := h.queue.Enqueue(ctx, queue.NewJob(jobID, kind, priority, traceID, spanID)); err != nil {
			h.log.Error("enqueue failed", zap.Error(err), zap.String("job_id", jobID))
			writeTaxonomyError(w, errkind.Internalf("failed to enqueue job"))
			return
		}

		obs.JobsSubmitted.WithLabelValues(kind).Inc()

		estimate := 0
		if d, ok := h.cfg.Worker.MonitorDeadline[kind]; ok {
			estimate = int(d.Seconds())
		}
		writeJSONResponse(w, http.StatusAccepted, SubmitResponse{
			JobID:          jobID,
			Status:         string(jobstore.StatusQueued),
			EstimatedTimeS: estimate,
		})
	}
}

func toJobResponse(j *jobstore.Job) JobResponse {
	resp := JobResponse{
		JobID:       j.JobID,
		Kind:        j.Kind,
		Status:      string(j.Status),
		Progress:    j.Progress,
		Message:     j.Message,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Error != nil {
		resp.Error = &ErrorBody{Kind: j.Error.Kind, Message: j.Error.Message, Details: j.Error.Details}
	}
	for i := range j.Results {
		resp.Results = append(resp.Results, fmt.Sprintf("/jobs/%s/artifacts?index=%d", j.JobID, i))
	}
	return resp
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	j, err := h.store.ReadByID(r.Context(), jobID)
	if err == jobstore.ErrNotFound {
		writeTaxonomyError(w, errkind.NotFoundf("job %q not found", jobID))
		return
	}
	if err != nil {
		writeTaxonomyError(w, errkind.Internalf("failed to read job"))
		return
	}
	writeJSONResponse(w, http.StatusOK, toJobResponse(j))
}

// CancelJob is idempotent on terminal jobs per spec.md §6. A queued job
// is cancelled by direct store write, picked up by the worker's
// post-dequeue status check. A processing job additionally needs its
// bound context cancelled so the execution driver aborts promptly.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	ctx := r.Context()

	j, err := h.store.ReadByID(ctx, jobID)
	if err == jobstore.ErrNotFound {
		writeTaxonomyError(w, errkind.NotFoundf("job %q not found", jobID))
		return
	}
	if err != nil {
		writeTaxonomyError(w, errkind.Internalf("failed to read job"))
		return
	}

	switch j.Status {
	case jobstore.StatusCompleted, jobstore.StatusFailed, jobstore.StatusCancelled:
		writeJSONResponse(w, http.StatusOK, toJobResponse(j))
		return
	}

	if h.cancel != nil {
		h.cancel.Cancel(jobID)
	}

	cancelled := jobstore.StatusCancelled
	if err := h.store.UpdateStatus(ctx, jobID, jobstore.Patch{Status: &cancelled}); err != nil {
		writeTaxonomyError(w, errkind.Internalf("failed to cancel job"))
		return
	}
	obs.JobsCancelled.Inc()

	j, err = h.store.ReadByID(ctx, jobID)
	if err != nil {
		writeTaxonomyError(w, errkind.Internalf("failed to read job after cancel"))
		return
	}
	writeJSONResponse(w, http.StatusOK, toJobResponse(j))
}

// RerunJob resubmits a job's stored parameters as a fresh run, per
// spec.md §6.
func (h *Handler) RerunJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	ctx := r.Context()

	j, err := h.store.ReadByID(ctx, jobID)
	if err == jobstore.ErrNotFound {
		writeTaxonomyError(w, errkind.NotFoundf("job %q not found", jobID))
		return
	}
	if err != nil {
		writeTaxonomyError(w, errkind.Internalf("failed to read job"))
		return
	}

	if err := h.store.Rerun(ctx, jobID); err != nil {
		writeTaxonomyError(w, errkind.Internalf("failed to rerun job"))
		return
	}

	traceID, spanID := obs.GetTraceAndSpanID(ctx)
	if err := h.queue.Enqueue(ctx, queue.NewJob(jobID, j.Kind, j.Priority, traceID, spanID)); err != nil {
		writeTaxonomyError(w, errkind.Internalf("failed to enqueue rerun"))
		return
	}

	writeJSONResponse(w, http.StatusAccepted, SubmitResponse{JobID: jobID, Status: string(jobstore.StatusQueued)})
}

// GetArtifact streams the Nth artifact's bytes, per spec.md §6.
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	ctx := r.Context()

	index := 0
	if v := r.URL.Query().Get("index"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeTaxonomyError(w, errkind.Validationf("index must be a non-negative integer"))
			return
		}
		index = n
	}

	j, err := h.store.ReadByID(ctx, jobID)
	if err == jobstore.ErrNotFound {
		writeTaxonomyError(w, errkind.NotFoundf("job %q not found", jobID))
		return
	}
	if err != nil {
		writeTaxonomyError(w, errkind.Internalf("failed to read job"))
		return
	}
	if index >= len(j.Results) {
		writeTaxonomyError(w, errkind.NotFoundf("artifact index %d out of range", index))
		return
	}

	locator := j.Results[index]
	setArtifactHeaders(w, locator.LocalPath, locator.RelativePath)
	if err := h.files.ServeResult(ctx, w, r, locator.LocalPath, locator.NodeID, locator.RelativePath); err != nil {
		writeTaxonomyError(w, errkind.NotFoundf("artifact not available: %v", err))
	}
}

func setArtifactHeaders(w http.ResponseWriter, paths ...string) {
	name := ""
	for _, p := range paths {
		if p != "" {
			name = p
		}
	}
	switch {
	case hasAnySuffix(name, ".mp4", ".webm", ".mov"):
		w.Header().Set("Cache-Control", "public, max-age=7200")
		w.Header().Set("Accept-Ranges", "bytes")
	default:
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if len(s) >= len(suf) && s[len(s)-len(suf):] == suf {
			return true
		}
	}
	return false
}

// UploadFile handles POST /uploads (multipart): persists an image and
// returns its file-id and metadata, per spec.md §6.
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(h.cfg.HTTP.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeTaxonomyError(w, errkind.Validationf("invalid multipart upload: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeTaxonomyError(w, errkind.Validationf("missing form field \"file\": %v", err))
		return
	}
	defer file.Close()

	clientID := clientIDFromContext(r.Context())
	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}

	upload, err := h.files.Ingest(r.Context(), clientID, header.Filename, mime, file)
	if err != nil {
		h.log.Error("upload ingest failed", zap.Error(err))
		writeTaxonomyError(w, errkind.Internalf("failed to store upload"))
		return
	}

	writeJSONResponse(w, http.StatusCreated, UploadResponse{FileID: upload.FileID, Size: upload.Size, MIME: upload.MIME})
}

// scopeAllows reports whether the authenticated caller may read relPath.
// A download-scoped token (non-empty JobID) must name this exact path;
// a general client credential (JobID empty) is unrestricted, covering
// the client-preview use case.
func scopeAllows(ctx context.Context, relPath string) bool {
	c, ok := claimsFromContext(ctx)
	if !ok || c.JobID == "" {
		return true
	}
	return c.Path == relPath
}

// GetFileByID handles GET /files/{file-id}, used by clients to preview
// an uploaded image.
func (h *Handler) GetFileByID(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]
	upload, ok := h.files.GetUpload(fileID)
	if !ok {
		writeTaxonomyError(w, errkind.NotFoundf("file %q not found", fileID))
		return
	}
	if !scopeAllows(r.Context(), upload.StoredPath) {
		writeErrorResponse(w, http.StatusForbidden, "auth", "token not scoped for this file")
		return
	}
	h.files.ServeUploadByID(w, r, fileID)
}

// GetFileByPath handles GET /files/upload/path/<path>, used by backend
// nodes presenting a scoped download token (embedded in a job's
// file-downloads instruction) and by clients for previews.
func (h *Handler) GetFileByPath(w http.ResponseWriter, r *http.Request) {
	relPath := mux.Vars(r)["path"]
	if !scopeAllows(r.Context(), relPath) {
		writeErrorResponse(w, http.StatusForbidden, "auth", "token not scoped for this path")
		return
	}
	h.files.ServeUpload(w, r, relPath)
}

// ListNodes handles GET /admin/nodes, the fleet comparison surface.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.nodes.ListAll())
}

// ClusterStats handles GET /admin/nodes/stats.
func (h *Handler) ClusterStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.nodes.ClusterStats())
}

// NodeScore handles GET /admin/nodes/{id}/score?kind=, surfacing the
// balancer's ranking value for operators tuning strategy weights.
func (h *Handler) NodeScore(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	kind := r.URL.Query().Get("kind")

	node, ok := h.nodes.Get(nodeID)
	if !ok {
		writeTaxonomyError(w, errkind.NotFoundf("node %q not found", nodeID))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"node_id":  nodeID,
		"strategy": h.balancer.Strategy(),
		"score":    h.balancer.Score(node, kind),
	})
}

type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

// SetMaintenance handles POST /admin/nodes/{id}/maintenance.
func (h *Handler) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTaxonomyError(w, errkind.Validationf("invalid request body: %v", err))
		return
	}
	if err := h.nodes.SetMaintenance(nodeID, req.Enabled); err != nil {
		writeTaxonomyError(w, errkind.NotFoundf("%v", err))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}
