// Package httphandler is the HTTP driving adapter: the GitHub webhook
// intake and the JSON dashboard API. Rendering the dashboard is someone
// else's job; everything here speaks JSON or serves raw run artifacts.
package httphandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pixelci/pixelci/internal/application"
	"github.com/pixelci/pixelci/internal/clock"
	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/domain/port/driven"
)

// JobQueue is the slice of the build queue the handler needs.
type JobQueue interface {
	Enqueue(job model.BuildJob)
	Stats() application.Stats
}

// Config carries the handler's policy knobs.
type Config struct {
	WebhookSecret []byte
	AutoRegister  bool
	CallbackURL   string // public URL GitHub delivers webhooks to
	DataDir       string // for locating run diff images
}

// Handler is the HTTP driving adapter that serves the webhook and REST API.
type Handler struct {
	repos    driven.RepoConfigStore
	runs     driven.RunStore
	host     driven.RepoHost // nil when no GitHub token is configured
	queue    JobQueue
	pipeline *application.PipelineService
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger

	deliveries *deliveryLog
}

// NewHandler creates a Handler with all required dependencies. host may be
// nil; webhook registration and auto-registration then degrade with a log
// line.
func NewHandler(
	repos driven.RepoConfigStore,
	runs driven.RunStore,
	host driven.RepoHost,
	queue JobQueue,
	pipeline *application.PipelineService,
	cfg Config,
	c clock.Clock,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		repos:      repos,
		runs:       runs,
		host:       host,
		queue:      queue,
		pipeline:   pipeline,
		cfg:        cfg,
		clock:      c,
		logger:     logger,
		deliveries: newDeliveryLog(c),
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /hooks/github", h.GitHubWebhook)

	mux.HandleFunc("GET /api/v1/repos", h.ListRepos)
	mux.HandleFunc("POST /api/v1/repos", h.AddRepo)
	mux.HandleFunc("DELETE /api/v1/repos/{owner}/{repo}", h.RemoveRepo)
	mux.HandleFunc("POST /api/v1/repos/{owner}/{repo}/pause", h.PauseRepo)
	mux.HandleFunc("POST /api/v1/repos/{owner}/{repo}/resume", h.ResumeRepo)
	mux.HandleFunc("POST /api/v1/repos/{owner}/{repo}/build", h.TriggerBuild)
	mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/runs", h.ListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.GetRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/logs/{kind}", h.GetRunLog)
	mux.HandleFunc("GET /api/v1/runs/{id}/screenshot", h.GetRunScreenshot)
	mux.HandleFunc("GET /api/v1/runs/{id}/thumbnail", h.GetRunThumbnail)
	mux.HandleFunc("GET /api/v1/runs/{id}/diff", h.GetRunDiff)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// ListRepos returns all registered repositories.
func (h *Handler) ListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.repos.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list repositories", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]RepoResponse, 0, len(repos))
	for _, cfg := range repos {
		resp = append(resp, toRepoResponse(cfg))
	}

	writeJSON(w, http.StatusOK, resp)
}

// AddRepo registers a repository and, when a GitHub client is available,
// ensures the push webhook exists. Webhook registration failure does not
// roll back the registration; the operator can re-point the hook by hand.
func (h *Handler) AddRepo(w http.ResponseWriter, r *http.Request) {
	var req AddRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	owner, name, ok := strings.Cut(req.FullName, "/")
	if !ok || owner == "" || name == "" {
		writeError(w, http.StatusBadRequest, "full_name must be owner/repo")
		return
	}

	profile := model.ProfileKind(req.Profile)
	if req.Profile == "" {
		profile = model.ProfileWebGeneric
	}
	if !profile.Valid() {
		writeError(w, http.StatusBadRequest, "unknown profile "+req.Profile)
		return
	}

	cfg := model.RepoConfig{
		FullName: req.FullName,
		Owner:    owner,
		Name:     name,
		Enabled:  true,
		Profile:  profile,
		DevPort:  req.DevPort,
		AddedAt:  h.clock.Now().UTC(),
	}

	if err := h.repos.Add(r.Context(), cfg); err != nil {
		if errors.Is(err, driven.ErrRepoAlreadyExists) {
			writeError(w, http.StatusConflict, "repository already registered")
			return
		}
		h.logger.Error("failed to add repository", "repo", req.FullName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if h.host != nil && h.cfg.CallbackURL != "" {
		hookID, err := h.host.EnsureWebhook(r.Context(), req.FullName, h.cfg.CallbackURL)
		if err != nil {
			h.logger.Warn("webhook registration failed", "repo", req.FullName, "error", err)
		} else {
			cfg.WebhookID = hookID
			if err := h.repos.Update(r.Context(), req.FullName, driven.RepoConfigPatch{WebhookID: &hookID}); err != nil {
				h.logger.Warn("failed to record webhook id", "repo", req.FullName, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusCreated, toRepoResponse(cfg))
}

// RemoveRepo deletes a registration and best-effort removes its webhook.
func (h *Handler) RemoveRepo(w http.ResponseWriter, r *http.Request) {
	fullName := r.PathValue("owner") + "/" + r.PathValue("repo")

	cfg, err := h.repos.Get(r.Context(), fullName)
	if err != nil {
		h.logger.Error("failed to load repository", "repo", fullName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, "repository not registered")
		return
	}

	if h.host != nil && cfg.WebhookID != 0 {
		if err := h.host.DeleteWebhook(r.Context(), fullName, cfg.WebhookID); err != nil {
			h.logger.Warn("webhook removal failed", "repo", fullName, "hook_id", cfg.WebhookID, "error", err)
		}
	}

	if err := h.repos.Remove(r.Context(), fullName); err != nil {
		if errors.Is(err, driven.ErrRepoNotFound) {
			writeError(w, http.StatusNotFound, "repository not registered")
			return
		}
		h.logger.Error("failed to remove repository", "repo", fullName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PauseRepo stops push-triggered builds for the repository.
func (h *Handler) PauseRepo(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

// ResumeRepo re-enables push-triggered builds for the repository.
func (h *Handler) ResumeRepo(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *Handler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	fullName := r.PathValue("owner") + "/" + r.PathValue("repo")

	err := h.repos.Update(r.Context(), fullName, driven.RepoConfigPatch{Paused: &paused})
	if err != nil {
		if errors.Is(err, driven.ErrRepoNotFound) {
			writeError(w, http.StatusNotFound, "repository not registered")
			return
		}
		h.logger.Error("failed to update pause state", "repo", fullName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
}

// TriggerBuild enqueues a manual build. Manual triggers bypass the pause
// flag but still respect registration and the enabled flag.
func (h *Handler) TriggerBuild(w http.ResponseWriter, r *http.Request) {
	fullName := r.PathValue("owner") + "/" + r.PathValue("repo")

	var req BuildRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	branch := req.Branch
	if branch == "" {
		branch = "main"
	}

	job := model.BuildJob{
		RepoFullName: fullName,
		Branch:       branch,
		QueuedAt:     h.clock.Now(),
		Trigger:      model.TriggerManual,
	}

	admitted, reason, err := h.pipeline.Admit(r.Context(), job)
	if err != nil {
		h.logger.Error("admission check failed", "repo", fullName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !admitted {
		writeError(w, http.StatusConflict, reason)
		return
	}

	h.queue.Enqueue(job)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"repository": fullName,
		"branch":     branch,
		"status":     "queued",
	})
}

// ListRuns returns run history for a repository, newest first. Optional
// query parameters: branch (filter to one branch) and limit.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	fullName := r.PathValue("owner") + "/" + r.PathValue("repo")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var (
		runs []model.RunRecord
		err  error
	)
	if branch := r.URL.Query().Get("branch"); branch != "" {
		runs, err = h.runs.ListByRepoBranch(r.Context(), fullName, branch, limit)
	} else {
		runs, err = h.runs.ListByRepo(r.Context(), fullName, limit)
	}
	if err != nil {
		h.logger.Error("failed to list runs", "repo", fullName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]RunResponse, 0, len(runs))
	for _, rec := range runs {
		resp = append(resp, toRunResponse(rec))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetRun returns a single run by its ID.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(*rec))
}

// GetRunLog serves one of the run's log files as plain text.
func (h *Handler) GetRunLog(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	var path string
	switch r.PathValue("kind") {
	case "build":
		path = rec.BuildLogPath
	case "runtime":
		path = rec.RuntimeLogPath
	case "network":
		path = rec.NetworkLogPath
	default:
		writeError(w, http.StatusBadRequest, "log kind must be build, runtime, or network")
		return
	}

	h.serveArtifact(w, r, path, "text/plain; charset=utf-8")
}

// GetRunScreenshot serves the run's captured screenshot.
func (h *Handler) GetRunScreenshot(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	h.serveArtifact(w, r, rec.ScreenshotPath, "image/png")
}

// GetRunThumbnail serves the dashboard thumbnail of the run's screenshot.
// Thumbnail generation is best-effort, so a run can have a screenshot but
// no thumbnail; clients fall back to the full screenshot on 404.
func (h *Handler) GetRunThumbnail(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	h.serveArtifact(w, r, h.runArtifact(rec.RunID, "thumb.png"), "image/png")
}

// GetRunDiff serves the run's diff image against its baseline.
func (h *Handler) GetRunDiff(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	h.serveArtifact(w, r, h.runArtifact(rec.RunID, "diff.png"), "image/png")
}

// runArtifact locates a pipeline-produced file under the run's directory.
func (h *Handler) runArtifact(runID, name string) string {
	return filepath.Join(h.cfg.DataDir, "runs", runID, name)
}

// Health reports liveness plus queue depth.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   h.clock.Now().UTC().Format(time.RFC3339),
		Queue:  h.queue.Stats(),
	})
}

func (h *Handler) loadRun(w http.ResponseWriter, r *http.Request) (*model.RunRecord, bool) {
	runID := r.PathValue("id")

	rec, err := h.runs.GetByRunID(r.Context(), runID)
	if err != nil {
		h.logger.Error("failed to get run", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}

	return rec, true
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, path, contentType string) {
	if path == "" {
		writeError(w, http.StatusNotFound, "artifact not available for this run")
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "artifact file is gone")
		return
	}

	w.Header().Set("Content-Type", contentType)
	http.ServeFile(w, r, path)
}
