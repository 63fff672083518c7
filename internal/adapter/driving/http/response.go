package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pixelci/pixelci/internal/application"
	"github.com/pixelci/pixelci/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// RepoResponse is the JSON representation of a registered repository.
type RepoResponse struct {
	FullName   string `json:"full_name"`
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	Profile    string `json:"profile"`
	Enabled    bool   `json:"enabled"`
	Paused     bool   `json:"paused"`
	WebhookID  int64  `json:"webhook_id,omitempty"`
	DevPort    int    `json:"dev_port,omitempty"`
	AutoCloned bool   `json:"auto_cloned"`
	LocalPath  string `json:"local_path,omitempty"`
	AddedAt    string `json:"added_at"`
}

// RunResponse is the JSON representation of one verification run.
type RunResponse struct {
	RunID         string  `json:"run_id"`
	Repository    string  `json:"repository"`
	Branch        string  `json:"branch"`
	Status        string  `json:"status"`
	Trigger       string  `json:"trigger"`
	CommitMessage string  `json:"commit_message,omitempty"`
	CommitAuthor  string  `json:"commit_author,omitempty"`
	DiffPercent   float64 `json:"diff_percent"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	HasScreenshot bool    `json:"has_screenshot"`
	HasBuildLog   bool    `json:"has_build_log"`
	HasRuntimeLog bool    `json:"has_runtime_log"`
	HasNetworkLog bool    `json:"has_network_log"`
	StartedAt     string  `json:"started_at"`
	FinishedAt    string  `json:"finished_at,omitempty"`
	DurationSecs  float64 `json:"duration_seconds"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string            `json:"status"`
	Time   string            `json:"time"`
	Queue  application.Stats `json:"queue"`
}

// AddRepoRequest is the JSON body for the register repository endpoint.
type AddRepoRequest struct {
	FullName string `json:"full_name"`
	Profile  string `json:"profile"`
	DevPort  int    `json:"dev_port"`
}

// BuildRequest is the JSON body for the manual build trigger endpoint. An
// empty branch builds main.
type BuildRequest struct {
	Branch string `json:"branch"`
}

// toRepoResponse converts a domain RepoConfig to its JSON representation.
func toRepoResponse(cfg model.RepoConfig) RepoResponse {
	return RepoResponse{
		FullName:   cfg.FullName,
		Owner:      cfg.Owner,
		Name:       cfg.Name,
		Profile:    string(cfg.Profile),
		Enabled:    cfg.Enabled,
		Paused:     cfg.Paused,
		WebhookID:  cfg.WebhookID,
		DevPort:    cfg.DevPort,
		AutoCloned: cfg.AutoCloned,
		LocalPath:  cfg.LocalPath,
		AddedAt:    cfg.AddedAt.UTC().Format(time.RFC3339),
	}
}

// toRunResponse converts a domain RunRecord to its JSON representation.
// Artifact paths stay server-side; clients fetch artifacts through the run
// sub-resources instead of touching the filesystem layout.
func toRunResponse(rec model.RunRecord) RunResponse {
	resp := RunResponse{
		RunID:         rec.RunID,
		Repository:    rec.RepoFullName,
		Branch:        rec.Branch,
		Status:        string(rec.Status),
		Trigger:       string(rec.Trigger),
		CommitMessage: rec.CommitMessage,
		CommitAuthor:  rec.CommitAuthor,
		DiffPercent:   rec.DiffPercent,
		ErrorMessage:  rec.ErrorMessage,
		HasScreenshot: rec.ScreenshotPath != "",
		HasBuildLog:   rec.BuildLogPath != "",
		HasRuntimeLog: rec.RuntimeLogPath != "",
		HasNetworkLog: rec.NetworkLogPath != "",
		StartedAt:     rec.StartedAt.UTC().Format(time.RFC3339),
		DurationSecs:  rec.Duration().Seconds(),
	}

	if !rec.FinishedAt.IsZero() {
		resp.FinishedAt = rec.FinishedAt.UTC().Format(time.RFC3339)
	}

	return resp
}
