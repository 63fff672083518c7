package github_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ghAdapter "github.com/pixelci/pixelci/internal/adapter/driven/github"
)

// newTestClient creates a Client backed by the given httptest handler.
func newTestClient(t *testing.T, handler http.Handler) *ghAdapter.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := ghAdapter.NewClientWithHTTPClient(server.Client(), server.URL+"/", "hook-secret")
	require.NoError(t, err)

	return client
}

// hookJSON is a helper struct for building GitHub API hook responses.
type hookJSON struct {
	ID     int64      `json:"id"`
	Active bool       `json:"active"`
	Events []string   `json:"events"`
	Config configJSON `json:"config"`
}

type configJSON struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Secret      string `json:"secret,omitempty"`
}

func TestEnsureWebhook_ReusesExisting(t *testing.T) {
	var created bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octocat/hello-world/hooks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]hookJSON{
			{ID: 11, Active: true, Events: []string{"push"}, Config: configJSON{URL: "https://other.example/hook"}},
			{ID: 42, Active: true, Events: []string{"push"}, Config: configJSON{URL: "https://ci.example/hooks/github"}},
		})
	})
	mux.HandleFunc("POST /repos/octocat/hello-world/hooks", func(w http.ResponseWriter, r *http.Request) {
		created = true
		w.WriteHeader(http.StatusCreated)
	})

	client := newTestClient(t, mux)

	id, err := client.EnsureWebhook(context.Background(), "octocat/hello-world", "https://ci.example/hooks/github")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.False(t, created, "matching hook must not be recreated")
}

func TestEnsureWebhook_CreatesWhenMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octocat/hello-world/hooks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]hookJSON{})
	})
	mux.HandleFunc("POST /repos/octocat/hello-world/hooks", func(w http.ResponseWriter, r *http.Request) {
		var body hookJSON
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"push"}, body.Events)
		assert.Equal(t, "https://ci.example/hooks/github", body.Config.URL)
		assert.Equal(t, "hook-secret", body.Config.Secret, "created hooks must carry the shared secret so deliveries are signed")

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(hookJSON{ID: 77, Active: true, Events: body.Events, Config: body.Config})
	})

	client := newTestClient(t, mux)

	id, err := client.EnsureWebhook(context.Background(), "octocat/hello-world", "https://ci.example/hooks/github")
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
}

func TestEnsureWebhook_InvalidRepoName(t *testing.T) {
	client := newTestClient(t, http.NewServeMux())

	_, err := client.EnsureWebhook(context.Background(), "not-a-full-name", "https://ci.example/hooks/github")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner/repo")
}

func TestDeleteWebhook_GoneIsSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /repos/octocat/hello-world/hooks/42", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	client := newTestClient(t, mux)

	err := client.DeleteWebhook(context.Background(), "octocat/hello-world", 42)
	assert.NoError(t, err, "deleting an already-deleted hook is not an error")
}

func TestRepoInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octocat/hello-world", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"full_name":      "octocat/hello-world",
			"default_branch": "main",
			"private":        true,
			"clone_url":      "https://github.com/octocat/hello-world.git",
		})
	})

	client := newTestClient(t, mux)

	info, err := client.RepoInfo(context.Background(), "octocat/hello-world")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "octocat/hello-world", info.FullName)
	assert.Equal(t, "main", info.DefaultBranch)
	assert.True(t, info.Private)
	assert.Equal(t, "https://github.com/octocat/hello-world.git", info.CloneURL)
}

func TestRepoInfo_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octocat/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	client := newTestClient(t, mux)

	info, err := client.RepoInfo(context.Background(), "octocat/gone")
	require.NoError(t, err)
	assert.Nil(t, info, "missing repository is nil, nil rather than an error")
}
