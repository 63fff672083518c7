package httphandler_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httphandler "github.com/pixelci/pixelci/internal/adapter/driving/http"
	"github.com/pixelci/pixelci/internal/domain/model"
)

const webhookSecret = "hunter2"

type pushPayload struct {
	Ref        string      `json:"ref"`
	Deleted    bool        `json:"deleted"`
	Repository pushRepo    `json:"repository"`
	HeadCommit *pushCommit `json:"head_commit,omitempty"`
}

type pushRepo struct {
	FullName string `json:"full_name"`
}

type pushCommit struct {
	Message string     `json:"message"`
	Author  pushAuthor `json:"author"`
}

type pushAuthor struct {
	Name string `json:"name"`
}

func makePush(fullName, branch string) pushPayload {
	return pushPayload{
		Ref:        "refs/heads/" + branch,
		Repository: pushRepo{FullName: fullName},
		HeadCommit: &pushCommit{
			Message: "tweak header",
			Author:  pushAuthor{Name: "octocat"},
		},
	}
}

// deliver signs and posts a webhook the way GitHub does.
func deliver(h *harness, event, deliveryID string, payload any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)

	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/hooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	req.Header.Set("X-Hub-Signature-256", signature)

	rr := httptest.NewRecorder()
	h.http.ServeHTTP(rr, req)
	return rr
}

func webhookConfig() httphandler.Config {
	return httphandler.Config{WebhookSecret: []byte(webhookSecret)}
}

func TestWebhook_PushEnqueuesJob(t *testing.T) {
	h := newHarness(t, webhookConfig(), newFakeRepoStore(enabledRepo("octocat/hello-world")), newFakeRunStore(), nil)

	rr := deliver(h, "push", "delivery-1", makePush("octocat/hello-world", "feature-x"))

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, h.queue.jobs, 1)
	job := h.queue.jobs[0]
	assert.Equal(t, "octocat/hello-world", job.RepoFullName)
	assert.Equal(t, "feature-x", job.Branch)
	assert.Equal(t, model.TriggerPush, job.Trigger)
	assert.Equal(t, "tweak header", job.CommitMessage)
	assert.Equal(t, "octocat", job.CommitAuthor)
}

func TestWebhook_BadSignature(t *testing.T) {
	h := newHarness(t, webhookConfig(), newFakeRepoStore(enabledRepo("octocat/hello-world")), newFakeRunStore(), nil)

	body, _ := json.Marshal(makePush("octocat/hello-world", "main"))
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

	rr := httptest.NewRecorder()
	h.http.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, h.queue.jobs)
}

func TestWebhook_NoSecretConfigured(t *testing.T) {
	h := newHarness(t, httphandler.Config{}, newFakeRepoStore(enabledRepo("octocat/hello-world")), newFakeRunStore(), nil)

	body, _ := json.Marshal(makePush("octocat/hello-world", "main"))
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")

	rr := httptest.NewRecorder()
	h.http.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Empty(t, h.queue.jobs)
}

func TestWebhook_DuplicateDeliveryDropped(t *testing.T) {
	h := newHarness(t, webhookConfig(), newFakeRepoStore(enabledRepo("octocat/hello-world")), newFakeRunStore(), nil)

	first := deliver(h, "push", "delivery-1", makePush("octocat/hello-world", "main"))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := deliver(h, "push", "delivery-1", makePush("octocat/hello-world", "main"))
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), "duplicate")
	assert.Len(t, h.queue.jobs, 1, "redelivery must not start a second build")
}

func TestWebhook_NonPushEventIgnored(t *testing.T) {
	h := newHarness(t, webhookConfig(), newFakeRepoStore(enabledRepo("octocat/hello-world")), newFakeRunStore(), nil)

	rr := deliver(h, "ping", "delivery-1", map[string]string{"zen": "Keep it logically awesome."})

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, h.queue.jobs)
}

func TestWebhook_BranchDeletionIgnored(t *testing.T) {
	h := newHarness(t, webhookConfig(), newFakeRepoStore(enabledRepo("octocat/hello-world")), newFakeRunStore(), nil)

	push := makePush("octocat/hello-world", "feature-x")
	push.Deleted = true
	push.HeadCommit = nil

	rr := deliver(h, "push", "delivery-1", push)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, h.queue.jobs)
}

func TestWebhook_TagPushIgnored(t *testing.T) {
	h := newHarness(t, webhookConfig(), newFakeRepoStore(enabledRepo("octocat/hello-world")), newFakeRunStore(), nil)

	push := makePush("octocat/hello-world", "ignored")
	push.Ref = "refs/tags/v1.0.0"

	rr := deliver(h, "push", "delivery-1", push)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, h.queue.jobs)
}

func TestWebhook_UnknownRepoDropped(t *testing.T) {
	h := newHarness(t, webhookConfig(), newFakeRepoStore(), newFakeRunStore(), nil)

	rr := deliver(h, "push", "delivery-1", makePush("stranger/app", "main"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "not registered")
	assert.Empty(t, h.queue.jobs)
}

func TestWebhook_PausedRepoDropped(t *testing.T) {
	repo := enabledRepo("octocat/hello-world")
	repo.Paused = true
	h := newHarness(t, webhookConfig(), newFakeRepoStore(repo), newFakeRunStore(), nil)

	rr := deliver(h, "push", "delivery-1", makePush("octocat/hello-world", "main"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "paused")
	assert.Empty(t, h.queue.jobs)
}

func TestWebhook_DisabledRepoDropped(t *testing.T) {
	repo := enabledRepo("octocat/hello-world")
	repo.Enabled = false
	h := newHarness(t, webhookConfig(), newFakeRepoStore(repo), newFakeRunStore(), nil)

	rr := deliver(h, "push", "delivery-1", makePush("octocat/hello-world", "main"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "disabled")
	assert.Empty(t, h.queue.jobs)
}

func TestWebhook_AutoRegistration(t *testing.T) {
	host := &fakeHost{
		repoInfo: &model.RepoInfo{
			FullName:      "stranger/app",
			DefaultBranch: "main",
			CloneURL:      "https://github.com/stranger/app.git",
		},
	}
	cfg := webhookConfig()
	cfg.AutoRegister = true
	h := newHarness(t, cfg, newFakeRepoStore(), newFakeRunStore(), host)

	rr := deliver(h, "push", "delivery-1", makePush("stranger/app", "main"))

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, h.queue.jobs, 1)

	stored, err := h.repos.Get(context.Background(), "stranger/app")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.AutoCloned)
	assert.True(t, stored.Enabled)
	assert.Equal(t, model.ProfileWebGeneric, stored.Profile)
}

func TestWebhook_AutoRegistration_RepoNotVisible(t *testing.T) {
	host := &fakeHost{repoInfo: nil}
	cfg := webhookConfig()
	cfg.AutoRegister = true
	h := newHarness(t, cfg, newFakeRepoStore(), newFakeRunStore(), host)

	rr := deliver(h, "push", "delivery-1", makePush("stranger/app", "main"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "not visible")
	assert.Empty(t, h.queue.jobs)
}
