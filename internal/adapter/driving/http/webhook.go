package httphandler

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v82/github"

	"github.com/pixelci/pixelci/internal/clock"
	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/domain/port/driven"
)

// deliveryWindow is how long a webhook delivery ID is remembered. GitHub
// redelivers on timeout and operators redeliver by hand; both would start a
// duplicate build without this.
const deliveryWindow = time.Hour

// deliveryLog is a TTL set of recently seen webhook delivery IDs.
type deliveryLog struct {
	clock clock.Clock

	mu   sync.Mutex
	seen map[string]time.Time
}

func newDeliveryLog(c clock.Clock) *deliveryLog {
	return &deliveryLog{clock: c, seen: map[string]time.Time{}}
}

// remember records the delivery ID and reports whether it was already
// present inside the window. Expired entries are pruned on the way in.
func (d *deliveryLog) remember(id string) bool {
	if id == "" {
		return false
	}

	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	for old, at := range d.seen {
		if now.Sub(at) > deliveryWindow {
			delete(d.seen, old)
		}
	}

	if _, dup := d.seen[id]; dup {
		return true
	}
	d.seen[id] = now
	return false
}

// GitHubWebhook is the push intake. Every response short of a signature
// failure is a 2xx: GitHub treats non-2xx as delivery failure and retries,
// and a policy drop (unknown repo, paused, branch deletion) is not a
// failure.
func (h *Handler) GitHubWebhook(w http.ResponseWriter, r *http.Request) {
	// ValidatePayload skips signature checks when the secret is empty, which
	// would accept any unsigned POST. Refuse intake entirely instead.
	if len(h.cfg.WebhookSecret) == 0 {
		writeError(w, http.StatusServiceUnavailable, "webhook secret not configured")
		return
	}

	payload, err := gh.ValidatePayload(r, h.cfg.WebhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if h.deliveries.remember(deliveryID) {
		h.logger.Info("duplicate webhook delivery ignored", "delivery_id", deliveryID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate delivery"})
		return
	}

	event, err := gh.ParseWebHook(gh.WebHookType(r), payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unparseable payload")
		return
	}

	push, ok := event.(*gh.PushEvent)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "event ignored"})
		return
	}

	branch, ok := strings.CutPrefix(push.GetRef(), "refs/heads/")
	if !ok || push.GetDeleted() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ref ignored"})
		return
	}

	fullName := push.GetRepo().GetFullName()
	job := model.BuildJob{
		RepoFullName:  fullName,
		Branch:        branch,
		QueuedAt:      h.clock.Now(),
		Trigger:       model.TriggerPush,
		CommitMessage: push.GetHeadCommit().GetMessage(),
		CommitAuthor:  push.GetHeadCommit().GetAuthor().GetName(),
	}

	if dropped := h.maybeAutoRegister(r, fullName); dropped != "" {
		h.logger.Info("push acknowledged and dropped", "repo", fullName, "reason", dropped)
		writeJSON(w, http.StatusOK, map[string]string{"status": dropped})
		return
	}

	admitted, reason, err := h.pipeline.Admit(r.Context(), job)
	if err != nil {
		h.logger.Error("admission check failed", "repo", fullName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !admitted {
		h.logger.Info("push acknowledged and dropped", "repo", fullName, "reason", reason)
		writeJSON(w, http.StatusOK, map[string]string{"status": reason})
		return
	}

	h.queue.Enqueue(job)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "queued",
		"repository": fullName,
		"branch":     branch,
	})
}

// maybeAutoRegister registers an unknown repository when the feature is
// enabled and the hosting service confirms it exists. Returns a drop reason
// when the push cannot proceed, empty when admission should continue.
func (h *Handler) maybeAutoRegister(r *http.Request, fullName string) string {
	cfg, err := h.repos.Get(r.Context(), fullName)
	if err != nil || cfg != nil {
		// Store errors surface through Admit; known repos proceed to Admit.
		return ""
	}

	if !h.cfg.AutoRegister || h.host == nil {
		return "repository not registered"
	}

	info, err := h.host.RepoInfo(r.Context(), fullName)
	if err != nil {
		h.logger.Warn("auto-registration lookup failed", "repo", fullName, "error", err)
		return "repository not registered"
	}
	if info == nil {
		return "repository not visible to configured token"
	}

	owner, name, _ := strings.Cut(fullName, "/")
	reg := model.RepoConfig{
		FullName:   fullName,
		Owner:      owner,
		Name:       name,
		Enabled:    true,
		Profile:    model.ProfileWebGeneric,
		AutoCloned: true,
		AddedAt:    h.clock.Now().UTC(),
	}
	if err := h.repos.Add(r.Context(), reg); err != nil && !errors.Is(err, driven.ErrRepoAlreadyExists) {
		h.logger.Error("auto-registration failed", "repo", fullName, "error", err)
		return "repository not registered"
	}

	h.logger.Info("repository auto-registered", "repo", fullName, "default_branch", info.DefaultBranch)
	return ""
}
