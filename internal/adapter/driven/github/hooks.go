// Package github implements the RepoHost port using the go-github library.
// It manages push webhooks and fetches repository metadata for
// auto-registration.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RepoHost = (*Client)(nil)

// hookEvents is the only event the verification pipeline cares about.
var hookEvents = []string{"push"}

// Client implements the driven.RepoHost port using the go-github library.
type Client struct {
	gh            *gh.Client
	webhookSecret string
}

// NewClient creates a new GitHub API client with the following transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. go-github (GitHub REST API client with PAT auth)
//
// webhookSecret is written into every hook this client creates so GitHub
// signs its deliveries; intake verifies them with the same secret.
func NewClient(token, webhookSecret string) *Client {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimitClient).WithAuthToken(token)

	return &Client{gh: client, webhookSecret: webhookSecret}
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base URL.
// This constructor is intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL, webhookSecret string) (*Client, error) {
	client := gh.NewClient(httpClient)

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	client.BaseURL = u

	return &Client{gh: client, webhookSecret: webhookSecret}, nil
}

// EnsureWebhook creates a push webhook delivering to callbackURL, or reuses
// an existing hook that already points there. Returns the hook ID either
// way. New hooks carry the shared webhook secret so GitHub signs their
// deliveries with it.
func (c *Client) EnsureWebhook(ctx context.Context, repoFullName, callbackURL string) (int64, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return 0, err
	}

	opts := &gh.ListOptions{PerPage: 100}
	for {
		hooks, resp, err := c.gh.Repositories.ListHooks(ctx, owner, repo, opts)
		if err != nil {
			return 0, fmt.Errorf("listing hooks for %s: %w", repoFullName, err)
		}

		logRateLimit(resp, repoFullName+"/hooks", opts.Page, len(hooks))

		for _, hook := range hooks {
			if hook.GetConfig().GetURL() == callbackURL {
				slog.Debug("webhook already registered", "repo", repoFullName, "hook_id", hook.GetID())
				return hook.GetID(), nil
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	config := &gh.HookConfig{
		URL:         gh.Ptr(callbackURL),
		ContentType: gh.Ptr("json"),
	}
	if c.webhookSecret != "" {
		config.Secret = gh.Ptr(c.webhookSecret)
	}
	hook, _, err := c.gh.Repositories.CreateHook(ctx, owner, repo, &gh.Hook{
		Active: gh.Ptr(true),
		Events: hookEvents,
		Config: config,
	})
	if err != nil {
		return 0, fmt.Errorf("creating hook for %s: %w", repoFullName, err)
	}

	slog.Info("webhook registered", "repo", repoFullName, "hook_id", hook.GetID())
	return hook.GetID(), nil
}

// DeleteWebhook removes the hook with the given ID. A hook that is already
// gone (404) is treated as deleted.
func (c *Client) DeleteWebhook(ctx context.Context, repoFullName string, hookID int64) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return err
	}

	resp, err := c.gh.Repositories.DeleteHook(ctx, owner, repo, hookID)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("deleting hook %d for %s: %w", hookID, repoFullName, err)
	}

	return nil
}

// RepoInfo returns repository metadata for auto-registration. Returns
// nil, nil when the repository does not exist or the token cannot see it.
func (c *Client) RepoInfo(ctx context.Context, repoFullName string) (*model.RepoInfo, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	info, resp, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching repository %s: %w", repoFullName, err)
	}

	logRateLimit(resp, repoFullName, 0, 1)

	return &model.RepoInfo{
		FullName:      info.GetFullName(),
		DefaultBranch: info.GetDefaultBranch(),
		Private:       info.GetPrivate(),
		CloneURL:      info.GetCloneURL(),
	}, nil
}

// splitRepo splits "owner/repo" into its components.
func splitRepo(repoFullName string) (owner, repo string, err error) {
	parts := strings.SplitN(repoFullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository full name %q: want owner/repo", repoFullName)
	}
	return parts[0], parts[1], nil
}

// logRateLimit logs the GitHub API rate limit status after each call.
func logRateLimit(resp *gh.Response, endpoint string, page, count int) {
	if resp == nil {
		return
	}

	slog.Debug("github api call",
		"endpoint", endpoint,
		"page", page,
		"count", count,
		"rate_remaining", resp.Rate.Remaining,
		"rate_limit", resp.Rate.Limit,
	)

	if resp.Rate.Remaining < 100 {
		slog.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second),
		)
	}
}
