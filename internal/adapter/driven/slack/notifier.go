// Package slack delivers run notifications to a Slack incoming webhook.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/pixelci/pixelci/internal/clock"
	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/domain/port/driven"
	"github.com/pixelci/pixelci/internal/retry"
)

// Compile-time interface satisfaction check.
var _ driven.Notifier = (*Notifier)(nil)

const (
	colorSuccess = "#36a64f"
	colorFailure = "#d32f2f"
)

// postFunc posts one webhook message. Swappable for tests.
type postFunc func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error

// BaseURLFunc returns the dashboard base URL used to build artifact links,
// e.g. "http://100.101.102.103:8080". An empty return omits the links.
type BaseURLFunc func(ctx context.Context) string

// Notifier implements the Notifier port against a Slack incoming webhook.
// Delivery is retried on the default backoff schedule; posting a message
// twice is harmless, losing one is a log line for the caller.
type Notifier struct {
	webhookURL string
	baseURL    BaseURLFunc
	clock      clock.Clock
	logger     *slog.Logger
	policy     retry.Policy
	post       postFunc
}

// New creates a Notifier posting to webhookURL. baseURL may be nil when no
// dashboard links should be included.
func New(webhookURL string, baseURL BaseURLFunc, c clock.Clock, logger *slog.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		baseURL:    baseURL,
		clock:      c,
		logger:     logger,
		policy:     retry.DefaultPolicy(),
		post: func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error {
			return slackapi.PostWebhookContext(ctx, url, msg)
		},
	}
}

// RunFinished posts a color-coded summary of the finished run.
func (n *Notifier) RunFinished(ctx context.Context, rec model.RunRecord, diff *model.DiffResult) error {
	msg := n.buildMessage(ctx, rec, diff)

	err := retry.DoErr(ctx, n.policy, n.clock, n.logger, "slack notify", func() error {
		return n.post(ctx, n.webhookURL, msg)
	})
	if err != nil {
		return fmt.Errorf("post slack notification for run %s: %w", rec.RunID, err)
	}
	return nil
}

func (n *Notifier) buildMessage(ctx context.Context, rec model.RunRecord, diff *model.DiffResult) *slackapi.WebhookMessage {
	color := colorSuccess
	verdict := "succeeded"
	if rec.Status == model.RunStatusFailure {
		color = colorFailure
		verdict = "failed"
	}

	fields := []slackapi.AttachmentField{
		{Title: "Branch", Value: rec.Branch, Short: true},
		{Title: "Trigger", Value: string(rec.Trigger), Short: true},
		{Title: "Duration", Value: rec.Duration().Round(time.Second).String(), Short: true},
	}

	if rec.CommitMessage != "" {
		commit := firstLine(rec.CommitMessage)
		if rec.CommitAuthor != "" {
			commit = fmt.Sprintf("%s — %s", commit, rec.CommitAuthor)
		}
		fields = append(fields, slackapi.AttachmentField{Title: "Commit", Value: commit})
	}

	if diff != nil {
		value := fmt.Sprintf("%.2f%% of pixels changed", diff.DiffPercent)
		if diff.Estimated {
			value = fmt.Sprintf("~%.2f%% changed (estimate, image tool unavailable)", diff.DiffPercent)
		}
		fields = append(fields, slackapi.AttachmentField{Title: "Screenshot diff", Value: value, Short: true})
	}

	if rec.ErrorMessage != "" {
		fields = append(fields, slackapi.AttachmentField{Title: "Error", Value: rec.ErrorMessage})
	}

	attachment := slackapi.Attachment{
		Color:  color,
		Title:  fmt.Sprintf("%s %s on %s", rec.RepoFullName, verdict, rec.Branch),
		Fields: fields,
		Footer: "pixelci",
	}

	if base := n.dashboardBase(ctx); base != "" {
		attachment.TitleLink = fmt.Sprintf("%s/api/v1/runs/%s", base, rec.RunID)
	}

	return &slackapi.WebhookMessage{Attachments: []slackapi.Attachment{attachment}}
}

func (n *Notifier) dashboardBase(ctx context.Context) string {
	if n.baseURL == nil {
		return ""
	}
	return strings.TrimRight(n.baseURL(ctx), "/")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
