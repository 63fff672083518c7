package slack

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelci/pixelci/internal/clock"
	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/retry"
)

func makeFinishedRun(status model.RunStatus) model.RunRecord {
	started := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	return model.RunRecord{
		RunID:         "run-abc",
		RepoFullName:  "octocat/hello-world",
		Branch:        "feature-x",
		Status:        status,
		Trigger:       model.TriggerPush,
		CommitMessage: "tweak header\n\nlonger body",
		CommitAuthor:  "octocat",
		StartedAt:     started,
		FinishedAt:    started.Add(95 * time.Second),
	}
}

func newTestNotifier(base BaseURLFunc, post postFunc) *Notifier {
	n := New("https://hooks.slack.com/services/T/B/x", base, clock.Real(), slog.Default())
	n.policy = retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond}
	n.post = post
	return n
}

func TestRunFinished_SuccessMessage(t *testing.T) {
	var captured *slackapi.WebhookMessage
	n := newTestNotifier(
		func(context.Context) string { return "http://100.64.0.7:8080/" },
		func(_ context.Context, url string, msg *slackapi.WebhookMessage) error {
			captured = msg
			return nil
		},
	)

	rec := makeFinishedRun(model.RunStatusSuccess)
	diff := &model.DiffResult{DiffPercent: 1.5, DiffPixels: 1200}
	require.NoError(t, n.RunFinished(context.Background(), rec, diff))

	require.NotNil(t, captured)
	require.Len(t, captured.Attachments, 1)
	att := captured.Attachments[0]

	assert.Equal(t, colorSuccess, att.Color)
	assert.Contains(t, att.Title, "succeeded")
	assert.Equal(t, "http://100.64.0.7:8080/api/v1/runs/run-abc", att.TitleLink)

	var commit, diffField string
	for _, f := range att.Fields {
		switch f.Title {
		case "Commit":
			commit = f.Value
		case "Screenshot diff":
			diffField = f.Value
		}
	}
	assert.Equal(t, "tweak header — octocat", commit, "only the commit subject line is shown")
	assert.Contains(t, diffField, "1.50%")
}

func TestRunFinished_FailureMessage(t *testing.T) {
	var captured *slackapi.WebhookMessage
	n := newTestNotifier(nil, func(_ context.Context, url string, msg *slackapi.WebhookMessage) error {
		captured = msg
		return nil
	})

	rec := makeFinishedRun(model.RunStatusFailure)
	rec.ErrorMessage = "Tests failed: exit status 1"
	require.NoError(t, n.RunFinished(context.Background(), rec, nil))

	require.NotNil(t, captured)
	att := captured.Attachments[0]
	assert.Equal(t, colorFailure, att.Color)
	assert.Contains(t, att.Title, "failed")
	assert.Empty(t, att.TitleLink, "no base URL, no link")

	var errField string
	for _, f := range att.Fields {
		if f.Title == "Error" {
			errField = f.Value
		}
	}
	assert.Equal(t, "Tests failed: exit status 1", errField)
}

func TestRunFinished_EstimatedDiffIsLabelled(t *testing.T) {
	var captured *slackapi.WebhookMessage
	n := newTestNotifier(nil, func(_ context.Context, url string, msg *slackapi.WebhookMessage) error {
		captured = msg
		return nil
	})

	diff := &model.DiffResult{DiffPercent: 7.3, DiffPixels: -1, Estimated: true}
	require.NoError(t, n.RunFinished(context.Background(), makeFinishedRun(model.RunStatusSuccess), diff))

	var diffField string
	for _, f := range captured.Attachments[0].Fields {
		if f.Title == "Screenshot diff" {
			diffField = f.Value
		}
	}
	assert.Contains(t, diffField, "estimate")
}

func TestRunFinished_RetriesDelivery(t *testing.T) {
	attempts := 0
	n := newTestNotifier(nil, func(_ context.Context, url string, msg *slackapi.WebhookMessage) error {
		attempts++
		if attempts < 3 {
			return errors.New("503 from slack")
		}
		return nil
	})

	err := n.RunFinished(context.Background(), makeFinishedRun(model.RunStatusSuccess), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRunFinished_ExhaustedRetriesReturnError(t *testing.T) {
	attempts := 0
	n := newTestNotifier(nil, func(_ context.Context, url string, msg *slackapi.WebhookMessage) error {
		attempts++
		return errors.New("webhook revoked")
	})

	err := n.RunFinished(context.Background(), makeFinishedRun(model.RunStatusSuccess), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-abc")
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
}
