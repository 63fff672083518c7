// Package application wires the verification pipeline together: queueing,
// the run lifecycle, and the admission policy for incoming jobs.
package application

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pixelci/pixelci/internal/clock"
	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/domain/port/driven"
	"github.com/pixelci/pixelci/internal/gitsync"
	"github.com/pixelci/pixelci/internal/profile"
	"github.com/pixelci/pixelci/internal/shotdiff"
)

// RepoSyncer is the slice of the git synchronizer the pipeline needs.
type RepoSyncer interface {
	LocalPath(repoFullName string) string
	Clone(ctx context.Context, repoFullName string) (gitsync.CloneResult, error)
	SyncToBranch(ctx context.Context, localPath, branch string) (gitsync.SyncReport, error)
}

// ProfileRunner executes one build profile against a prepared tree.
type ProfileRunner interface {
	Run(ctx context.Context, kind model.ProfileKind, pctx model.ProfileContext) model.ProfileResult
}

// ScreenshotDiffer compares a run's screenshot against a baseline and
// renders dashboard thumbnails.
type ScreenshotDiffer interface {
	Compare(ctx context.Context, baseline, current, diffOut string) (*model.DiffResult, error)
	Thumbnail(ctx context.Context, src, dst string, width int) error
}

var (
	_ RepoSyncer       = (*gitsync.Syncer)(nil)
	_ ProfileRunner    = (*profile.Executor)(nil)
	_ ScreenshotDiffer = (*shotdiff.Differ)(nil)
)

// thumbnailWidth is the dashboard list-view thumbnail size.
const thumbnailWidth = 320

// PipelineDeps bundles the collaborators for NewPipelineService.
type PipelineDeps struct {
	Repos    driven.RepoConfigStore
	Runs     driven.RunStore
	Notifier driven.Notifier
	Syncer   RepoSyncer
	Profiles ProfileRunner
	Differ   ScreenshotDiffer
	Clock    clock.Clock
	Logger   *slog.Logger
	DataDir  string
}

// PipelineService owns the full verification run: sync the tree, execute
// the profile, diff the screenshot, persist the record, notify.
type PipelineService struct {
	repos    driven.RepoConfigStore
	runs     driven.RunStore
	notifier driven.Notifier
	syncer   RepoSyncer
	profiles ProfileRunner
	differ   ScreenshotDiffer
	clock    clock.Clock
	logger   *slog.Logger
	dataDir  string
}

func NewPipelineService(d PipelineDeps) *PipelineService {
	return &PipelineService{
		repos:    d.Repos,
		runs:     d.Runs,
		notifier: d.Notifier,
		syncer:   d.Syncer,
		profiles: d.Profiles,
		differ:   d.Differ,
		clock:    d.Clock,
		logger:   d.Logger,
		dataDir:  d.DataDir,
	}
}

// Admit applies the admission policy for an incoming job. A false verdict
// with nil error is policy, not failure: the job is acknowledged and
// dropped. Manual triggers override a pause; a human asked for the build.
func (s *PipelineService) Admit(ctx context.Context, job model.BuildJob) (bool, string, error) {
	cfg, err := s.repos.Get(ctx, job.RepoFullName)
	if err != nil {
		return false, "", fmt.Errorf("load repo config: %w", err)
	}
	if cfg == nil {
		return false, "repository not registered", nil
	}
	if !cfg.Enabled {
		return false, "repository disabled", nil
	}
	if cfg.Paused && job.Trigger == model.TriggerPush {
		return false, "repository paused", nil
	}
	return true, "", nil
}

// Execute runs one job to completion. Build failures become failed run
// records; only infrastructure trouble (stores, config) is logged as an
// error here.
func (s *PipelineService) Execute(ctx context.Context, job model.BuildJob) {
	if err := s.run(ctx, job); err != nil {
		s.logger.Error("verification run could not complete",
			"repo", job.RepoFullName,
			"branch", job.Branch,
			"error", err,
		)
	}
}

func (s *PipelineService) run(ctx context.Context, job model.BuildJob) error {
	cfg, err := s.repos.Get(ctx, job.RepoFullName)
	if err != nil {
		return fmt.Errorf("load repo config: %w", err)
	}
	if cfg == nil {
		return fmt.Errorf("repository %s not registered", job.RepoFullName)
	}

	rec := model.RunRecord{
		RunID:         uuid.NewString(),
		RepoFullName:  job.RepoFullName,
		Branch:        job.Branch,
		Status:        model.RunStatusRunning,
		Trigger:       job.Trigger,
		CommitMessage: job.CommitMessage,
		CommitAuthor:  job.CommitAuthor,
		DiffPercent:   -1,
		StartedAt:     s.clock.Now(),
	}
	if err := s.runs.Insert(ctx, rec); err != nil {
		return fmt.Errorf("record run start: %w", err)
	}

	cloneRes, err := s.syncer.Clone(ctx, job.RepoFullName)
	if err != nil {
		s.fail(ctx, rec, fmt.Sprintf("clone: %v", err))
		return nil
	}
	if cfg.LocalPath == "" {
		path := cloneRes.LocalPath
		if err := s.repos.Update(ctx, job.RepoFullName, driven.RepoConfigPatch{LocalPath: &path}); err != nil {
			s.logger.Debug("record local path", "repo", job.RepoFullName, "error", err)
		}
	}

	report, err := s.syncer.SyncToBranch(ctx, cloneRes.LocalPath, job.Branch)
	if err != nil {
		s.fail(ctx, rec, fmt.Sprintf("sync to %s: %v", job.Branch, err))
		return nil
	}
	if report.Branch != job.Branch {
		s.logger.Warn("verifying default branch instead",
			"repo", job.RepoFullName,
			"requested", job.Branch,
			"actual", report.Branch,
		)
	}

	options, err := profile.LoadOptions(cloneRes.LocalPath)
	if err != nil {
		s.logger.Warn("build options ignored", "repo", job.RepoFullName, "error", err)
	}

	runDir := s.runDir(rec.RunID)
	result := s.profiles.Run(ctx, cfg.Profile, model.ProfileContext{
		RepoFullName:  job.RepoFullName,
		Branch:        report.Branch,
		RunID:         rec.RunID,
		WorkDir:       cloneRes.LocalPath,
		LogDir:        filepath.Join(runDir, "logs"),
		ScreenshotDir: filepath.Join(runDir, "screenshots"),
		DevPort:       cfg.DevPort,
		Options:       options,
	})

	rec.Status = result.Status
	rec.ErrorMessage = result.ErrorMessage
	rec.ScreenshotPath = result.ScreenshotPath
	rec.BuildLogPath = result.BuildLogPath
	rec.RuntimeLogPath = result.RuntimeLogPath
	rec.NetworkLogPath = result.NetworkLogPath

	var diff *model.DiffResult
	if rec.Status == model.RunStatusSuccess && rec.ScreenshotPath != "" {
		diff = s.computeDiff(ctx, rec, filepath.Join(runDir, "diff.png"))
		if diff != nil {
			rec.DiffPercent = diff.DiffPercent
		}
		if err := s.differ.Thumbnail(ctx, rec.ScreenshotPath, filepath.Join(runDir, "thumb.png"), thumbnailWidth); err != nil {
			s.logger.Debug("thumbnail skipped", "run_id", rec.RunID, "error", err)
		}
	}

	s.finish(ctx, rec, diff)
	return nil
}

// computeDiff compares against the previous successful screenshot for the
// same repo+branch. Any trouble here is logged and swallowed; a missing
// diff never fails a run that built cleanly.
func (s *PipelineService) computeDiff(ctx context.Context, rec model.RunRecord, diffOut string) *model.DiffResult {
	prev, err := s.runs.PreviousSuccessful(ctx, rec.RepoFullName, rec.Branch, rec.RunID)
	if err != nil {
		s.logger.Warn("baseline lookup failed", "repo", rec.RepoFullName, "branch", rec.Branch, "error", err)
		return nil
	}
	if prev == nil || prev.ScreenshotPath == "" {
		s.logger.Debug("no baseline yet", "repo", rec.RepoFullName, "branch", rec.Branch)
		return nil
	}

	diff, err := s.differ.Compare(ctx, prev.ScreenshotPath, rec.ScreenshotPath, diffOut)
	if err != nil {
		s.logger.Warn("screenshot diff failed", "repo", rec.RepoFullName, "error", err)
		return nil
	}
	return diff
}

func (s *PipelineService) fail(ctx context.Context, rec model.RunRecord, msg string) {
	rec.Status = model.RunStatusFailure
	rec.ErrorMessage = msg
	s.finish(ctx, rec, nil)
}

func (s *PipelineService) finish(ctx context.Context, rec model.RunRecord, diff *model.DiffResult) {
	rec.FinishedAt = s.clock.Now()
	if err := s.runs.Finalize(ctx, rec); err != nil {
		s.logger.Error("finalize run record", "run_id", rec.RunID, "error", err)
	}

	s.logger.Info("verification run finished",
		"repo", rec.RepoFullName,
		"branch", rec.Branch,
		"run_id", rec.RunID,
		"status", rec.Status,
		"duration", rec.Duration().Round(time.Millisecond),
		"diff_percent", rec.DiffPercent,
	)

	if err := s.notifier.RunFinished(ctx, rec, diff); err != nil {
		s.logger.Warn("notification failed", "run_id", rec.RunID, "error", err)
	}
}

func (s *PipelineService) runDir(runID string) string {
	return filepath.Join(s.dataDir, "runs", runID)
}
