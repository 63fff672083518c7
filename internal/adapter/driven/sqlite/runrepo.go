package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RunStore = (*RunRepo)(nil)

// historyRetention is how many runs are kept per repository+branch. The
// newest record always survives; trimming happens on insert so history is
// bounded without a background sweeper.
const historyRetention = 50

// RunRepo is the SQLite implementation of the RunStore port interface.
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new RunRepo backed by the given DB.
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

const runColumns = `id, run_id, repo_full_name, branch, status, triggered_by,
	commit_message, commit_author, screenshot_path, build_log_path,
	runtime_log_path, network_log_path, diff_percent, error_message,
	started_at, finished_at`

// Insert persists a new run record and trims the repository+branch history
// to the retention window. Trim failure is swallowed; losing a stale row to
// a later trim is better than failing a run that has already started.
func (r *RunRepo) Insert(ctx context.Context, rec model.RunRecord) error {
	const query = `
		INSERT INTO runs (
			run_id, repo_full_name, branch, status, triggered_by,
			commit_message, commit_author, screenshot_path, build_log_path,
			runtime_log_path, network_log_path, diff_percent, error_message, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		rec.RunID, rec.RepoFullName, rec.Branch, string(rec.Status), string(rec.Trigger),
		rec.CommitMessage, rec.CommitAuthor, rec.ScreenshotPath, rec.BuildLogPath,
		rec.RuntimeLogPath, rec.NetworkLogPath, rec.DiffPercent, rec.ErrorMessage,
		startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", rec.RunID, err)
	}

	r.trim(ctx, rec.RepoFullName, rec.Branch)
	return nil
}

// Finalize updates the record identified by rec.RunID with its terminal
// status, artifact paths, and error message. Returns ErrRunNotFound for an
// unknown run ID.
func (r *RunRepo) Finalize(ctx context.Context, rec model.RunRecord) error {
	const query = `
		UPDATE runs SET
			status = ?,
			screenshot_path = ?,
			build_log_path = ?,
			runtime_log_path = ?,
			network_log_path = ?,
			diff_percent = ?,
			error_message = ?,
			finished_at = ?
		WHERE run_id = ?
	`

	finishedAt := rec.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}

	result, err := r.db.Writer.ExecContext(ctx, query,
		string(rec.Status), rec.ScreenshotPath, rec.BuildLogPath,
		rec.RuntimeLogPath, rec.NetworkLogPath, rec.DiffPercent,
		rec.ErrorMessage, finishedAt.UTC(), rec.RunID,
	)
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", rec.RunID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("finalize run %s: %w", rec.RunID, driven.ErrRunNotFound)
	}

	return nil
}

// GetByRunID retrieves a single run by its globally unique ID. Returns
// nil, nil if the run does not exist.
func (r *RunRepo) GetByRunID(ctx context.Context, runID string) (*model.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE run_id = ?`

	rec, err := scanRun(r.db.Reader.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	return rec, nil
}

// ListByRepo returns the most recent runs for the repository across all
// branches, newest first.
func (r *RunRepo) ListByRepo(ctx context.Context, repoFullName string, limit int) ([]model.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE repo_full_name = ? ORDER BY id DESC LIMIT ?`

	return r.queryRuns(ctx, query, repoFullName, normalizeLimit(limit))
}

// ListByRepoBranch returns the most recent runs for one repository branch,
// newest first.
func (r *RunRepo) ListByRepoBranch(ctx context.Context, repoFullName, branch string, limit int) ([]model.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE repo_full_name = ? AND branch = ? ORDER BY id DESC LIMIT ?`

	return r.queryRuns(ctx, query, repoFullName, branch, normalizeLimit(limit))
}

// PreviousSuccessful returns the diff baseline: the most recent successful
// run for the repository+branch that produced a screenshot, excluding
// excludeRunID. Returns nil, nil when no baseline exists.
func (r *RunRepo) PreviousSuccessful(ctx context.Context, repoFullName, branch, excludeRunID string) (*model.RunRecord, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE repo_full_name = ? AND branch = ? AND status = ? AND screenshot_path != '' AND run_id != ?
		ORDER BY id DESC
		LIMIT 1
	`

	rec, err := scanRun(r.db.Reader.QueryRowContext(ctx, query,
		repoFullName, branch, string(model.RunStatusSuccess), excludeRunID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("previous successful run %s@%s: %w", repoFullName, branch, err)
	}

	return rec, nil
}

func (r *RunRepo) queryRuns(ctx context.Context, query string, args ...any) ([]model.RunRecord, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, nil
}

func (r *RunRepo) trim(ctx context.Context, repoFullName, branch string) {
	const query = `
		DELETE FROM runs
		WHERE repo_full_name = ? AND branch = ? AND id NOT IN (
			SELECT id FROM runs
			WHERE repo_full_name = ? AND branch = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`

	_, _ = r.db.Writer.ExecContext(ctx, query, repoFullName, branch, repoFullName, branch, historyRetention)
}

func scanRun(s scanner) (*model.RunRecord, error) {
	var rec model.RunRecord
	var status, trigger, startedAt string
	var finishedAt sql.NullString

	err := s.Scan(&rec.ID, &rec.RunID, &rec.RepoFullName, &rec.Branch, &status, &trigger,
		&rec.CommitMessage, &rec.CommitAuthor, &rec.ScreenshotPath, &rec.BuildLogPath,
		&rec.RuntimeLogPath, &rec.NetworkLogPath, &rec.DiffPercent, &rec.ErrorMessage,
		&startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	rec.Status = model.RunStatus(status)
	rec.Trigger = model.Trigger(trigger)

	rec.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}

	if finishedAt.Valid && finishedAt.String != "" {
		rec.FinishedAt, err = parseTime(finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
	}

	return &rec, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > historyRetention {
		return historyRetention
	}
	return limit
}
