package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RepoConfigStore = (*RepoConfigRepo)(nil)

// RepoConfigRepo is the SQLite implementation of the RepoConfigStore port interface.
type RepoConfigRepo struct {
	db *DB
}

// NewRepoConfigRepo creates a new RepoConfigRepo backed by the given DB.
func NewRepoConfigRepo(db *DB) *RepoConfigRepo {
	return &RepoConfigRepo{db: db}
}

const repoColumns = `id, full_name, owner, name, local_path, enabled, paused, profile, webhook_id, dev_port, auto_cloned, added_at`

// Add inserts a new repository registration. Returns ErrRepoAlreadyExists if
// a repository with the same full_name is already registered.
func (r *RepoConfigRepo) Add(ctx context.Context, cfg model.RepoConfig) error {
	const query = `
		INSERT INTO repos (full_name, owner, name, local_path, enabled, paused, profile, webhook_id, dev_port, auto_cloned, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	addedAt := cfg.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now().UTC()
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		cfg.FullName, cfg.Owner, cfg.Name, cfg.LocalPath,
		boolInt(cfg.Enabled), boolInt(cfg.Paused), string(cfg.Profile),
		cfg.WebhookID, cfg.DevPort, boolInt(cfg.AutoCloned), addedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("add repository %s: %w", cfg.FullName, driven.ErrRepoAlreadyExists)
		}
		return fmt.Errorf("add repository %s: %w", cfg.FullName, err)
	}

	return nil
}

// Remove deletes a repository registration by full name. Returns
// ErrRepoNotFound if the repository does not exist. Due to foreign key
// cascade, all associated run records are also deleted.
func (r *RepoConfigRepo) Remove(ctx context.Context, fullName string) error {
	const query = `DELETE FROM repos WHERE full_name = ?`

	result, err := r.db.Writer.ExecContext(ctx, query, fullName)
	if err != nil {
		return fmt.Errorf("remove repository %s: %w", fullName, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("remove repository %s: %w", fullName, driven.ErrRepoNotFound)
	}

	return nil
}

// Get retrieves a repository registration by its full name. Returns nil, nil
// if the repository is not registered.
func (r *RepoConfigRepo) Get(ctx context.Context, fullName string) (*model.RepoConfig, error) {
	query := `SELECT ` + repoColumns + ` FROM repos WHERE full_name = ?`

	cfg, err := scanRepoConfig(r.db.Reader.QueryRowContext(ctx, query, fullName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", fullName, err)
	}

	return cfg, nil
}

// List returns all repository registrations ordered by full name.
func (r *RepoConfigRepo) List(ctx context.Context) ([]model.RepoConfig, error) {
	query := `SELECT ` + repoColumns + ` FROM repos ORDER BY full_name`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var repos []model.RepoConfig
	for rows.Next() {
		cfg, err := scanRepoConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repos = append(repos, *cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repositories: %w", err)
	}

	return repos, nil
}

// Update applies the non-nil fields of patch to the registration. Returns
// ErrRepoNotFound if the repository does not exist; a patch with no set
// fields is a no-op that still reports not-found for unknown repositories.
func (r *RepoConfigRepo) Update(ctx context.Context, fullName string, patch driven.RepoConfigPatch) error {
	var (
		sets []string
		args []any
	)

	if patch.LocalPath != nil {
		sets = append(sets, "local_path = ?")
		args = append(args, *patch.LocalPath)
	}
	if patch.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*patch.Enabled))
	}
	if patch.Paused != nil {
		sets = append(sets, "paused = ?")
		args = append(args, boolInt(*patch.Paused))
	}
	if patch.Profile != nil {
		sets = append(sets, "profile = ?")
		args = append(args, string(*patch.Profile))
	}
	if patch.WebhookID != nil {
		sets = append(sets, "webhook_id = ?")
		args = append(args, *patch.WebhookID)
	}
	if patch.DevPort != nil {
		sets = append(sets, "dev_port = ?")
		args = append(args, *patch.DevPort)
	}
	if patch.AutoCloned != nil {
		sets = append(sets, "auto_cloned = ?")
		args = append(args, boolInt(*patch.AutoCloned))
	}

	if len(sets) == 0 {
		cfg, err := r.Get(ctx, fullName)
		if err != nil {
			return err
		}
		if cfg == nil {
			return fmt.Errorf("update repository %s: %w", fullName, driven.ErrRepoNotFound)
		}
		return nil
	}

	query := `UPDATE repos SET ` + strings.Join(sets, ", ") + ` WHERE full_name = ?`
	args = append(args, fullName)

	result, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update repository %s: %w", fullName, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("update repository %s: %w", fullName, driven.ErrRepoNotFound)
	}

	return nil
}

// IsPaused reports whether builds for the repository are paused. An unknown
// repository is not paused; admission rejects it for being unregistered.
func (r *RepoConfigRepo) IsPaused(ctx context.Context, fullName string) (bool, error) {
	const query = `SELECT paused FROM repos WHERE full_name = ?`

	var paused int
	err := r.db.Reader.QueryRowContext(ctx, query, fullName).Scan(&paused)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check paused %s: %w", fullName, err)
	}

	return paused != 0, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRepoConfig(s scanner) (*model.RepoConfig, error) {
	var cfg model.RepoConfig
	var enabled, paused, autoCloned int
	var profile, addedAt string

	err := s.Scan(&cfg.ID, &cfg.FullName, &cfg.Owner, &cfg.Name, &cfg.LocalPath,
		&enabled, &paused, &profile, &cfg.WebhookID, &cfg.DevPort, &autoCloned, &addedAt)
	if err != nil {
		return nil, err
	}

	cfg.Enabled = enabled != 0
	cfg.Paused = paused != 0
	cfg.AutoCloned = autoCloned != 0
	cfg.Profile = model.ProfileKind(profile)

	cfg.AddedAt, err = parseTime(addedAt)
	if err != nil {
		return nil, fmt.Errorf("parse added_at: %w", err)
	}

	return &cfg, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseTime tries multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}
