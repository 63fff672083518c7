package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	githubadapter "github.com/pixelci/pixelci/internal/adapter/driven/github"
	slackadapter "github.com/pixelci/pixelci/internal/adapter/driven/slack"
	sqliteadapter "github.com/pixelci/pixelci/internal/adapter/driven/sqlite"
	httphandler "github.com/pixelci/pixelci/internal/adapter/driving/http"
	"github.com/pixelci/pixelci/internal/application"
	"github.com/pixelci/pixelci/internal/clock"
	"github.com/pixelci/pixelci/internal/config"
	"github.com/pixelci/pixelci/internal/devport"
	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/domain/port/driven"
	"github.com/pixelci/pixelci/internal/gitsync"
	"github.com/pixelci/pixelci/internal/procexec"
	"github.com/pixelci/pixelci/internal/profile"
	"github.com/pixelci/pixelci/internal/shotdiff"
	"github.com/pixelci/pixelci/internal/tailnet"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (.env first, then environment; fail fast on bad values).
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"data_dir", cfg.DataDir,
		"workers", cfg.Workers,
		"auto_register", cfg.AutoRegister,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Prepare the data layout.
	for _, dir := range []string{cfg.DataDir, cfg.CloneBaseDir(), cfg.CacheDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// 4. Open database (dual reader/writer with WAL mode) and migrate.
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("database ready", "path", cfg.DBPath)

	// 5. Wire driven adapters.
	repoStore := sqliteadapter.NewRepoConfigRepo(db)
	runStore := sqliteadapter.NewRunRepo(db)

	logger := slog.Default()
	clk := clock.Real()
	runner := procexec.NewRunner(logger)

	syncer := gitsync.New(runner, clk, logger, gitsync.Config{
		BaseDir:        cfg.CloneBaseDir(),
		Token:          cfg.GitHubToken,
		CommandTimeout: cfg.GitTimeout,
		InstallTimeout: cfg.InstallTimeout,
	})
	detector := devport.NewDetector(runner, clk, logger)
	profiles := profile.New(runner, detector, clk, logger, cfg.CacheDir(), profile.Timeouts{
		Install: cfg.InstallTimeout,
		Build:   cfg.BuildTimeout,
		Test:    cfg.TestTimeout,
		Ready:   cfg.ReadyTimeout,
		Capture: cfg.CaptureTimeout,
		Boot:    cfg.BootTimeout,
	})
	differ := shotdiff.New(runner, logger)

	// 6. Dashboard links: a configured base URL wins, then the tailnet
	// address, then the bind address.
	resolver := tailnet.NewResolver(runner, clk, logger)
	baseURL := func(ctx context.Context) string {
		if cfg.DashboardBaseURL != "" {
			return cfg.DashboardBaseURL
		}
		if ip := resolver.Address(ctx); ip != "" {
			if _, port, err := net.SplitHostPort(cfg.ListenAddr); err == nil {
				return "http://" + net.JoinHostPort(ip, port)
			}
		}
		return "http://" + cfg.ListenAddr
	}

	var notifier driven.Notifier
	if cfg.HasSlackWebhook() {
		notifier = slackadapter.New(cfg.SlackWebhookURL, baseURL, clk, logger)
		slog.Info("slack notifications enabled")
	} else {
		notifier = logNotifier{logger: logger}
		slog.Info("no slack webhook configured, run results are log-only")
	}

	// 7. Pipeline service and build queue.
	pipeline := application.NewPipelineService(application.PipelineDeps{
		Repos:    repoStore,
		Runs:     runStore,
		Notifier: notifier,
		Syncer:   syncer,
		Profiles: profiles,
		Differ:   differ,
		Clock:    clk,
		Logger:   logger,
		DataDir:  cfg.DataDir,
	})
	queue := application.NewQueue(pipeline.Execute, cfg.Workers, logger)
	queue.Start()

	// 8. GitHub client for webhook management and auto-registration.
	var host driven.RepoHost
	if cfg.HasGitHubToken() {
		host = githubadapter.NewClient(cfg.GitHubToken, cfg.WebhookSecret)
	} else {
		slog.Warn("no github token configured, cloning and webhook management unavailable")
	}

	// 9. HTTP surface: webhook intake plus dashboard API.
	handler := httphandler.NewHandler(repoStore, runStore, host, queue, pipeline, httphandler.Config{
		WebhookSecret: []byte(cfg.WebhookSecret),
		AutoRegister:  cfg.AutoRegister,
		CallbackURL:   baseURL(ctx) + "/hooks/github",
		DataDir:       cfg.DataDir,
	}, clk, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(handler, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("pixelci started", "listen_addr", cfg.ListenAddr, "workers", cfg.Workers)

	// 10. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 11. Stop intake first, then drain in-flight builds.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelDrain()
	if err := queue.Shutdown(drainCtx); err != nil {
		slog.Error("build queue shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// logNotifier stands in when no Slack webhook is configured.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) RunFinished(ctx context.Context, rec model.RunRecord, diff *model.DiffResult) error {
	n.logger.Info("run notification",
		"repo", rec.RepoFullName,
		"branch", rec.Branch,
		"status", rec.Status,
		"error_message", rec.ErrorMessage,
	)
	return nil
}
