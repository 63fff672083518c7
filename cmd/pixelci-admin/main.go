// pixelci-admin is the operator's recovery tool for a pixelci host. It works
// directly on the clone tree and database, so the server does not need to be
// running (and for reset-tree it should not be mid-build on the same repo).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	sqliteadapter "github.com/pixelci/pixelci/internal/adapter/driven/sqlite"
	"github.com/pixelci/pixelci/internal/clock"
	"github.com/pixelci/pixelci/internal/config"
	"github.com/pixelci/pixelci/internal/devport"
	"github.com/pixelci/pixelci/internal/domain/port/driven"
	"github.com/pixelci/pixelci/internal/gitsync"
	"github.com/pixelci/pixelci/internal/procexec"
)

const usage = `Usage: pixelci-admin <command> [flags]

Commands:
  reset-tree     --repo owner/name    discard local state, back to default branch
  clean-branches --repo owner/name    prune local branches gone from the remote
  detect-port    --repo owner/name    guess the dev server port
                 [--dynamic]          boot the dev server and watch its output
                 [--save]             write the detected port to the database

Flags are also read from the environment the same way the server reads them
(PIXELCI_DATA_DIR, PIXELCI_DB_PATH, PIXELCI_GITHUB_TOKEN, ...).
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}
	command := os.Args[1]
	if command == "-h" || command == "--help" || command == "help" {
		fmt.Print(usage)
		return nil
	}

	var (
		repoFlag string
		dynamic  bool
		save     bool
		wait     time.Duration
	)
	flags := pflag.NewFlagSet("pixelci-admin "+command, pflag.ContinueOnError)
	flags.StringVar(&repoFlag, "repo", "", "repository full name (owner/name)")
	flags.BoolVar(&dynamic, "dynamic", false, "detect-port: boot the dev server instead of reading manifests")
	flags.BoolVar(&save, "save", false, "detect-port: persist the detected port")
	flags.DurationVar(&wait, "wait", 20*time.Second, "detect-port: how long to watch dev server output")
	if err := flags.Parse(os.Args[2:]); err != nil {
		return err
	}
	if repoFlag == "" {
		return fmt.Errorf("--repo is required")
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	clk := clock.Real()
	runner := procexec.NewRunner(logger)
	syncer := gitsync.New(runner, clk, logger, gitsync.Config{
		BaseDir:        cfg.CloneBaseDir(),
		Token:          cfg.GitHubToken,
		CommandTimeout: cfg.GitTimeout,
	})

	localPath := syncer.LocalPath(repoFlag)
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("no clone for %s at %s", repoFlag, localPath)
	}

	switch command {
	case "reset-tree":
		if err := syncer.ResetToMain(ctx, localPath); err != nil {
			return err
		}
		fmt.Printf("%s reset to default branch\n", repoFlag)
		return nil

	case "clean-branches":
		pruned, err := syncer.CleanOrphanedBranches(ctx, localPath)
		if err != nil {
			return err
		}
		if len(pruned) == 0 {
			fmt.Println("no orphaned branches")
			return nil
		}
		for _, branch := range pruned {
			fmt.Printf("pruned %s\n", branch)
		}
		return nil

	case "detect-port":
		port, source, err := detectPort(ctx, runner, clk, logger, localPath, dynamic, wait)
		if err != nil {
			return err
		}
		fmt.Printf("port %d (%s)\n", port, source)
		if save {
			return savePort(ctx, cfg, repoFlag, port)
		}
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func detectPort(ctx context.Context, runner *procexec.Runner, clk clock.Clock, logger *slog.Logger, localPath string, dynamic bool, wait time.Duration) (int, string, error) {
	if dynamic {
		detector := devport.NewDetector(runner, clk, logger)
		port, err := detector.DetectDynamic(ctx, localPath, devport.DevCommand(localPath, ""), wait)
		if err != nil {
			return 0, "", err
		}
		return port, "dev server output", nil
	}

	det := devport.DetectStatic(localPath)
	if det.Port == 0 {
		return 0, "", fmt.Errorf("no port found in project manifests, try --dynamic")
	}
	return det.Port, det.Source, nil
}

func savePort(ctx context.Context, cfg *config.Config, repoFullName string, port int) error {
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}

	repos := sqliteadapter.NewRepoConfigRepo(db)
	if err := repos.Update(ctx, repoFullName, driven.RepoConfigPatch{DevPort: &port}); err != nil {
		return err
	}
	fmt.Printf("saved dev port %d for %s\n", port, repoFullName)
	return nil
}
