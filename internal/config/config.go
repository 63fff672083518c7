// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr       string
	DBPath           string
	DataDir          string // clones/, runs/, cache/ live under here
	GitHubToken      string
	WebhookSecret    string
	SlackWebhookURL  string
	DashboardBaseURL string
	Workers          int
	AutoRegister     bool

	// Per-step timeout overrides. Zero means the component default.
	GitTimeout     time.Duration
	InstallTimeout time.Duration
	BuildTimeout   time.Duration
	TestTimeout    time.Duration
	ReadyTimeout   time.Duration
	CaptureTimeout time.Duration
	BootTimeout    time.Duration
}

// HasGitHubToken returns true when a clone/API token is configured. Without
// it the server still starts, but cloning fails fast with "not configured"
// and webhook registration is unavailable.
func (c *Config) HasGitHubToken() bool {
	return c.GitHubToken != ""
}

// HasSlackWebhook returns true when run notifications should be delivered.
func (c *Config) HasSlackWebhook() bool {
	return c.SlackWebhookURL != ""
}

// CloneBaseDir is where working trees are checked out.
func (c *Config) CloneBaseDir() string {
	return filepath.Join(c.DataDir, "clones")
}

// CacheDir holds per-repository dependency caches.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}

// Load reads configuration from environment variables and returns a validated Config.
// The GitHub token (PIXELCI_GITHUB_TOKEN) and Slack webhook (PIXELCI_SLACK_WEBHOOK_URL)
// are optional; features depending on them degrade with an explicit log line.
// Optional variables with defaults: PIXELCI_LISTEN_ADDR (127.0.0.1:8080),
// PIXELCI_DB_PATH (pixelci.db), PIXELCI_DATA_DIR (~/.pixelci), PIXELCI_WORKERS (2).
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       "127.0.0.1:8080",
		DBPath:           "pixelci.db",
		GitHubToken:      os.Getenv("PIXELCI_GITHUB_TOKEN"),
		WebhookSecret:    os.Getenv("PIXELCI_WEBHOOK_SECRET"),
		SlackWebhookURL:  os.Getenv("PIXELCI_SLACK_WEBHOOK_URL"),
		DashboardBaseURL: os.Getenv("PIXELCI_DASHBOARD_BASE_URL"),
		Workers:          2,
	}

	if v, ok := os.LookupEnv("PIXELCI_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("PIXELCI_DB_PATH"); ok {
		cfg.DBPath = v
	}

	if v, ok := os.LookupEnv("PIXELCI_DATA_DIR"); ok {
		cfg.DataDir = v
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("PIXELCI_DATA_DIR not set and home directory unavailable: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".pixelci")
	}

	if v, ok := os.LookupEnv("PIXELCI_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("PIXELCI_WORKERS has invalid value %q: want a positive integer", v)
		}
		cfg.Workers = n
	}

	if v, ok := os.LookupEnv("PIXELCI_AUTO_REGISTER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("PIXELCI_AUTO_REGISTER has invalid value %q: %w", v, err)
		}
		cfg.AutoRegister = b
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"PIXELCI_GIT_TIMEOUT", &cfg.GitTimeout},
		{"PIXELCI_INSTALL_TIMEOUT", &cfg.InstallTimeout},
		{"PIXELCI_BUILD_TIMEOUT", &cfg.BuildTimeout},
		{"PIXELCI_TEST_TIMEOUT", &cfg.TestTimeout},
		{"PIXELCI_READY_TIMEOUT", &cfg.ReadyTimeout},
		{"PIXELCI_CAPTURE_TIMEOUT", &cfg.CaptureTimeout},
		{"PIXELCI_BOOT_TIMEOUT", &cfg.BootTimeout},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.env)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s has invalid duration %q: %w", d.env, v, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}
