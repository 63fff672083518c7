// Package tailnet resolves this machine's tailnet address so notification
// links work from other devices. The lookup shells out to the tailscale
// CLI and is cached; a machine without tailscale simply gets no tailnet
// links, never an error.
package tailnet

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pixelci/pixelci/internal/clock"
	"github.com/pixelci/pixelci/internal/procexec"
)

const (
	cacheTTL      = 5 * time.Minute
	lookupTimeout = 10 * time.Second
)

// Resolver caches the machine's tailnet IPv4 address.
type Resolver struct {
	runner *procexec.Runner
	clock  clock.Clock
	logger *slog.Logger

	lookupArgv []string

	mu        sync.Mutex
	cached    string
	fetchedAt time.Time
}

func NewResolver(runner *procexec.Runner, c clock.Clock, logger *slog.Logger) *Resolver {
	return &Resolver{
		runner:     runner,
		clock:      c,
		logger:     logger,
		lookupArgv: []string{"tailscale", "ip", "-4"},
	}
}

// Address returns the tailnet IPv4 address, or "" when none is available.
// Results, including misses, are cached so a machine without tailscale is
// not probed on every notification.
func (r *Resolver) Address(ctx context.Context) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if !r.fetchedAt.IsZero() && now.Sub(r.fetchedAt) < cacheTTL {
		return r.cached
	}

	r.cached = r.lookup(ctx)
	r.fetchedAt = now
	return r.cached
}

func (r *Resolver) lookup(ctx context.Context) string {
	res := r.runner.Run(ctx, procexec.Cmd{
		Argv:    r.lookupArgv,
		Timeout: lookupTimeout,
	})
	if !res.Success() {
		r.logger.Debug("tailscale address lookup failed", "exit_code", res.ExitCode,
			"stderr", strings.TrimSpace(res.Stderr))
		return ""
	}

	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 || net.ParseIP(fields[0]) == nil {
		r.logger.Debug("tailscale returned no usable address", "stdout", strings.TrimSpace(res.Stdout))
		return ""
	}
	return fields[0]
}
