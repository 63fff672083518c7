// Package shotdiff compares two screenshots and reports how far apart
// they are. ImageMagick gives an exact pixel count when available; when
// it is not, a hash-and-size estimate keeps the pipeline moving rather
// than failing the run over a missing tool.
package shotdiff

import (
	"context"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/procexec"
	"github.com/pixelci/pixelci/internal/strategy"
)

const compareTimeout = 60 * time.Second

// Differ computes screenshot diffs.
type Differ struct {
	runner *procexec.Runner
	logger *slog.Logger
}

func New(runner *procexec.Runner, logger *slog.Logger) *Differ {
	return &Differ{runner: runner, logger: logger}
}

// Compare diffs current against baseline, writing a visual diff image to
// diffOut when ImageMagick produces one. A missing baseline or current
// file yields (nil, nil): the first run of a branch has nothing to
// compare against, and that is not an error.
func (d *Differ) Compare(ctx context.Context, baseline, current, diffOut string) (*model.DiffResult, error) {
	if !fileExists(baseline) || !fileExists(current) {
		d.logger.Debug("skipping diff, screenshot missing", "baseline", baseline, "current", current)
		return nil, nil
	}

	steps := []strategy.Step[*model.DiffResult]{
		{
			Name: "imagemagick",
			Try: func(ctx context.Context) (*model.DiffResult, strategy.Outcome, error) {
				return d.magickCompare(ctx, baseline, current, diffOut)
			},
		},
		{
			Name: "hash-estimate",
			Try: func(ctx context.Context) (*model.DiffResult, strategy.Outcome, error) {
				return d.estimate(baseline, current)
			},
		},
	}

	result, method, err := strategy.Run(ctx, steps)
	if err != nil {
		return nil, fmt.Errorf("diff %s vs %s: %w", current, baseline, err)
	}

	d.logger.Info("screenshot diff computed",
		"method", method,
		"diff_percent", result.DiffPercent,
		"estimated", result.Estimated,
	)
	return result, nil
}

// magickCompare runs compare -metric AE and converts the absolute pixel
// count into a percentage of the image area. Exit codes 0 and 1 are both
// fine; anything else means ImageMagick could not handle the pair and we
// fall through to the estimate.
func (d *Differ) magickCompare(ctx context.Context, baseline, current, diffOut string) (*model.DiffResult, strategy.Outcome, error) {
	argv := compareArgv()
	if argv == nil {
		return nil, strategy.SoftFail, fmt.Errorf("imagemagick compare not installed")
	}

	width, height, err := pngDimensions(current)
	if err != nil {
		return nil, strategy.SoftFail, fmt.Errorf("read screenshot dimensions: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(diffOut), 0o755); err != nil {
		return nil, strategy.SoftFail, fmt.Errorf("create diff dir: %w", err)
	}

	res := d.runner.Run(ctx, procexec.Cmd{
		Argv:    append(argv, "-metric", "AE", baseline, current, diffOut),
		Timeout: compareTimeout,
	})
	if res.TimedOut {
		return nil, strategy.SoftFail, fmt.Errorf("compare timed out")
	}
	if res.ExitCode != 0 && res.ExitCode != 1 {
		return nil, strategy.SoftFail, fmt.Errorf("compare exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	pixels, err := parseMetric(res.Stderr)
	if err != nil {
		return nil, strategy.SoftFail, err
	}

	result := &model.DiffResult{
		DiffPercent:  pixels / float64(width*height) * 100,
		DiffPixels:   int(pixels),
		BaselinePath: baseline,
	}
	if fileExists(diffOut) {
		result.DiffImagePath = diffOut
	}
	return result, strategy.Success, nil
}

// estimate falls back to content hashing. Identical hashes mean an exact
// zero; otherwise the size delta stands in for the pixel count, floored
// at 1% so a changed screenshot of the same byte size still registers.
func (d *Differ) estimate(baseline, current string) (*model.DiffResult, strategy.Outcome, error) {
	baseHash, baseSize, err := hashFile(baseline)
	if err != nil {
		return nil, strategy.HardFail, err
	}
	curHash, curSize, err := hashFile(current)
	if err != nil {
		return nil, strategy.HardFail, err
	}

	result := &model.DiffResult{
		DiffPixels:   -1,
		BaselinePath: baseline,
		Estimated:    true,
	}
	if baseHash == curHash {
		result.DiffPixels = 0
		return result, strategy.Success, nil
	}

	larger := math.Max(float64(baseSize), float64(curSize))
	percent := math.Abs(float64(curSize)-float64(baseSize)) / larger * 100
	result.DiffPercent = math.Max(percent, 1)
	return result, strategy.Success, nil
}

// Thumbnail writes a scaled-down copy of src. Best-effort; callers log
// and move on when it fails.
func (d *Differ) Thumbnail(ctx context.Context, src, dst string, width int) error {
	argv := convertArgv()
	if argv == nil {
		return fmt.Errorf("imagemagick not installed")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}

	res := d.runner.Run(ctx, procexec.Cmd{
		Argv:    append(argv, src, "-resize", fmt.Sprintf("%dx", width), dst),
		Timeout: compareTimeout,
	})
	if !res.Success() {
		return fmt.Errorf("resize %s: %s", src, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// compareArgv prefers ImageMagick 7's magick binary over the legacy name.
func compareArgv() []string {
	if _, err := exec.LookPath("magick"); err == nil {
		return []string{"magick", "compare"}
	}
	if _, err := exec.LookPath("compare"); err == nil {
		return []string{"compare"}
	}
	return nil
}

func convertArgv() []string {
	if _, err := exec.LookPath("magick"); err == nil {
		return []string{"magick"}
	}
	if _, err := exec.LookPath("convert"); err == nil {
		return []string{"convert"}
	}
	return nil
}

// parseMetric pulls the pixel count out of compare's stderr. The AE
// metric prints a bare number, sometimes in scientific notation and
// sometimes with a parenthesized normalized value after it.
func parseMetric(stderr string) (float64, error) {
	fields := strings.Fields(strings.TrimSpace(stderr))
	if len(fields) == 0 {
		return 0, fmt.Errorf("compare produced no metric")
	}
	pixels, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse metric %q: %w", fields[0], err)
	}
	return pixels, nil
}

func pngDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("degenerate image %dx%d", cfg.Width, cfg.Height)
	}
	return cfg.Width, cfg.Height, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	hasher := blake3.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
