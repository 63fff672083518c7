package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pixelci/pixelci/internal/domain/model"
)

// OptionsFileName is the optional per-repository override file at the
// working tree root.
const OptionsFileName = ".pixelci.yml"

type rawOptions struct {
	AppName      string `yaml:"app_name"`
	DevCommand   string `yaml:"dev_command"`
	ReadyPattern string `yaml:"ready_pattern"`
	DevPort      int    `yaml:"dev_port"`
	RenderWait   string `yaml:"render_wait"` // duration string, e.g. "8s"
}

// LoadOptions reads .pixelci.yml from the working tree. A missing file is
// the normal case and yields zero options. A file that does not parse is
// an error; callers log it and run with defaults rather than failing the
// run over a config typo.
func LoadOptions(workDir string) (model.BuildOptions, error) {
	raw, err := os.ReadFile(filepath.Join(workDir, OptionsFileName))
	if errors.Is(err, os.ErrNotExist) {
		return model.BuildOptions{}, nil
	}
	if err != nil {
		return model.BuildOptions{}, fmt.Errorf("read %s: %w", OptionsFileName, err)
	}

	var ro rawOptions
	if err := yaml.Unmarshal(raw, &ro); err != nil {
		return model.BuildOptions{}, fmt.Errorf("parse %s: %w", OptionsFileName, err)
	}

	opts := model.BuildOptions{
		AppName:      ro.AppName,
		DevCommand:   ro.DevCommand,
		ReadyPattern: ro.ReadyPattern,
		DevPort:      ro.DevPort,
	}
	if ro.RenderWait != "" {
		d, err := time.ParseDuration(ro.RenderWait)
		if err != nil {
			return model.BuildOptions{}, fmt.Errorf("parse %s: render_wait %q: %w", OptionsFileName, ro.RenderWait, err)
		}
		opts.RenderWait = d
	}
	return opts, nil
}
