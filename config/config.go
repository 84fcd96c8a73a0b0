// Package config loads the gateway's configuration surface: the optional
// project workflow descriptor (crucible.yaml) carrying provider overrides,
// and process-level settings.
//
// Precedence: defaults, then YAML, then environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/crucible-ai/crucible/llm"
	"github.com/crucible-ai/crucible/llm/retry"
)

// WorkflowFileName is the per-project descriptor looked up in the working
// directory.
const WorkflowFileName = "crucible.yaml"

// Workflow is the project-level descriptor. Only the provider overrides
// matter to the gateway; the orchestrator owns the rest of the file.
type Workflow struct {
	Providers []llm.ProviderDetails `yaml:"providers"`
}

// LoadWorkflow reads dir/crucible.yaml. A missing, unreadable or malformed
// file yields nil: the workflow is optional and a broken one must not stop
// the session.
func LoadWorkflow(dir string, logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := filepath.Join(dir, WorkflowFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read workflow descriptor", zap.String("path", path), zap.Error(err))
		}
		return nil
	}

	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		logger.Warn("failed to parse workflow descriptor", zap.String("path", path), zap.Error(err))
		return nil
	}
	for i := range wf.Providers {
		wf.Providers[i] = wf.Providers[i].Normalized()
	}
	return &wf
}

// DumpSettings controls the diagnostic side channel.
type DumpSettings struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Settings are the process-level gateway settings.
type Settings struct {
	HTTP  llm.HTTPConfig `yaml:"http"`
	Retry retry.Config   `yaml:"retry"`
	Dump  DumpSettings   `yaml:"dump"`
}

// DefaultSettings returns the compiled-in defaults. The dump directory
// lives under the user's home so records survive project switches.
func DefaultSettings() Settings {
	dir := ".crucible/dumps"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".crucible", "dumps")
	}
	return Settings{
		HTTP:  llm.DefaultHTTPConfig(),
		Retry: *retry.DefaultConfig(),
		Dump:  DumpSettings{Dir: dir},
	}
}

// LoadSettings builds Settings from defaults, an optional YAML file and
// environment overrides.
func LoadSettings(path string, logger *zap.Logger) Settings {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &settings); err != nil {
				logger.Warn("failed to parse settings file", zap.String("path", path), zap.Error(err))
			}
		case !os.IsNotExist(err):
			logger.Warn("failed to read settings file", zap.String("path", path), zap.Error(err))
		}
	}

	applyEnv(&settings)
	return settings
}

func applyEnv(settings *Settings) {
	if v, ok := os.LookupEnv("CRUCIBLE_DUMP"); ok {
		if enabled, err := strconv.ParseBool(v); err == nil {
			settings.Dump.Enabled = enabled
		}
	}
	if v, ok := os.LookupEnv("CRUCIBLE_DUMP_DIR"); ok && v != "" {
		settings.Dump.Dir = v
	}
	if v, ok := os.LookupEnv("CRUCIBLE_MAX_RETRIES"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			settings.Retry.MaxRetries = n
		}
	}
}
