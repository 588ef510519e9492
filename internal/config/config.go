/*
PURPOSE:
  Defines the configuration structure and loading logic for Forest Sweep.
  Adheres to "Config IS Code" philosophy.

REQUIREMENTS:
  User-specified:
  - Configure the endpoint URL, prompts, models, sampling knobs and the
    progression (mode, ranges, item count).
  - Separate content and metadata roots are optional.

  Implementation-discovered:
  - Needs to support YAML parsing.
  - Needs to support Environment variables overrides (FOREST_...), including
    values from a local .env file.
  - Validation must happen before any request is sent, so a typo in a range
    never burns a batch.

ARCHITECTURE INTEGRATION:
  - Used by: internal/cli, internal/engine
  - Dependencies: gopkg.in/yaml.v3, github.com/caarlos0/env/v10,
    github.com/joho/godotenv

ERROR HANDLING:
  - Returns explicit error if config file is invalid.
  - Missing default files fall back to defaults silently.
  - Validate() joins every problem into one error.

IMPLEMENTATION RULES:
  - Config struct tags support yaml and env.
  - Precedence: defaults < file < .env < environment < CLI flags.

USAGE:
  cfg, err := config.Load("forest_sweep.yaml")
  if err := cfg.Validate(); err != nil { ... }

SELF-HEALING INSTRUCTIONS:
  - If new fields are needed, add to Config struct and update DefaultConfig().

RELATED FILES:
  - internal/cli/root.go
  - internal/model/sampling.go

MAINTENANCE:
  - Update when adding new tuning parameters.
*/

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/daryltucker/forest-sweep/internal/model"
	"github.com/daryltucker/forest-sweep/internal/progression"
)

// EnvPrefix prefixes every environment override, e.g. FOREST_URL.
const EnvPrefix = "FOREST_"

// DefaultFiles are searched in order when no --config is given.
var DefaultFiles = []string{"forest_sweep.yaml", "sweep.yaml"}

// Config represents the full configuration for Forest Sweep.
type Config struct {
	URL       string `yaml:"url" env:"URL"`
	KeepAlive string `yaml:"keep_alive" env:"KEEP_ALIVE"`

	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	Prompt       string `yaml:"prompt" env:"PROMPT"`
	// Endpoint is "generate" or "chat".
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`

	// Models overrides Sampling.Model; each model gets the full item count.
	Models []string `yaml:"models" env:"MODELS" envSeparator:","`
	// Exclude is a list of strings to filter discovered model names (substring match)
	Exclude []string `yaml:"exclude" env:"EXCLUDE" envSeparator:","`

	Sampling model.SamplingConfig  `yaml:"sampling" envPrefix:"SAMPLING_"`
	Ranges   model.ParameterRanges `yaml:"ranges"`
	Mode     string                `yaml:"mode" env:"MODE"`
	Items    int                   `yaml:"items" env:"ITEMS"`

	Tag         string `yaml:"tag" env:"TAG"`
	OutputDir   string `yaml:"output_dir" env:"OUTPUT_DIR"`
	MetadataDir string `yaml:"metadata_dir" env:"METADATA_DIR"`
	Concurrency int    `yaml:"concurrency" env:"CONCURRENCY"`
	Catalog     bool   `yaml:"catalog" env:"CATALOG"`
	// ShowStream echoes fragments to the terminal as they arrive.
	ShowStream bool `yaml:"show_stream" env:"SHOW_STREAM"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
	LogJSON  bool   `yaml:"log_json" env:"LOG_JSON"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		URL:         "http://localhost:11434",
		KeepAlive:   "5m",
		Prompt:      "Write a short story about a lighthouse keeper.",
		Endpoint:    string(model.EndpointGenerate),
		Sampling:    model.DefaultSamplingConfig("llama3.2"),
		Mode:        string(progression.Fixed),
		Items:       1,
		Tag:         "sweep",
		OutputDir:   "results",
		Concurrency: 1,
		Catalog:     true,
		LogLevel:    "info",
	}
}

// Load reads configuration from a file, then applies .env and FOREST_*
// environment overrides.
// If path is specified, it attempts to load that file.
// If path is empty, it searches for default files in order.
// If no file found, defaults are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	var data []byte
	var err error

	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
	} else {
		for _, name := range DefaultFiles {
			data, err = os.ReadFile(name)
			if err == nil {
				path = name // record which file we loaded
				break
			}
		}
	}

	if path != "" {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv loads .env (if present) without clobbering real environment
// variables, then overlays FOREST_* variables onto cfg.
func applyEnv(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read .env: %w", err)
	}
	// The env parser descends into non-nil pointers, so a seed set in the file
	// is detached while parsing and restored unless the environment replaced it.
	fileSeed := cfg.Sampling.Seed
	cfg.Sampling.Seed = nil
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to apply %s environment: %w", EnvPrefix, err)
	}
	if cfg.Sampling.Seed == nil {
		cfg.Sampling.Seed = fileSeed
	}
	return nil
}

// ModelList returns the models a batch runs against: Models when set,
// otherwise the single Sampling.Model. Excluded names are dropped.
func (c *Config) ModelList() []string {
	models := c.Models
	if len(models) == 0 && c.Sampling.Model != "" {
		models = []string{c.Sampling.Model}
	}
	return FilterModels(models, c.Exclude)
}

// FilterModels drops names containing any exclude substring.
func FilterModels(models, exclude []string) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		skip := false
		for _, ex := range exclude {
			if ex != "" && strings.Contains(m, ex) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, m)
		}
	}
	return out
}

// Validate checks the whole config and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.URL) == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if strings.TrimSpace(c.Prompt) == "" {
		errs = append(errs, errors.New("prompt is required"))
	}
	switch model.Endpoint(c.Endpoint) {
	case model.EndpointGenerate, model.EndpointChat, "":
	default:
		errs = append(errs, fmt.Errorf("endpoint must be generate or chat, got %q", c.Endpoint))
	}
	if _, err := progression.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.Items < 1 {
		errs = append(errs, fmt.Errorf("items must be at least 1, got %d", c.Items))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if strings.ContainsAny(c.Tag, `/\`) || strings.TrimSpace(c.Tag) == "" {
		errs = append(errs, fmt.Errorf("tag must be a non-empty name without path separators, got %q", c.Tag))
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if len(c.ModelList()) == 0 {
		errs = append(errs, errors.New("no models left to run (check models and exclude)"))
	}

	// Each model is validated during planning; check the knobs once here.
	sampling := c.Sampling
	if sampling.Model == "" {
		sampling.Model = "placeholder"
	}
	if err := sampling.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Ranges.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
