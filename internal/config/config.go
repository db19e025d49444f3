// Package config loads the hookbuild configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hookbuild/internal/origin"
	"hookbuild/internal/security"
	"hookbuild/pkg/cmdutil"
)

const (
	DefaultFilename     = "hookbuild.yaml"
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 1337
	DefaultSecretEnv    = "GITHUB_WEBHOOK_SECRET"
	DefaultMaxBodyBytes = 1_000_000
	DefaultRateLimit    = 30
	DefaultWorkDir      = "/var/www/site"
	DefaultBranch       = "main"
	DefaultQueueDepth   = 8
	DefaultHistoryDB    = "./builds.db"
	DefaultHistoryKeep  = 1000
)

// Config is the root configuration structure. It is loaded once at startup
// and treated as read-only afterwards.
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	SecretEnv      string        `yaml:"secret_env"`
	AllowedRanges  []string      `yaml:"allowed_ranges"`
	GitHubMeta     bool          `yaml:"github_meta"`
	TrustProxy     bool          `yaml:"trust_proxy"`
	ClientIPHeader string        `yaml:"client_ip_header"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	RateLimit      int           `yaml:"rate_limit"`
	Build          BuildConfig   `yaml:"build"`
	History        HistoryConfig `yaml:"history"`

	// Secret comes from the environment variable named by SecretEnv.
	Secret string `yaml:"-"`
}

// BuildConfig describes the single build target.
type BuildConfig struct {
	WorkDir      string        `yaml:"workdir"`
	Branch       string        `yaml:"branch"`
	BranchFilter bool          `yaml:"branch_filter"`
	Steps        []interface{} `yaml:"steps"` // each a string or a list
	StepTimeout  int           `yaml:"step_timeout"`
	QueueDepth   int           `yaml:"queue_depth"`
	QueueTimeout int           `yaml:"queue_timeout"`
	ExposeOutput bool          `yaml:"expose_output"`
}

// HistoryConfig controls the build history database. An empty DB disables it.
// Keep is the number of newest records retained; 0 keeps everything.
type HistoryConfig struct {
	DB   string `yaml:"db"`
	Keep int    `yaml:"keep"`
}

// Default returns the built-in configuration used when no file is found.
func Default() *Config {
	return &Config{
		Host:           DefaultHost,
		Port:           DefaultPort,
		SecretEnv:      DefaultSecretEnv,
		AllowedRanges:  append([]string(nil), origin.GitHubHookRanges...),
		TrustProxy:     true,
		ClientIPHeader: origin.DefaultHeader,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		RateLimit:      DefaultRateLimit,
		Build: BuildConfig{
			WorkDir:      DefaultWorkDir,
			Branch:       DefaultBranch,
			QueueDepth:   DefaultQueueDepth,
			ExposeOutput: true,
		},
		History: HistoryConfig{DB: DefaultHistoryDB, Keep: DefaultHistoryKeep},
	}
}

// Load reads configPath over the defaults, resolves the secret from the
// environment and validates the result. An empty configPath yields the
// defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if cfg.SecretEnv == "" {
		cfg.SecretEnv = DefaultSecretEnv
	}
	if cfg.Build.Branch == "" {
		cfg.Build.Branch = DefaultBranch
	}
	cfg.Secret = os.Getenv(cfg.SecretEnv)

	if errors := cfg.Validate(); len(errors) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errors, "\n"))
	}

	return cfg, nil
}

// Validate checks the configuration and returns every problem found.
// The secret is not checked here; see security.SecretWarnings.
func (c *Config) Validate() []string {
	var errors []string

	if c.Port < 1 || c.Port > 65535 {
		errors = append(errors, fmt.Sprintf("  - port must be between 1 and 65535, got %d", c.Port))
	}

	if _, err := origin.ParseRanges(c.AllowedRanges); err != nil {
		errors = append(errors, fmt.Sprintf("  - allowed_ranges: %v", err))
	}
	if len(c.AllowedRanges) == 0 && !c.GitHubMeta {
		errors = append(errors, "  - allowed_ranges is empty and github_meta is off: every request would be refused")
	}

	if c.MaxBodyBytes <= 0 {
		errors = append(errors, fmt.Sprintf("  - max_body_bytes must be a positive integer, got %d", c.MaxBodyBytes))
	}
	if c.RateLimit < 0 {
		errors = append(errors, fmt.Sprintf("  - rate_limit must not be negative, got %d", c.RateLimit))
	}

	if c.Build.WorkDir == "" {
		errors = append(errors, "  - build: missing required 'workdir' field")
	} else if _, err := security.ValidateWorkDir(c.Build.WorkDir); err != nil {
		errors = append(errors, fmt.Sprintf("  - build.workdir: %v", err))
	}

	if err := security.ValidateBranchName(c.Build.Branch); err != nil {
		errors = append(errors, fmt.Sprintf("  - build.branch: %v", err))
	}

	if c.Build.StepTimeout < 0 {
		errors = append(errors, fmt.Sprintf("  - build.step_timeout must not be negative, got %d", c.Build.StepTimeout))
	}
	if c.Build.QueueDepth < 1 {
		errors = append(errors, fmt.Sprintf("  - build.queue_depth must be at least 1, got %d", c.Build.QueueDepth))
	}
	if c.Build.QueueTimeout < 0 {
		errors = append(errors, fmt.Sprintf("  - build.queue_timeout must not be negative, got %d", c.Build.QueueTimeout))
	}

	if c.History.Keep < 0 {
		errors = append(errors, fmt.Sprintf("  - history.keep must not be negative, got %d", c.History.Keep))
	}

	if c.Build.Steps != nil && len(c.Build.Steps) == 0 {
		errors = append(errors, "  - build.steps is empty")
	}
	for i, step := range c.Build.Steps {
		parts, err := cmdutil.ParseCommandList(step)
		if err != nil {
			errors = append(errors, fmt.Sprintf("  - build.steps[%d]: %v", i, err))
			continue
		}
		if err := security.ValidateCommand(parts); err != nil {
			errors = append(errors, fmt.Sprintf("  - build.steps[%d]: %v", i, err))
		}
	}

	return errors
}

// Steps returns the build steps as argument lists. Without configured
// steps the default pipeline for the target branch is returned.
func (c *Config) Steps() ([][]string, error) {
	if c.Build.Steps == nil {
		return DefaultSteps(c.Build.Branch), nil
	}

	steps := make([][]string, 0, len(c.Build.Steps))
	for i, step := range c.Build.Steps {
		parts, err := cmdutil.ParseCommandList(step)
		if err != nil {
			return nil, fmt.Errorf("build.steps[%d]: %w", i, err)
		}
		steps = append(steps, parts)
	}
	return steps, nil
}

// DefaultSteps is the pull, install and rebuild pipeline for branch.
func DefaultSteps(branch string) [][]string {
	return [][]string{
		{"git", "pull", "origin", branch},
		{"npm", "install"},
		{"npm", "run", "build"},
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StepTimeout returns the per-step timeout, zero meaning none.
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Build.StepTimeout) * time.Second
}

// QueueTimeout returns how long a delivery may wait for the build slot,
// zero meaning forever.
func (c *Config) QueueTimeout() time.Duration {
	return time.Duration(c.Build.QueueTimeout) * time.Second
}

// MatchesRef reports whether a git ref names the target branch.
func (c *Config) MatchesRef(ref string) bool {
	return ref == "refs/heads/"+c.Build.Branch
}
