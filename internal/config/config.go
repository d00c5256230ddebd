// internal/config/config.go
//
// This package handles configuration and the .batchline directory structure.
// Every directory batchline runs from gets a .batchline/ folder holding the
// config file, logs, the saved session and downloaded reports.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// BatchlineDir is the name of the directory we create in each project
	BatchlineDir = ".batchline"

	LogsDir    = "logs"
	StateDir   = "state"
	ReportsDir = "reports"

	defaultBaseURL         = "http://127.0.0.1:8787/"
	defaultTimeout         = 15 * time.Second
	defaultInactivityCheck = 5 * time.Minute
	defaultLanguage        = "en"
	defaultLogLevel        = "info"
	defaultExporter        = "otlp"
)

const defaultProjectConfigYAML = `# batchline configuration
version: 1

api:
  # Base URL of the batch-record backend. A trailing slash is added if missing.
  base_url: http://127.0.0.1:8787/
  # Deadline for every backend request.
  timeout: 15s

session:
  # How often the backend is asked whether the session is still active.
  inactivity_check: 5m
  # Preferred instruction language when the account has none.
  language: en

telemetry:
  # Tracing is off unless enabled with an endpoint (otlp) or written to
  # .batchline/logs/traces.json (file).
  enabled: false
  exporter: otlp
  # endpoint: http://localhost:4318

log:
  level: info
`

// APIConfig describes how to reach the backend.
type APIConfig struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" validate:"min=1s"`
}

// SessionConfig controls session upkeep.
type SessionConfig struct {
	InactivityCheck time.Duration `yaml:"inactivity_check" validate:"min=1s"`
	Language        string        `yaml:"language" validate:"required,bcp47_language_tag"`
}

// TelemetryConfig controls opt-in tracing.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter" validate:"oneof=otlp file"`
	Endpoint string `yaml:"endpoint,omitempty" validate:"omitempty,url"`
}

// LogConfig controls the diagnostic log.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// ProjectConfig models .batchline/config.yaml.
type ProjectConfig struct {
	Version   int             `yaml:"version" validate:"min=1"`
	API       APIConfig       `yaml:"api"`
	Session   SessionConfig   `yaml:"session"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// envOverrides are read from the process environment and win over the file.
type envOverrides struct {
	BaseURL         string        `env:"BATCHLINE_API_BASE_URL"`
	Timeout         time.Duration `env:"BATCHLINE_API_TIMEOUT"`
	InactivityCheck time.Duration `env:"BATCHLINE_INACTIVITY_CHECK"`
	Language        string        `env:"BATCHLINE_LANGUAGE"`
	OTelEndpoint    string        `env:"BATCHLINE_OTEL_ENDPOINT"`
	OTelEnabled     string        `env:"BATCHLINE_OTEL_ENABLED"`
	OTelExporter    string        `env:"BATCHLINE_OTEL_EXPORTER"`
	LogLevel        string        `env:"BATCHLINE_LOG_LEVEL"`
}

// Config holds the runtime configuration for batchline.
type Config struct {
	// ProjectDir is the directory where the user ran `batchline` from
	ProjectDir string

	// BatchlineProjectDir is ProjectDir/.batchline
	BatchlineProjectDir string

	// Project is what config.yaml says; Settings adds environment overrides
	// on top and is what the rest of the program reads.
	Project  ProjectConfig
	Settings ProjectConfig
}

var validate = validator.New()

// InitDir creates the .batchline directory structure in the given project directory.
// This is called when the TUI starts up.
//
// Structure created:
// .batchline/
// ├── config.yaml
// ├── logs/      <- diagnostic log and execution journal
// ├── state/     <- saved session
// └── reports/   <- downloaded PDF reports
func InitDir(projectDir string) error {
	root := filepath.Join(projectDir, BatchlineDir)
	for _, dir := range []string{LogsDir, StateDir, ReportsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(root, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings
// and environment overrides.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:          projectDir,
		BatchlineProjectDir: filepath.Join(projectDir, BatchlineDir),
		Project:             defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.BatchlineProjectDir, LogsDir)
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.BatchlineProjectDir, StateDir)
}

// ReportsDir returns where downloaded reports are written
func (c *Config) ReportsDir() string {
	return filepath.Join(c.BatchlineProjectDir, ReportsDir)
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.BatchlineProjectDir, "config.yaml")
}

// BaseURL returns the backend base URL, always ending in a slash.
func (c *Config) BaseURL() string {
	return c.Settings.API.BaseURL
}

// Timeout returns the per-request deadline.
func (c *Config) Timeout() time.Duration {
	return c.Settings.API.Timeout
}

// InactivityCheck returns the session check interval.
func (c *Config) InactivityCheck() time.Duration {
	return c.Settings.Session.InactivityCheck
}

// Language returns the preferred instruction language.
func (c *Config) Language() string {
	return c.Settings.Session.Language
}

// Telemetry returns the effective tracing settings.
func (c *Config) Telemetry() TelemetryConfig {
	return c.Settings.Telemetry
}

// LogLevel returns the diagnostic log level.
func (c *Config) LogLevel() string {
	return c.Settings.Log.Level
}

// SetLanguage updates the preferred language and persists the value back to
// .batchline/config.yaml.
func (c *Config) SetLanguage(lang string) error {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return fmt.Errorf("config: language is required")
	}
	previous := c.Project.Session.Language
	c.Project.Session.Language = lang
	if err := c.saveProjectConfig(); err != nil {
		c.Project.Session.Language = previous
		return err
	}
	c.Settings.Session.Language = lang
	return nil
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.Settings = c.Project
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}

	c.Project = parsed
	c.Settings = parsed
	return nil
}

func (c *Config) applyEnv() error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	s := c.Settings
	if v := strings.TrimSpace(overrides.BaseURL); v != "" {
		s.API.BaseURL = v
	}
	if overrides.Timeout > 0 {
		s.API.Timeout = overrides.Timeout
	}
	if overrides.InactivityCheck > 0 {
		s.Session.InactivityCheck = overrides.InactivityCheck
	}
	if v := strings.TrimSpace(overrides.Language); v != "" {
		s.Session.Language = v
	}
	if v := strings.TrimSpace(overrides.OTelEndpoint); v != "" {
		s.Telemetry.Endpoint = v
		s.Telemetry.Enabled = true
	}
	if v := strings.TrimSpace(overrides.OTelEnabled); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: BATCHLINE_OTEL_ENABLED: %w", err)
		}
		s.Telemetry.Enabled = enabled
	}
	if v := strings.TrimSpace(overrides.OTelExporter); v != "" {
		s.Telemetry.Exporter = v
	}
	if v := strings.TrimSpace(overrides.LogLevel); v != "" {
		s.Log.Level = v
	}
	s.normalize()
	if err := s.validate(); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	c.Settings = s
	return nil
}

func defaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{}
	pc.applyDefaults()
	pc.normalize()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.API.BaseURL) == "" {
		pc.API.BaseURL = defaultBaseURL
	}
	if pc.API.Timeout == 0 {
		pc.API.Timeout = defaultTimeout
	}
	if pc.Session.InactivityCheck == 0 {
		pc.Session.InactivityCheck = defaultInactivityCheck
	}
	if strings.TrimSpace(pc.Session.Language) == "" {
		pc.Session.Language = defaultLanguage
	}
	if strings.TrimSpace(pc.Telemetry.Exporter) == "" {
		pc.Telemetry.Exporter = defaultExporter
	}
	if strings.TrimSpace(pc.Log.Level) == "" {
		pc.Log.Level = defaultLogLevel
	}
}

func (pc *ProjectConfig) normalize() {
	pc.API.BaseURL = strings.TrimSpace(pc.API.BaseURL)
	if pc.API.BaseURL != "" && !strings.HasSuffix(pc.API.BaseURL, "/") {
		pc.API.BaseURL += "/"
	}
	pc.Session.Language = strings.TrimSpace(pc.Session.Language)
	pc.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(pc.Telemetry.Exporter))
	pc.Telemetry.Endpoint = strings.TrimSpace(pc.Telemetry.Endpoint)
	pc.Log.Level = strings.ToLower(strings.TrimSpace(pc.Log.Level))
}

func (pc *ProjectConfig) validate() error {
	if err := validate.Struct(pc); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}
	if pc.Telemetry.Enabled && pc.Telemetry.Exporter == "otlp" && pc.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when the otlp exporter is enabled")
	}
	return nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.BatchlineProjectDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure batchline dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
