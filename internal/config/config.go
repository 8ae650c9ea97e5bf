// internal/config/config.go
//
// This package handles configuration and the .chainforge directory structure.
// Every project that runs chains gets a .chainforge/ folder in its root.

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

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// ProjectDirName is the name of the directory we create in each project
	ProjectDirName = ".chainforge"

	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

const defaultProjectConfigYAML = `# chainforge project configuration
version: 1

engine:
  max_concurrency: 4        # capability calls in flight across all chains
  transport_retries: 3      # retries after the first failed call
  initial_backoff: 500ms
  max_backoff: 10s
  requests_per_second: 0    # 0 = unlimited
  job_timeout: 2m
  max_attempts: 3           # validation attempts before escalation
  escalation_timeout: 5m
  chain_retention: 30m      # how long finished chains stay in memory; -1s drops them at once

store:
  backend: badger           # badger | postgres | memory
  path: store               # relative to .chainforge/
  dsn: ""
  ttl: 1h

capability:
  default: gpt-4o-mini
  base_url: ""
  api_key_env: OPENAI_API_KEY

bridge:
  enabled: true
  host: 127.0.0.1
  port: 8765
  max_body_bytes: 1048576
  read_timeout: 15s
  write_timeout: 15s
  idle_timeout: 60s

prompts:
  dir: prompts              # *.tmpl files, relative to .chainforge/
`

var structValidate = validator.New(validator.WithRequiredStructEnabled())

// EngineConfig tunes the queue and the retry loops.
type EngineConfig struct {
	MaxConcurrency int `yaml:"max_concurrency" validate:"gte=1"`
	// TransportRetries counts retries after the first call. Negative disables
	// retrying.
	TransportRetries  int           `yaml:"transport_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff        time.Duration `yaml:"max_backoff" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	JobTimeout        time.Duration `yaml:"job_timeout" validate:"gte=0"`
	MaxAttempts       int           `yaml:"max_attempts" validate:"gte=1"`
	EscalationTimeout time.Duration `yaml:"escalation_timeout"`
	// MaxParallel caps in-flight tasks per chain. 0 = no per-chain cap.
	MaxParallel int `yaml:"max_parallel,omitempty" validate:"gte=0"`
	// ChainRetention keeps finished chains in memory. Negative drops them
	// as soon as they finish.
	ChainRetention time.Duration `yaml:"chain_retention,omitempty"`
}

// StoreConfig selects and configures the context store.
type StoreConfig struct {
	Backend string        `yaml:"backend" validate:"oneof=badger postgres memory"`
	Path    string        `yaml:"path,omitempty"`
	DSN     string        `yaml:"dsn,omitempty" validate:"required_if=Backend postgres"`
	TTL     time.Duration `yaml:"ttl" validate:"gte=0"`
}

// CapabilityConfig configures the OpenAI-compatible generation endpoint.
type CapabilityConfig struct {
	// Default is the capability (model) id used by tasks that do not pin one.
	Default      string `yaml:"default" validate:"required"`
	BaseURL      string `yaml:"base_url,omitempty" validate:"omitempty,url"`
	APIKeyEnv    string `yaml:"api_key_env,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`
}

// APIKey reads the key from the configured environment variable.
func (c CapabilityConfig) APIKey() string {
	name := strings.TrimSpace(c.APIKeyEnv)
	if name == "" {
		name = "OPENAI_API_KEY"
	}
	return strings.TrimSpace(os.Getenv(name))
}

// BridgeConfig holds the raw HTTP bridge settings. Zero values fall back to
// the eventbridge defaults.
type BridgeConfig struct {
	Enabled      *bool         `yaml:"enabled,omitempty"`
	Host         string        `yaml:"host,omitempty"`
	Port         int           `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	MaxBodyBytes int64         `yaml:"max_body_bytes,omitempty" validate:"gte=0"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" validate:"gte=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout,omitempty" validate:"gte=0"`
}

// PromptsConfig points at the prompt template directory.
type PromptsConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// ProjectConfig models .chainforge/config.yaml.
type ProjectConfig struct {
	Version    int              `yaml:"version" validate:"gte=1"`
	Engine     EngineConfig     `yaml:"engine"`
	Store      StoreConfig      `yaml:"store"`
	Capability CapabilityConfig `yaml:"capability"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Prompts    PromptsConfig    `yaml:"prompts"`
}

// Config holds the runtime configuration for one project.
type Config struct {
	// ProjectDir is the directory chainforge was run from
	ProjectDir string

	// StateDir is ProjectDir/.chainforge
	StateDir string

	Project ProjectConfig
}

// InitDir creates the .chainforge directory structure in the given project
// directory and writes a default config.yaml when none exists.
//
// Structure created:
// .chainforge/
// ├── logs/      <- chainforge.log
// ├── store/     <- badger context store
// └── prompts/   <- prompt templates (*.tmpl)
func InitDir(projectDir string) error {
	root := filepath.Join(projectDir, ProjectDirName)
	dirs := []string{
		filepath.Join(root, "logs"),
		filepath.Join(root, "store"),
		filepath.Join(root, "prompts"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(root, "config.yaml"))
}

// Load builds a Config for projectDir. A missing config.yaml yields the
// defaults. Environment overrides are applied last.
func Load(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir: projectDir,
		StateDir:   filepath.Join(projectDir, ProjectDirName),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// StorePath returns the resolved badger directory.
func (c *Config) StorePath() string {
	return c.Project.Store.Path
}

// PromptsDir returns the resolved prompt template directory.
func (c *Config) PromptsDir() string {
	return c.Project.Prompts.Dir
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	parsed := defaultProjectConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	parsed.applyDefaults()
	parsed.applyEnvOverrides()
	parsed.normalize(c.StateDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Engine: EngineConfig{
			MaxConcurrency:    4,
			TransportRetries:  3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			JobTimeout:        2 * time.Minute,
			MaxAttempts:       3,
			EscalationTimeout: 5 * time.Minute,
		},
		Store: StoreConfig{
			Backend: BackendBadger,
			Path:    "store",
			TTL:     time.Hour,
		},
		Capability: CapabilityConfig{
			Default:   "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Prompts: PromptsConfig{Dir: "prompts"},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	defaults := defaultProjectConfig()
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Engine.MaxConcurrency == 0 {
		pc.Engine.MaxConcurrency = defaults.Engine.MaxConcurrency
	}
	if pc.Engine.MaxAttempts == 0 {
		pc.Engine.MaxAttempts = defaults.Engine.MaxAttempts
	}
	if pc.Store.Backend == "" {
		pc.Store.Backend = defaults.Store.Backend
	}
	if pc.Store.TTL == 0 {
		pc.Store.TTL = defaults.Store.TTL
	}
	if pc.Store.Path == "" {
		pc.Store.Path = defaults.Store.Path
	}
	if pc.Capability.Default == "" {
		pc.Capability.Default = defaults.Capability.Default
	}
	if pc.Prompts.Dir == "" {
		pc.Prompts.Dir = defaults.Prompts.Dir
	}
}

// applyEnvOverrides lets CHAINFORGE_* variables win over the file. Bridge
// overrides are applied by the eventbridge settings.
func (pc *ProjectConfig) applyEnvOverrides() {
	if value := strings.TrimSpace(os.Getenv("CHAINFORGE_MAX_CONCURRENCY")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			pc.Engine.MaxConcurrency = parsed
		}
	}
	if backend := strings.TrimSpace(os.Getenv("CHAINFORGE_STORE_BACKEND")); backend != "" {
		pc.Store.Backend = backend
	}
	if dsn := strings.TrimSpace(os.Getenv("CHAINFORGE_STORE_DSN")); dsn != "" {
		pc.Store.DSN = dsn
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Store.Backend = strings.ToLower(strings.TrimSpace(pc.Store.Backend))
	pc.Store.DSN = strings.TrimSpace(pc.Store.DSN)
	pc.Store.Path = resolvePath(base, pc.Store.Path)
	pc.Prompts.Dir = resolvePath(base, pc.Prompts.Dir)
	pc.Capability.Default = strings.TrimSpace(pc.Capability.Default)
	pc.Capability.BaseURL = strings.TrimSpace(pc.Capability.BaseURL)
	pc.Bridge.Host = strings.TrimSpace(pc.Bridge.Host)
	if pc.Engine.MaxBackoff > 0 && pc.Engine.MaxBackoff < pc.Engine.InitialBackoff {
		pc.Engine.MaxBackoff = pc.Engine.InitialBackoff
	}
}

func (pc *ProjectConfig) validate() error {
	if err := structValidate.Struct(pc); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			field := invalid[0]
			return fmt.Errorf("%s fails %q", strings.ToLower(field.Namespace()), field.Tag())
		}
		return err
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
