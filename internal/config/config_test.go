package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, projectDir, body string) {
	t.Helper()
	dir := filepath.Join(projectDir, ProjectDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(strings.TrimSpace(body)), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	c, err := Load(projectDir)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if c.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", c.Project.Version)
	}
	if c.Project.Engine.MaxConcurrency != 4 || c.Project.Engine.MaxAttempts != 3 {
		t.Fatalf("unexpected engine defaults: %+v", c.Project.Engine)
	}
	if c.Project.Engine.EscalationTimeout != 5*time.Minute {
		t.Fatalf("expected 5m escalation timeout, got %s", c.Project.Engine.EscalationTimeout)
	}
	if c.Project.Store.Backend != BackendBadger || c.Project.Store.TTL != time.Hour {
		t.Fatalf("unexpected store defaults: %+v", c.Project.Store)
	}
	if want := filepath.Join(projectDir, ProjectDirName, "store"); c.StorePath() != want {
		t.Fatalf("expected store path %s, got %s", want, c.StorePath())
	}
}

func TestInitDirWritesLoadableConfig(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	for _, sub := range []string{"logs", "store", "prompts"} {
		if _, err := os.Stat(filepath.Join(projectDir, ProjectDirName, sub)); err != nil {
			t.Fatalf("expected %s dir: %v", sub, err)
		}
	}
	c, err := Load(projectDir)
	if err != nil {
		t.Fatalf("Load after InitDir: %v", err)
	}
	if c.Project.Engine.InitialBackoff != 500*time.Millisecond {
		t.Fatalf("expected 500ms backoff, got %s", c.Project.Engine.InitialBackoff)
	}
	if c.Project.Bridge.Enabled == nil || !*c.Project.Bridge.Enabled || c.Project.Bridge.Port != 8765 {
		t.Fatalf("unexpected bridge config: %+v", c.Project.Bridge)
	}
	if c.Project.Bridge.MaxBodyBytes != 1<<20 || c.Project.Bridge.IdleTimeout != time.Minute {
		t.Fatalf("unexpected bridge limits: %+v", c.Project.Bridge)
	}
	if c.Project.Engine.ChainRetention != 30*time.Minute {
		t.Fatalf("expected 30m chain retention, got %s", c.Project.Engine.ChainRetention)
	}
}

func TestLoadParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	writeConfig(t, projectDir, `
version: 1
engine:
  max_concurrency: 2
  transport_retries: -1
  job_timeout: 30s
  escalation_timeout: 0s
  chain_retention: 10m
store:
  backend: postgres
  dsn: postgres://localhost/chainforge
  ttl: 2h
capability:
  default: local-model
  base_url: http://localhost:11434/v1
bridge:
  max_body_bytes: 4096
  read_timeout: 5s
  write_timeout: 20s
  idle_timeout: 2m
prompts:
  dir: /opt/prompts
`)
	c, err := Load(projectDir)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	engine := c.Project.Engine
	if engine.MaxConcurrency != 2 || engine.TransportRetries != -1 || engine.JobTimeout != 30*time.Second {
		t.Fatalf("unexpected engine: %+v", engine)
	}
	if engine.EscalationTimeout != 0 {
		t.Fatalf("explicit zero escalation timeout should survive, got %s", engine.EscalationTimeout)
	}
	if engine.MaxAttempts != 3 {
		t.Fatalf("omitted max_attempts should keep default, got %d", engine.MaxAttempts)
	}
	if c.Project.Store.Backend != BackendPostgres || c.Project.Store.TTL != 2*time.Hour {
		t.Fatalf("unexpected store: %+v", c.Project.Store)
	}
	if engine.ChainRetention != 10*time.Minute {
		t.Fatalf("expected chain retention 10m, got %s", engine.ChainRetention)
	}
	bridge := c.Project.Bridge
	if bridge.MaxBodyBytes != 4096 || bridge.ReadTimeout != 5*time.Second || bridge.WriteTimeout != 20*time.Second || bridge.IdleTimeout != 2*time.Minute {
		t.Fatalf("unexpected bridge limits: %+v", bridge)
	}
	if c.PromptsDir() != "/opt/prompts" {
		t.Fatalf("absolute prompts dir should be kept, got %s", c.PromptsDir())
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": `
store:
  backend: postgres
`,
		"unknown backend": `
store:
  backend: sqlite
`,
		"bad port": `
bridge:
  port: 70000
`,
		"negative body limit": `
bridge:
  max_body_bytes: -1
`,
		"negative read timeout": `
bridge:
  read_timeout: -5s
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			projectDir := t.TempDir()
			writeConfig(t, projectDir, body)
			if _, err := Load(projectDir); err == nil {
				t.Fatalf("expected validation error but got none")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	projectDir := t.TempDir()
	t.Setenv("CHAINFORGE_MAX_CONCURRENCY", "9")
	t.Setenv("CHAINFORGE_STORE_BACKEND", "memory")
	c, err := Load(projectDir)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if c.Project.Engine.MaxConcurrency != 9 {
		t.Fatalf("expected env concurrency 9, got %d", c.Project.Engine.MaxConcurrency)
	}
	if c.Project.Store.Backend != BackendMemory {
		t.Fatalf("expected memory backend, got %s", c.Project.Store.Backend)
	}
}
