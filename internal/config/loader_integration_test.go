package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Integration tests that exercise the full LoadFrom pipeline:
// defaults < YAML < environment variables.

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFrom_FullHierarchy(t *testing.T) {
	// YAML sets port=9090, env overrides to 7070. Env must win.
	yamlPath := writeYAML(t, `
server:
  port: "9090"
logging:
  level: "debug"
`)

	t.Setenv("RELAY_PORT", "7070")
	t.Setenv("RELAY_LOG_LEVEL", "warn")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("env should override YAML: got port %q, want 7070", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("env should override YAML: got level %q, want warn", cfg.Logging.Level)
	}
}

func TestLoadFrom_YAMLPartialOverride(t *testing.T) {
	// YAML sets only logging.level; all other fields keep defaults.
	yamlPath := writeYAML(t, `
logging:
  level: "error"
`)

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Logging.Level != "error" {
		t.Errorf("got level %q, want error", cfg.Logging.Level)
	}
	if cfg.Handoff.AwaitPollInterval != 250*time.Millisecond {
		t.Errorf("default await poll interval should be 250ms, got %v", cfg.Handoff.AwaitPollInterval)
	}
	// NATS_URL may be set in the environment, so only check non-empty.
	if cfg.NATS.URL == "" {
		t.Error("NATS URL should not be empty")
	}
}

func TestLoadFrom_EnvInvalidValues(t *testing.T) {
	// Invalid env values are silently ignored; defaults survive.
	yamlPath := writeYAML(t, "")

	t.Setenv("RELAY_PG_MAX_CONNS", "notanumber")
	t.Setenv("RELAY_BREAKER_TIMEOUT", "invalid-duration")
	t.Setenv("RELAY_OTEL_SAMPLE_RATE", "abc")
	t.Setenv("RELAY_CANCEL_ON_TIMEOUT", "maybe")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Postgres.MaxConns != 10 {
		t.Errorf("invalid int env should be ignored: got max_conns %d, want 10", cfg.Postgres.MaxConns)
	}
	if cfg.Breaker.Timeout.String() != "30s" {
		t.Errorf("invalid duration env should be ignored: got %v, want 30s", cfg.Breaker.Timeout)
	}
	if cfg.OTEL.SampleRate != 1 {
		t.Errorf("invalid float env should be ignored: got %v, want 1", cfg.OTEL.SampleRate)
	}
	if !cfg.Handoff.CancelOnTimeout {
		t.Error("invalid bool env should be ignored")
	}
}

func TestLoadFrom_MissingYAMLFile(t *testing.T) {
	// Non-existent YAML => pure defaults, no error.
	cfg, err := LoadFrom("/nonexistent/path/to/config.yaml")
	if err != nil {
		t.Fatalf("missing YAML should not error, got %v", err)
	}

	if cfg.Server.Port != "8081" {
		t.Errorf("expected default port 8081, got %q", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Logging.Level)
	}
}

func TestLoadFrom_MalformedYAML(t *testing.T) {
	yamlPath := writeYAML(t, `{{{invalid yaml`)

	_, err := LoadFrom(yamlPath)
	if err == nil {
		t.Fatal("expected error for malformed YAML, got nil")
	}
}

func TestLoadFrom_ValidationAfterOverride(t *testing.T) {
	// YAML selects an unknown backend => validation error.
	yamlPath := writeYAML(t, `
store:
  backend: "etcd"
`)

	_, err := LoadFrom(yamlPath)
	if err == nil {
		t.Fatal("expected validation error for unknown backend, got nil")
	}
}

func TestLoadFrom_EstimatorOverrides(t *testing.T) {
	yamlPath := writeYAML(t, `
estimator:
  base_lines: 20
  lines_per_export: 30
  tokens_per_line:
    python: 7
  calibrate: false
`)

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Estimator.BaseLines != 20 || cfg.Estimator.LinesPerExport != 30 {
		t.Errorf("got base %d per-export %d, want 20/30", cfg.Estimator.BaseLines, cfg.Estimator.LinesPerExport)
	}
	if cfg.Estimator.TokensPerLine["python"] != 7 {
		t.Errorf("got python tokens_per_line %v, want 7", cfg.Estimator.TokensPerLine["python"])
	}
	if cfg.Estimator.Calibrate {
		t.Error("calibrate should be false")
	}
	// Unchanged estimator defaults
	if cfg.Estimator.DefaultTokensPerLine != 10 {
		t.Errorf("default tokens per line should be 10, got %v", cfg.Estimator.DefaultTokensPerLine)
	}
}

func TestReload_UpdatesFields(t *testing.T) {
	yamlPath := writeYAML(t, `
logging:
  level: "info"
handoff:
  max_cas_attempts: 3
`)

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	holder := NewHolder(cfg, yamlPath)

	got := holder.Get()
	if got.Logging.Level != "info" {
		t.Fatalf("initial level should be info, got %q", got.Logging.Level)
	}

	if err := os.WriteFile(yamlPath, []byte(`
logging:
  level: "debug"
handoff:
  max_cas_attempts: 7
`), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := holder.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	got = holder.Get()
	if got.Logging.Level != "debug" {
		t.Errorf("after reload: got level %q, want debug", got.Logging.Level)
	}
	if got.Handoff.MaxCASAttempts != 7 {
		t.Errorf("after reload: got max_cas_attempts %d, want 7", got.Handoff.MaxCASAttempts)
	}
}

func TestReload_ValidationFails_PreservesOld(t *testing.T) {
	yamlPath := writeYAML(t, `
server:
  port: "9090"
logging:
  level: "info"
`)

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	holder := NewHolder(cfg, yamlPath)

	if err := os.WriteFile(yamlPath, []byte(`
server:
  port: ""
`), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := holder.Reload(); err == nil {
		t.Fatal("expected reload to fail for invalid config")
	}

	got := holder.Get()
	if got.Server.Port != "9090" {
		t.Errorf("old config should be preserved: got port %q, want 9090", got.Server.Port)
	}
	if got.Logging.Level != "info" {
		t.Errorf("old config should be preserved: got level %q, want info", got.Logging.Level)
	}
}

func TestReload_EnvOverridesYAML(t *testing.T) {
	yamlPath := writeYAML(t, `
logging:
  level: "info"
`)

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	holder := NewHolder(cfg, yamlPath)

	t.Setenv("RELAY_LOG_LEVEL", "error")

	if err := holder.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	got := holder.Get()
	if got.Logging.Level != "error" {
		t.Errorf("env should override YAML on reload: got %q, want error", got.Logging.Level)
	}
}
