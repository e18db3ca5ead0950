package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scriptcore.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}

	if got := cfg.RetryOptions(); got.MaxRetries != 3 || got.BaseDelay != time.Second || got.MaxDelay != 30*time.Second {
		t.Errorf("Unexpected retry options %+v", got)
	}
	if got := cfg.BreakerOptions(); got.FailureThreshold != 5 || got.OpenDuration != 30*time.Second {
		t.Errorf("Unexpected breaker options %+v", got)
	}
	if got := cfg.SessionOptions(); got.FailureThreshold != 3 || got.QueueSize != 64 {
		t.Errorf("Unexpected session options %+v", got)
	}
	if len(cfg.PolicyOptions()) != 2 {
		t.Errorf("Expected limits and environment policy options")
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("TEST_JOURNAL_DIR", "/var/lib/scriptcore")

	path := writeConfig(t, `
telemetry:
  environment: production
  logging:
    level: debug
engine:
  required_module: exchange
  failure_threshold: 5
retry:
  max_retries: 4
  base_delay: 200ms
  max_delay: 5s
breaker:
  name: exchange
  open_duration: 1m
journal:
  enabled: true
  path: ${TEST_JOURNAL_DIR}/journal.db
policy:
  builtins: false
  limits:
    max_script_length: 1024
    blocked_calls: [exchange.remove_mailbox]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Telemetry.Environment != "production" || cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Unexpected telemetry %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("Omitted values should keep defaults, got format %q", cfg.Telemetry.Logging.Format)
	}
	if cfg.Engine.RequiredModule != "exchange" || cfg.Engine.FailureThreshold != 5 || cfg.Engine.QueueSize != 64 {
		t.Errorf("Unexpected engine %+v", cfg.Engine)
	}
	if cfg.Retry.MaxRetries != 4 || cfg.Retry.BaseDelay != 200*time.Millisecond || cfg.Retry.MaxDelay != 5*time.Second {
		t.Errorf("Unexpected retry %+v", cfg.Retry)
	}
	if cfg.Breaker.Name != "exchange" || cfg.Breaker.OpenDuration != time.Minute {
		t.Errorf("Unexpected breaker %+v", cfg.Breaker)
	}
	if cfg.StoreConfig().Path != "/var/lib/scriptcore/journal.db" {
		t.Errorf("Env expansion failed: %s", cfg.Journal.Path)
	}
	if cfg.Policy.Limits.MaxScriptLength != 1024 || len(cfg.Policy.Limits.BlockedCalls) != 1 {
		t.Errorf("Unexpected limits %+v", cfg.Policy.Limits)
	}
	if len(cfg.PolicyOptions()) != 3 {
		t.Errorf("Expected builtins to be disabled")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	t.Setenv("SCRIPTCORE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("Env override not applied: %s", cfg.Telemetry.Logging.Level)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errText string
	}{
		{"unknown key", "engine:\n  retries: 3\n", "failed to parse"},
		{"bad yaml", "engine: [", "failed to parse"},
		{"zero retries", "retry:\n  max_retries: 0\n", "MaxRetries"},
		{"cap below base", "retry:\n  base_delay: 2s\n  max_delay: 1s\n", "MaxDelay"},
		{"journal without path", "journal:\n  enabled: true\n  path: \"\"\n", "Path"},
		{"bad log level", "telemetry:\n  logging:\n    level: loud\n", "invalid log level"},
		{"empty breaker name", "breaker:\n  name: \"\"\n", "Name"},
		{"unknown capability", "engine:\n  host:\n    capabilities: [root]\n", "Capabilities"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("Error %q does not mention %q", err, tt.errText)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SCRIPTCORE_ENVIRONMENT":           "staging",
		"SCRIPTCORE_MAX_RETRIES":           "7",
		"SCRIPTCORE_BREAKER_OPEN_DURATION": "45s",
		"SCRIPTCORE_EXECUTION_TIMEOUT":     "2m",
		"SCRIPTCORE_JOURNAL_PATH":          "/tmp/journal.db",
		"SCRIPTCORE_POLICY_PATHS":          "/etc/a, /etc/b,",
		"SCRIPTCORE_OTLP_ENDPOINT":         "collector:4317",
		"SCRIPTCORE_CAPABILITIES":          "env:read,net:outbound",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.Telemetry.Environment != "staging" || cfg.Retry.MaxRetries != 7 || cfg.Breaker.OpenDuration != 45*time.Second {
		t.Errorf("Unexpected config %+v", cfg)
	}
	if cfg.Engine.ExecutionTimeout != 2*time.Minute {
		t.Errorf("Unexpected timeout %v", cfg.Engine.ExecutionTimeout)
	}
	if !cfg.Journal.Enabled || cfg.Journal.Path != "/tmp/journal.db" {
		t.Errorf("Unexpected journal %+v", cfg.Journal)
	}
	if strings.Join(cfg.Policy.Paths, "|") != "/etc/a|/etc/b" {
		t.Errorf("Unexpected policy paths %v", cfg.Policy.Paths)
	}
	if got := cfg.HostModuleConfig().Capabilities; strings.Join(got, "|") != "env:read|net:outbound" {
		t.Errorf("Unexpected capabilities %v", got)
	}
	if !cfg.Telemetry.Tracing.Enabled || cfg.Telemetry.Tracing.Exporter != "otlp" {
		t.Errorf("Unexpected tracing %+v", cfg.Telemetry.Tracing)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Overridden config invalid: %v", err)
	}

	env = map[string]string{"SCRIPTCORE_MAX_RETRIES": "many"}
	if err := ApplyEnv(DefaultConfig(), lookup); err == nil || !strings.Contains(err.Error(), "SCRIPTCORE_MAX_RETRIES") {
		t.Errorf("Expected named parse error, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("Missing .env should be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SCRIPTCORE_TEST_DOTENV=loaded\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("SCRIPTCORE_TEST_DOTENV") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if os.Getenv("SCRIPTCORE_TEST_DOTENV") != "loaded" {
		t.Error("Variable from .env not loaded")
	}
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, "retry:\n  max_retries: 2\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	if err := Watch(ctx, path, zerolog.Nop(), func(c *Config) { reloaded <- c }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// an invalid edit is skipped
	if err := os.WriteFile(path, []byte("retry:\n  max_retries: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * reloadDelay)
	if err := os.WriteFile(path, []byte("retry:\n  max_retries: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Retry.MaxRetries != 9 {
			t.Errorf("Unexpected reloaded config %+v", cfg.Retry)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Configuration was not reloaded")
	}
}
