package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCRIPTCORE_"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads a YAML configuration file on top of DefaultConfig, expands
// ${VAR} references, applies SCRIPTCORE_* overrides and validates the
// result. An empty path yields the defaults with overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg after expanding environment variables.
// Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

type envOverride struct {
	key   string
	apply func(c *Config, v string) error
}

var envOverrides = []envOverride{
	{"ENVIRONMENT", func(c *Config, v string) error { c.Telemetry.Environment = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.Logging.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Telemetry.Logging.Format = v; return nil }},
	{"METRICS_ADDR", func(c *Config, v string) error { c.Telemetry.Metrics.ListenAddress = v; return nil }},
	{"OTLP_ENDPOINT", func(c *Config, v string) error {
		c.Telemetry.Tracing.Enabled = true
		c.Telemetry.Tracing.Exporter = "otlp"
		c.Telemetry.Tracing.Endpoint = v
		return nil
	}},
	{"REQUIRED_MODULE", func(c *Config, v string) error { c.Engine.RequiredModule = v; return nil }},
	{"CAPABILITIES", func(c *Config, v string) error {
		c.Engine.Host.Capabilities = splitList(v)
		return nil
	}},
	{"EXECUTION_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Engine.ExecutionTimeout, v) }},
	{"MAX_RETRIES", func(c *Config, v string) error { return setInt(&c.Retry.MaxRetries, v) }},
	{"BREAKER_OPEN_DURATION", func(c *Config, v string) error { return setDuration(&c.Breaker.OpenDuration, v) }},
	{"JOURNAL_PATH", func(c *Config, v string) error {
		c.Journal.Enabled = v != ""
		c.Journal.Path = v
		return nil
	}},
	{"POLICY_PATHS", func(c *Config, v string) error {
		c.Policy.Paths = splitList(v)
		return nil
	}},
	{"BLOCKED_CALLS", func(c *Config, v string) error {
		c.Policy.Limits.BlockedCalls = splitList(v)
		return nil
	}},
}

// ApplyEnv applies SCRIPTCORE_* overrides read through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.key, err)
		}
	}
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	out := []string{}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
