package config

import (
	"time"

	"github.com/openfroyo/scriptcore/pkg/circuit"
	"github.com/openfroyo/scriptcore/pkg/policy"
	"github.com/openfroyo/scriptcore/pkg/retry"
	"github.com/openfroyo/scriptcore/pkg/scripting"
	"github.com/openfroyo/scriptcore/pkg/session"
	"github.com/openfroyo/scriptcore/pkg/stores"
	"github.com/openfroyo/scriptcore/pkg/telemetry"
)

// Config is the complete scriptcore configuration file.
type Config struct {
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
	Engine    EngineConfig     `yaml:"engine" json:"engine"`
	Retry     RetryConfig      `yaml:"retry" json:"retry"`
	Breaker   BreakerConfig    `yaml:"breaker" json:"breaker"`
	Journal   JournalConfig    `yaml:"journal" json:"journal"`
	Policy    PolicyConfig     `yaml:"policy" json:"policy"`
}

// EngineConfig configures the execution engine and its runtime.
type EngineConfig struct {
	// RequiredModule is imported into every new session.
	RequiredModule string `yaml:"required_module" json:"required_module"`

	// FailureThreshold is the number of consecutive runtime exceptions
	// that mark the session corrupted.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=1,lte=100"`

	// QueueSize is the number of executions that may wait for the session.
	QueueSize int `yaml:"queue_size" json:"queue_size" validate:"gte=1"`

	// MaxSteps bounds the interpreter steps of one invocation. Zero means
	// unlimited.
	MaxSteps uint64 `yaml:"max_steps" json:"max_steps"`

	// ExecutionTimeout bounds one invocation. Zero means no timeout.
	ExecutionTimeout time.Duration `yaml:"execution_timeout" json:"execution_timeout" validate:"gte=0"`

	// Host configures the host module scripts import as "host".
	Host HostConfig `yaml:"host" json:"host"`
}

// HostConfig grants host privileges to scripts.
type HostConfig struct {
	Capabilities []string      `yaml:"capabilities" json:"capabilities" validate:"dive,oneof=env:read fs:temp net:outbound"`
	TempDir      string        `yaml:"temp_dir" json:"temp_dir"`
	HTTPTimeout  time.Duration `yaml:"http_timeout" json:"http_timeout" validate:"gte=0"`
}

// RetryConfig configures the retry policy.
type RetryConfig struct {
	MaxRetries            int           `yaml:"max_retries" json:"max_retries" validate:"gte=1,lte=20"`
	BaseDelay             time.Duration `yaml:"base_delay" json:"base_delay" validate:"gt=0"`
	MaxDelay              time.Duration `yaml:"max_delay" json:"max_delay" validate:"gtefield=BaseDelay"`
	BackoffFactor         float64       `yaml:"backoff_factor" json:"backoff_factor" validate:"gte=1"`
	UseDecorrelatedJitter bool          `yaml:"use_decorrelated_jitter" json:"use_decorrelated_jitter"`
	MaxJitterFraction     float64       `yaml:"max_jitter_fraction" json:"max_jitter_fraction" validate:"gte=0,lte=1"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	Name                       string        `yaml:"name" json:"name" validate:"required"`
	FailureThreshold           int           `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=1"`
	OpenDuration               time.Duration `yaml:"open_duration" json:"open_duration" validate:"gt=0"`
	SuccessThresholdInHalfOpen int           `yaml:"success_threshold_in_half_open" json:"success_threshold_in_half_open" validate:"gte=1"`
}

// JournalConfig configures the execution journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path" validate:"required_if=Enabled true"`

	// Retention prunes executions older than this on startup. Zero keeps
	// everything.
	Retention time.Duration `yaml:"retention" json:"retention" validate:"gte=0"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Paths are .rego files, JSON policy files or directories.
	Paths []string `yaml:"paths" json:"paths" validate:"dive,required"`

	// Watch reloads Paths when they change.
	Watch bool `yaml:"watch" json:"watch"`

	// Builtins enables the built-in admission policies.
	Builtins bool `yaml:"builtins" json:"builtins"`

	Limits policy.Limits `yaml:"limits" json:"limits"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	ro := retry.DefaultOptions()
	bo := circuit.DefaultOptions()
	so := session.DefaultOptions()

	return &Config{
		Telemetry: *telemetry.DefaultConfig(),
		Engine: EngineConfig{
			RequiredModule:   "host",
			FailureThreshold: so.FailureThreshold,
			QueueSize:        so.QueueSize,
		},
		Retry: RetryConfig{
			MaxRetries:            ro.MaxRetries,
			BaseDelay:             ro.BaseDelay,
			MaxDelay:              ro.MaxDelay,
			BackoffFactor:         ro.BackoffFactor,
			UseDecorrelatedJitter: ro.UseDecorrelatedJitter,
			MaxJitterFraction:     ro.MaxJitterFraction,
		},
		Breaker: BreakerConfig{
			Name:                       "session",
			FailureThreshold:           bo.FailureThreshold,
			OpenDuration:               bo.OpenDuration,
			SuccessThresholdInHalfOpen: bo.SuccessThresholdInHalfOpen,
		},
		Journal: JournalConfig{
			Path: "scriptcore.db",
		},
		Policy: PolicyConfig{
			Enabled:  true,
			Builtins: true,
			Limits:   policy.DefaultLimits(),
		},
	}
}

// SessionOptions converts the engine section.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		RequiredModule:   c.Engine.RequiredModule,
		FailureThreshold: c.Engine.FailureThreshold,
		QueueSize:        c.Engine.QueueSize,
	}
}

// HostModuleConfig converts the engine host section.
func (c *Config) HostModuleConfig() scripting.HostConfig {
	return scripting.HostConfig{
		Capabilities: c.Engine.Host.Capabilities,
		TempDir:      c.Engine.Host.TempDir,
		HTTPTimeout:  c.Engine.Host.HTTPTimeout,
	}
}

// RetryOptions converts the retry section.
func (c *Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxRetries:            c.Retry.MaxRetries,
		BaseDelay:             c.Retry.BaseDelay,
		MaxDelay:              c.Retry.MaxDelay,
		BackoffFactor:         c.Retry.BackoffFactor,
		UseDecorrelatedJitter: c.Retry.UseDecorrelatedJitter,
		MaxJitterFraction:     c.Retry.MaxJitterFraction,
	}
}

// BreakerOptions converts the breaker section.
func (c *Config) BreakerOptions() circuit.Options {
	return circuit.Options{
		FailureThreshold:           c.Breaker.FailureThreshold,
		OpenDuration:               c.Breaker.OpenDuration,
		SuccessThresholdInHalfOpen: c.Breaker.SuccessThresholdInHalfOpen,
	}
}

// StoreConfig converts the journal section.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{Path: c.Journal.Path}
}

// PolicyOptions converts the policy section.
func (c *Config) PolicyOptions() []policy.Option {
	opts := []policy.Option{
		policy.WithLimits(c.Policy.Limits),
		policy.WithEnvironment(c.Telemetry.Environment),
	}
	if !c.Policy.Builtins {
		opts = append(opts, policy.WithoutBuiltins())
	}
	return opts
}
