package session

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/scriptcore/pkg/classify"
)

// ExecOption customizes a single Execute call.
type ExecOption func(*execConfig)

type execConfig struct {
	id        string
	params    map[string]any
	onOutput  func(any)
	onVerbose func(string)
	onWarning func(string)
	onError   func(ErrorRecord)
}

// WithParams passes named parameters to the script.
func WithParams(params map[string]any) ExecOption {
	return func(c *execConfig) {
		c.params = params
	}
}

// WithExecutionID overrides the generated execution ID.
func WithExecutionID(id string) ExecOption {
	return func(c *execConfig) {
		if id != "" {
			c.id = id
		}
	}
}

// OnOutput streams output objects as they are produced.
func OnOutput(fn func(any)) ExecOption {
	return func(c *execConfig) {
		c.onOutput = fn
	}
}

// OnVerbose streams verbose messages.
func OnVerbose(fn func(string)) ExecOption {
	return func(c *execConfig) {
		c.onVerbose = fn
	}
}

// OnWarning streams warnings, including demoted deprecation notices.
func OnWarning(fn func(string)) ExecOption {
	return func(c *execConfig) {
		c.onWarning = fn
	}
}

// OnError streams error records.
func OnError(fn func(ErrorRecord)) ExecOption {
	return func(c *execConfig) {
		c.onError = fn
	}
}

// Describe reports the execution ID and parameters that opts would set.
// The ID is empty when none of opts sets one.
func Describe(opts ...ExecOption) (id string, params map[string]any) {
	var cfg execConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.id, cfg.params
}

// collector accumulates one invocation's streams into a Result and forwards
// each event to the caller's callbacks. Callback panics are logged and
// swallowed.
type collector struct {
	mu     sync.Mutex
	res    *Result
	cfg    execConfig
	logger zerolog.Logger
	sealed bool
}

func newCollector(res *Result, cfg execConfig, logger zerolog.Logger) *collector {
	return &collector{res: res, cfg: cfg, logger: logger}
}

// seal drops events arriving after the invocation returned.
func (c *collector) seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

func (c *collector) Output(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.res.Output = append(c.res.Output, v)
	if c.cfg.onOutput != nil {
		c.call("output", func() { c.cfg.onOutput(v) })
	}
}

func (c *collector) Verbose(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.res.Verbose = append(c.res.Verbose, msg)
	if c.cfg.onVerbose != nil {
		c.call("verbose", func() { c.cfg.onVerbose(msg) })
	}
}

func (c *collector) Warning(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.warn(msg)
}

func (c *collector) Error(rec ErrorRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	if classify.IsDeprecationNotice(rec.Message) {
		c.warn(rec.Message)
		return
	}
	c.res.Errors = append(c.res.Errors, rec)
	if c.cfg.onError != nil {
		c.call("error", func() { c.cfg.onError(rec) })
	}
}

func (c *collector) warn(msg string) {
	c.res.Warnings = append(c.res.Warnings, msg)
	if c.cfg.onWarning != nil {
		c.call("warning", func() { c.cfg.onWarning(msg) })
	}
}

func (c *collector) call(stream string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("stream", stream).Interface("panic", r).Msg("Execution callback panicked")
		}
	}()
	fn()
}
