// Package scripting embeds a Starlark interpreter as the stateful runtime
// behind the execution engine.
//
// A Session keeps its globals between invocations, so a value assigned by
// one script can be read by the next. Scripts stream results through the
// emit, verbose, warn and error builtins and read their named parameters
// from the params dict. Host extensions are exposed as Modules and bound
// into the session by ImportModule.
package scripting

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/openfroyo/scriptcore/pkg/clock"
	"github.com/openfroyo/scriptcore/pkg/session"
)

const starlarkModulePath = "go.starlark.net"

// Module is a host extension that scripts can import.
type Module struct {
	// Name is the global the module is bound to.
	Name string

	// Members are the module attributes, typically builtins.
	Members starlark.StringDict

	// Import runs when the module is imported into a session. A non-nil
	// error fails the import.
	Import func(ctx context.Context) error
}

// Runtime opens Starlark sessions.
type Runtime struct {
	modules  map[string]Module
	logger   zerolog.Logger
	clock    clock.Clock
	maxSteps uint64
	filename string

	fileOptions *syntax.FileOptions
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithModule installs a host module.
func WithModule(m Module) Option {
	return func(r *Runtime) {
		r.modules[m.Name] = m
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runtime) {
		r.logger = l
	}
}

// WithClock sets the time source behind the sleep builtin.
func WithClock(c clock.Clock) Option {
	return func(r *Runtime) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithMaxSteps bounds the computation steps of one invocation. Zero means
// unlimited.
func WithMaxSteps(n uint64) Option {
	return func(r *Runtime) {
		r.maxSteps = n
	}
}

// NewRuntime creates a runtime.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		modules:  make(map[string]Module),
		logger:   zerolog.Nop(),
		clock:    clock.System{},
		filename: "script.star",
	}
	r.fileOptions = &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "starlark").Logger()
	return r
}

// Open creates a fresh session with empty globals.
func (r *Runtime) Open(ctx context.Context) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newSession(r), nil
}

// Modules lists the installed module names.
func (r *Runtime) Modules() []string {
	return sortedKeys(r.modules)
}

var (
	versionOnce sync.Once
	version     string
)

// Version reports the embedded interpreter version from the build info.
func Version() string {
	versionOnce.Do(func() {
		version = "starlark-go (devel)"
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, dep := range info.Deps {
			if dep.Path == starlarkModulePath {
				version = "starlark-go " + dep.Version
				return
			}
		}
	})
	return version
}

var _ session.Runtime = (*Runtime)(nil)

// universe members shared by every session, frozen once.
var universe = func() starlark.StringDict {
	d := builtinModules()
	d.Freeze()
	return d
}()
