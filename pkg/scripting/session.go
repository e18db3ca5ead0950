package scripting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/scriptcore/pkg/classify"
	"github.com/openfroyo/scriptcore/pkg/session"
)

// Error identifiers reported for scripts the interpreter rejects.
const (
	ErrorIDParse         = "ParseError"
	ErrorIDScriptFailure = "ScriptFailure"
	ErrorIDParameters    = "ParameterBindingFailed"
)

// Session is one Starlark context. Globals assigned by an invocation stay
// visible to later invocations until the session is closed.
type Session struct {
	rt *Runtime

	busy atomic.Bool

	mu          sync.Mutex
	globals     starlark.StringDict
	modules     starlark.StringDict
	closed      bool
	invocations int
}

func newSession(rt *Runtime) *Session {
	return &Session{
		rt:      rt,
		globals: make(starlark.StringDict),
		modules: make(starlark.StringDict),
	}
}

// Version reports the interpreter version.
func (s *Session) Version() string {
	return Version()
}

// HasModule reports whether the runtime has the named module installed.
func (s *Session) HasModule(name string) bool {
	_, ok := s.rt.modules[name]
	return ok
}

// ImportModule binds an installed module as a global struct.
func (s *Session) ImportModule(ctx context.Context, name string) error {
	m, ok := s.rt.modules[name]
	if !ok {
		return fmt.Errorf("module %q is not installed", name)
	}
	if m.Import != nil {
		if err := m.Import(ctx); err != nil {
			return err
		}
	}

	mod := starlarkstruct.FromStringDict(starlark.String(name), m.Members)
	mod.Freeze()

	s.mu.Lock()
	s.modules[name] = mod
	s.mu.Unlock()

	s.rt.logger.Debug().Str("module", name).Msg("Module imported")
	return nil
}

// Invoke executes script. Failures raised by the script itself are
// reported to sink as error records; only host exceptions and
// cancellation are returned.
func (s *Session) Invoke(ctx context.Context, script string, params map[string]any, sink session.Sink) error {
	if !s.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("another invocation is in progress: %w", session.ErrInvalidOperation)
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session is closed: %w", session.ErrInvalidSessionState)
	}
	s.invocations++
	n := s.invocations
	predeclared := s.predeclaredLocked()
	s.mu.Unlock()

	paramsDict, err := ToValue(nonNil(params))
	if err != nil {
		sink.Error(session.ErrorRecord{
			Message:  fmt.Sprintf("cannot bind parameters: %v", err),
			ErrorID:  ErrorIDParameters,
			Category: classify.CategoryInvalidArgument,
		})
		return nil
	}
	predeclared["params"] = paramsDict

	thread := &starlark.Thread{
		Name: fmt.Sprintf("invoke-%d", n),
		Print: func(_ *starlark.Thread, msg string) {
			sink.Verbose(msg)
		},
	}
	thread.SetLocal(localContext, ctx)
	thread.SetLocal(localSink, sink)
	thread.SetLocal(localSession, s)
	if s.rt.maxSteps > 0 {
		thread.SetMaxExecutionSteps(s.rt.maxSteps)
	}

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()

	globals, err := starlark.ExecFileOptions(s.rt.fileOptions, thread, s.rt.filename, script, predeclared)
	s.persist(globals)

	return s.mapError(ctx, err, sink)
}

// Close discards the session state. Later invocations fail with an
// invalid session state.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.globals = nil
	s.modules = nil
	return nil
}

// Global returns a persisted global converted to Go.
func (s *Session) Global(name string) (any, bool) {
	s.mu.Lock()
	v, ok := s.globals[name]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	gv, err := FromValue(v)
	if err != nil {
		return v.String(), true
	}
	return gv, true
}

func (s *Session) predeclaredLocked() starlark.StringDict {
	d := make(starlark.StringDict, len(universe)+len(s.modules)+len(s.globals)+8)
	for k, v := range universe {
		d[k] = v
	}
	for k, v := range s.globals {
		d[k] = v
	}
	for k, v := range s.modules {
		d[k] = v
	}
	for k, v := range streamBuiltins() {
		d[k] = v
	}
	return d
}

func (s *Session) persist(globals starlark.StringDict) {
	if len(globals) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for name, v := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		s.globals[name] = v
	}
}

func (s *Session) mapError(ctx context.Context, err error, sink session.Sink) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		if cause := evalErr.Unwrap(); cause != nil && isHostException(cause) {
			return cause
		}
		s.rt.logger.Debug().Str("backtrace", evalErr.Backtrace()).Msg("Script failed")
		sink.Error(session.ErrorRecord{
			Message:       evalErr.Msg,
			ErrorID:       ErrorIDScriptFailure,
			Category:      classify.CategoryInvalidOperation,
			ExceptionKind: "EvalError",
		})
		return nil
	}

	sink.Error(session.ErrorRecord{
		Message:       err.Error(),
		ErrorID:       ErrorIDParse,
		Category:      classify.CategoryInvalidArgument,
		ExceptionKind: "SyntaxError",
	})
	return nil
}

func isHostException(err error) bool {
	var re *session.RuntimeError
	return errors.Is(err, session.ErrInvalidOperation) ||
		errors.Is(err, session.ErrInvalidSessionState) ||
		errors.As(err, &re)
}

func nonNil(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return params
}

var _ session.Session = (*Session)(nil)
