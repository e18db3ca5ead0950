package scripting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/scriptcore/pkg/classify"
	"github.com/openfroyo/scriptcore/pkg/session"
)

const (
	localContext = "scriptcore.context"
	localSink    = "scriptcore.sink"
	localSession = "scriptcore.session"
)

func builtinModules() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   json.Module,
		"math":   math.Module,
		"time":   starlarktime.Module,
	}
}

// streamBuiltins are bound per invocation.
func streamBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"emit":    starlark.NewBuiltin("emit", builtinEmit),
		"verbose": starlark.NewBuiltin("verbose", builtinVerbose),
		"warn":    starlark.NewBuiltin("warn", builtinWarn),
		"error":   starlark.NewBuiltin("error", builtinError),
		"throw":   starlark.NewBuiltin("throw", builtinThrow),
		"sleep":   starlark.NewBuiltin("sleep", builtinSleep),
	}
}

func sinkOf(thread *starlark.Thread) session.Sink {
	s, _ := thread.Local(localSink).(session.Sink)
	return s
}

func contextOf(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(localContext).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// builtinEmit writes each argument to the output stream.
func builtinEmit(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	sink := sinkOf(thread)
	for _, arg := range args {
		v, err := FromValue(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		sink.Output(v)
	}
	return starlark.None, nil
}

func builtinVerbose(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &msg); err != nil {
		return nil, err
	}
	sinkOf(thread).Verbose(msg)
	return starlark.None, nil
}

func builtinWarn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &msg); err != nil {
		return nil, err
	}
	sinkOf(thread).Warning(msg)
	return starlark.None, nil
}

// builtinError reports a non-terminating error record and lets the script
// continue.
func builtinError(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg, id, category, exception string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"msg", &msg, "id?", &id, "category?", &category, "exception?", &exception); err != nil {
		return nil, err
	}
	sinkOf(thread).Error(session.ErrorRecord{
		Message:       msg,
		ErrorID:       id,
		Category:      classify.Category(category),
		ExceptionKind: exception,
	})
	return starlark.None, nil
}

// builtinThrow raises a runtime exception that aborts the invocation.
// kind "InvalidOperation" and "InvalidSessionState" map to the engine's
// exception classes.
func builtinThrow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	kind := session.ExceptionRuntime
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg, "kind?", &kind); err != nil {
		return nil, err
	}
	switch kind {
	case session.ExceptionInvalidOperation:
		return nil, fmt.Errorf("%s: %w", msg, session.ErrInvalidOperation)
	case session.ExceptionInvalidSessionState:
		return nil, fmt.Errorf("%s: %w", msg, session.ErrInvalidSessionState)
	default:
		return nil, session.NewRuntimeError(kind, errors.New(msg))
	}
}

func builtinSleep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seconds starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seconds); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(seconds)
	if !ok || f < 0 {
		return nil, fmt.Errorf("%s: want non-negative number, got %s", b.Name(), seconds)
	}

	s, _ := thread.Local(localSession).(*Session)
	if s == nil {
		return nil, fmt.Errorf("%s: no session", b.Name())
	}
	if err := s.rt.clock.Sleep(contextOf(thread), time.Duration(f*float64(time.Second))); err != nil {
		return nil, err
	}
	return starlark.None, nil
}
