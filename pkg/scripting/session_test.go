package scripting

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.starlark.net/starlark"

	"github.com/openfroyo/scriptcore/pkg/clock"
	"github.com/openfroyo/scriptcore/pkg/session"
)

type recordingSink struct {
	mu       sync.Mutex
	output   []any
	verbose  []string
	warnings []string
	errors   []session.ErrorRecord
}

func (r *recordingSink) Output(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, v)
}

func (r *recordingSink) Verbose(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verbose = append(r.verbose, msg)
}

func (r *recordingSink) Warning(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

func (r *recordingSink) Error(rec session.ErrorRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, rec)
}

func openSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s, err := NewRuntime(opts...).Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s.(*Session)
}

func TestInvokeStreams(t *testing.T) {
	s := openSession(t)
	sink := &recordingSink{}

	err := s.Invoke(context.Background(), `
verbose("starting")
for i in range(params["count"]):
    emit({"index": i, "name": params["name"]})
print("printed")
warn("low disk")
error("mailbox not found", id="ObjectNotFound", category="ObjectNotFound")
`, map[string]any{"count": 2, "name": "alice"}, sink)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if len(sink.output) != 2 {
		t.Fatalf("output = %v", sink.output)
	}
	first, ok := sink.output[0].(map[string]any)
	if !ok || first["index"] != int64(0) || first["name"] != "alice" {
		t.Fatalf("unexpected first output %#v", sink.output[0])
	}
	if strings.Join(sink.verbose, ",") != "starting,printed" {
		t.Fatalf("verbose = %v", sink.verbose)
	}
	if len(sink.warnings) != 1 || sink.warnings[0] != "low disk" {
		t.Fatalf("warnings = %v", sink.warnings)
	}
	if len(sink.errors) != 1 || sink.errors[0].ErrorID != "ObjectNotFound" || sink.errors[0].Category != "ObjectNotFound" {
		t.Fatalf("errors = %+v", sink.errors)
	}
}

func TestInvokeGlobalsPersist(t *testing.T) {
	s := openSession(t)
	ctx := context.Background()

	if err := s.Invoke(ctx, `tenant = "contoso"
_scratch = 1`, nil, &recordingSink{}); err != nil {
		t.Fatalf("first Invoke: %v", err)
	}

	sink := &recordingSink{}
	if err := s.Invoke(ctx, `emit(tenant + "-2")`, nil, sink); err != nil {
		t.Fatalf("second Invoke: %v", err)
	}
	if len(sink.output) != 1 || sink.output[0] != "contoso-2" {
		t.Fatalf("output = %v", sink.output)
	}
	if v, ok := s.Global("tenant"); !ok || v != "contoso" {
		t.Fatalf("Global(tenant) = %v, %v", v, ok)
	}
	if _, ok := s.Global("_scratch"); ok {
		t.Fatal("private globals should not persist")
	}
}

func TestInvokeScriptFailureIsErrorRecord(t *testing.T) {
	s := openSession(t)

	tests := []struct {
		name   string
		script string
		wantID string
	}{
		{"fail builtin", `emit(1)
fail("boom")`, ErrorIDScriptFailure},
		{"runtime error", "y = 0\nx = 1 // y", ErrorIDScriptFailure},
		{"syntax error", `def (`, ErrorIDParse},
		{"undefined name", `emit(missing)`, ErrorIDParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			if err := s.Invoke(context.Background(), tt.script, nil, sink); err != nil {
				t.Fatalf("script failures must not be exceptions: %v", err)
			}
			if len(sink.errors) != 1 || sink.errors[0].ErrorID != tt.wantID {
				t.Fatalf("errors = %+v", sink.errors)
			}
		})
	}
}

func TestInvokeThrowRaisesException(t *testing.T) {
	s := openSession(t)

	tests := []struct {
		kind     string
		sentinel error
	}{
		{session.ExceptionInvalidOperation, session.ErrInvalidOperation},
		{session.ExceptionInvalidSessionState, session.ErrInvalidSessionState},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			err := s.Invoke(context.Background(), `throw("nope", kind="`+tt.kind+`")`, nil, &recordingSink{})
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("err = %v, want %v", err, tt.sentinel)
			}
		})
	}

	err := s.Invoke(context.Background(), `throw("connection reset", kind="SocketException")`, nil, &recordingSink{})
	var re *session.RuntimeError
	if !errors.As(err, &re) || re.Kind != "SocketException" || re.Error() != "connection reset" {
		t.Fatalf("err = %#v", err)
	}
}

func TestInvokeCancellation(t *testing.T) {
	s := openSession(t)
	ctx, cancel := context.WithCancel(context.Background())

	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() {
		done <- s.Invoke(ctx, `
emit("before")
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n
spin()
emit("after")
`, nil, sink)
	}()

	for {
		sink.mu.Lock()
		n := len(sink.output)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("script ignored cancellation")
	}
	if len(sink.output) != 1 {
		t.Fatalf("output = %v", sink.output)
	}
}

func TestInvokeSleepUsesClock(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := openSession(t, WithClock(fc))

	if err := s.Invoke(context.Background(), `sleep(1.5)`, nil, &recordingSink{}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if sleeps := fc.Sleeps(); len(sleeps) != 1 || sleeps[0] != 1500*time.Millisecond {
		t.Fatalf("sleeps = %v", sleeps)
	}
}

func TestInvokeAfterClose(t *testing.T) {
	s := openSession(t)
	_ = s.Close()

	err := s.Invoke(context.Background(), `emit(1)`, nil, &recordingSink{})
	if !errors.Is(err, session.ErrInvalidSessionState) {
		t.Fatalf("err = %v", err)
	}
}

func TestInvokeStepLimit(t *testing.T) {
	s := openSession(t, WithMaxSteps(1000))
	sink := &recordingSink{}

	err := s.Invoke(context.Background(), `
def spin():
    for i in range(1000000):
        pass
spin()
`, nil, sink)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(sink.errors) != 1 || sink.errors[0].ErrorID != ErrorIDScriptFailure {
		t.Fatalf("errors = %+v", sink.errors)
	}
}

func TestImportModule(t *testing.T) {
	imported := 0
	mod := Module{
		Name: "exchange",
		Members: starlark.StringDict{
			"get_mailbox": starlark.NewBuiltin("get_mailbox", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var name string
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
					return nil, err
				}
				if name == "busy" {
					return nil, session.ErrInvalidOperation
				}
				return starlark.String(name + "@contoso.com"), nil
			}),
		},
		Import: func(context.Context) error {
			imported++
			return nil
		},
	}
	s := openSession(t, WithModule(mod))

	if !s.HasModule("exchange") || s.HasModule("azure") {
		t.Fatal("HasModule mismatch")
	}
	if err := s.ImportModule(context.Background(), "azure"); err == nil {
		t.Fatal("importing a missing module should fail")
	}
	if err := s.ImportModule(context.Background(), "exchange"); err != nil {
		t.Fatalf("ImportModule: %v", err)
	}
	if imported != 1 {
		t.Fatalf("Import hook ran %d times", imported)
	}

	sink := &recordingSink{}
	if err := s.Invoke(context.Background(), `emit(exchange.get_mailbox("bob"))`, nil, sink); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(sink.output) != 1 || sink.output[0] != "bob@contoso.com" {
		t.Fatalf("output = %v", sink.output)
	}

	err := s.Invoke(context.Background(), `exchange.get_mailbox("busy")`, nil, &recordingSink{})
	if !errors.Is(err, session.ErrInvalidOperation) {
		t.Fatalf("host error lost: %v", err)
	}
}

func TestImportModuleHookFailure(t *testing.T) {
	s := openSession(t, WithModule(Module{
		Name:   "broken",
		Import: func(context.Context) error { return errors.New("dependency missing") },
	}))
	if err := s.ImportModule(context.Background(), "broken"); err == nil {
		t.Fatal("expected import failure")
	}
}

func TestInvokeBadParams(t *testing.T) {
	s := openSession(t)
	sink := &recordingSink{}

	if err := s.Invoke(context.Background(), `emit(1)`, map[string]any{"ch": make(chan int)}, sink); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(sink.errors) != 1 || sink.errors[0].ErrorID != ErrorIDParameters || len(sink.output) != 0 {
		t.Fatalf("unexpected sink %+v", sink)
	}
}

func TestEngineRunsStarlarkSessions(t *testing.T) {
	rt := NewRuntime(WithModule(Module{Name: "exchange"}))
	e := session.New(rt, session.Options{RequiredModule: "exchange"})
	defer e.Dispose()

	init := e.Initialize(context.Background())
	if !init.Success || !init.ModuleAvailable || !strings.HasPrefix(init.RuntimeVersion, "starlark-go") {
		t.Fatalf("unexpected init %+v", init)
	}

	e.Execute(context.Background(), `counter = 41`)
	res := e.Execute(context.Background(), `emit(counter + 1)`)
	if !res.Success || len(res.Output) != 1 || res.Output[0] != int64(42) {
		t.Fatalf("unexpected result %+v", res)
	}

	res = e.Execute(context.Background(), `throw("lost", kind="InvalidSessionState")`)
	if !res.SessionCorrupted {
		t.Fatalf("expected corruption %+v", res)
	}

	res = e.Execute(context.Background(), `emit(counter)`)
	if res.Success || len(res.Errors) != 1 {
		t.Fatalf("globals should be gone after recovery: %+v", res)
	}
}
