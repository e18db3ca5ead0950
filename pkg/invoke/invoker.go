// Package invoke runs scripts through the full resilience stack.
//
// A Run passes admission policy first, then the circuit breaker, then the
// retry policy, and finally the session engine:
//
//	admission -> Breaker(Retry(Engine.Execute))
//
// The breaker sees one outcome per Run, after retries are exhausted, so a
// burst of transient failures that eventually succeeds does not count
// against the dependency. Admission denials never reach the breaker.
package invoke

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/scriptcore/pkg/circuit"
	"github.com/openfroyo/scriptcore/pkg/classify"
	"github.com/openfroyo/scriptcore/pkg/clock"
	"github.com/openfroyo/scriptcore/pkg/policy"
	"github.com/openfroyo/scriptcore/pkg/protocol"
	"github.com/openfroyo/scriptcore/pkg/retry"
	"github.com/openfroyo/scriptcore/pkg/session"
	"github.com/openfroyo/scriptcore/pkg/stores"
	"github.com/openfroyo/scriptcore/pkg/telemetry"
)

// Invoker composes the resilience stack around one session engine. It is
// safe for concurrent use; the engine serializes the executions.
type Invoker struct {
	// engine owns the session
	engine *session.Engine

	// breaker guards the dependency reached through the session
	breaker *circuit.Breaker

	// retryOpts configures the per-run retry policy
	retryOpts retry.Options

	// admission evaluates scripts before they run; nil admits everything
	admission *policy.Engine

	// journal records finished runs; nil disables journaling
	journal stores.Journal

	// encoder streams run events as JSON lines; nil disables streaming
	encoder *protocol.Encoder

	tel    *telemetry.Telemetry
	clock  clock.Clock
	random func() float64
	logger zerolog.Logger
	newID  func() string

	unsubscribe func()
}

// Option customizes an Invoker.
type Option func(*Invoker)

// WithRetry sets the retry configuration.
func WithRetry(opts retry.Options) Option {
	return func(i *Invoker) {
		i.retryOpts = opts
	}
}

// WithAdmission evaluates every script against the policy engine before it
// reaches the breaker.
func WithAdmission(p *policy.Engine) Option {
	return func(i *Invoker) {
		i.admission = p
	}
}

// WithJournal records every finished run.
func WithJournal(j stores.Journal) Option {
	return func(i *Invoker) {
		i.journal = j
	}
}

// WithEncoder streams every run to enc.
func WithEncoder(enc *protocol.Encoder) Option {
	return func(i *Invoker) {
		i.encoder = enc
	}
}

// WithTelemetry sets the metrics, tracer and event publisher.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(i *Invoker) {
		if t != nil {
			i.tel = t
		}
	}
}

// WithClock sets the time source for durations and backoff waits.
func WithClock(c clock.Clock) Option {
	return func(i *Invoker) {
		if c != nil {
			i.clock = c
		}
	}
}

// WithRandom sets the jitter source of the retry policy.
func WithRandom(fn func() float64) Option {
	return func(i *Invoker) {
		if fn != nil {
			i.random = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(i *Invoker) {
		i.logger = l
	}
}

// WithIDGenerator replaces the UUID generator for execution IDs.
func WithIDGenerator(fn func() string) Option {
	return func(i *Invoker) {
		if fn != nil {
			i.newID = fn
		}
	}
}

// New creates an invoker around an engine and a breaker. The caller keeps
// ownership of both; Close only detaches the invoker from the breaker.
func New(engine *session.Engine, breaker *circuit.Breaker, opts ...Option) *Invoker {
	i := &Invoker{
		engine:    engine,
		breaker:   breaker,
		retryOpts: retry.DefaultOptions(),
		clock:     clock.System{},
		random:    rand.Float64,
		logger:    zerolog.Nop(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.tel == nil {
		i.tel = telemetry.Nop()
	}
	i.logger = i.logger.With().Str("component", "invoker").Logger()

	i.tel.Metrics.SetCircuitState(breaker.Name(), breaker.State().String())
	i.unsubscribe = breaker.Subscribe(BreakerObserver(i.tel))
	return i
}

// Close stops forwarding breaker transitions to telemetry.
func (i *Invoker) Close() {
	if i.unsubscribe != nil {
		i.unsubscribe()
	}
}

// Engine returns the session engine.
func (i *Invoker) Engine() *session.Engine {
	return i.engine
}

// Breaker returns the circuit breaker.
func (i *Invoker) Breaker() *circuit.Breaker {
	return i.breaker
}

// Run executes script through admission, breaker, retry and engine. Stream
// callbacks in opts see every attempt. The execution ID is taken from opts
// when one is set there and generated otherwise; all attempts share it.
func (i *Invoker) Run(ctx context.Context, script string, opts ...session.ExecOption) *Outcome {
	id, params := session.Describe(opts...)
	if id == "" {
		id = i.newID()
	}
	opts = append(opts[:len(opts):len(opts)], session.WithExecutionID(id))
	if i.encoder != nil {
		opts = append(opts, i.encoder.StreamOptions(id)...)
	}

	start := i.clock.Now()
	out := &Outcome{ExecutionID: id}
	log := i.logger.With().Str("execution_id", id).Logger()

	ctx, span := i.tel.Tracer.StartExecutionSpan(ctx, id, i.breaker.Name())
	defer span.End()

	i.tel.Metrics.RecordExecutionStarted()
	_ = i.tel.Events.PublishExecutionStarted(id)
	if i.encoder != nil {
		_ = i.encoder.EncodeStart(&protocol.StartMessage{ExecutionID: id, Params: params})
	}
	log.Debug().Int("script_size", len(script)).Msg("Execution started")

	if i.admit(ctx, out, script, params, log) {
		i.execute(ctx, out, script, opts, log)
	}

	out.Duration = i.clock.Now().Sub(start)
	i.finish(ctx, span, out, log)
	i.record(ctx, out, script, start, log)
	return out
}

// admit evaluates admission policy. It returns false when the run must
// stop, with out already completed.
func (i *Invoker) admit(ctx context.Context, out *Outcome, script string, params map[string]any, log zerolog.Logger) bool {
	if i.admission == nil {
		return true
	}

	decision, err := i.admission.Evaluate(ctx, policy.NewInput(out.ExecutionID, script, params))
	if err != nil {
		// Evaluate only fails when ctx is done.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			ne := classify.FromError(ctx.Err())
			out.Error = &ne
			out.Status = stores.ExecutionStatusFailed
			return false
		}
		out.WasCancelled = true
		out.Status = stores.ExecutionStatusCancelled
		return false
	}
	out.Decision = decision

	for _, w := range decision.Warnings {
		log.Warn().Str("policy", w.Policy).Msg(w.Message)
	}
	if decision.Allowed {
		return true
	}

	for _, v := range decision.Violations {
		i.tel.Metrics.RecordPolicyDenial(v.Policy)
		_ = i.tel.Events.PublishPolicyViolation(out.ExecutionID, v.Policy, v.Message)
	}
	out.Status = stores.ExecutionStatusDenied
	out.Error = &classify.NormalizedError{
		Code:    classify.CodePermissionDenied,
		Message: decision.Reason(),
	}
	log.Warn().Str("reason", decision.Reason()).Msg("Execution denied by admission policy")
	return false
}

func (i *Invoker) execute(ctx context.Context, out *Outcome, script string, opts []session.ExecOption, log zerolog.Logger) {
	rp := retry.New(i.retryOpts,
		retry.WithClock(i.clock),
		retry.WithRandom(i.random),
		retry.WithLogger(log),
		retry.WithClassifier(classifyAttempt),
		retry.WithObserver(func(a retry.Attempt) { i.onRetry(ctx, out.ExecutionID, a) }),
	)

	_, err := circuit.Execute(ctx, i.breaker, func(ctx context.Context) (*session.Result, error) {
		r := retry.Execute(ctx, rp, func(ctx context.Context) (*session.Result, error) {
			return i.attempt(ctx, out, script, opts)
		})
		return r.Value, r.Err()
	})

	if out.Result != nil {
		out.SessionCorrupted = out.Result.SessionCorrupted
	}

	var openErr *circuit.OpenError
	var ne *classify.NormalizedError
	switch {
	case err == nil:
		out.Success = true
		out.Status = stores.ExecutionStatusSucceeded
	case errors.As(err, &openErr):
		out.Status = stores.ExecutionStatusRejected
		out.Error = &classify.NormalizedError{
			Code:        classify.CodeServiceUnavailable,
			Message:     openErr.Error(),
			IsTransient: true,
			RetryAfter:  openErr.RemainingOpenTime,
		}
	case errors.Is(err, context.Canceled):
		out.WasCancelled = true
		out.Status = stores.ExecutionStatusCancelled
	case errors.As(err, &ne):
		out.Status = stores.ExecutionStatusFailed
		out.Error = ne
	default:
		ce := classify.FromError(err)
		out.Status = stores.ExecutionStatusFailed
		out.Error = &ce
	}
}

// attempt runs the script once on the engine.
func (i *Invoker) attempt(ctx context.Context, out *Outcome, script string, opts []session.ExecOption) (*session.Result, error) {
	out.Attempts++
	ctx, span := i.tel.Tracer.StartAttemptSpan(ctx, out.Attempts)
	defer span.End()

	res := i.engine.Execute(ctx, script, opts...)
	out.Result = res

	err := res.Err()
	if err == nil {
		telemetry.RecordSuccess(span)
		return res, nil
	}
	if res.SessionCorrupted {
		i.tel.Metrics.RecordCorruption()
		span.SetAttributes(telemetry.AttrSessionCorrupted.Bool(true))
		err = &corruptedError{err: err}
	}
	if !res.WasCancelled {
		telemetry.RecordError(span, err)
	}
	return res, err
}

func (i *Invoker) onRetry(ctx context.Context, id string, a retry.Attempt) {
	if a.Final {
		return
	}
	code := string(a.Error.Code)
	i.tel.Metrics.RecordRetry(code)
	_ = i.tel.Events.PublishRetryScheduled(id, code, a.Number, a.Delay)
	telemetry.AddEvent(trace.SpanFromContext(ctx), "retry",
		telemetry.AttrAttempt.Int(a.Number),
		telemetry.AttrErrorCode.String(code),
		telemetry.AttrRetryDelay.Int64(a.Delay.Milliseconds()),
	)
	if i.encoder != nil {
		_ = i.encoder.EncodeRetry(&protocol.RetryMessage{
			ExecutionID: id,
			Attempt:     a.Number,
			Code:        code,
			Message:     a.Error.Message,
			Delay:       a.Delay.Seconds(),
		})
	}
}

// corruptedError marks a failure that left the session unusable. Retrying
// on the same session cannot help, so it is never transient.
type corruptedError struct {
	err error
}

func (e *corruptedError) Error() string {
	return "session corrupted: " + e.err.Error()
}

func (e *corruptedError) Unwrap() error {
	return e.err
}

func classifyAttempt(err error) classify.NormalizedError {
	ne := classify.FromError(err)
	var ce *corruptedError
	if errors.As(err, &ce) {
		ne.IsTransient = false
	}
	return ne
}
