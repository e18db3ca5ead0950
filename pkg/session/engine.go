// Package session owns the single stateful scripting session and runs
// every script against it.
//
// The session is not reentrant, so the Engine funnels all work through one
// worker goroutine that reads requests from a channel: exactly one
// initialization, execution or recovery is in flight at a time, in
// submission order. Callers block on a reply channel and may cancel while
// queued or while their script runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/scriptcore/pkg/clock"
)

// Options configures an Engine.
type Options struct {
	// RequiredModule is the extension probed and imported on open. Empty
	// disables the probe.
	RequiredModule string `yaml:"required_module" json:"required_module"`

	// FailureThreshold is the number of consecutive generic runtime
	// exceptions after which the session is declared corrupted.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// QueueSize is the capacity of the request channel.
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// DefaultOptions returns a threshold of 3 and a queue of 64.
func DefaultOptions() Options {
	return Options{
		FailureThreshold: 3,
		QueueSize:        64,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = def.FailureThreshold
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	return o
}

// State change reasons.
const (
	ReasonInitialized    = "initialized"
	ReasonRecovered      = "recovered"
	ReasonRecoveryFailed = "recovery failed"
	ReasonInvalidState   = "invalid session state"
	ReasonThreshold      = "consecutive failure threshold reached"
	ReasonDisposed       = "disposed"
)

// StateChange describes a session lifecycle transition. A failed recovery
// is reported even when the session was already broken.
type StateChange struct {
	Previous State
	State    State
	Reason   string
	At       time.Time
}

// Engine serializes access to one Session.
type Engine struct {
	runtime Runtime
	opts    Options
	logger  zerolog.Logger
	clock   clock.Clock
	newID   func() string
	onState func(StateChange)

	ctx         context.Context
	cancel      context.CancelFunc
	requests    chan *request
	workerDone  chan struct{}
	disposeOnce sync.Once
	queued      atomic.Int64

	// status is readable without the queue
	mu              sync.RWMutex
	state           State
	connected       bool
	moduleAvailable bool
	runtimeVersion  string
	failures        int

	// owned by the worker goroutine
	session Session
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock sets the time source used for durations.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithIDGenerator replaces the UUID generator for execution IDs.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithStateObserver registers fn for session lifecycle transitions. It is
// called on the worker goroutine and must not block or call back into the
// engine.
func WithStateObserver(fn func(StateChange)) Option {
	return func(e *Engine) {
		e.onState = fn
	}
}

// New creates an engine and starts its worker. The session is opened by
// Initialize, or lazily by the first Execute.
func New(rt Runtime, opts Options, options ...Option) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		runtime: rt,
		opts:    opts,
		logger:  zerolog.Nop(),
		clock:   clock.System{},
		newID:   uuid.NewString,
		state:   StateUninitialized,
	}
	for _, opt := range options {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "session-engine").Logger()

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.requests = make(chan *request, opts.QueueSize)
	e.workerDone = make(chan struct{})

	go e.run()
	return e
}

// Initialize opens the session and probes the required module. Module
// unavailability is reported in the result and is not fatal. Calling
// Initialize on an open session returns its current details.
func (e *Engine) Initialize(ctx context.Context) InitResult {
	r, err := e.submit(ctx, newRequest(ctx, requestInit))
	if err != nil {
		return InitResult{Error: err.Error()}
	}
	return r.init
}

// Execute runs script on the session, streaming events to the callbacks
// supplied through opts as they are produced.
func (e *Engine) Execute(ctx context.Context, script string, opts ...ExecOption) *Result {
	cfg := execConfig{id: e.newID()}
	for _, opt := range opts {
		opt(&cfg)
	}

	req := newRequest(ctx, requestExecute)
	req.script = script
	req.cfg = cfg

	r, err := e.submit(ctx, req)
	switch {
	case errors.Is(err, ErrDisposed):
		return disposedResult(cfg.id)
	case err != nil:
		res := &Result{ID: cfg.id, Output: []any{}}
		interrupted(ctx, res)
		return res
	}
	return r.exec
}

// Recover tears down the session and opens a fresh one. It returns false
// if the rebuild failed.
func (e *Engine) Recover(ctx context.Context) bool {
	r, err := e.submit(ctx, newRequest(ctx, requestRecover))
	if err != nil {
		return false
	}
	return r.recovered
}

// Dispose stops the engine. Queued and new calls fail fast, an in-flight
// script is cancelled, and the session is closed. Dispose is idempotent
// and must not be called from an execution callback.
func (e *Engine) Dispose() {
	e.disposeOnce.Do(func() {
		e.logger.Debug().Msg("Disposing execution engine")
		e.cancel()
	})
	<-e.workerDone
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		State:               e.state,
		StateName:           e.state.String(),
		Connected:           e.connected,
		ModuleAvailable:     e.moduleAvailable,
		RuntimeVersion:      e.runtimeVersion,
		ConsecutiveFailures: e.failures,
		QueueDepth:          int(e.queued.Load()),
		Disposed:            e.ctx.Err() != nil,
	}
}

// IsConnected reports the connected flag.
func (e *Engine) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// SetConnected records whether the session holds an established remote
// connection. Recovery clears it.
func (e *Engine) SetConnected(connected bool) {
	e.mu.Lock()
	e.connected = connected
	e.mu.Unlock()
}

type requestKind int

const (
	requestInit requestKind = iota
	requestExecute
	requestRecover
)

const (
	requestQueued int32 = iota
	requestRunning
	requestAbandoned
)

type request struct {
	kind   requestKind
	ctx    context.Context
	script string
	cfg    execConfig
	status atomic.Int32
	reply  chan reply
}

type reply struct {
	init      InitResult
	exec      *Result
	recovered bool
}

func newRequest(ctx context.Context, kind requestKind) *request {
	return &request{kind: kind, ctx: ctx, reply: make(chan reply, 1)}
}

// start claims the request for the worker. It fails if the caller gave up
// while the request was queued.
func (r *request) start() bool {
	return r.status.CompareAndSwap(requestQueued, requestRunning)
}

// abandon withdraws a queued request. It fails once the worker started it.
func (r *request) abandon() bool {
	return r.status.CompareAndSwap(requestQueued, requestAbandoned)
}

func (e *Engine) submit(ctx context.Context, req *request) (reply, error) {
	if e.ctx.Err() != nil {
		return reply{}, ErrDisposed
	}

	e.queued.Add(1)
	select {
	case e.requests <- req:
	case <-e.ctx.Done():
		e.queued.Add(-1)
		return reply{}, ErrDisposed
	case <-ctx.Done():
		e.queued.Add(-1)
		return reply{}, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r, nil
	case <-e.workerDone:
		return e.lateReply(req)
	case <-ctx.Done():
		if req.abandon() {
			return reply{}, ctx.Err()
		}
	}

	// Already running; the invocation observes ctx and replies promptly.
	select {
	case r := <-req.reply:
		return r, nil
	case <-e.workerDone:
		return e.lateReply(req)
	}
}

func (e *Engine) lateReply(req *request) (reply, error) {
	select {
	case r := <-req.reply:
		return r, nil
	default:
		return reply{}, ErrDisposed
	}
}

func (e *Engine) run() {
	defer close(e.workerDone)
	for {
		select {
		case req := <-e.requests:
			e.queued.Add(-1)
			if !req.start() {
				continue
			}
			req.reply <- e.serve(req)
		case <-e.ctx.Done():
			e.shutdown()
			return
		}
	}
}

func (e *Engine) serve(req *request) reply {
	if e.ctx.Err() != nil {
		return e.disposedReply(req)
	}

	switch req.kind {
	case requestInit:
		return reply{init: e.initialize(req.ctx)}
	case requestRecover:
		return reply{recovered: e.recover(req.ctx, "requested")}
	default:
		return reply{exec: e.execute(req)}
	}
}

func (e *Engine) disposedReply(req *request) reply {
	return reply{
		init: InitResult{Error: ErrDisposed.Error()},
		exec: disposedResult(req.cfg.id),
	}
}

func (e *Engine) shutdown() {
	for {
		select {
		case req := <-e.requests:
			e.queued.Add(-1)
			if req.start() {
				req.reply <- e.disposedReply(req)
			}
			continue
		default:
		}
		break
	}

	if e.session != nil {
		if err := e.session.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close session")
		}
		e.session = nil
	}
	e.setState(StateClosed, ReasonDisposed)
	e.logger.Info().Msg("Execution engine disposed")
}

func (e *Engine) initialize(ctx context.Context) InitResult {
	if e.session != nil && e.currentState() == StateOpened {
		st := e.Status()
		return InitResult{Success: true, RuntimeVersion: st.RuntimeVersion, ModuleAvailable: st.ModuleAvailable}
	}

	if err := e.openSession(ctx, ReasonInitialized); err != nil {
		e.logger.Error().Err(err).Msg("Failed to open session")
		return InitResult{Error: err.Error()}
	}

	available, importErr := e.loadModule(ctx)
	res := InitResult{
		Success:         true,
		RuntimeVersion:  e.session.Version(),
		ModuleAvailable: available,
	}
	if importErr != nil {
		res.Error = importErr.Error()
	}
	return res
}

func (e *Engine) openSession(ctx context.Context, reason string) error {
	s, err := e.runtime.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	e.session = s

	e.mu.Lock()
	e.runtimeVersion = s.Version()
	e.failures = 0
	e.mu.Unlock()

	e.setState(StateOpened, reason)
	e.logger.Info().Str("runtime_version", s.Version()).Msg("Session opened")
	return nil
}

// loadModule probes for the required module and imports it when present.
func (e *Engine) loadModule(ctx context.Context) (bool, error) {
	name := e.opts.RequiredModule
	if name == "" {
		return false, nil
	}

	available := false
	var err error
	if e.session.HasModule(name) {
		if err = e.session.ImportModule(ctx, name); err != nil {
			err = fmt.Errorf("failed to import module %s: %w", name, err)
			e.logger.Warn().Err(err).Str("module", name).Msg("Module import failed")
		} else {
			available = true
		}
	} else {
		e.logger.Warn().Str("module", name).Msg("Required module not installed")
	}

	e.mu.Lock()
	e.moduleAvailable = available
	e.mu.Unlock()
	return available, err
}

func (e *Engine) recover(ctx context.Context, reason string) bool {
	opened := ReasonRecovered
	if e.currentState() == StateUninitialized {
		// lazy first open
		opened = ReasonInitialized
	} else {
		e.logger.Info().Str("reason", reason).Msg("Recovering session")
	}

	if e.session != nil {
		if err := e.session.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close broken session")
		}
		e.session = nil
	}

	if err := e.openSession(ctx, opened); err != nil {
		e.logger.Error().Err(err).Msg("Session recovery failed")
		e.setState(StateBroken, ReasonRecoveryFailed)
		return false
	}
	_, _ = e.loadModule(ctx)

	e.mu.Lock()
	e.failures = 0
	e.connected = false
	e.mu.Unlock()
	return true
}

func (e *Engine) execute(req *request) *Result {
	start := e.clock.Now()
	res := &Result{ID: req.cfg.id, Output: []any{}}
	defer func() {
		res.Duration = e.clock.Now().Sub(start)
	}()

	log := e.logger.With().Str("execution_id", res.ID).Logger()

	if req.ctx.Err() != nil {
		interrupted(req.ctx, res)
		return res
	}

	if e.currentState() != StateOpened {
		if !e.recover(req.ctx, "session not open") {
			if req.ctx.Err() != nil {
				interrupted(req.ctx, res)
				return res
			}
			res.SessionCorrupted = true
			res.ExceptionKind = ExceptionInvalidSessionState
			res.ErrorMessage = "session unavailable: recovery failed"
			return res
		}
	}

	invokeCtx, stop := context.WithCancel(req.ctx)
	defer stop()
	unregister := context.AfterFunc(e.ctx, stop)
	defer unregister()

	sink := newCollector(res, req.cfg, log)
	err := e.invoke(invokeCtx, req, sink)
	sink.seal()

	switch {
	case req.ctx.Err() != nil:
		interrupted(req.ctx, res)
		log.Debug().
			Int("partial_output", len(res.Output)).
			Bool("timed_out", !res.WasCancelled).
			Msg("Execution interrupted")
	case e.ctx.Err() != nil:
		res.ErrorMessage = ErrDisposed.Error()
		res.ExceptionKind = ExceptionDisposed
	case err == nil:
		res.Success = len(res.Errors) == 0
		if res.Success {
			e.resetFailures()
		}
	default:
		e.handleException(res, err, log)
	}
	return res
}

// interrupted completes res for a request whose context is done. An
// expired deadline is a timeout failure; anything else is a cancellation.
// Neither counts toward the corruption threshold.
func interrupted(ctx context.Context, res *Result) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExceptionKind = ExceptionTimeout
		res.ErrorMessage = "execution timed out: " + ctx.Err().Error()
		return
	}
	res.WasCancelled = true
}

func (e *Engine) invoke(ctx context.Context, req *request, sink Sink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewRuntimeError("RuntimePanic", fmt.Errorf("session invoke panicked: %v", r))
		}
	}()
	return e.session.Invoke(ctx, req.script, req.cfg.params, sink)
}

func (e *Engine) handleException(res *Result, err error, log zerolog.Logger) {
	res.ErrorMessage = err.Error()
	res.ExceptionKind = exceptionKind(err)

	switch {
	case errors.Is(err, ErrInvalidSessionState):
		res.SessionCorrupted = true
		e.setState(StateBroken, ReasonInvalidState)
	case errors.Is(err, ErrInvalidOperation):
		n := e.incrementFailures()
		log.Warn().Err(err).Int("consecutive_failures", n).Msg("Invalid operation")
		return
	default:
		n := e.incrementFailures()
		if n >= e.opts.FailureThreshold {
			res.SessionCorrupted = true
			e.setState(StateBroken, ReasonThreshold)
		}
	}

	log.Error().Err(err).
		Str("exception_kind", res.ExceptionKind).
		Bool("session_corrupted", res.SessionCorrupted).
		Msg("Session invocation failed")
}

func (e *Engine) currentState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(to State, reason string) {
	e.mu.Lock()
	from := e.state
	e.state = to
	e.mu.Unlock()

	if from == to && reason != ReasonRecoveryFailed {
		return
	}
	e.logger.Debug().Str("from", from.String()).Str("to", to.String()).Str("reason", reason).Msg("Session state changed")
	if e.onState != nil {
		e.onState(StateChange{Previous: from, State: to, Reason: reason, At: e.clock.Now()})
	}
}

func (e *Engine) incrementFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures++
	return e.failures
}

func (e *Engine) resetFailures() {
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
}

func disposedResult(id string) *Result {
	return &Result{
		ID:            id,
		Output:        []any{},
		ErrorMessage:  ErrDisposed.Error(),
		ExceptionKind: ExceptionDisposed,
	}
}
