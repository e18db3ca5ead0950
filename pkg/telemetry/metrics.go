package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Execution outcomes used as metric labels.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeDenied      = "denied"
)

var circuitStates = []string{"closed", "open", "half-open"}

// Metrics provides Prometheus metrics for scriptcore.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	activeExecutions  prometheus.Gauge
	retries           *prometheus.CounterVec
	errorsByCode      *prometheus.CounterVec

	// Circuit breaker metrics
	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec

	// Session metrics
	sessionRecoveries  *prometheus.CounterVec
	sessionCorruptions prometheus.Counter
	queueDepth         prometheus.Gauge

	// Admission metrics
	policyDenials *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a collector whose Record methods are
// no-ops.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of script executions by outcome",
			},
			[]string{"outcome"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of script executions including retries in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of executions in flight",
			},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retries scheduled by error code",
			},
			[]string{"code"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of classified errors by error code",
			},
			[]string{"code", "transient"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state (1 for the active state)",
			},
			[]string{"breaker", "state"},
		),
		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),

		sessionRecoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_recoveries_total",
				Help:      "Total number of session rebuilds by result",
			},
			[]string{"result"},
		),
		sessionCorruptions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_corruptions_total",
				Help:      "Total number of executions that reported a corrupted session",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Requests waiting for the session",
			},
		),

		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of scripts rejected by admission policy",
			},
			[]string{"policy"},
		),
	}

	registry.MustRegister(
		m.executions,
		m.executionDuration,
		m.activeExecutions,
		m.retries,
		m.errorsByCode,
		m.circuitState,
		m.circuitTransitions,
		m.sessionRecoveries,
		m.sessionCorruptions,
		m.queueDepth,
		m.policyDenials,
	)

	return m, nil
}

// Registry returns the registry backing the collector, or nil when metrics
// are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordExecutionStarted marks an execution as in flight.
func (m *Metrics) RecordExecutionStarted() {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Inc()
}

// RecordExecution records a finished execution with its outcome and
// duration.
func (m *Metrics) RecordExecution(outcome string, duration time.Duration) {
	if m.executions == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
	m.executionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry(code string) {
	if m.retries == nil {
		return
	}
	m.retries.WithLabelValues(code).Inc()
}

// RecordError records a classified error.
func (m *Metrics) RecordError(code string, transient bool) {
	if m.errorsByCode == nil {
		return
	}
	t := "false"
	if transient {
		t = "true"
	}
	m.errorsByCode.WithLabelValues(code, t).Inc()
}

// RecordCircuitTransition records a breaker state change and updates the
// state gauge.
func (m *Metrics) RecordCircuitTransition(breaker, from, to string) {
	if m.circuitTransitions == nil {
		return
	}
	m.circuitTransitions.WithLabelValues(breaker, from, to).Inc()
	m.SetCircuitState(breaker, to)
}

// SetCircuitState sets the state gauge for a breaker.
func (m *Metrics) SetCircuitState(breaker, state string) {
	if m.circuitState == nil {
		return
	}
	for _, s := range circuitStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.circuitState.WithLabelValues(breaker, s).Set(v)
	}
}

// RecordRecovery records a session rebuild.
func (m *Metrics) RecordRecovery(success bool) {
	if m.sessionRecoveries == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.sessionRecoveries.WithLabelValues(result).Inc()
}

// RecordCorruption records an execution that reported a corrupted session.
func (m *Metrics) RecordCorruption() {
	if m.sessionCorruptions == nil {
		return
	}
	m.sessionCorruptions.Inc()
}

// SetQueueDepth sets the number of requests waiting for the session.
func (m *Metrics) SetQueueDepth(n int) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordPolicyDenial records an admission denial.
func (m *Metrics) RecordPolicyDenial(policy string) {
	if m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(policy).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MetricsServer serves the metrics endpoint.
type MetricsServer struct {
	server *http.Server
	addr   net.Addr
}

// Addr returns the bound listen address.
func (s *MetricsServer) Addr() string {
	return s.addr.String()
}

// Shutdown stops the server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// StartMetricsServer binds the configured listen address and serves
// metrics in the background. It returns nil when metrics are disabled or no
// listen address is configured.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) (*MetricsServer, error) {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Str("path", path).Msg("Metrics server listening")
	return &MetricsServer{server: server, addr: ln.Addr()}, nil
}
