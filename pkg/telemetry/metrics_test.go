package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestMetricsExecutions(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordExecutionStarted()
	m.RecordExecutionStarted()
	m.RecordExecution(OutcomeSuccess, 250*time.Millisecond)

	if got := testutil.ToFloat64(m.executions.WithLabelValues(OutcomeSuccess)); got != 1 {
		t.Errorf("executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeExecutions); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
}

func TestMetricsCircuitStateIsExclusive(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordCircuitTransition("exchange", "closed", "open")
	m.RecordCircuitTransition("exchange", "open", "half-open")

	want := map[string]float64{"closed": 0, "open": 0, "half-open": 1}
	for state, v := range want {
		if got := testutil.ToFloat64(m.circuitState.WithLabelValues("exchange", state)); got != v {
			t.Errorf("state %s = %v, want %v", state, got, v)
		}
	}
	if got := testutil.ToFloat64(m.circuitTransitions.WithLabelValues("exchange", "closed", "open")); got != 1 {
		t.Errorf("transitions = %v", got)
	}
}

func TestMetricsErrorsAndSession(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError("Throttling", true)
	m.RecordRetry("Throttling")
	m.RecordRecovery(true)
	m.RecordRecovery(false)
	m.RecordCorruption()
	m.SetQueueDepth(4)
	m.RecordPolicyDenial("blocked_builtins")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"errors", testutil.ToFloat64(m.errorsByCode.WithLabelValues("Throttling", "true")), 1},
		{"retries", testutil.ToFloat64(m.retries.WithLabelValues("Throttling")), 1},
		{"recoveries ok", testutil.ToFloat64(m.sessionRecoveries.WithLabelValues("success")), 1},
		{"recoveries failed", testutil.ToFloat64(m.sessionRecoveries.WithLabelValues("failure")), 1},
		{"corruptions", testutil.ToFloat64(m.sessionCorruptions), 1},
		{"queue", testutil.ToFloat64(m.queueDepth), 4},
		{"denials", testutil.ToFloat64(m.policyDenials.WithLabelValues("blocked_builtins")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordExecutionStarted()
	m.RecordExecution(OutcomeFailed, time.Second)
	m.RecordRetry("Timeout")
	m.RecordError("Timeout", true)
	m.RecordCircuitTransition("b", "closed", "open")
	m.RecordRecovery(true)
	m.RecordCorruption()
	m.SetQueueDepth(1)
	m.RecordPolicyDenial("p")

	if m.Registry() != nil {
		t.Fatal("disabled metrics should have no registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordExecutionStarted()
	m.RecordExecution(OutcomeSuccess, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "test_executions_total") {
		t.Fatalf("metrics output missing executions counter:\n%s", body)
	}
}

func TestStartMetricsServer(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test", ListenAddress: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	srv, err := m.StartMetricsServer(zerolog.Nop())
	if err != nil {
		t.Fatalf("StartMetricsServer: %v", err)
	}
	defer srv.Shutdown(t.Context())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
