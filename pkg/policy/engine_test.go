package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expectedPolicies := []string{
		"blocked-calls",
		"parameter-count",
		"production-calls",
		"script-size",
	}
	if len(policies) != len(expectedPolicies) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expectedPolicies), len(policies))
	}
	for i, expected := range expectedPolicies {
		if policies[i].Name != expected {
			t.Errorf("Expected policy %s at %d, got %s", expected, i, policies[i].Name)
		}
	}
}

func TestNewInput(t *testing.T) {
	in := NewInput("exec-1", `
mbx = exchange.get_mailbox("bob")
emit(mbx)
emit(len(mbx))
`, map[string]any{"name": "bob"})

	want := []string{"emit", "exchange.get_mailbox", "len"}
	if strings.Join(in.Calls, ",") != strings.Join(want, ",") {
		t.Errorf("Calls = %v, want %v", in.Calls, want)
	}
	if in.Lines != 5 {
		t.Errorf("Lines = %d", in.Lines)
	}

	broken := NewInput("exec-2", "def (", nil)
	if len(broken.Calls) != 0 {
		t.Errorf("Unparseable script should have no calls: %v", broken.Calls)
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t,
		WithLimits(Limits{
			MaxScriptLength:    40,
			MaxParams:          2,
			BlockedCalls:       []string{"exchange.remove_mailbox"},
			ProductionOnlyWarn: []string{"sleep"},
		}),
	)

	tests := []struct {
		name          string
		input         Input
		expectAllowed bool
		expectPolicy  string
		expectWarning bool
	}{
		{
			name:          "small script",
			input:         NewInput("1", `emit(1)`, nil),
			expectAllowed: true,
		},
		{
			name:          "empty script",
			input:         NewInput("2", "  \n", nil),
			expectAllowed: false,
			expectPolicy:  "script-size",
		},
		{
			name:          "too long",
			input:         NewInput("3", `emit("`+strings.Repeat("x", 50)+`")`, nil),
			expectAllowed: false,
			expectPolicy:  "script-size",
		},
		{
			name:          "blocked call",
			input:         NewInput("4", `exchange.remove_mailbox("bob")`, nil),
			expectAllowed: false,
			expectPolicy:  "blocked-calls",
		},
		{
			name:          "too many params",
			input:         NewInput("5", `emit(params)`, map[string]any{"a": 1, "b": 2, "c": 3}),
			expectAllowed: false,
			expectPolicy:  "parameter-count",
		},
		{
			name: "production warning",
			input: Input{
				Script:      "sleep(1)",
				Length:      8,
				Calls:       []string{"sleep"},
				Environment: "production",
			},
			expectAllowed: true,
			expectWarning: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Evaluate(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if decision.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, decision.Allowed, decision.Violations)
			}
			if tt.expectPolicy != "" {
				if len(decision.Violations) == 0 || decision.Violations[0].Policy != tt.expectPolicy {
					t.Errorf("Expected violation from %s, got %+v", tt.expectPolicy, decision.Violations)
				}
				if !strings.HasPrefix(decision.Reason(), tt.expectPolicy+": ") {
					t.Errorf("Unexpected reason %q", decision.Reason())
				}
			}
			if tt.expectWarning != (len(decision.Warnings) > 0) {
				t.Errorf("Unexpected warnings %+v", decision.Warnings)
			}
			if len(decision.EvaluatedPolicies) != 4 {
				t.Errorf("Expected 4 evaluated policies, got %v", decision.EvaluatedPolicies)
			}
		})
	}
}

func TestEvaluate_Details(t *testing.T) {
	eng := newTestEngine(t, WithLimits(Limits{BlockedCalls: []string{"sleep"}}))

	decision, err := eng.Evaluate(context.Background(), NewInput("1", `sleep(1)`, nil))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(decision.Violations) != 1 {
		t.Fatalf("Expected one violation, got %+v", decision.Violations)
	}
	v := decision.Violations[0]
	if v.Severity != SeverityCritical || v.Details["call"] != "sleep" {
		t.Errorf("Unexpected violation %+v", v)
	}
}

func TestEvaluate_EnvironmentDefault(t *testing.T) {
	eng := newTestEngine(t, WithEnvironment("production"))

	decision, err := eng.Evaluate(context.Background(), NewInput("1", `sleep(0)`, nil))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allowed || len(decision.Warnings) != 1 || decision.Warnings[0].Policy != "production-calls" {
		t.Errorf("Unexpected decision %+v", decision)
	}
}

func TestEvaluate_Cancelled(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := eng.Evaluate(ctx, NewInput("1", `emit(1)`, nil)); err == nil {
		t.Fatal("Expected context error")
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())

	err := eng.AddPolicy(context.Background(), Policy{
		Name:    "no-credentials",
		Enabled: true,
		Rego: `package scriptcore.admission.credentials

deny contains msg if {
	contains(input.script, "password")
	msg := "scripts must not embed credentials"
}`,
	})
	if err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	p, err := eng.GetPolicy("no-credentials")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", p.Severity)
	}

	decision, err := eng.Evaluate(context.Background(), NewInput("1", `password = "hunter2"`, nil))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allowed {
		t.Error("Expected script to be denied")
	}

	if err := eng.AddPolicy(context.Background(), Policy{Name: "bad", Rego: "package x\n deny contains"}); err == nil {
		t.Error("Expected compile error for invalid rego")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t, WithLimits(Limits{BlockedCalls: []string{"sleep"}}))
	ctx := context.Background()
	in := NewInput("1", `sleep(1)`, nil)

	if err := eng.DisablePolicy("blocked-calls"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	decision, err := eng.Evaluate(ctx, in)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allowed || len(decision.EvaluatedPolicies) != 3 {
		t.Errorf("Disabled policy still evaluated: %+v", decision)
	}

	if err := eng.EnablePolicy("blocked-calls"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	decision, err = eng.Evaluate(ctx, in)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allowed {
		t.Error("Expected denial after enabling policy")
	}

	if err := eng.EnablePolicy("nonexistent"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:    "custom",
		Enabled: true,
		Rego:    "package scriptcore.admission.custom\n\ndeny contains \"no\" if { false }",
	})
	if err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}
	if len(eng.ListPolicies()) != 5 {
		t.Fatalf("Expected 5 policies, got %d", len(eng.ListPolicies()))
	}

	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("custom"); err == nil {
		t.Error("Custom policy should be dropped on reload")
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("Expected built-ins after reload, got %d", len(eng.ListPolicies()))
	}
}

func TestSeverityBlocking(t *testing.T) {
	tests := []struct {
		severity Severity
		blocking bool
	}{
		{SeverityInfo, false},
		{SeverityWarning, false},
		{SeverityError, true},
		{SeverityCritical, true},
	}
	for _, tt := range tests {
		if tt.severity.Blocking() != tt.blocking {
			t.Errorf("%s.Blocking() = %v", tt.severity, !tt.blocking)
		}
	}
}
