package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the script.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block the script.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents an admission rule with its Rego code. The module must
// define a deny set; each element is either a message string or an object
// with message, severity and details keys.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata such as the source file.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	Policy   string         `json:"policy"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// Input is the document policies see as input.
type Input struct {
	// ExecutionID identifies the execution being admitted.
	ExecutionID string `json:"execution_id,omitempty"`

	// Script is the script text.
	Script string `json:"script"`

	// Length is the script length in bytes.
	Length int `json:"length"`

	// Lines is the number of script lines.
	Lines int `json:"lines"`

	// Calls lists the names of the functions the script calls, for example
	// "sleep" or "exchange.get_mailbox". Empty when the script does not
	// parse; the session reports the parse error.
	Calls []string `json:"calls"`

	// Params are the named parameters bound to the script.
	Params map[string]any `json:"params,omitempty"`

	// Environment is the deployment environment, e.g. "production".
	Environment string `json:"environment,omitempty"`
}

// Decision is the outcome of evaluating every enabled policy.
type Decision struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block the script.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Reason summarizes the first blocking violation.
func (d *Decision) Reason() string {
	if d == nil || len(d.Violations) == 0 {
		return ""
	}
	return d.Violations[0].Policy + ": " + d.Violations[0].Message
}

// Bundle is a JSON document carrying several policies.
type Bundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}

// Limits are exposed to policies as data.scriptcore.limits.
type Limits struct {
	// MaxScriptLength bounds the script size in bytes. Zero disables the
	// check.
	MaxScriptLength int `json:"max_script_length" yaml:"max_script_length"`

	// MaxParams bounds the number of named parameters. Zero disables the
	// check.
	MaxParams int `json:"max_params" yaml:"max_params"`

	// BlockedCalls lists function names scripts may not call.
	BlockedCalls []string `json:"blocked_calls" yaml:"blocked_calls"`

	// ProductionOnlyWarn lists calls that produce a warning in production.
	ProductionOnlyWarn []string `json:"production_warn_calls" yaml:"production_warn_calls"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxScriptLength: 64 * 1024,
		MaxParams:       64,
		BlockedCalls:    []string{},
		ProductionOnlyWarn: []string{
			"sleep",
		},
	}
}
