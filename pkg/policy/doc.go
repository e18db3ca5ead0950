// Package policy provides Open Policy Agent (OPA) admission control for
// scripts.
//
// Every enabled policy is a Rego module defining a deny set. The engine
// evaluates each module against an Input describing the script (its text,
// size, the functions it calls and its parameters) and collects the deny
// elements as violations. Violations with error or critical severity deny
// the script; info and warning violations are reported without blocking.
//
// Limits configured on the engine are visible to policies as
// data.scriptcore.limits.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.WithLimits(policy.Limits{
//	    MaxScriptLength: 16 * 1024,
//	    BlockedCalls:    []string{"exchange.remove_mailbox"},
//	}))
//	if err != nil {
//	    return err
//	}
//
//	decision, err := eng.Evaluate(ctx, policy.NewInput(id, script, params))
//	if err != nil {
//	    return err
//	}
//	if !decision.Allowed {
//	    return fmt.Errorf("script denied: %s", decision.Reason())
//	}
//
// # Built-in Policies
//
//   - script-size: rejects empty scripts and scripts over max_script_length
//   - blocked-calls: rejects calls listed in blocked_calls
//   - parameter-count: rejects more than max_params parameters
//   - production-calls: warns about production_warn_calls in production
//
// # Custom Policies
//
// LoadPolicies reads .rego files (named after the file, error severity)
// and JSON documents holding either one policy or a bundle:
//
//	package scriptcore.admission.custom
//
//	deny contains msg if {
//	    contains(input.script, "password")
//	    msg := "scripts must not embed credentials"
//	}
//
// WatchPolicies reloads the files when they change.
package policy
