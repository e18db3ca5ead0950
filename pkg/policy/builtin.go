package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		scriptSizePolicy(),
		blockedCallsPolicy(),
		parameterCountPolicy(),
		productionCallsPolicy(),
	}
}

// scriptSizePolicy bounds the size of a script.
func scriptSizePolicy() Policy {
	return Policy{
		Name:        "script-size",
		Description: "Rejects empty scripts and scripts larger than the configured limit",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"limits"},
		Rego: `package scriptcore.admission.size

limits := data.scriptcore.limits

deny contains violation if {
	limits.max_script_length > 0
	input.length > limits.max_script_length
	violation := {
		"message": sprintf("script is %d bytes, limit is %d", [input.length, limits.max_script_length]),
		"details": {"length": input.length, "limit": limits.max_script_length},
	}
}

deny contains violation if {
	trim_space(input.script) == ""
	violation := {"message": "script is empty"}
}`,
	}
}

// blockedCallsPolicy forbids calls to configured functions.
func blockedCallsPolicy() Policy {
	return Policy{
		Name:        "blocked-calls",
		Description: "Rejects scripts calling a blocked function",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"security"},
		Rego: `package scriptcore.admission.calls

deny contains violation if {
	some call in input.calls
	call in data.scriptcore.limits.blocked_calls
	violation := {
		"message": sprintf("call to %s is not allowed", [call]),
		"details": {"call": call},
	}
}`,
	}
}

// parameterCountPolicy bounds the number of named parameters.
func parameterCountPolicy() Policy {
	return Policy{
		Name:        "parameter-count",
		Description: "Rejects scripts bound to too many parameters",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"limits"},
		Rego: `package scriptcore.admission.params

deny contains violation if {
	limit := data.scriptcore.limits.max_params
	limit > 0
	n := count(object.keys(input.params))
	n > limit
	violation := sprintf("%d parameters bound, limit is %d", [n, limit])
}`,
	}
}

// productionCallsPolicy warns about slow calls in production.
func productionCallsPolicy() Policy {
	return Policy{
		Name:        "production-calls",
		Description: "Warns when a production script calls a function flagged for review",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"production"},
		Rego: `package scriptcore.admission.production

deny contains violation if {
	input.environment == "production"
	some call in input.calls
	call in data.scriptcore.limits.production_warn_calls
	violation := sprintf("%s is flagged for review in production", [call])
}`,
	}
}
