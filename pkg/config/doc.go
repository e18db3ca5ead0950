// Package config loads the scriptcore configuration file.
//
// The file is YAML with one section per component:
//
//	telemetry:
//	  environment: production
//	  logging:
//	    level: info
//	engine:
//	  required_module: exchange
//	  failure_threshold: 3
//	  host:
//	    capabilities: [env:read]
//	retry:
//	  max_retries: 3
//	  base_delay: 1s
//	  max_delay: 30s
//	breaker:
//	  name: exchange
//	  open_duration: 30s
//	journal:
//	  enabled: true
//	  path: /var/lib/scriptcore/journal.db
//	policy:
//	  paths: [/etc/scriptcore/policies]
//	  limits:
//	    blocked_calls: [exchange.remove_mailbox]
//
// Values omitted from the file keep their defaults. ${VAR} references are
// expanded from the environment before decoding, and SCRIPTCORE_* variables
// (for example SCRIPTCORE_LOG_LEVEL or SCRIPTCORE_JOURNAL_PATH) override the
// decoded values. LoadDotEnv populates the environment from .env files
// first. The result is validated with struct tags.
//
// Converters such as RetryOptions and BreakerOptions hand each section to
// the package that consumes it. Watch hot-reloads the file.
package config
