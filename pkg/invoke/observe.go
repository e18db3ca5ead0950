package invoke

import (
	"github.com/openfroyo/scriptcore/pkg/circuit"
	"github.com/openfroyo/scriptcore/pkg/session"
	"github.com/openfroyo/scriptcore/pkg/telemetry"
)

// BreakerObserver forwards breaker transitions to metrics and events.
func BreakerObserver(tel *telemetry.Telemetry) circuit.Observer {
	return func(c circuit.StateChange) error {
		from, to := c.Previous.String(), c.State.String()
		tel.Metrics.RecordCircuitTransition(c.Breaker, from, to)
		return tel.Events.PublishCircuitChanged(c.Breaker, from, to, c.Reason)
	}
}

// SessionObserver forwards session lifecycle transitions to metrics and
// events. Pass it to session.WithStateObserver; it never blocks.
func SessionObserver(tel *telemetry.Telemetry) func(session.StateChange) {
	return func(c session.StateChange) {
		switch c.Reason {
		case session.ReasonRecovered:
			tel.Metrics.RecordRecovery(true)
		case session.ReasonRecoveryFailed:
			tel.Metrics.RecordRecovery(false)
		}
		_ = tel.Events.PublishSessionChanged(c.Previous.String(), c.State.String(), c.Reason)
	}
}
