// Package telemetry provides observability for scriptcore: structured
// logging with zerolog, tracing with OpenTelemetry, Prometheus metrics and
// an in-process event publisher.
//
// Initialize telemetry at startup and hand the pieces to the components
// that need them:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.Zerolog().With().Str("component", "invoker").Logger()
//	ctx, span := tel.Tracer.StartExecutionSpan(ctx, id, "exchange")
//	defer span.End()
//	tel.Metrics.RecordExecution(telemetry.OutcomeSuccess, elapsed)
//	_ = tel.Events.PublishExecutionCompleted(id, attempts, elapsed)
//
// Metrics live in a dedicated registry rather than the global default, so
// several instances can coexist in one process and in tests. Every Record
// method is a no-op when metrics are disabled.
package telemetry
