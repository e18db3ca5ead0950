package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/scriptcore/pkg/protocol"
	"github.com/openfroyo/scriptcore/pkg/stores"
	"github.com/openfroyo/scriptcore/pkg/telemetry"
)

// finish reports the outcome to telemetry and the stream.
func (i *Invoker) finish(ctx context.Context, span trace.Span, out *Outcome, log zerolog.Logger) {
	i.tel.Metrics.RecordExecution(out.metricOutcome(), out.Duration)
	i.tel.Metrics.SetQueueDepth(i.engine.Status().QueueDepth)

	span.SetAttributes(
		telemetry.AttrAttempts.Int(out.Attempts),
		telemetry.AttrOutcome.String(string(out.Status)),
		telemetry.AttrSessionCorrupted.Bool(out.SessionCorrupted),
		telemetry.AttrBreakerState.String(i.breaker.State().String()),
	)

	switch {
	case out.Success:
		telemetry.RecordSuccess(span)
		_ = i.tel.Events.PublishExecutionCompleted(out.ExecutionID, out.Attempts, out.Duration)
		log.Info().
			Int("attempts", out.Attempts).
			Dur("duration", out.Duration).
			Msg("Execution succeeded")
	case out.WasCancelled:
		_ = i.tel.Events.PublishExecutionCancelled(out.ExecutionID)
		log.Info().Int("attempts", out.Attempts).Msg("Execution cancelled")
	case out.Error != nil:
		code := string(out.Error.Code)
		i.tel.Metrics.RecordError(code, out.Error.IsTransient)
		span.SetAttributes(
			telemetry.AttrErrorCode.String(code),
			telemetry.AttrErrorTransient.Bool(out.Error.IsTransient),
		)
		if out.Decision != nil && !out.Decision.Allowed {
			span.SetAttributes(telemetry.AttrPolicy.String(out.Decision.Violations[0].Policy))
		}
		telemetry.RecordError(span, out.Error)
		_ = i.tel.Events.PublishExecutionFailed(out.ExecutionID, code, out.Error.Message, out.Attempts)
		log.Warn().
			Str("code", code).
			Bool("transient", out.Error.IsTransient).
			Bool("session_corrupted", out.SessionCorrupted).
			Int("attempts", out.Attempts).
			Msg(out.Error.Message)
	}

	if i.encoder == nil {
		return
	}
	done := &protocol.DoneMessage{
		ExecutionID:      out.ExecutionID,
		Success:          out.Success,
		Attempts:         out.Attempts,
		Duration:         out.Duration.Seconds(),
		WasCancelled:     out.WasCancelled,
		SessionCorrupted: out.SessionCorrupted,
	}
	if !out.Success {
		done.Error = errorInfo(out)
	}
	if err := i.encoder.EncodeDone(done); err != nil {
		log.Warn().Err(err).Msg("Failed to write execution stream")
	} else if err := i.encoder.Err(); err != nil {
		log.Warn().Err(err).Msg("Execution stream lost records")
	}
}

func errorInfo(out *Outcome) *protocol.ErrorInfo {
	if out.Error == nil {
		return &protocol.ErrorInfo{Code: "Cancelled", Message: "execution cancelled"}
	}
	return &protocol.ErrorInfo{
		Code:       string(out.Error.Code),
		Message:    out.Error.Message,
		Transient:  out.Error.IsTransient,
		RetryAfter: out.Error.RetryAfter.Seconds(),
	}
}

// record journals the run. Journal failures are logged and never change
// the outcome.
func (i *Invoker) record(ctx context.Context, out *Outcome, script string, start time.Time, log zerolog.Logger) {
	if i.journal == nil {
		return
	}

	exec := &stores.Execution{
		ID:               out.ExecutionID,
		Script:           script,
		Status:           out.Status,
		Attempts:         out.Attempts,
		SessionCorrupted: out.SessionCorrupted,
		StartedAt:        start,
		CompletedAt:      start.Add(out.Duration),
		Duration:         out.Duration,
		Metadata: map[string]string{
			"breaker": i.breaker.Name(),
		},
	}
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		exec.Metadata["trace_id"] = traceID
	}
	if out.Error != nil {
		exec.ErrorCode = string(out.Error.Code)
		exec.ErrorMessage = out.Error.Message
		exec.Transient = out.Error.IsTransient
	}

	var records []stores.Record
	if res := out.Result; res != nil {
		exec.OutputCount = len(res.Output)
		exec.ErrorCount = len(res.Errors)
		exec.WarningCount = len(res.Warnings)
		records = resultRecords(out)
	}

	// a cancelled run is still journaled
	ctx = context.WithoutCancel(ctx)
	if err := i.journal.RecordExecution(ctx, exec, records); err != nil {
		log.Error().Err(err).Msg("Failed to journal execution")
	}
}

// resultRecords flattens the last attempt's streams, grouped by stream.
func resultRecords(out *Outcome) []stores.Record {
	res := out.Result
	records := make([]stores.Record, 0, len(res.Output)+len(res.Verbose)+len(res.Warnings)+len(res.Errors))
	add := func(kind stores.RecordKind, v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			payload, _ = json.Marshal(fmt.Sprint(v))
		}
		records = append(records, stores.Record{Seq: len(records) + 1, Kind: kind, Payload: string(payload)})
	}

	for _, v := range res.Output {
		add(stores.RecordKindOutput, v)
	}
	for _, msg := range res.Verbose {
		add(stores.RecordKindVerbose, msg)
	}
	for _, msg := range res.Warnings {
		add(stores.RecordKindWarning, msg)
	}
	for _, rec := range res.Errors {
		add(stores.RecordKindError, rec)
	}
	return records
}
