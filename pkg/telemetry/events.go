package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is a structured notification about executions, breakers and the
// session.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Breaker     string         `json:"breaker,omitempty"`
	Message     string         `json:"message"`
	Level       string         `json:"level"`
	Data        map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeExecutionStarted   = "execution.started"
	EventTypeExecutionCompleted = "execution.completed"
	EventTypeExecutionFailed    = "execution.failed"
	EventTypeExecutionCancelled = "execution.cancelled"
	EventTypeRetryScheduled     = "retry.scheduled"
	EventTypeCircuitChanged     = "circuit.state_changed"
	EventTypeSessionChanged     = "session.state_changed"
	EventTypePolicyViolation    = "policy.violation"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrEventBufferFull is returned when an async publisher drops an event.
var ErrEventBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode events are
// queued and delivered from one goroutine in publish order.
type EventPublisher struct {
	config      EventsConfig
	logger      zerolog.Logger
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given
// configuration.
func NewEventPublisher(cfg EventsConfig, logger zerolog.Logger) (*EventPublisher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		logger: logger.With().Str("component", "events").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	if !cfg.Enabled {
		return ep, nil
	}
	if cfg.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. Without subscribers it
// does nothing.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.mu.RLock()
	idle := len(ep.subscribers) == 0
	ep.mu.RUnlock()
	if idle {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.buffer == nil {
		ep.deliverEvent(event)
		return nil
	}

	if ep.ctx.Err() != nil {
		return fmt.Errorf("event publisher stopped")
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		ep.logger.Warn().Str("type", event.Type).Msg("Event buffer full, dropping event")
		return ErrEventBufferFull
	}
}

// PublishExecutionStarted publishes an execution started event.
func (ep *EventPublisher) PublishExecutionStarted(executionID string) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionStarted,
		Source:      "invoker",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s started", executionID),
		Level:       EventLevelInfo,
	})
}

// PublishExecutionCompleted publishes an execution completed event.
func (ep *EventPublisher) PublishExecutionCompleted(executionID string, attempts int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionCompleted,
		Source:      "invoker",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s completed after %d attempt(s)", executionID, attempts),
		Level:       EventLevelInfo,
		Data: map[string]any{
			"attempts": attempts,
			"duration": duration.Seconds(),
		},
	})
}

// PublishExecutionFailed publishes an execution failed event.
func (ep *EventPublisher) PublishExecutionFailed(executionID, code, reason string, attempts int) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionFailed,
		Source:      "invoker",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s failed: %s", executionID, reason),
		Level:       EventLevelError,
		Data: map[string]any{
			"code":     code,
			"attempts": attempts,
		},
	})
}

// PublishExecutionCancelled publishes an execution cancelled event.
func (ep *EventPublisher) PublishExecutionCancelled(executionID string) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionCancelled,
		Source:      "invoker",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s cancelled", executionID),
		Level:       EventLevelWarning,
	})
}

// PublishRetryScheduled publishes a retry event.
func (ep *EventPublisher) PublishRetryScheduled(executionID, code string, attempt int, delay time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeRetryScheduled,
		Source:      "retry",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Attempt %d failed with %s, retrying in %s", attempt, code, delay),
		Level:       EventLevelWarning,
		Data: map[string]any{
			"attempt": attempt,
			"code":    code,
			"delay":   delay.Seconds(),
		},
	})
}

// PublishCircuitChanged publishes a breaker transition event.
func (ep *EventPublisher) PublishCircuitChanged(breaker, from, to, reason string) error {
	level := EventLevelInfo
	if to == "open" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeCircuitChanged,
		Source:  "circuit",
		Breaker: breaker,
		Message: fmt.Sprintf("Circuit %s changed from %s to %s", breaker, from, to),
		Level:   level,
		Data: map[string]any{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishSessionChanged publishes a session lifecycle event.
func (ep *EventPublisher) PublishSessionChanged(from, to, reason string) error {
	level := EventLevelInfo
	if to == "broken" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeSessionChanged,
		Source:  "session",
		Message: fmt.Sprintf("Session changed from %s to %s: %s", from, to, reason),
		Level:   level,
		Data: map[string]any{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishPolicyViolation publishes an admission denial event.
func (ep *EventPublisher) PublishPolicyViolation(executionID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypePolicyViolation,
		Source:      "policy",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Policy %s denied execution %s: %s", policyName, executionID, reason),
		Level:       EventLevelError,
		Data: map[string]any{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	subscribers := make([]subscriberEntry, len(ep.subscribers))
	copy(subscribers, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		ep.invoke(entry.subscriber, event)
	}
}

func (ep *EventPublisher) invoke(subscriber EventSubscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			ep.logger.Error().Interface("panic", r).Str("type", event.Type).Msg("Event subscriber panicked")
		}
	}()
	subscriber(event)
}

// Shutdown stops the publisher after delivering queued events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
