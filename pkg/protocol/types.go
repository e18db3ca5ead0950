// Package protocol defines the JSON-lines stream emitted while a script
// executes. Every line is a Message whose data depends on its type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the stream.
type MessageType string

const (
	// MessageTypeStart opens the stream of one execution
	MessageTypeStart MessageType = "START"
	// MessageTypeOutput carries one value emitted by the script
	MessageTypeOutput MessageType = "OUTPUT"
	// MessageTypeVerbose carries a diagnostic line
	MessageTypeVerbose MessageType = "VERBOSE"
	// MessageTypeWarning carries a warning, including deprecation notices
	MessageTypeWarning MessageType = "WARNING"
	// MessageTypeError carries a non-terminating error record
	MessageTypeError MessageType = "ERROR"
	// MessageTypeRetry announces that a failed attempt will be retried
	MessageTypeRetry MessageType = "RETRY"
	// MessageTypeDone closes the stream with the final outcome
	MessageTypeDone MessageType = "DONE"
)

// Message is the envelope of every line.
type Message struct {
	Type      MessageType     `json:"type"`
	Seq       int             `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StartMessage opens an execution.
type StartMessage struct {
	ExecutionID string         `json:"execution_id"`
	Params      map[string]any `json:"params,omitempty"`
}

// OutputMessage carries an emitted value.
type OutputMessage struct {
	ExecutionID string          `json:"execution_id"`
	Value       json.RawMessage `json:"value"`
}

// TextMessage carries a verbose or warning line.
type TextMessage struct {
	ExecutionID string `json:"execution_id"`
	Message     string `json:"message"`
}

// ErrorRecordMessage carries a non-terminating error record.
type ErrorRecordMessage struct {
	ExecutionID   string `json:"execution_id"`
	Message       string `json:"message"`
	ErrorID       string `json:"error_id,omitempty"`
	Category      string `json:"category,omitempty"`
	ExceptionKind string `json:"exception_kind,omitempty"`
}

// RetryMessage announces another attempt.
type RetryMessage struct {
	ExecutionID string  `json:"execution_id"`
	Attempt     int     `json:"attempt"`
	Code        string  `json:"code"`
	Message     string  `json:"message"`
	Delay       float64 `json:"delay"` // seconds
}

// ErrorInfo is the normalized failure of an execution.
type ErrorInfo struct {
	Code       string  `json:"code"`
	Message    string  `json:"message"`
	Transient  bool    `json:"transient"`
	RetryAfter float64 `json:"retry_after,omitempty"` // seconds
}

// DoneMessage closes an execution.
type DoneMessage struct {
	ExecutionID      string     `json:"execution_id"`
	Success          bool       `json:"success"`
	Attempts         int        `json:"attempts"`
	Duration         float64    `json:"duration"` // seconds
	WasCancelled     bool       `json:"was_cancelled"`
	SessionCorrupted bool       `json:"session_corrupted"`
	Error            *ErrorInfo `json:"error,omitempty"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeStart, MessageTypeOutput, MessageTypeVerbose,
		MessageTypeWarning, MessageTypeError, MessageTypeRetry, MessageTypeDone:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks the done message is consistent.
func (d *DoneMessage) Validate() error {
	if d.ExecutionID == "" {
		return fmt.Errorf("execution ID is required")
	}
	if d.Success && d.Error != nil {
		return fmt.Errorf("successful execution cannot carry an error")
	}
	if !d.Success && d.Error == nil {
		return fmt.Errorf("failed execution requires an error")
	}
	return nil
}
