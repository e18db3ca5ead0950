package stores

import (
	"context"
	"time"
)

// ExecutionStatus represents how an execution ended
type ExecutionStatus string

const (
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusRejected  ExecutionStatus = "rejected"
	ExecutionStatusDenied    ExecutionStatus = "denied"
)

// RecordKind identifies a streamed record
type RecordKind string

const (
	RecordKindOutput  RecordKind = "output"
	RecordKindVerbose RecordKind = "verbose"
	RecordKindWarning RecordKind = "warning"
	RecordKindError   RecordKind = "error"
)

// Execution is one journaled script execution
type Execution struct {
	ID               string            `json:"id"`
	ScriptDigest     string            `json:"script_digest"`
	Script           string            `json:"script"`
	ScriptSize       int               `json:"script_size"`
	Status           ExecutionStatus   `json:"status"`
	Attempts         int               `json:"attempts"`
	ErrorCode        string            `json:"error_code,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	Transient        bool              `json:"transient"`
	SessionCorrupted bool              `json:"session_corrupted"`
	OutputCount      int               `json:"output_count"`
	ErrorCount       int               `json:"error_count"`
	WarningCount     int               `json:"warning_count"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      time.Time         `json:"completed_at"`
	Duration         time.Duration     `json:"duration"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Record is one streamed record of an execution, ordered by Seq
type Record struct {
	Seq     int        `json:"seq"`
	Kind    RecordKind `json:"kind"`
	Payload string     `json:"payload"` // JSON value
}

// ExecutionFilter narrows ListExecutions
type ExecutionFilter struct {
	Status       ExecutionStatus
	ScriptDigest string
	Since        time.Time
	Limit        int
	Offset       int
}

// Journal persists execution history
type Journal interface {
	// RecordExecution stores an execution and its records atomically
	RecordExecution(ctx context.Context, exec *Execution, records []Record) error

	// GetExecution retrieves an execution by ID
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions lists executions, newest first
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// GetRecords returns the streamed records of an execution
	GetRecords(ctx context.Context, executionID string) ([]Record, error)

	// Prune deletes executions started before the cutoff
	Prune(ctx context.Context, before time.Time) (int64, error)

	// HealthCheck verifies the store is reachable
	HealthCheck(ctx context.Context) error

	// Close releases the store
	Close() error
}
