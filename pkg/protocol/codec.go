package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openfroyo/scriptcore/pkg/session"
)

// Encoder writes protocol messages to an io.Writer. It is safe for
// concurrent use; messages are numbered in the order they are written.
type Encoder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	seq int
	now func() time.Time
	err error
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   bufio.NewWriter(w),
		now: time.Now,
	}
}

// WithClock replaces the timestamp source.
func (e *Encoder) WithClock(now func() time.Time) *Encoder {
	e.now = now
	return e
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, data any) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	if data != nil {
		var err error
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	msg := Message{
		Type:      msgType,
		Seq:       e.seq,
		Timestamp: e.now().UTC(),
		Data:      dataBytes,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := e.w.Write(msgBytes); err != nil {
		return e.fail(fmt.Errorf("failed to write message: %w", err))
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return e.fail(fmt.Errorf("failed to write newline: %w", err))
	}
	if err := e.w.Flush(); err != nil {
		return e.fail(fmt.Errorf("failed to flush: %w", err))
	}

	return nil
}

func (e *Encoder) fail(err error) error {
	if e.err == nil {
		e.err = err
	}
	return err
}

// Err returns the first write error, including errors from stream
// callbacks that could not report one.
func (e *Encoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// EncodeStart sends a START message.
func (e *Encoder) EncodeStart(start *StartMessage) error {
	return e.Encode(MessageTypeStart, start)
}

// EncodeOutput sends an OUTPUT message.
func (e *Encoder) EncodeOutput(executionID string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprint(value))
	}
	return e.Encode(MessageTypeOutput, &OutputMessage{ExecutionID: executionID, Value: raw})
}

// EncodeVerbose sends a VERBOSE message.
func (e *Encoder) EncodeVerbose(executionID, message string) error {
	return e.Encode(MessageTypeVerbose, &TextMessage{ExecutionID: executionID, Message: message})
}

// EncodeWarning sends a WARNING message.
func (e *Encoder) EncodeWarning(executionID, message string) error {
	return e.Encode(MessageTypeWarning, &TextMessage{ExecutionID: executionID, Message: message})
}

// EncodeErrorRecord sends an ERROR message.
func (e *Encoder) EncodeErrorRecord(executionID string, rec session.ErrorRecord) error {
	return e.Encode(MessageTypeError, &ErrorRecordMessage{
		ExecutionID:   executionID,
		Message:       rec.Message,
		ErrorID:       rec.ErrorID,
		Category:      string(rec.Category),
		ExceptionKind: rec.ExceptionKind,
	})
}

// EncodeRetry sends a RETRY message.
func (e *Encoder) EncodeRetry(retry *RetryMessage) error {
	return e.Encode(MessageTypeRetry, retry)
}

// EncodeDone sends a DONE message.
func (e *Encoder) EncodeDone(done *DoneMessage) error {
	if err := done.Validate(); err != nil {
		return fmt.Errorf("invalid done message: %w", err)
	}
	return e.Encode(MessageTypeDone, done)
}

// StreamOptions returns execution options that forward every streamed
// record of an execution to the encoder as it is produced.
func (e *Encoder) StreamOptions(executionID string) []session.ExecOption {
	return []session.ExecOption{
		session.OnOutput(func(v any) { _ = e.EncodeOutput(executionID, v) }),
		session.OnVerbose(func(msg string) { _ = e.EncodeVerbose(executionID, msg) }),
		session.OnWarning(func(msg string) { _ = e.EncodeWarning(executionID, msg) }),
		session.OnError(func(rec session.ErrorRecord) { _ = e.EncodeErrorRecord(executionID, rec) }),
	}
}

// Decoder reads protocol messages from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// emitted values can be large
	const maxCapacity = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next message from the input stream. It returns io.EOF
// at the end of the stream.
func (d *Decoder) Decode() (*Message, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return &msg, nil
}

// ParseData parses message data into a specific type.
func ParseData(msg *Message, target any) error {
	if err := json.Unmarshal(msg.Data, target); err != nil {
		return fmt.Errorf("failed to parse %s data: %w", msg.Type, err)
	}
	return nil
}
