package protocol

import (
	"errors"
	"fmt"
	"io"
)

// Transcript is a decoded execution stream.
type Transcript struct {
	Start    *StartMessage
	Outputs  []OutputMessage
	Verbose  []string
	Warnings []string
	Errors   []ErrorRecordMessage
	Retries  []RetryMessage
	Done     *DoneMessage
}

// Complete reports whether the stream was closed by a DONE message.
func (t *Transcript) Complete() bool {
	return t.Done != nil
}

// ReadTranscript decodes a whole stream. Sequence numbers must increase;
// a gap or reordering is an error.
func ReadTranscript(r io.Reader) (*Transcript, error) {
	dec := NewDecoder(r)
	t := &Transcript{}
	lastSeq := 0

	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return t, nil
		}
		if err != nil {
			return t, err
		}
		if err := checkSeq(msg, &lastSeq); err != nil {
			return t, err
		}
		if t.Done != nil {
			return t, fmt.Errorf("%s message after DONE", msg.Type)
		}

		if err := t.add(msg); err != nil {
			return t, err
		}
	}
}

// ReadTranscripts decodes a stream carrying several executions back to
// back, as written by one Encoder shared across runs. Each START begins a
// new transcript. The last transcript may be incomplete.
func ReadTranscripts(r io.Reader) ([]*Transcript, error) {
	dec := NewDecoder(r)
	var out []*Transcript
	var cur *Transcript
	lastSeq := 0

	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if err := checkSeq(msg, &lastSeq); err != nil {
			return out, err
		}

		switch {
		case msg.Type == MessageTypeStart:
			if cur != nil && cur.Done == nil {
				return out, fmt.Errorf("START message before DONE of %s", cur.executionID())
			}
			cur = &Transcript{}
			out = append(out, cur)
		case cur == nil:
			return out, fmt.Errorf("%s message before START", msg.Type)
		case cur.Done != nil:
			return out, fmt.Errorf("%s message after DONE", msg.Type)
		}

		if err := cur.add(msg); err != nil {
			return out, err
		}
	}
}

func checkSeq(msg *Message, lastSeq *int) error {
	if msg.Seq <= *lastSeq {
		return fmt.Errorf("message %d out of order after %d", msg.Seq, *lastSeq)
	}
	*lastSeq = msg.Seq
	return nil
}

func (t *Transcript) executionID() string {
	if t.Start != nil {
		return t.Start.ExecutionID
	}
	return "unknown execution"
}

func (t *Transcript) add(msg *Message) error {
	switch msg.Type {
	case MessageTypeStart:
		var m StartMessage
		if err := ParseData(msg, &m); err != nil {
			return err
		}
		t.Start = &m
	case MessageTypeOutput:
		var m OutputMessage
		if err := ParseData(msg, &m); err != nil {
			return err
		}
		t.Outputs = append(t.Outputs, m)
	case MessageTypeVerbose, MessageTypeWarning:
		var m TextMessage
		if err := ParseData(msg, &m); err != nil {
			return err
		}
		if msg.Type == MessageTypeVerbose {
			t.Verbose = append(t.Verbose, m.Message)
		} else {
			t.Warnings = append(t.Warnings, m.Message)
		}
	case MessageTypeError:
		var m ErrorRecordMessage
		if err := ParseData(msg, &m); err != nil {
			return err
		}
		t.Errors = append(t.Errors, m)
	case MessageTypeRetry:
		var m RetryMessage
		if err := ParseData(msg, &m); err != nil {
			return err
		}
		t.Retries = append(t.Retries, m)
	case MessageTypeDone:
		var m DoneMessage
		if err := ParseData(msg, &m); err != nil {
			return err
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("invalid done message: %w", err)
		}
		t.Done = &m
	}
	return nil
}
