package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/scriptcore/pkg/session"
)

var fixedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEncoder(buf *bytes.Buffer) *Encoder {
	return NewEncoder(buf).WithClock(func() time.Time { return fixedTime })
}

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    any
		wantErr bool
	}{
		{
			name:    "encode start message",
			msgType: MessageTypeStart,
			data:    &StartMessage{ExecutionID: "exec-1", Params: map[string]any{"name": "bob"}},
		},
		{
			name:    "encode verbose message",
			msgType: MessageTypeVerbose,
			data:    &TextMessage{ExecutionID: "exec-1", Message: "connecting"},
		},
		{
			name:    "encode retry message",
			msgType: MessageTypeRetry,
			data:    &RetryMessage{ExecutionID: "exec-1", Attempt: 1, Code: "Timeout", Delay: 1.5},
		},
		{
			name:    "encode nil data",
			msgType: MessageTypeWarning,
			data:    nil,
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			data:    nil,
			wantErr: true,
		},
		{
			name:    "unmarshalable data",
			msgType: MessageTypeOutput,
			data:    make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := newTestEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if buf.Len() != 0 {
					t.Errorf("nothing should be written on error, got %q", buf.String())
				}
				return
			}

			output := buf.String()
			if !strings.HasSuffix(output, "\n") || strings.Count(output, "\n") != 1 {
				t.Errorf("expected exactly one line, got %q", output)
			}

			var msg Message
			if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &msg); err != nil {
				t.Fatalf("failed to unmarshal output: %v", err)
			}
			if msg.Type != tt.msgType || msg.Seq != 1 || !msg.Timestamp.Equal(fixedTime) {
				t.Errorf("unexpected envelope %+v", msg)
			}
		})
	}
}

func TestEncodeDoneValidates(t *testing.T) {
	var buf bytes.Buffer
	enc := newTestEncoder(&buf)

	tests := []struct {
		name    string
		done    *DoneMessage
		wantErr bool
	}{
		{"success", &DoneMessage{ExecutionID: "1", Success: true, Attempts: 1}, false},
		{"failure", &DoneMessage{ExecutionID: "1", Error: &ErrorInfo{Code: "Timeout", Transient: true}}, false},
		{"missing id", &DoneMessage{Success: true}, true},
		{"success with error", &DoneMessage{ExecutionID: "1", Success: true, Error: &ErrorInfo{}}, true},
		{"failure without error", &DoneMessage{ExecutionID: "1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := enc.EncodeDone(tt.done); (err != nil) != tt.wantErr {
				t.Errorf("EncodeDone() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := newTestEncoder(&buf)

	steps := []func() error{
		func() error { return enc.EncodeStart(&StartMessage{ExecutionID: "exec-1"}) },
		func() error { return enc.EncodeVerbose("exec-1", "starting") },
		func() error { return enc.EncodeOutput("exec-1", map[string]any{"name": "bob"}) },
		func() error { return enc.EncodeWarning("exec-1", "deprecated parameter") },
		func() error {
			return enc.EncodeErrorRecord("exec-1", session.ErrorRecord{Message: "not found", ErrorID: "ObjectNotFound"})
		},
		func() error {
			return enc.EncodeRetry(&RetryMessage{ExecutionID: "exec-1", Attempt: 1, Code: "Timeout", Delay: 0.5})
		},
		func() error { return enc.EncodeDone(&DoneMessage{ExecutionID: "exec-1", Success: true, Attempts: 2}) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	tr, err := ReadTranscript(&buf)
	if err != nil {
		t.Fatalf("ReadTranscript failed: %v", err)
	}
	if !tr.Complete() || tr.Start == nil || tr.Start.ExecutionID != "exec-1" {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	if len(tr.Outputs) != 1 || string(tr.Outputs[0].Value) != `{"name":"bob"}` {
		t.Errorf("unexpected outputs %+v", tr.Outputs)
	}
	if len(tr.Verbose) != 1 || len(tr.Warnings) != 1 || len(tr.Errors) != 1 || len(tr.Retries) != 1 {
		t.Errorf("unexpected streams %+v", tr)
	}
	if tr.Errors[0].ErrorID != "ObjectNotFound" || tr.Done.Attempts != 2 {
		t.Errorf("unexpected details %+v %+v", tr.Errors[0], tr.Done)
	}
}

func TestReadTranscriptErrors(t *testing.T) {
	line := func(typ MessageType, seq int, data string) string {
		return `{"type":"` + string(typ) + `","seq":` + string(rune('0'+seq)) + `,"timestamp":"2024-03-01T12:00:00Z","data":` + data + "}\n"
	}

	tests := []struct {
		name  string
		input string
	}{
		{"out of order", line(MessageTypeVerbose, 2, `{"message":"a"}`) + line(MessageTypeVerbose, 1, `{"message":"b"}`)},
		{"after done", line(MessageTypeDone, 1, `{"execution_id":"1","success":true}`) + line(MessageTypeVerbose, 2, `{"message":"late"}`)},
		{"invalid done", line(MessageTypeDone, 1, `{"execution_id":"1","success":false}`)},
		{"bad type", line(MessageType("NOPE"), 1, `{}`)},
		{"bad json", "{not json}\n"},
		{"empty line", "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadTranscript(strings.NewReader(tt.input)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReadTranscripts(t *testing.T) {
	var buf bytes.Buffer
	enc := newTestEncoder(&buf)

	for _, id := range []string{"exec-1", "exec-2"} {
		if err := enc.EncodeStart(&StartMessage{ExecutionID: id}); err != nil {
			t.Fatal(err)
		}
		if err := enc.EncodeOutput(id, id); err != nil {
			t.Fatal(err)
		}
		if err := enc.EncodeDone(&DoneMessage{ExecutionID: id, Success: true, Attempts: 1}); err != nil {
			t.Fatal(err)
		}
	}
	_ = enc.EncodeStart(&StartMessage{ExecutionID: "exec-3"})

	trs, err := ReadTranscripts(&buf)
	if err != nil {
		t.Fatalf("ReadTranscripts failed: %v", err)
	}
	if len(trs) != 3 {
		t.Fatalf("expected 3 transcripts, got %d", len(trs))
	}
	for i, id := range []string{"exec-1", "exec-2"} {
		if !trs[i].Complete() || trs[i].Start.ExecutionID != id || string(trs[i].Outputs[0].Value) != `"`+id+`"` {
			t.Errorf("transcript %d = %+v", i, trs[i])
		}
	}
	if trs[2].Complete() {
		t.Error("trailing run should be incomplete")
	}

	interleaved := `{"type":"START","seq":1,"timestamp":"2024-03-01T12:00:00Z","data":{"execution_id":"a"}}
{"type":"START","seq":2,"timestamp":"2024-03-01T12:00:00Z","data":{"execution_id":"b"}}
`
	if _, err := ReadTranscripts(strings.NewReader(interleaved)); err == nil {
		t.Error("expected error for START before DONE")
	}
	orphan := `{"type":"VERBOSE","seq":1,"timestamp":"2024-03-01T12:00:00Z","data":{"message":"x"}}
`
	if _, err := ReadTranscripts(strings.NewReader(orphan)); err == nil {
		t.Error("expected error for message before START")
	}
}

func TestDecoderEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}

	tr, err := ReadTranscript(strings.NewReader(""))
	if err != nil || tr.Complete() {
		t.Fatalf("empty stream should decode to an incomplete transcript: %v", err)
	}
}

func TestEncoderConcurrentUse(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = enc.EncodeVerbose("exec-1", "line")
			}
		}()
	}
	wg.Wait()

	tr, err := ReadTranscript(&buf)
	if err != nil {
		t.Fatalf("concurrent writes produced a broken stream: %v", err)
	}
	if len(tr.Verbose) != 200 {
		t.Errorf("expected 200 lines, got %d", len(tr.Verbose))
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestEncoderRemembersWriteError(t *testing.T) {
	enc := NewEncoder(failingWriter{})

	opts := enc.StreamOptions("exec-1")
	if len(opts) != 4 {
		t.Fatalf("expected 4 stream options, got %d", len(opts))
	}
	if err := enc.EncodeVerbose("exec-1", "x"); err == nil {
		t.Fatal("expected write error")
	}
	if enc.Err() == nil || !strings.Contains(enc.Err().Error(), "disk full") {
		t.Errorf("Err() = %v", enc.Err())
	}
}
