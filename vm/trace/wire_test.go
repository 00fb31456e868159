package trace

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

func TestRecord_CBORRoundTrip(t *testing.T) {
	r := &Record{
		Seq:      7,
		TimeNano: 1700000000000000000,
		Event:    "call",
		Process:  1,
		Class:    "SmallInteger",
		Selector: "fib:",
		Line:     12,
		Path:     "demo/fib.em",
		Detail:   "55",
	}

	data, err := MarshalRecord(r)
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}

	got, err := UnmarshalRecord(data)
	if err != nil {
		t.Fatalf("UnmarshalRecord: %v", err)
	}

	if got.Seq != r.Seq {
		t.Errorf("Seq: got %d, want %d", got.Seq, r.Seq)
	}
	if got.TimeNano != r.TimeNano {
		t.Error("TimeNano mismatch")
	}
	if got.Event != r.Event {
		t.Errorf("Event: got %q, want %q", got.Event, r.Event)
	}
	if got.Process != r.Process {
		t.Errorf("Process: got %d, want %d", got.Process, r.Process)
	}
	if got.Class != r.Class {
		t.Errorf("Class: got %q, want %q", got.Class, r.Class)
	}
	if got.Selector != r.Selector {
		t.Errorf("Selector: got %q, want %q", got.Selector, r.Selector)
	}
	if got.Line != r.Line {
		t.Errorf("Line: got %d, want %d", got.Line, r.Line)
	}
	if got.Path != r.Path {
		t.Errorf("Path: got %q, want %q", got.Path, r.Path)
	}
	if got.Detail != r.Detail {
		t.Errorf("Detail: got %q, want %q", got.Detail, r.Detail)
	}
}

func TestRecord_OmitsEmptyFields(t *testing.T) {
	full, err := MarshalRecord(&Record{Seq: 1, Event: "line", Class: "Object", Selector: "run", Path: "p"})
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}
	bare, err := MarshalRecord(&Record{Seq: 1, Event: "line"})
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}
	if len(bare) >= len(full) {
		t.Errorf("bare record encoding not smaller: %d >= %d", len(bare), len(full))
	}
}

func TestUnmarshalRecord_InvalidData(t *testing.T) {
	_, err := UnmarshalRecord([]byte("not cbor"))
	if err == nil {
		t.Error("UnmarshalRecord should fail on invalid data")
	}
}

func TestWriterReader_Sequence(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	for i := 1; i <= 3; i++ {
		rec := &Record{Seq: uint64(i), Event: "call", Process: 1}
		if err := w.Write(rec); err != nil {
			t.Fatalf("Write record %d: %v", i, err)
		}
	}

	r := NewReader(&buf)
	for i := 1; i <= 3; i++ {
		rec, err := r.Read()
		if err != nil {
			t.Fatalf("Read record %d: %v", i, err)
		}
		if rec.Seq != uint64(i) {
			t.Errorf("record %d: Seq = %d, want %d", i, rec.Seq, i)
		}
	}

	if _, err := r.Read(); err != io.EOF {
		t.Errorf("Read past end = %v, want io.EOF", err)
	}
}

func TestCBORSink_WritesThroughBufferedWriter(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	sink := NewCBORSink(bw)

	if err := sink.Write(&Record{Seq: 1, Event: "call"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rec, err := NewReader(&buf).Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Event != "call" {
		t.Errorf("Event = %q, want %q", rec.Event, "call")
	}
}
