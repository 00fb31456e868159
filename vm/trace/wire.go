// Package trace records VM events to durable sinks. A Recorder
// subscribes to the hook registry, flattens each event into a Record,
// and hands it to a sink: SQLite for queryable traces, CBOR sequences
// for compact streamable ones.
package trace

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode is the canonical encoding mode for deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Record is one flattened trace event.
type Record struct {
	Seq      uint64 `cbor:"1,keyasint"`
	TimeNano int64  `cbor:"2,keyasint"`
	Event    string `cbor:"3,keyasint"`
	Process  int64  `cbor:"4,keyasint"`
	Class    string `cbor:"5,keyasint,omitempty"`
	Selector string `cbor:"6,keyasint,omitempty"`
	Line     int    `cbor:"7,keyasint,omitempty"`
	Path     string `cbor:"8,keyasint,omitempty"`
	Detail   string `cbor:"9,keyasint,omitempty"` // return value, error, or allocated object
}

// MarshalRecord serializes a Record to CBOR bytes.
func MarshalRecord(r *Record) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalRecord deserializes a Record from CBOR bytes.
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("trace: unmarshal record: %w", err)
	}
	return &r, nil
}

// Writer emits Records as a CBOR sequence.
type Writer struct {
	enc *cbor.Encoder
}

// NewWriter creates a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: cborEncMode.NewEncoder(w)}
}

// Write appends one record to the sequence.
func (w *Writer) Write(r *Record) error {
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("trace: write record: %w", err)
	}
	return nil
}

// Reader decodes a CBOR record sequence.
type Reader struct {
	dec *cbor.Decoder
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(r)}
}

// Read decodes the next record. Returns io.EOF at the end of the
// sequence.
func (r *Reader) Read() (*Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("trace: read record: %w", err)
	}
	return &rec, nil
}

// CBORSink streams records through a Writer. When the destination
// implements Flush (a bufio.Writer does), Flush delegates to it.
type CBORSink struct {
	w   *Writer
	dst io.Writer
}

// NewCBORSink creates a sink writing a CBOR sequence to dst.
func NewCBORSink(dst io.Writer) *CBORSink {
	return &CBORSink{w: NewWriter(dst), dst: dst}
}

// Write appends one record.
func (s *CBORSink) Write(r *Record) error { return s.w.Write(r) }

// Flush flushes the destination when it supports flushing.
func (s *CBORSink) Flush() error {
	if f, ok := s.dst.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Close flushes and closes the destination when it is a Closer.
func (s *CBORSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if c, ok := s.dst.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("trace: close stream: %w", err)
		}
	}
	return nil
}
