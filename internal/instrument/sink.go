// Package instrument receives timing samples of proxied requests.
//
// The proxy samples a fraction of its traffic and, once the response of a
// sampled request has been flushed to the client, emits one Record through a
// Sink. Where records end up is the sink's business: a CSV file compatible
// with existing analysis scripts, a CBOR stream, or nowhere at all.
package instrument

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// CSVHeader is the first line written by a CSVSink.
const CSVHeader = "t_total,t_queue,t_mcd,flag,op_type"

// Record is the timing sample of one request.
type Record struct {
	Total   time.Duration `cbor:"1,keyasint"` // accept to response flushed
	Queue   time.Duration `cbor:"2,keyasint"` // waiting in the shard queue
	Backend time.Duration `cbor:"3,keyasint"` // backend round trip
	Success bool          `cbor:"4,keyasint"`
	Op      string        `cbor:"5,keyasint"` // "get" or "set"
}

// Sink consumes records. Implementations must be safe for concurrent use.
type Sink interface {
	// Emit records one sample. It must not block for long: the proxy calls
	// it from a client connection's writer.
	Emit(r Record)
	// Close flushes pending records and releases the destination.
	Close() error
}

// NopSink discards every record.
type NopSink struct{}

// Emit drops r.
func (NopSink) Emit(Record) {}

// Close does nothing.
func (NopSink) Close() error { return nil }

// CSVSink writes one line per record with durations in microseconds.
type CSVSink struct {
	mu     sync.Mutex
	w      *bufio.Writer // buffered destination
	closer io.Closer     // underlying file, if closable
	failed bool          // a write error was already logged
}

// NewCSVSink writes the header and returns a sink writing to w. If w is an
// io.Closer it is closed by Close.
func NewCSVSink(w io.Writer) (*CSVSink, error) {
	s := &CSVSink{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	if _, err := fmt.Fprintln(s.w, CSVHeader); err != nil {
		return nil, err
	}
	return s, nil
}

// Emit appends one CSV line for r. Write errors are logged once; later
// records keep being attempted.
func (s *CSVSink) Emit(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := fmt.Fprintf(s.w, "%d,%d,%d,%t,%s\n",
		r.Total.Microseconds(), r.Queue.Microseconds(), r.Backend.Microseconds(), r.Success, r.Op)
	if err != nil && !s.failed {
		s.failed = true
		log.Printf("Failed to write instrumentation record: %v", err)
	}
}

// Flush writes buffered records to the underlying writer.
func (s *CSVSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Close flushes buffered records and closes the underlying writer.
func (s *CSVSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// CBORSink writes a stream of CBOR-encoded records.
type CBORSink struct {
	mu     sync.Mutex
	w      *bufio.Writer // buffered destination
	enc    *cbor.Encoder // encodes into w
	closer io.Closer     // underlying file, if closable
	failed bool          // an encode error was already logged
}

// NewCBORSink returns a sink encoding records to w. If w is an io.Closer it
// is closed by Close.
func NewCBORSink(w io.Writer) (*CBORSink, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(w)
	s := &CBORSink{w: bw, enc: em.NewEncoder(bw)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// Emit encodes r onto the stream. Encode errors are logged once.
func (s *CBORSink) Emit(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(r); err != nil && !s.failed {
		s.failed = true
		log.Printf("Failed to encode instrumentation record: %v", err)
	}
}

// Flush writes buffered records to the underlying writer.
func (s *CBORSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Close flushes buffered records and closes the underlying writer.
func (s *CBORSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// ReadCBOR decodes every record of a CBOR stream.
func ReadCBOR(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)
	var records []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return records, err
		}
		records = append(records, rec)
	}
}

// Open creates a sink for format ("csv" or "cbor") writing to path. An empty
// path yields a NopSink.
func Open(format, path string) (Sink, error) {
	if path == "" {
		return NopSink{}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation file: %w", err)
	}

	var sink Sink
	switch format {
	case "", "csv":
		sink, err = NewCSVSink(f)
	case "cbor":
		sink, err = NewCBORSink(f)
	default:
		err = fmt.Errorf("unknown instrumentation format: %s", format)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return sink, nil
}
