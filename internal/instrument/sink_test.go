package instrument

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVSink(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewCSVSink(&buf)
	require.NoError(t, err)

	sink.Emit(Record{
		Total:   1500 * time.Microsecond,
		Queue:   20 * time.Microsecond,
		Backend: 900 * time.Microsecond,
		Success: true,
		Op:      "get",
	})
	sink.Emit(Record{Total: 3 * time.Millisecond, Op: "set"})
	require.NoError(t, sink.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, CSVHeader, lines[0])
	assert.Equal(t, "1500,20,900,true,get", lines[1])
	assert.Equal(t, "3000,0,0,false,set", lines[2])
}

func TestCSVSinkConcurrentEmit(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewCSVSink(&buf)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sink.Emit(Record{Op: "get", Success: true})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, sink.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 801)
	for _, line := range lines[1:] {
		assert.Equal(t, "0,0,0,true,get", line)
	}
}

func TestCBORSinkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewCBORSink(&buf)
	require.NoError(t, err)

	want := []Record{
		{Total: time.Millisecond, Queue: time.Microsecond, Backend: 500 * time.Microsecond, Success: true, Op: "set"},
		{Total: 2 * time.Millisecond, Op: "get"},
	}
	for _, r := range want {
		sink.Emit(r)
	}
	require.NoError(t, sink.Close())

	got, err := ReadCBOR(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestSinkWriteFailuresAreLoggedOnce(t *testing.T) {
	var logs bytes.Buffer
	log.SetOutput(&logs)
	defer log.SetOutput(os.Stderr)

	csvSink, err := NewCSVSink(failingWriter{})
	require.NoError(t, err)
	cborSink, err := NewCBORSink(failingWriter{})
	require.NoError(t, err)

	// Enough records to overflow the write buffers several times.
	for i := 0; i < 2000; i++ {
		rec := Record{Total: time.Duration(i) * time.Microsecond, Op: "get"}
		csvSink.Emit(rec)
		cborSink.Emit(rec)
	}

	assert.Equal(t, 1, strings.Count(logs.String(), "Failed to write instrumentation record: disk full"))
	assert.Equal(t, 1, strings.Count(logs.String(), "Failed to encode instrumentation record"))
	assert.Error(t, csvSink.Close())
	assert.Error(t, cborSink.Close())
}

func TestOpen(t *testing.T) {
	sink, err := Open("csv", "")
	require.NoError(t, err)
	assert.IsType(t, NopSink{}, sink)
	sink.Emit(Record{})
	assert.NoError(t, sink.Close())

	dir := t.TempDir()

	path := filepath.Join(dir, "instrum.csv")
	sink, err = Open("csv", path)
	require.NoError(t, err)
	sink.Emit(Record{Op: "set", Success: true})
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, CSVHeader+"\n0,0,0,true,set\n", string(data))

	path = filepath.Join(dir, "instrum.cbor")
	sink, err = Open("cbor", path)
	require.NoError(t, err)
	sink.Emit(Record{Op: "get"})
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := ReadCBOR(f)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = Open("xml", filepath.Join(dir, "instrum.xml"))
	assert.Error(t, err)
}
