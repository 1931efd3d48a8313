package proxy

import (
	"sync/atomic"
	"time"

	"github.com/cachemir/mirproxy/internal/instrument"
	"github.com/cachemir/mirproxy/pkg/protocol"
)

// Sender delivers the response of a request back to the client connection
// it came from. Engines and read pools call it from their own goroutines.
type Sender interface {
	Send(req *Request, reply []byte)
}

// Request is one framed client command travelling through the proxy.
//
// A Request is owned by exactly one stage at a time: the front-end while it
// is read and routed, then the shard queue, then an engine or read worker
// until Send is called, then the front-end again while the reply is written.
// Timing fields are only stamped when Sampled is set.
type Request struct {
	owner *frontConn

	received     time.Time
	enqueued     time.Time
	backendStart time.Time

	Data []byte

	ConnID uint64
	Seq    uint64 // position of the command on its client connection

	QueueTime   time.Duration
	BackendTime time.Duration
	TotalTime   time.Duration

	Shard   int
	Op      protocol.Op
	Sampled bool
	Success bool
	NoReply bool // the client asked for no reply; it is still sampled
}

// NewRequest wraps a framed command read from connection connID.
func NewRequest(connID, seq uint64, data []byte) *Request {
	return &Request{
		Data:    data,
		ConnID:  connID,
		Seq:     seq,
		Shard:   -1,
		Op:      protocol.Classify(data),
		Success: true,
	}
}

func (r *Request) startSampling(now time.Time) {
	r.Sampled = true
	r.received = now
}

func (r *Request) markEnqueued() {
	if r.Sampled {
		r.enqueued = time.Now()
	}
}

func (r *Request) markDequeued() {
	if r.Sampled && !r.enqueued.IsZero() {
		r.QueueTime = time.Since(r.enqueued)
	}
}

func (r *Request) markBackendStart() {
	if r.Sampled {
		r.backendStart = time.Now()
	}
}

func (r *Request) markBackendDone() {
	if r.Sampled && !r.backendStart.IsZero() {
		r.BackendTime = time.Since(r.backendStart)
	}
}

// finish closes the sample once the reply has been flushed.
func (r *Request) finish() (instrument.Record, bool) {
	if !r.Sampled {
		return instrument.Record{}, false
	}
	r.TotalTime = time.Since(r.received)

	op := "set"
	if r.Op == protocol.OpGet {
		op = "get"
	}
	return instrument.Record{
		Total:   r.TotalTime,
		Queue:   r.QueueTime,
		Backend: r.BackendTime,
		Success: r.Success,
		Op:      op,
	}, true
}

// Sampler picks one request in every rate requests, counting GETs and
// mutations separately. A rate of 0 disables sampling.
type Sampler struct {
	gets   atomic.Uint64
	others atomic.Uint64
	rate   uint64
}

func NewSampler(rate int) *Sampler {
	if rate < 0 {
		rate = 0
	}
	return &Sampler{rate: uint64(rate)}
}

// Sample reports whether the next request of kind op should be timed. The
// first request of each kind is always sampled.
func (s *Sampler) Sample(op protocol.Op) bool {
	if s == nil || s.rate == 0 {
		return false
	}
	counter := &s.others
	if op == protocol.OpGet {
		counter = &s.gets
	}
	return (counter.Add(1)-1)%s.rate == 0
}
