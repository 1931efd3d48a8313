package proxy

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cachemir/mirproxy/pkg/protocol"
)

// ReadPoolConfig describes the read workers of one shard.
type ReadPoolConfig struct {
	Addr         string        // the shard's primary backend
	Shard        int           // shard whose read queue the pool drains
	Size         int           // number of workers, one connection each
	ConnTimeout  time.Duration // dial timeout per connection
	ReadTimeout  time.Duration // deadline for a complete retrieval reply
	WriteTimeout time.Duration // deadline for writing one command
	Debug        bool          // log every round trip
}

// readWorker owns one backend connection.
type readWorker struct {
	conn net.Conn
	r    *bufio.Reader
	id   int
	dead bool // connection failed; requests are answered without a round trip
}

// ReadPool serves the retrievals of one shard with a fixed set of workers,
// each owning one connection to the shard's primary backend and doing
// synchronous request/reply round trips.
type ReadPool struct {
	queue   <-chan *Request // the shard's read queue
	sender  Sender          // returns replies to client connections
	workers []*readWorker
	addr    string          // backend address, for logging

	shard        int
	readTimeout  time.Duration
	writeTimeout time.Duration
	debug        bool
}

// NewReadPool dials cfg.Size connections to cfg.Addr.
func NewReadPool(ctx context.Context, cfg ReadPoolConfig, queue <-chan *Request, sender Sender) (*ReadPool, error) {
	if cfg.Size < 1 {
		return nil, fmt.Errorf("read pool size must be positive: %d", cfg.Size)
	}

	p := &ReadPool{
		queue:        queue,
		sender:       sender,
		addr:         cfg.Addr,
		shard:        cfg.Shard,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		debug:        cfg.Debug,
	}

	dialer := net.Dialer{Timeout: cfg.ConnTimeout}
	for i := 0; i < cfg.Size; i++ {
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			p.closeAll()
			return nil, fmt.Errorf("failed to connect to %s for shard %d: %w", cfg.Addr, cfg.Shard, err)
		}
		p.workers = append(p.workers, &readWorker{conn: conn, r: bufio.NewReader(conn), id: i})
	}
	return p, nil
}

// Run starts the workers and blocks until ctx is done or the queue is
// closed. Connections are closed on return.
func (p *ReadPool) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *readWorker) {
			defer wg.Done()
			p.work(ctx, w)
		}(w)
	}

	// Unblock workers stuck in a backend read.
	go func() {
		<-ctx.Done()
		p.closeAll()
	}()

	wg.Wait()
}

// work drains the read queue on one worker's connection.
func (p *ReadPool) work(ctx context.Context, w *readWorker) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-p.queue:
			if !ok {
				return
			}
			p.serve(w, req)
		}
	}
}

// serve forwards req and sends the backend's reply. A reply starting with
// END is a miss and counts as a failure in the request's sample.
func (p *ReadPool) serve(w *readWorker, req *Request) {
	req.markDequeued()

	if w.dead {
		req.Success = false
		p.sender.Send(req, protocol.ReplyBackendDown)
		return
	}

	reply, err := p.roundTrip(w, req)
	req.markBackendDone()
	if err != nil {
		log.Printf("Read worker %d of shard %d lost %s: %v", w.id, p.shard, p.addr, err)
		w.dead = true
		w.conn.Close()
		req.Success = false
		p.sender.Send(req, protocol.ReplyBackendDown)
		return
	}

	if protocol.IsMiss(reply) || protocol.IsErrorReply(reply) {
		req.Success = false
	}
	if p.debug {
		log.Printf("Read worker %d of shard %d: %q -> %d bytes", w.id, p.shard, protocol.TrimDelimiter(req.Data), len(reply))
	}
	p.sender.Send(req, reply)
}

// roundTrip writes req and reads the complete reply.
func (p *ReadPool) roundTrip(w *readWorker, req *Request) ([]byte, error) {
	if p.writeTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	if _, err := w.conn.Write(req.Data); err != nil {
		return nil, err
	}
	req.markBackendStart()

	if p.readTimeout > 0 {
		w.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
	}
	return protocol.ReadRetrievalReply(w.r)
}

func (p *ReadPool) closeAll() {
	for _, w := range p.workers {
		w.conn.Close()
	}
}
