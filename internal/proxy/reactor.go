package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachemir/mirproxy/internal/instrument"
	"github.com/cachemir/mirproxy/pkg/protocol"
)

const (
	readBufferSize  = 16 * 1024
	writeBufferSize = 16 * 1024
	// maxPipelined bounds the commands of one connection that are routed but
	// not yet answered. The connection's reader waits for a slot, so a
	// client that stops reading only stalls itself.
	maxPipelined = 1024
)

// Routing places a request on its shard's queue.
type Routing interface {
	Route(ctx context.Context, req *Request) error
}

// Reactor is the client-facing side of the proxy. It accepts connections,
// frames commands and routes them, and writes replies back in the order the
// commands arrived on each connection.
//
// Every connection gets a reader goroutine and a writer goroutine. Engines
// and read pools hand replies to the writer through Send, which only appends
// to the connection's outbound queue and never waits for the client. The
// writer buffers replies that overtake an earlier command and flushes once
// the queue is empty, then emits the samples of the flushed requests.
type Reactor struct {
	router  Routing         // places commands on shard queues
	sampler *Sampler        // picks the requests that are timed
	sink    instrument.Sink // receives samples after their reply is flushed

	listener net.Listener
	conns    map[uint64]*frontConn // open client connections by id
	ctx      context.Context       // cancelled by Close; unblocks Route
	cancel   context.CancelFunc
	nextID   atomic.Uint64
	wg       sync.WaitGroup // reader and writer goroutines
	mu       sync.Mutex     // guards listener and conns
	debug    bool
}

// NewReactor creates a Reactor. A nil sink discards samples.
func NewReactor(router Routing, sampler *Sampler, sink instrument.Sink, debug bool) *Reactor {
	if sink == nil {
		sink = instrument.NopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		router:  router,
		sampler: sampler,
		sink:    sink,
		conns:   make(map[uint64]*frontConn),
		ctx:     ctx,
		cancel:  cancel,
		debug:   debug,
	}
}

// Listen binds the client listener.
func (r *Reactor) Listen(addr string) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(r.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()
	return nil
}

// Addr returns the listener's address, or nil before Listen.
func (r *Reactor) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Serve accepts clients until Close. It returns nil once the listener is
// closed.
func (r *Reactor) Serve() error {
	r.mu.Lock()
	listener := r.listener
	r.mu.Unlock()
	if listener == nil {
		return errors.New("reactor is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Failed to accept connection: %v", err)
			continue
		}

		c := &frontConn{
			id:      r.nextID.Add(1),
			conn:    conn,
			reactor: r,
			wake:    make(chan struct{}, 1),
			slots:   make(chan struct{}, maxPipelined),
			done:    make(chan struct{}),
		}

		r.mu.Lock()
		if r.ctx.Err() != nil {
			r.mu.Unlock()
			conn.Close()
			return nil
		}
		r.conns[c.id] = c
		r.wg.Add(2)
		r.mu.Unlock()

		if r.debug {
			log.Printf("Client %d connected from %s", c.id, conn.RemoteAddr())
		}
		go c.readLoop(r.ctx)
		go c.writeLoop()
	}
}

// Send hands a reply to the connection that issued req. It never blocks:
// the reply is queued for the connection's writer, or dropped if the client
// has gone away.
func (r *Reactor) Send(req *Request, reply []byte) {
	if req.owner == nil {
		return
	}
	req.owner.deliver(response{req: req, data: reply})
}

// Close stops accepting, disconnects every client and waits for their
// goroutines to exit.
func (r *Reactor) Close() error {
	r.mu.Lock()
	r.cancel()
	var err error
	if r.listener != nil {
		err = r.listener.Close()
	}
	conns := make([]*frontConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	r.wg.Wait()
	return err
}

func (r *Reactor) remove(id uint64) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

type response struct {
	req  *Request
	data []byte
	last bool // close the connection once this reply is flushed
}

// frontConn is one client connection.
type frontConn struct {
	conn      net.Conn
	reactor   *Reactor
	queue     []response    // replies not yet taken by writeLoop
	wake      chan struct{} // signals writeLoop that queue is non-empty
	slots     chan struct{} // one token per command awaiting its reply
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	id        uint64
}

func (c *frontConn) deliver(resp response) {
	select {
	case <-c.done:
		return
	default:
	}

	c.mu.Lock()
	c.queue = append(c.queue, resp)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// take swaps the queued replies for spare, which must no longer be in use.
func (c *frontConn) take(spare []response) []response {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := c.queue
	c.queue = spare[:0]
	return batch
}

func (c *frontConn) queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// acquire takes a pipeline slot, waiting while maxPipelined commands are
// unanswered. It returns false once the connection is closed.
func (c *frontConn) acquire() bool {
	select {
	case c.slots <- struct{}{}:
		return true
	case <-c.done:
		return false
	}
}

func (c *frontConn) release() {
	select {
	case <-c.slots:
	default:
	}
}

func (c *frontConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.reactor.remove(c.id)
		if c.reactor.debug {
			log.Printf("Client %d disconnected", c.id)
		}
	})
}

// readLoop frames commands and routes them until the client goes away.
func (c *frontConn) readLoop(ctx context.Context) {
	defer c.reactor.wg.Done()

	// After an unrecoverable framing error the writer closes the
	// connection once the final reply is out.
	lingering := false
	defer func() {
		if !lingering {
			c.close()
		}
	}()

	r := bufio.NewReaderSize(c.conn, readBufferSize)
	var seq uint64
	for {
		data, err := protocol.ReadCommand(r)
		if err != nil {
			resp, ok := framingErrorReply(err)
			if !ok || !c.acquire() {
				return
			}
			resp.req = NewRequest(c.id, seq, nil)
			resp.req.Success = false
			seq++
			c.deliver(resp)
			if resp.last {
				lingering = true
				return
			}
			continue
		}
		if !c.acquire() {
			return
		}

		data, noreply := protocol.StripNoReply(data)
		req := NewRequest(c.id, seq, data)
		seq++
		req.owner = c
		req.NoReply = noreply
		if c.reactor.sampler.Sample(req.Op) {
			req.startSampling(time.Now())
		}

		if err := c.reactor.router.Route(ctx, req); err != nil {
			if ctx.Err() != nil {
				return
			}
			req.Success = false
			c.deliver(response{req: req, data: routeErrorReply(err)})
		}
	}
}

// writeLoop writes replies in command order. A reply that arrives ahead of
// an earlier command's reply is held until the gap is filled.
func (c *frontConn) writeLoop() {
	defer c.reactor.wg.Done()

	w := bufio.NewWriterSize(c.conn, writeBufferSize)
	pending := make(map[uint64]response)
	var next uint64
	var batch []response
	var flushed []*Request
	closing := false

	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		batch = c.take(batch)
		for i, resp := range batch {
			pending[resp.req.Seq] = resp
			batch[i] = response{}
		}

		for {
			resp, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			c.release()
			if !resp.req.NoReply {
				if _, err := w.Write(resp.data); err != nil {
					c.close()
					return
				}
			}
			flushed = append(flushed, resp.req)
			closing = closing || resp.last
		}

		if (c.queued() > 0 && !closing) || len(flushed) == 0 {
			continue
		}
		if err := w.Flush(); err != nil {
			c.close()
			return
		}
		for i, req := range flushed {
			if rec, ok := req.finish(); ok {
				c.reactor.sink.Emit(rec)
			}
			flushed[i] = nil
		}
		flushed = flushed[:0]
		if closing {
			c.close()
			return
		}
	}
}

// framingErrorReply maps a ReadCommand error to the reply for the client.
// It returns false when the connection itself failed.
func framingErrorReply(err error) (response, bool) {
	switch {
	case errors.Is(err, protocol.ErrMalformedCommand):
		return response{data: protocol.ReplyBadCommand}, true
	case errors.Is(err, protocol.ErrBadDataChunk):
		return response{data: protocol.ReplyBadDataChunk}, true
	case errors.Is(err, protocol.ErrDataTooLarge):
		return response{data: protocol.ReplyTooLarge}, true
	case errors.Is(err, protocol.ErrLineTooLong):
		return response{data: protocol.ReplyLineTooLong, last: true}, true
	default:
		return response{}, false
	}
}

func routeErrorReply(err error) []byte {
	switch {
	case errors.Is(err, ErrQueueFull):
		return protocol.ReplyQueueFull
	case errors.Is(err, protocol.ErrKeyNotFound):
		return protocol.ReplyBadCommand
	default:
		return protocol.ReplyError
	}
}
