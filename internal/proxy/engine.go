package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cachemir/mirproxy/pkg/protocol"
)

// minTimeoutTick bounds how often pending mutations are checked for expiry.
const minTimeoutTick = 10 * time.Millisecond

// EngineConfig describes the replica set served by one Engine.
type EngineConfig struct {
	Addrs             []string      // every shard address; the replica set is a slice of it
	Shard             int           // primary shard whose write queue the engine drains
	ReplicationFactor int           // replicas per mutation, including the primary
	MaxInFlight       int           // unanswered mutations per backend connection before the queue is paused
	ConnTimeout       time.Duration // dial timeout per replica
	WriteTimeout      time.Duration // deadline for writing one mutation to a replica
	RequestTimeout    time.Duration // 0 waits for replicas forever
	Debug             bool          // log every replica reply
}

// ReplicaSet returns the shards holding copies of shard's data: shard
// itself followed by the next r-1 shards, wrapping around.
func ReplicaSet(shard, r, numShards int) []int {
	set := make([]int, 0, r)
	for i := 0; i < r; i++ {
		set = append(set, (shard+i)%numShards)
	}
	return set
}

// replicationState tracks one mutation across its replica set.
type replicationState struct {
	req     *Request
	started time.Time
	acks    int
	success bool
	done    bool // response already sent; late acks are ignored
}

// backendConn is one replica connection, owned by Run.
type backendConn struct {
	conn     net.Conn
	addr     string
	awaiting []*replicationState // FIFO; backends answer in order
	shard    int                 // shard the replica serves
	index    int                 // position in Engine.conns
	dead     bool                // connection failed; no more writes
}

// backendReply carries one reply line, or a read error, to Run.
type backendReply struct {
	err  error
	line []byte
	conn int // index of the connection it was read from
}

// Engine replicates the mutations of one shard to every replica and answers
// once all of them have replied.
//
// A single goroutine (Run) owns all engine state: it takes requests from the
// shard's write queue, writes them to each replica connection and matches
// the replies, which arrive through one reader goroutine per connection, to
// the oldest unanswered request of that connection. The client gets the
// success reply only if every replica answered with the expected token.
// Otherwise, or if a replica connection fails, it gets ERROR.
type Engine struct {
	queue   <-chan *Request   // the shard's write queue
	sender  Sender            // returns replies to client connections
	replies chan backendReply // fed by one readLoop per connection

	conns    []*backendConn      // replica set, primary first
	inflight []*replicationState // unanswered mutations, oldest first

	shard          int
	maxInFlight    int
	writeTimeout   time.Duration
	requestTimeout time.Duration
	debug          bool
}

// NewEngine dials every replica of cfg.Shard. Any dial failure is returned,
// after closing the connections already opened.
func NewEngine(ctx context.Context, cfg EngineConfig, queue <-chan *Request, sender Sender) (*Engine, error) {
	if cfg.ReplicationFactor < 1 || cfg.ReplicationFactor > len(cfg.Addrs) {
		return nil, fmt.Errorf("replication factor %d out of range [1, %d]", cfg.ReplicationFactor, len(cfg.Addrs))
	}
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}

	e := &Engine{
		queue:          queue,
		sender:         sender,
		replies:        make(chan backendReply, cfg.MaxInFlight),
		shard:          cfg.Shard,
		maxInFlight:    cfg.MaxInFlight,
		writeTimeout:   cfg.WriteTimeout,
		requestTimeout: cfg.RequestTimeout,
		debug:          cfg.Debug,
	}

	dialer := net.Dialer{Timeout: cfg.ConnTimeout}
	for i, shard := range ReplicaSet(cfg.Shard, cfg.ReplicationFactor, len(cfg.Addrs)) {
		addr := cfg.Addrs[shard]
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			e.closeAll()
			return nil, fmt.Errorf("failed to connect to replica %s of shard %d: %w", addr, cfg.Shard, err)
		}
		e.conns = append(e.conns, &backendConn{conn: conn, addr: addr, shard: shard, index: i})
	}

	if e.debug {
		log.Printf("Engine for shard %d connected to %d replicas", e.shard, len(e.conns))
	}
	return e, nil
}

// Run serves the write queue until ctx is done or the queue is closed. The
// backend connections are closed on return.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		e.closeAll()
		wg.Wait()
	}()

	for _, c := range e.conns {
		wg.Add(1)
		go func(c *backendConn) {
			defer wg.Done()
			e.readLoop(ctx, c)
		}(c)
	}

	var tick <-chan time.Time
	if e.requestTimeout > 0 {
		ticker := time.NewTicker(max(e.requestTimeout/4, minTimeoutTick))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		queue := e.queue
		if e.saturated() {
			queue = nil
		}

		select {
		case <-ctx.Done():
			return
		case req, ok := <-queue:
			if !ok {
				return
			}
			e.replicate(req)
		case rep := <-e.replies:
			e.handleReply(rep)
		case now := <-tick:
			e.expire(now)
		}
	}
}

// readLoop forwards reply lines of one backend connection to Run. Lines
// split across several reads are reassembled; several lines in one read are
// delivered one by one.
func (e *Engine) readLoop(ctx context.Context, c *backendConn) {
	r := bufio.NewReader(c.conn)
	for {
		line, err := protocol.ReadLine(r)
		select {
		case e.replies <- backendReply{conn: c.index, line: line, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// replicate writes req to every replica. A request reaching a degraded
// replica set is failed at once.
func (e *Engine) replicate(req *Request) {
	req.markDequeued()

	st := &replicationState{req: req, success: true, started: time.Now()}
	for _, c := range e.conns {
		if c.dead {
			e.fail(st)
			return
		}
	}

	for i, c := range e.conns {
		if err := e.write(c, req.Data); err != nil {
			e.markDead(c, err)
			e.fail(st)
			return
		}
		if i == 0 {
			req.markBackendStart()
		}
		c.awaiting = append(c.awaiting, st)
	}

	if e.requestTimeout > 0 {
		e.inflight = append(e.inflight, st)
	}
}

// write sends data to one replica within the write timeout.
func (e *Engine) write(c *backendConn, data []byte) error {
	if e.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	}
	_, err := c.conn.Write(data)
	return err
}

// handleReply matches one reply line to the oldest request awaiting an
// answer from that connection.
func (e *Engine) handleReply(rep backendReply) {
	c := e.conns[rep.conn]
	if rep.err != nil {
		e.markDead(c, rep.err)
		return
	}
	if len(c.awaiting) == 0 {
		if !c.dead {
			log.Printf("Unexpected reply from %s (shard %d): %q", c.addr, c.shard, protocol.TrimDelimiter(rep.line))
		}
		return
	}

	st := c.awaiting[0]
	c.awaiting[0] = nil
	c.awaiting = c.awaiting[1:]
	if st.done {
		return
	}

	st.acks++
	if !bytes.Equal(protocol.TrimDelimiter(rep.line), protocol.ExpectedToken(st.req.Op)) {
		st.success = false
		if e.debug {
			log.Printf("Replica %s of shard %d answered %q", c.addr, e.shard, protocol.TrimDelimiter(rep.line))
		}
	}
	if st.acks == len(e.conns) {
		e.complete(st)
	}
}

// complete answers a mutation every replica acknowledged.
func (e *Engine) complete(st *replicationState) {
	st.done = true
	st.req.markBackendDone()
	st.req.Success = st.success

	reply := protocol.ReplyError
	if st.success {
		reply = protocol.SuccessReply(st.req.Op)
	}
	e.sender.Send(st.req, reply)
}

// fail answers a mutation with ERROR unless it was already answered.
func (e *Engine) fail(st *replicationState) {
	if st.done {
		return
	}
	st.done = true
	st.req.markBackendDone()
	st.req.Success = false
	e.sender.Send(st.req, protocol.ReplyError)
}

// markDead closes a failed replica connection and fails every request
// still waiting on it.
func (e *Engine) markDead(c *backendConn, err error) {
	if c.dead {
		return
	}
	c.dead = true
	c.conn.Close()
	log.Printf("Lost replica %s of shard %d: %v", c.addr, e.shard, err)

	for _, st := range c.awaiting {
		e.fail(st)
	}
	c.awaiting = nil
}

// expire fails mutations older than the request timeout.
func (e *Engine) expire(now time.Time) {
	keep := e.inflight[:0]
	for _, st := range e.inflight {
		if st.done {
			continue
		}
		if now.Sub(st.started) >= e.requestTimeout {
			if e.debug {
				log.Printf("Mutation on shard %d timed out after %v", e.shard, now.Sub(st.started))
			}
			e.fail(st)
			continue
		}
		keep = append(keep, st)
	}
	for i := len(keep); i < len(e.inflight); i++ {
		e.inflight[i] = nil
	}
	e.inflight = keep
}

// saturated reports whether a live connection has MaxInFlight unanswered
// requests, in which case the write queue is not drained.
func (e *Engine) saturated() bool {
	for _, c := range e.conns {
		if !c.dead && len(c.awaiting) >= e.maxInFlight {
			return true
		}
	}
	return false
}

func (e *Engine) closeAll() {
	for _, c := range e.conns {
		c.conn.Close()
	}
}
