package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/cachemir/mirproxy/pkg/hash"
	"github.com/cachemir/mirproxy/pkg/protocol"
)

var (
	// ErrNoShard is returned when the ring has no shard for a key.
	ErrNoShard = errors.New("no shard available")
	// ErrQueueFull is returned by the reject policy when a shard queue is full.
	ErrQueueFull = errors.New("shard queue full")
)

// QueuePolicy decides what Route does when a shard queue is full.
type QueuePolicy int

const (
	// QueueBlock waits for room, applying backpressure to the client.
	QueueBlock QueuePolicy = iota
	// QueueReject fails the request with ErrQueueFull.
	QueueReject
)

// ParseQueuePolicy maps a configuration value to a QueuePolicy.
func ParseQueuePolicy(s string) (QueuePolicy, error) {
	switch s {
	case "", "block":
		return QueueBlock, nil
	case "reject":
		return QueueReject, nil
	default:
		return QueueBlock, fmt.Errorf("unknown queue policy: %s", s)
	}
}

// Router assigns requests to shards and places them on the shard's write
// queue (mutations) or read queue (retrievals).
//
// Example:
//
//	ring, _ := hash.NewRing(3, hash.DefaultVirtualNodes)
//	router := proxy.NewRouter(ring, 3, protocol.DefaultFixedLocators(), 5000, proxy.QueueBlock)
//	if err := router.Route(ctx, req); err != nil {
//		// answer the client with an error line
//	}
type Router struct {
	ring     *hash.Ring
	locators protocol.KeyLocators
	writes   []chan *Request
	reads    []chan *Request
	policy   QueuePolicy
}

// NewRouter creates a Router with one write queue and one read queue of the
// given capacity per shard.
func NewRouter(ring *hash.Ring, numShards int, locators protocol.KeyLocators, capacity int, policy QueuePolicy) *Router {
	r := &Router{
		ring:     ring,
		locators: locators,
		writes:   make([]chan *Request, numShards),
		reads:    make([]chan *Request, numShards),
		policy:   policy,
	}
	for i := 0; i < numShards; i++ {
		r.writes[i] = make(chan *Request, capacity)
		r.reads[i] = make(chan *Request, capacity)
	}
	return r
}

// Route locates the key of req, assigns its shard and enqueues it.
//
// Returns:
//   - nil once the request is queued
//   - An error wrapping protocol.ErrKeyNotFound if the key cannot be located
//   - ErrNoShard if no shard owns the key
//   - ErrQueueFull under the reject policy
//   - ctx.Err() if ctx ends while blocked on a full queue
func (r *Router) Route(ctx context.Context, req *Request) error {
	key, err := r.locators.For(req.Op).Locate(req.Data)
	if err != nil {
		return err
	}

	shard, ok := r.ring.Assign(key)
	if !ok || shard >= len(r.writes) {
		return ErrNoShard
	}
	req.Shard = shard

	queue := r.writes[shard]
	if req.Op == protocol.OpGet {
		queue = r.reads[shard]
	}

	req.markEnqueued()
	if r.policy == QueueReject {
		select {
		case queue <- req:
			return nil
		default:
			return ErrQueueFull
		}
	}

	select {
	case queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteQueue returns the mutation queue of shard.
func (r *Router) WriteQueue(shard int) <-chan *Request {
	return r.writes[shard]
}

// ReadQueue returns the retrieval queue of shard.
func (r *Router) ReadQueue(shard int) <-chan *Request {
	return r.reads[shard]
}

// QueueDepth reports how many requests wait on shard's queues.
func (r *Router) QueueDepth(shard int) (writes, reads int) {
	return len(r.writes[shard]), len(r.reads[shard])
}
