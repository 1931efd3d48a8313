// Package proxy implements the sharding and replication proxy.
//
// Requests flow through four stages:
//
//	Reactor -> Router -> write queue -> Engine   -> every replica
//	                  \-> read queue  -> ReadPool -> primary
//
// The Reactor frames client commands, the Router picks a shard on the hash
// ring, an Engine per shard replicates mutations and a ReadPool per shard
// serves retrievals. Replies travel back through the Reactor, which writes
// them in command order and records timing samples.
//
// Example usage:
//
//	cfg, _ := config.LoadProxyConfig(os.Args[1:])
//	p, err := proxy.New(ctx, cfg, instrument.NopSink{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := p.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer p.Close()
package proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/cachemir/mirproxy/internal/instrument"
	"github.com/cachemir/mirproxy/pkg/config"
	"github.com/cachemir/mirproxy/pkg/hash"
)

// Proxy wires a Reactor, a Router and one Engine and ReadPool per shard.
type Proxy struct {
	cfg     *config.ProxyConfig
	ring    *hash.Ring
	router  *Router
	reactor *Reactor
	engines []*Engine          // indexed by shard
	pools   []*ReadPool        // indexed by shard
	cancel  context.CancelFunc // stops engines and pools
	wg      sync.WaitGroup     // Run goroutines of engines and pools
}

// New validates cfg, builds the ring and connects every engine and read
// pool to its backends. Samples go to sink, which the caller closes.
//
// Returns:
//   - A proxy ready to Start
//   - Error if the configuration is invalid or a backend cannot be reached
func New(ctx context.Context, cfg *config.ProxyConfig, sink instrument.Sink) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	digest, err := cfg.Digest()
	if err != nil {
		return nil, err
	}
	ring, err := hash.NewRing(cfg.NumShards(), cfg.VirtualNodes, hash.WithDigest(digest))
	if err != nil {
		return nil, err
	}
	policy, err := ParseQueuePolicy(cfg.QueuePolicy)
	if err != nil {
		return nil, err
	}

	router := NewRouter(ring, cfg.NumShards(), cfg.Locators(), cfg.QueueCapacity, policy)
	p := &Proxy{
		cfg:    cfg,
		ring:   ring,
		router: router,
	}
	p.reactor = NewReactor(router, NewSampler(cfg.SampleRate), sink, cfg.Debug())

	for shard := 0; shard < cfg.NumShards(); shard++ {
		engine, err := NewEngine(ctx, EngineConfig{
			Addrs:             cfg.Shards,
			Shard:             shard,
			ReplicationFactor: cfg.ReplicationFactor,
			MaxInFlight:       cfg.MaxInFlight,
			ConnTimeout:       cfg.ConnTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			RequestTimeout:    cfg.RequestTimeout,
			Debug:             cfg.Debug(),
		}, router.WriteQueue(shard), p.reactor)
		if err != nil {
			p.closeBackends()
			return nil, err
		}
		p.engines = append(p.engines, engine)

		pool, err := NewReadPool(ctx, ReadPoolConfig{
			Addr:         cfg.Shards[shard],
			Shard:        shard,
			Size:         cfg.ReadPoolSize,
			ConnTimeout:  cfg.ConnTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			Debug:        cfg.Debug(),
		}, router.ReadQueue(shard), p.reactor)
		if err != nil {
			p.closeBackends()
			return nil, err
		}
		p.pools = append(p.pools, pool)
	}

	return p, nil
}

// Start binds the front-end and launches every stage. It does not block.
func (p *Proxy) Start() error {
	if err := p.reactor.Listen(p.cfg.Address()); err != nil {
		p.closeBackends()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for _, e := range p.engines {
		p.wg.Add(1)
		go func(e *Engine) {
			defer p.wg.Done()
			e.Run(ctx)
		}(e)
	}
	for _, pool := range p.pools {
		p.wg.Add(1)
		go func(pool *ReadPool) {
			defer p.wg.Done()
			pool.Run(ctx)
		}(pool)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.reactor.Serve(); err != nil {
			log.Printf("Front-end stopped: %v", err)
		}
	}()

	log.Printf("Proxy listening on %s, %d shards, replication factor %d",
		p.reactor.Addr(), p.cfg.NumShards(), p.cfg.ReplicationFactor)
	return nil
}

// Addr returns the front-end address once started.
func (p *Proxy) Addr() net.Addr {
	return p.reactor.Addr()
}

// Ring exposes the hash ring used for routing.
func (p *Proxy) Ring() *hash.Ring {
	return p.ring
}

// Router exposes the router, mostly for queue depth reporting.
func (p *Proxy) Router() *Router {
	return p.router
}

// Close disconnects clients, stops every stage and closes the backend
// connections.
func (p *Proxy) Close() error {
	err := p.reactor.Close()
	if p.cancel != nil {
		p.cancel()
	} else {
		p.closeBackends()
	}
	p.wg.Wait()
	return err
}

func (p *Proxy) closeBackends() {
	for _, e := range p.engines {
		e.closeAll()
	}
	for _, pool := range p.pools {
		pool.closeAll()
	}
}
