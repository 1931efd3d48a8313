// Package mirproxy is a sharding and replicating proxy for memcached text
// protocol clients.
//
// Clients connect to the proxy as if it were a single cache server. The proxy
// places every key on a consistent hash ring of N shards, sends retrievals to
// the key's primary shard and replicates mutations synchronously to R
// consecutive shards, answering the client only once every replica agreed.
//
// # Architecture Overview
//
//   - Hash Ring: MD5 (or xxhash) ring with virtual nodes per shard
//   - Router: classifies commands, locates keys, enqueues per shard
//   - Replicated Write Engine: one per shard, fans mutations out to R replicas
//     and matches their replies in order
//   - Read Pool: one per shard, a fixed set of workers with blocking
//     connections to the primary
//   - Front-End Reactor: accepts clients, frames commands, writes replies in
//     command order and records timing samples
//
// # Quick Start
//
// Cache nodes:
//
//	./backend -port 11211
//	./backend -port 11213
//	./backend -port 11214
//
// Proxy:
//
//	./proxy -port 11212 \
//		-shards localhost:11211,localhost:11213,localhost:11214 \
//		-replication-factor 2 -instrument-file instrum.csv
//
// Client:
//
//	import "github.com/cachemir/mirproxy/pkg/client"
//
//	c := client.New("localhost:11212")
//	defer c.Close()
//
//	c.Set("user:123", "john_doe", time.Hour)
//	value, err := c.Get("user:123")
//
// # Replies
//
// Mutations answer STORED or DELETED only when every replica returned that
// token. Any mismatch, a lost replica connection or an expired request
// timeout answers ERROR. Retrievals return the primary's reply unchanged.
// Proxy-side failures use SERVER_ERROR (queue full, backend unavailable) and
// CLIENT_ERROR (unparseable command or key).
//
// # Configuration
//
// Every option can come from a YAML file, MIRPROXY_* environment variables or
// flags, in increasing order of precedence:
//
//	./proxy -config proxy.yaml -sample-rate 10
//	# or
//	MIRPROXY_SHARDS=a:11211,b:11211 MIRPROXY_REPLICATION_FACTOR=2 ./proxy
//
// # Instrumentation
//
// One GET and one mutation in every sample-rate requests are timed. Each
// sample records the total time, the time spent in the shard queue, the
// backend time, a success flag and the operation type, and is written as
// CSV (t_total,t_queue,t_mcd,flag,op_type, in microseconds) or CBOR.
//
// # Package Structure
//
//   - pkg/hash: Consistent hash ring
//   - pkg/protocol: Text protocol framing, key locators, reply tokens
//   - pkg/config: Configuration management
//   - pkg/client: Pooled client
//   - internal/proxy: Router, engines, read pools, reactor
//   - internal/instrument: Timing sample sinks
//   - internal/backend: In-memory cache node
//   - cmd/proxy, cmd/backend, cmd/loadgen: Executables
//   - examples: In-process cluster walkthrough
//
// For detailed documentation of individual packages, see their respective godoc pages.
package mirproxy
