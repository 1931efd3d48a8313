// Command loadgen drives a proxy with a fixed-width GET/SET workload.
//
// Keys are 16 decimal digits so that the proxy's default fixed-offset key
// locators find them without parsing. Each worker uses its own pooled
// connection and issues one command at a time.
//
// Usage:
//
//	loadgen -addr localhost:11212 -workers 16 -duration 30s -get-ratio 0.9
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/cachemir/mirproxy/pkg/client"
	"github.com/cachemir/mirproxy/pkg/config"
	"github.com/cachemir/mirproxy/pkg/protocol"
)

type options struct {
	addr      string
	workers   int
	duration  time.Duration
	getRatio  float64
	keys      int
	valueSize int
	seed      int64
}

type result struct {
	replies map[string]int
	errors  int
	ops     int
	latency time.Duration
}

func main() {
	opts := options{}
	fs := flag.NewFlagSet("loadgen", flag.ExitOnError)
	fs.StringVar(&opts.addr, "addr", fmt.Sprintf("localhost:%d", config.DefaultProxyPort), "Proxy address")
	fs.IntVar(&opts.workers, "workers", 8, "Concurrent workers")
	fs.DurationVar(&opts.duration, "duration", 10*time.Second, "Test duration")
	fs.Float64Var(&opts.getRatio, "get-ratio", 0.9, "Fraction of GET commands")
	fs.IntVar(&opts.keys, "keys", 10000, "Key space size")
	fs.IntVar(&opts.valueSize, "value-size", 64, "SET value size in bytes")
	fs.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "Random seed")
	fs.Parse(os.Args[1:])

	if opts.workers < 1 || opts.keys < 1 || opts.valueSize < 1 || opts.getRatio < 0 || opts.getRatio > 1 {
		log.Fatalf("Invalid options: %+v", opts)
	}

	cfg := config.LoadClientConfig()
	cfg.Address = opts.addr
	cfg.MaxConns = opts.workers
	c := client.NewWithConfig(cfg)
	defer c.Close()

	log.Printf("Running %d workers against %s for %v", opts.workers, opts.addr, opts.duration)
	res := run(c, opts)
	report(res, opts.duration)
}

// run drives the workload until opts.duration has elapsed and merges the
// per-worker results.
func run(c *client.Client, opts options) result {
	deadline := time.Now().Add(opts.duration)
	results := make([]result, opts.workers)

	var wg sync.WaitGroup
	for w := 0; w < opts.workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			results[w] = work(c, opts, rand.New(rand.NewSource(opts.seed+int64(w))), deadline)
		}(w)
	}
	wg.Wait()

	total := result{replies: make(map[string]int)}
	for _, r := range results {
		total.ops += r.ops
		total.errors += r.errors
		total.latency += r.latency
		for k, v := range r.replies {
			total.replies[k] += v
		}
	}
	return total
}

func work(c *client.Client, opts options, rng *rand.Rand, deadline time.Time) result {
	res := result{replies: make(map[string]int)}
	value := bytes.Repeat([]byte("x"), opts.valueSize)

	for time.Now().Before(deadline) {
		key := fmt.Sprintf("%0*d", protocol.DefaultKeyLength, rng.Intn(opts.keys))

		cmd := protocol.FormatSet(key, 0, 0, value)
		if rng.Float64() < opts.getRatio {
			cmd = protocol.FormatGet(key)
		}

		start := time.Now()
		reply, err := c.Do(cmd)
		res.latency += time.Since(start)
		res.ops++
		if err != nil {
			res.errors++
			continue
		}
		res.replies[replyKind(reply)]++
	}
	return res
}

// replyKind names a reply by its first line, collapsing VALUE lines.
func replyKind(reply []byte) string {
	if bytes.HasPrefix(reply, []byte("VALUE ")) {
		return "VALUE"
	}
	if i := bytes.Index(reply, protocol.Delimiter); i >= 0 {
		return string(reply[:i])
	}
	return string(reply)
}

func report(res result, duration time.Duration) {
	fmt.Printf("ops: %d (%.0f/s), errors: %d\n", res.ops, float64(res.ops)/duration.Seconds(), res.errors)
	if res.ops > 0 {
		fmt.Printf("mean latency: %v\n", res.latency/time.Duration(res.ops))
	}

	kinds := make([]string, 0, len(res.replies))
	for k := range res.replies {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		fmt.Printf("  %-40s %d\n", k, res.replies[k])
	}
}
