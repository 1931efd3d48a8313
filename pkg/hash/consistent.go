// Package hash provides the consistent hash ring that assigns keys to shards.
//
// Consistent hashing places several points ("virtual nodes") per shard on a
// circular digest space. A key is owned by the shard whose point is the first
// one at or after the key's own digest, wrapping around to the smallest point
// when the key hashes past the last one.
//
// Shards are identified by index. Each shard index owns a fixed seed string;
// its virtual nodes are the digests of seed+replicaIndex. Because the seeds are
// constant, every proxy built with the same shard count and virtual node count
// computes the same assignment.
//
// Example usage:
//
//	ring, err := hash.NewRing(3, 20)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	shard, ok := ring.Assign([]byte("user:123"))
//	if ok {
//		fmt.Printf("Key 'user:123' maps to shard: %d\n", shard)
//	}
//
// The ring ensures that:
//   - The same key always maps to the same shard for a given ring
//   - Keys are distributed roughly evenly across shards
//   - Re-adding a shard that is already present changes nothing
package hash

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/slices"
)

// DefaultVirtualNodes is the default number of virtual nodes per shard.
const DefaultVirtualNodes = 20

// seeds are the ring labels of shards 0..MaxShards-1. The first seven match the
// labels used by existing deployments so that key placement is preserved.
var seeds = [...]string{
	"8QAYsEvF",
	"Hjh3-bAd",
	"1XB7Nm7n",
	"5fP12bRi",
	"TdMJnpl3",
	"GdIi-wGJ",
	"a37pGaKH",
	"Qw7zL0pE",
	"mV3-kR9x",
	"Zt8bN2cJ",
	"4HsYu-7d",
	"pL1oXq6W",
	"rE5vT-gA",
	"9KjD3nBm",
	"yU2-hF8s",
	"cW6iO0zP",
}

// MaxShards is the largest shard count a ring can be built for.
const MaxShards = len(seeds)

// Digest maps bytes to a 128-bit ring position. Positions compare as
// big-endian unsigned integers.
type Digest func(data []byte) [16]byte

// MD5 is the default digest.
func MD5(data []byte) [16]byte {
	return md5.Sum(data)
}

// XXHash widens the 64-bit xxhash of data into the ring's 128-bit space.
// It is much cheaper than MD5 but places points differently, so every proxy
// in front of the same cluster must agree on it.
func XXHash(data []byte) [16]byte {
	var d [16]byte
	binary.BigEndian.PutUint64(d[:8], xxhash.Sum64(data))
	return d
}

// DigestByName resolves a configured digest name ("md5" or "xxhash").
func DigestByName(name string) (Digest, error) {
	switch name {
	case "", "md5":
		return MD5, nil
	case "xxhash":
		return XXHash, nil
	default:
		return nil, fmt.Errorf("unknown ring digest: %s", name)
	}
}

// Option configures a Ring at construction time.
type Option func(*Ring)

// WithDigest replaces the MD5 digest.
func WithDigest(d Digest) Option {
	return func(r *Ring) {
		r.digest = d
	}
}

type point struct {
	pos   [16]byte
	shard int
}

// Ring is a consistent hash ring over shard indices.
//
// A Ring is built once at startup and is read-only afterwards in normal
// operation; AddShard is still safe to call concurrently with Assign.
type Ring struct {
	mu           sync.RWMutex
	owners       map[[16]byte]int // position -> shard, last writer wins
	points       []point          // sorted by pos
	shards       map[int]bool
	virtualNodes int
	digest       Digest
}

// NewRing builds a ring holding shards 0..numShards-1, each with virtualNodes
// points. If virtualNodes is <= 0, DefaultVirtualNodes is used.
//
// Example:
//
//	ring, err := hash.NewRing(3, 20, hash.WithDigest(hash.XXHash))
//
// Returns:
//   - The populated ring
//   - Error if numShards is negative or exceeds MaxShards
func NewRing(numShards, virtualNodes int, opts ...Option) (*Ring, error) {
	if numShards < 0 || numShards > MaxShards {
		return nil, fmt.Errorf("shard count %d out of range [0, %d]", numShards, MaxShards)
	}
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}

	r := &Ring{
		owners:       make(map[[16]byte]int),
		shards:       make(map[int]bool),
		virtualNodes: virtualNodes,
		digest:       MD5,
	}
	for _, opt := range opts {
		opt(r)
	}

	for i := 0; i < numShards; i++ {
		if err := r.AddShard(i); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddShard places the virtual nodes of shard on the ring. Adding a shard that
// is already present is a no-op.
//
// When two points collide, the point inserted last owns the position.
func (r *Ring) AddShard(shard int) error {
	if shard < 0 || shard >= MaxShards {
		return fmt.Errorf("shard %d out of range [0, %d)", shard, MaxShards)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shards[shard] {
		return nil
	}
	r.shards[shard] = true

	for i := 0; i < r.virtualNodes; i++ {
		pos := r.digest([]byte(seeds[shard] + strconv.Itoa(i)))
		r.owners[pos] = shard
	}
	r.rebuild()
	return nil
}

// rebuild regenerates the sorted point slice from owners.
func (r *Ring) rebuild() {
	points := make([]point, 0, len(r.owners))
	for pos, shard := range r.owners {
		points = append(points, point{pos: pos, shard: shard})
	}
	sort.Slice(points, func(i, j int) bool {
		return bytes.Compare(points[i].pos[:], points[j].pos[:]) < 0
	})
	r.points = points
}

// Assign returns the shard that owns key. The boolean is false when the ring
// is empty.
//
// Example:
//
//	shard, ok := ring.Assign([]byte("0000000000000042"))
//	if !ok {
//		return ErrNoShard
//	}
func (r *Ring) Assign(key []byte) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return 0, false
	}

	pos := r.digest(key)
	return r.points[r.search(pos)].shard, true
}

// search finds the first point whose position is >= pos, wrapping to 0.
func (r *Ring) search(pos [16]byte) int {
	idx := sort.Search(len(r.points), func(i int) bool {
		return bytes.Compare(r.points[i].pos[:], pos[:]) >= 0
	})
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

// Shards returns the shard indices present on the ring in ascending order.
func (r *Ring) Shards() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shards := make([]int, 0, len(r.shards))
	for s := range r.shards {
		shards = append(shards, s)
	}
	slices.Sort(shards)
	return shards
}

// Stats reports the ring's size for monitoring and debugging.
//
// Returns:
//   - Map containing statistics:
//   - "shards": number of shards
//   - "virtual_nodes": configured virtual nodes per shard
//   - "ring_size": number of distinct points on the ring
func (r *Ring) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]interface{}{
		"shards":        len(r.shards),
		"virtual_nodes": r.virtualNodes,
		"ring_size":     len(r.points),
	}
}
