package hash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingAssignDeterministic(t *testing.T) {
	ring, err := NewRing(3, 20)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key_%d", i))
		first, ok := ring.Assign(key)
		require.True(t, ok)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 3)

		for j := 0; j < 5; j++ {
			again, _ := ring.Assign(key)
			assert.Equal(t, first, again, "assignment for %s changed", key)
		}
	}
}

func TestRingSameConfigurationSameAssignment(t *testing.T) {
	a, err := NewRing(5, 40)
	require.NoError(t, err)
	b, err := NewRing(5, 40)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("%016d", i))
		sa, _ := a.Assign(key)
		sb, _ := b.Assign(key)
		assert.Equal(t, sa, sb)
	}
}

func TestRingEmpty(t *testing.T) {
	ring, err := NewRing(0, 20)
	require.NoError(t, err)

	_, ok := ring.Assign([]byte("anything"))
	assert.False(t, ok)
	assert.Empty(t, ring.Shards())
}

func TestRingReAddShardIsIdempotent(t *testing.T) {
	ring, err := NewRing(3, 20)
	require.NoError(t, err)

	before := make(map[string]int)
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("key_%d", i)
		before[key], _ = ring.Assign([]byte(key))
	}
	sizeBefore := ring.Stats()["ring_size"]

	require.NoError(t, ring.AddShard(1))
	require.NoError(t, ring.AddShard(1))

	for key, shard := range before {
		after, _ := ring.Assign([]byte(key))
		assert.Equal(t, shard, after, "key %s moved after re-adding a shard", key)
	}
	assert.Equal(t, sizeBefore, ring.Stats()["ring_size"])
	assert.Equal(t, []int{0, 1, 2}, ring.Shards())
}

func TestRingCollisionLastWriterWins(t *testing.T) {
	constant := func([]byte) [16]byte { return [16]byte{0x42} }

	ring, err := NewRing(3, 4, WithDigest(constant))
	require.NoError(t, err)

	shard, ok := ring.Assign([]byte("foo"))
	require.True(t, ok)
	assert.Equal(t, 2, shard)
	assert.Equal(t, 1, ring.Stats()["ring_size"])
}

func TestRingWrapsAround(t *testing.T) {
	// Positions follow the first byte: shard 0's seed starts with '8' (0x38),
	// shard 1's with 'H' (0x48).
	digest := func(b []byte) [16]byte {
		if string(b) == "high" {
			return [16]byte{0xff, 0xff}
		}
		return [16]byte{0x00, b[0]}
	}

	ring, err := NewRing(2, 1, WithDigest(digest))
	require.NoError(t, err)

	tests := []struct {
		key   string
		shard int
	}{
		{key: "0", shard: 0},    // below shard 0's point
		{key: "8", shard: 0},    // exactly on shard 0's point
		{key: "@", shard: 1},    // between the points
		{key: "H", shard: 1},    // exactly on shard 1's point
		{key: "high", shard: 0}, // past the last point, wraps
	}
	for _, tt := range tests {
		shard, ok := ring.Assign([]byte(tt.key))
		require.True(t, ok)
		assert.Equal(t, tt.shard, shard, "key %q", tt.key)
	}
}

func TestRingDistribution(t *testing.T) {
	for _, tc := range []struct {
		name   string
		digest Digest
	}{
		{name: "md5", digest: MD5},
		{name: "xxhash", digest: XXHash},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ring, err := NewRing(3, 150, WithDigest(tc.digest))
			require.NoError(t, err)

			distribution := make(map[int]int)
			for i := 0; i < 1000; i++ {
				shard, _ := ring.Assign([]byte(fmt.Sprintf("key_%d", i)))
				distribution[shard]++
			}

			assert.Len(t, distribution, 3)
			for shard, count := range distribution {
				if count < 200 || count > 500 {
					t.Errorf("Poor distribution for shard %d: %d keys", shard, count)
				}
			}
		})
	}
}

func TestRingBounds(t *testing.T) {
	_, err := NewRing(MaxShards+1, 20)
	assert.Error(t, err)

	_, err = NewRing(-1, 20)
	assert.Error(t, err)

	ring, err := NewRing(MaxShards, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultVirtualNodes, ring.Stats()["virtual_nodes"])
	assert.Error(t, ring.AddShard(MaxShards))
	assert.Error(t, ring.AddShard(-1))
}

func TestDigestByName(t *testing.T) {
	for _, name := range []string{"", "md5", "xxhash"} {
		d, err := DigestByName(name)
		assert.NoError(t, err, name)
		assert.NotNil(t, d)
	}

	_, err := DigestByName("sha1")
	assert.Error(t, err)
}
