package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/mirproxy/pkg/protocol"
)

func TestReadPoolHitAndMiss(t *testing.T) {
	servers := startBackends(t, 1)
	servers[0].Store().Set("foo", []byte("bar"), 3, 0)

	queue := make(chan *Request, 10)
	sender := make(chanSender, 10)
	runReadPool(t, ReadPoolConfig{Addr: servers[0].Addr(), Size: 2}, queue, sender)

	queue <- NewRequest(1, 0, protocol.FormatGet("foo"))
	got := sender.next(t)
	assert.Equal(t, "VALUE foo 3 3\r\nbar\r\nEND\r\n", got.reply)
	assert.True(t, got.req.Success)

	queue <- NewRequest(1, 1, protocol.FormatGet("missing"))
	got = sender.next(t)
	assert.Equal(t, "END\r\n", got.reply)
	assert.False(t, got.req.Success, "a miss is recorded as a failure")
}

func TestReadPoolConcurrentWorkers(t *testing.T) {
	servers := startBackends(t, 1)
	servers[0].Store().Set("k", []byte("v"), 0, 0)

	queue := make(chan *Request, 100)
	sender := make(chanSender, 100)
	runReadPool(t, ReadPoolConfig{Addr: servers[0].Addr(), Size: 4}, queue, sender)

	for i := 0; i < 50; i++ {
		queue <- NewRequest(1, uint64(i), protocol.FormatGet("k"))
	}
	seen := make(map[uint64]bool)
	for i := 0; i < 50; i++ {
		got := sender.next(t)
		assert.Equal(t, "VALUE k 0 1\r\nv\r\nEND\r\n", got.reply)
		seen[got.req.Seq] = true
	}
	assert.Len(t, seen, 50)
}

func TestReadPoolBackendDown(t *testing.T) {
	addr := startScripted(t, func(conn net.Conn) {
		buf := make([]byte, 256)
		conn.Read(buf)
	})

	queue := make(chan *Request, 10)
	sender := make(chanSender, 10)
	runReadPool(t, ReadPoolConfig{Addr: addr, Size: 1}, queue, sender)

	queue <- NewRequest(1, 0, protocol.FormatGet("foo"))
	got := sender.next(t)
	assert.Equal(t, string(protocol.ReplyBackendDown), got.reply)
	assert.False(t, got.req.Success)

	queue <- NewRequest(1, 1, protocol.FormatGet("foo"))
	assert.Equal(t, string(protocol.ReplyBackendDown), sender.next(t).reply)
}

func TestReadPoolSampledTimes(t *testing.T) {
	servers := startBackends(t, 1)
	queue := make(chan *Request, 1)
	sender := make(chanSender, 1)
	runReadPool(t, ReadPoolConfig{Addr: servers[0].Addr(), Size: 1}, queue, sender)

	req := NewRequest(1, 0, protocol.FormatGet("foo"))
	req.startSampling(time.Now())
	req.markEnqueued()
	queue <- req

	got := sender.next(t)
	assert.Greater(t, got.req.BackendTime, time.Duration(0))
}

func TestNewReadPoolErrors(t *testing.T) {
	_, err := NewReadPool(context.Background(), ReadPoolConfig{Addr: closedAddr(t), Size: 1, ConnTimeout: time.Second}, nil, nil)
	require.Error(t, err)

	_, err = NewReadPool(context.Background(), ReadPoolConfig{Addr: "127.0.0.1:1", Size: 0}, nil, nil)
	require.Error(t, err)
}
