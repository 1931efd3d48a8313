package client

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/mirproxy/internal/backend"
	"github.com/cachemir/mirproxy/pkg/config"
	"github.com/cachemir/mirproxy/pkg/protocol"
)

func testConfig(addr string) *config.ClientConfig {
	return &config.ClientConfig{
		Address:       addr,
		MaxConns:      4,
		ConnTimeout:   time.Second,
		ReadTimeout:   time.Second,
		WriteTimeout:  time.Second,
		RetryAttempts: 2,
	}
}

func startNode(t *testing.T) *backend.Server {
	t.Helper()

	srv := backend.New("127.0.0.1:0")
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestClientOperations(t *testing.T) {
	srv := startNode(t)
	c := NewWithConfig(testConfig(srv.Addr()))
	defer c.Close()

	_, err := c.Get("user:123")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set("user:123", "john_doe", time.Hour))
	value, err := c.Get("user:123")
	require.NoError(t, err)
	assert.Equal(t, "john_doe", value)

	require.NoError(t, c.Delete("user:123"))
	assert.ErrorIs(t, c.Delete("user:123"), ErrNotFound)

	reply, err := c.Do([]byte("get user:123\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "END\r\n", string(reply))
}

func TestClientDegradedReplies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					if _, err := protocol.ReadCommand(r); err != nil {
						return
					}
					conn.Write(protocol.ReplyError)
				}
			}()
		}
	}()

	c := NewWithConfig(testConfig(ln.Addr().String()))
	defer c.Close()

	assert.ErrorIs(t, c.Set("k", "v", 0), ErrNotStored)
	err = c.Delete("k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	_, err = c.Get("k")
	assert.Error(t, err)
}

func TestClientRetriesOnBrokenConnection(t *testing.T) {
	srv := startNode(t)
	c := NewWithConfig(testConfig(srv.Addr()))
	defer c.Close()

	require.NoError(t, c.Set("k", "v", 0))

	// Break the pooled connection behind the client's back.
	conn, err := c.pool.Get()
	require.NoError(t, err)
	conn.Conn.Close()
	c.pool.Put(conn)

	value, err := c.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func TestClientUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := NewWithConfig(testConfig(addr))
	defer c.Close()

	_, err = c.Get("k")
	assert.Error(t, err)
}

func TestClientConcurrentUse(t *testing.T) {
	srv := startNode(t)
	c := NewWithConfig(testConfig(srv.Addr()))
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				assert.NoError(t, c.Set("shared", "v", 0))
			}
		}()
	}
	wg.Wait()

	c.pool.mu.Lock()
	created := c.pool.created
	c.pool.mu.Unlock()
	assert.LessOrEqual(t, created, 4)
}

func TestClientClosed(t *testing.T) {
	srv := startNode(t)
	c := NewWithConfig(testConfig(srv.Addr()))
	require.NoError(t, c.Close())

	_, err := c.Do(protocol.FormatGet("k"))
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewWithConfigPanicsOnInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	assert.Panics(t, func() { NewWithConfig(cfg) })
}
