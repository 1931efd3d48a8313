// Package client provides a small memcached text-protocol client for talking
// to the proxy (or directly to a cache node).
//
// The client keeps a pool of connections to one address and retries a
// command on a fresh connection when the network fails. Protocol-level
// failures (a miss, NOT_STORED, ERROR from a degraded replica set) are
// returned as errors without retrying.
//
// Basic Usage:
//
//	c := client.New("localhost:11212")
//	defer c.Close()
//
//	if err := c.Set("user:123", "john_doe", time.Hour); err != nil {
//		log.Printf("set failed: %v", err)
//	}
//	value, err := c.Get("user:123")
//	if errors.Is(err, client.ErrCacheMiss) {
//		// not cached
//	}
//
// Raw commands, as sent by the load generator:
//
//	reply, err := c.Do([]byte("get 0123456789abcdef\r\n"))
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cachemir/mirproxy/pkg/config"
	"github.com/cachemir/mirproxy/pkg/protocol"
)

var (
	// ErrCacheMiss is returned by Get when the key holds no value.
	ErrCacheMiss = errors.New("cache miss")
	// ErrNotStored is returned by Set when the write was not applied on
	// every replica.
	ErrNotStored = errors.New("not stored")
	// ErrNotFound is returned by Delete when the key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBackendDown is returned by Get when the proxy lost its connection
	// to the key's cache node.
	ErrBackendDown = errors.New("backend unavailable")
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("connection pool closed")
)

// Client talks to a single proxy address. It is safe for concurrent use.
type Client struct {
	config *config.ClientConfig
	pool   *ConnectionPool
}

// ConnectionPool manages a bounded set of connections to one address.
// Connections are created on demand up to maxConns and reused afterwards.
type ConnectionPool struct {
	connections chan *poolConn
	address     string
	connTimeout time.Duration
	mu          sync.Mutex
	maxConns    int
	created     int
	closed      bool
}

// poolConn pairs a connection with the reader that owns its buffered input.
type poolConn struct {
	net.Conn
	r *bufio.Reader
}

// New creates a Client for address using defaults and MIRPROXY_CLIENT_*
// environment overrides.
//
// Example:
//
//	c := client.New("localhost:11212")
//	defer c.Close()
func New(address string) *Client {
	cfg := config.LoadClientConfig()
	cfg.Address = address

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Client from cfg.
//
// Panics:
//   - If the configuration is invalid (fails validation)
func NewWithConfig(cfg *config.ClientConfig) *Client {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid client config: %v", err))
	}

	return &Client{
		config: cfg,
		pool:   NewConnectionPool(cfg.Address, cfg.MaxConns, cfg.ConnTimeout),
	}
}

// NewConnectionPool creates an empty pool for address.
func NewConnectionPool(address string, maxConns int, connTimeout time.Duration) *ConnectionPool {
	return &ConnectionPool{
		connections: make(chan *poolConn, maxConns),
		address:     address,
		connTimeout: connTimeout,
		maxConns:    maxConns,
	}
}

// Do sends one framed command and returns the complete reply. Retrieval
// commands read VALUE blocks up to END; every other command reads one line.
//
// Network errors are retried on a new connection up to RetryAttempts times.
func (c *Client) Do(cmd []byte) ([]byte, error) {
	retrieval := protocol.Classify(cmd) == protocol.OpGet

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		conn, err := c.pool.Get()
		if err != nil {
			if errors.Is(err, ErrPoolClosed) {
				return nil, err
			}
			lastErr = err
			continue
		}

		reply, err := c.roundTrip(conn, cmd, retrieval)
		if err != nil {
			c.pool.Discard(conn)
			lastErr = err
			continue
		}

		c.pool.Put(conn)
		return reply, nil
	}

	return nil, fmt.Errorf("command failed after %d attempts: %w", c.config.RetryAttempts+1, lastErr)
}

func (c *Client) roundTrip(conn *poolConn, cmd []byte, retrieval bool) ([]byte, error) {
	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(cmd); err != nil {
		return nil, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
		return nil, err
	}
	if retrieval {
		return protocol.ReadRetrievalReply(conn.r)
	}
	return protocol.ReadLine(conn.r)
}

// Get retrieves the value stored under key.
//
// Returns:
//   - The value
//   - ErrCacheMiss if the key holds no value
//   - ErrBackendDown if the proxy cannot reach the key's cache node
//   - Error on network or server failure
func (c *Client) Get(key string) (string, error) {
	reply, err := c.Do(protocol.FormatGet(key))
	if err != nil {
		return "", err
	}
	if bytes.Equal(reply, protocol.ReplyBackendDown) {
		return "", ErrBackendDown
	}

	value, found, err := protocol.ParseValue(reply)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrCacheMiss
	}
	return string(value), nil
}

// Set stores value under key with an optional ttl (0 means no expiration).
//
// Example:
//
//	err := c.Set("config:timeout", "30", 0)
//	err = c.Set("session:abc", "user123", 30*time.Minute)
//
// Returns:
//   - nil once every replica stored the value
//   - ErrNotStored if a replica refused the write or the replica set is degraded
func (c *Client) Set(key, value string, ttl time.Duration) error {
	reply, err := c.Do(protocol.FormatSet(key, 0, int(ttl/time.Second), []byte(value)))
	if err != nil {
		return err
	}

	switch line := protocol.TrimDelimiter(reply); {
	case bytes.Equal(line, protocol.TokenStored):
		return nil
	case bytes.Equal(reply, protocol.ReplyNotStored), bytes.Equal(reply, protocol.ReplyError):
		return ErrNotStored
	default:
		return fmt.Errorf("unexpected reply: %s", line)
	}
}

// Delete removes key.
//
// Returns:
//   - nil if the key was deleted on every replica
//   - ErrNotFound if a cache node reported the key missing
//   - Error for any other reply
func (c *Client) Delete(key string) error {
	reply, err := c.Do(protocol.FormatDelete(key))
	if err != nil {
		return err
	}

	switch line := protocol.TrimDelimiter(reply); {
	case bytes.Equal(line, protocol.TokenDeleted):
		return nil
	case bytes.Equal(reply, protocol.ReplyNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("delete failed: %s", line)
	}
}

// Close closes every pooled connection. The client must not be used
// afterwards.
func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// Get obtains a connection from the pool, creating a new one if the pool is
// below its limit. At the limit it waits up to the connection timeout for
// one to be returned.
func (cp *ConnectionPool) Get() (*poolConn, error) {
	select {
	case conn, ok := <-cp.connections:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	default:
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if cp.created < cp.maxConns {
		cp.created++
		cp.mu.Unlock()

		dialer := &net.Dialer{Timeout: cp.connTimeout}
		conn, err := dialer.DialContext(context.Background(), "tcp", cp.address)
		if err != nil {
			cp.mu.Lock()
			cp.created--
			cp.mu.Unlock()
			return nil, err
		}
		return &poolConn{Conn: conn, r: bufio.NewReader(conn)}, nil
	}
	cp.mu.Unlock()

	select {
	case conn, ok := <-cp.connections:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	case <-time.After(cp.connTimeout):
		return nil, fmt.Errorf("connection pool timeout")
	}
}

// Put returns a healthy connection to the pool.
func (cp *ConnectionPool) Put(conn *poolConn) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		cp.closeConn(conn)
		return
	}
	select {
	case cp.connections <- conn:
	default:
		cp.closeConn(conn)
	}
}

// Discard closes a connection that failed and frees its slot.
func (cp *ConnectionPool) Discard(conn *poolConn) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	cp.closeConn(conn)
}

// closeConn must be called with cp.mu held.
func (cp *ConnectionPool) closeConn(conn *poolConn) {
	if err := conn.Close(); err != nil {
		log.Printf("Error closing connection: %v", err)
	}
	cp.created--
}

// Close closes every idle connection. Connections still in use are closed
// when they are returned.
func (cp *ConnectionPool) Close() {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return
	}
	cp.closed = true
	close(cp.connections)
	for conn := range cp.connections {
		cp.closeConn(conn)
	}
}
