package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/mirproxy/internal/backend"
	"github.com/cachemir/mirproxy/pkg/client"
	"github.com/cachemir/mirproxy/pkg/config"
)

func TestReplyKind(t *testing.T) {
	assert.Equal(t, "VALUE", replyKind([]byte("VALUE k 0 1\r\nv\r\nEND\r\n")))
	assert.Equal(t, "END", replyKind([]byte("END\r\n")))
	assert.Equal(t, "SERVER_ERROR queue full", replyKind([]byte("SERVER_ERROR queue full\r\n")))
	assert.Equal(t, "partial", replyKind([]byte("partial")))
}

func TestRun(t *testing.T) {
	srv := backend.New("127.0.0.1:0")
	require.NoError(t, srv.Listen())
	go srv.Serve()
	defer srv.Stop()

	c := client.NewWithConfig(&config.ClientConfig{
		Address:      srv.Addr(),
		MaxConns:     2,
		ConnTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	defer c.Close()

	res := run(c, options{
		workers:   2,
		duration:  100 * time.Millisecond,
		getRatio:  0.5,
		keys:      10,
		valueSize: 8,
		seed:      1,
	})

	require.Greater(t, res.ops, 0)
	assert.Zero(t, res.errors)
	assert.Equal(t, res.ops, res.replies["STORED"]+res.replies["VALUE"]+res.replies["END"])
	assert.Greater(t, res.replies["STORED"], 0)
}
