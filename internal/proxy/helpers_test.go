package proxy

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cachemir/mirproxy/internal/backend"
	"github.com/cachemir/mirproxy/internal/instrument"
	"github.com/cachemir/mirproxy/pkg/protocol"
)

const waitTimeout = 2 * time.Second

type sent struct {
	req   *Request
	reply string
}

// chanSender records every reply handed to it.
type chanSender chan sent

func (s chanSender) Send(req *Request, reply []byte) {
	s <- sent{req: req, reply: string(reply)}
}

func (s chanSender) next(t *testing.T) sent {
	t.Helper()
	select {
	case v := <-s:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a reply")
		return sent{}
	}
}

type memorySink struct {
	mu      sync.Mutex
	records []instrument.Record
}

func (m *memorySink) Emit(r instrument.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) snapshot() []instrument.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]instrument.Record(nil), m.records...)
}

func startBackends(t *testing.T, n int) []*backend.Server {
	t.Helper()

	servers := make([]*backend.Server, n)
	for i := range servers {
		srv := backend.New("127.0.0.1:0")
		require.NoError(t, srv.Listen())
		go srv.Serve()
		t.Cleanup(func() { srv.Stop() })
		servers[i] = srv
	}
	return servers
}

func addrsOf(servers []*backend.Server) []string {
	addrs := make([]string, len(servers))
	for i, srv := range servers {
		addrs[i] = srv.Addr()
	}
	return addrs
}

// startScripted runs a listener whose connections are served by handle.
func startScripted(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// replyWith answers every framed command with reply(cmd).
func replyWith(reply func(cmd []byte) string) func(net.Conn) {
	return func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			cmd, err := protocol.ReadCommand(r)
			if err != nil {
				return
			}
			if _, err := conn.Write([]byte(reply(cmd))); err != nil {
				return
			}
		}
	}
}

// neverReply reads commands and never answers.
func neverReply(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		if _, err := protocol.ReadCommand(r); err != nil {
			return
		}
	}
}

func closedAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func runEngine(t *testing.T, cfg EngineConfig, queue chan *Request, sender Sender) *Engine {
	t.Helper()

	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = time.Second
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = 100
	}
	e, err := NewEngine(context.Background(), cfg, queue, sender)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func runReadPool(t *testing.T, cfg ReadPoolConfig, queue chan *Request, sender Sender) *ReadPool {
	t.Helper()

	cfg.ConnTimeout = time.Second
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second
	p, err := NewReadPool(context.Background(), cfg, queue, sender)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}
