package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cachemir/mirproxy/pkg/protocol"
)

const (
	// Relative expiration times beyond this many seconds are unix timestamps.
	maxRelativeExptime = 60 * 60 * 24 * 30
	storageFields      = 5
	version            = "mirproxy-backend 1.0"
)

// Server is a cache node listening for text-protocol clients.
//
// Example:
//
//	srv := backend.New("127.0.0.1:0")
//	if err := srv.Listen(); err != nil {
//		log.Fatal(err)
//	}
//	go srv.Serve()
//	defer srv.Stop()
//	fmt.Println("cache node on", srv.Addr())
type Server struct {
	store    *Store
	listener net.Listener
	addr     string
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// New creates a Server that will listen on addr. It does not listen until
// Listen or Start is called.
func New(addr string) *Server {
	return &Server{
		store: NewStore(),
		addr:  addr,
		conns: make(map[net.Conn]struct{}),
	}
}

// Store exposes the server's storage, mostly for tests.
func (s *Server) Store() *Store {
	return s.store
}

// Listen binds the TCP listener.
func (s *Server) Listen() error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections and handles each in its own goroutine. It
// returns nil once the listener is closed by Stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	log.Printf("Cache node listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Failed to accept connection: %v", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to return.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.store.Close()
	return err
}

// handleConnection serves one client until it disconnects. Replies are
// flushed once no further pipelined command is buffered.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		cmd, err := protocol.ReadCommand(r)
		var reply []byte
		switch {
		case err == nil:
			reply = s.executeCommand(cmd)
		case errors.Is(err, protocol.ErrMalformedCommand):
			reply = protocol.ReplyBadCommand
		case errors.Is(err, protocol.ErrBadDataChunk):
			reply = protocol.ReplyBadDataChunk
		case errors.Is(err, protocol.ErrDataTooLarge):
			reply = protocol.ReplyTooLarge
		case errors.Is(err, protocol.ErrLineTooLong):
			w.Write(protocol.ReplyLineTooLong)
			w.Flush()
			return
		default:
			return
		}

		if _, err := w.Write(reply); err != nil {
			return
		}
		if r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

type commandHandler func(fields [][]byte, data []byte) []byte

// executeCommand dispatches one framed command to its handler.
func (s *Server) executeCommand(cmd []byte) []byte {
	line := cmd
	var data []byte
	if i := bytes.Index(cmd, protocol.Delimiter); i >= 0 {
		line = cmd[:i]
		if rest := cmd[i+len(protocol.Delimiter):]; len(rest) >= len(protocol.Delimiter) {
			data = rest[:len(rest)-len(protocol.Delimiter)]
		}
	}

	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return protocol.ReplyError
	}
	if handler := s.getCommandHandler(string(bytes.ToLower(fields[0]))); handler != nil {
		return handler(fields, data)
	}
	return protocol.ReplyError
}

func (s *Server) getCommandHandler(name string) commandHandler {
	handlers := map[string]commandHandler{
		"get":       s.handleGet,
		"gets":      s.handleGet,
		"set":       s.storageHandler(s.store.Set),
		"add":       s.conditionalHandler(s.store.Add),
		"replace":   s.conditionalHandler(s.store.Replace),
		"delete":    s.handleDelete,
		"version":   s.handleVersion,
		"flush_all": s.handleFlushAll,
	}
	return handlers[name]
}

// handleGet returns a VALUE block per present key followed by END.
func (s *Server) handleGet(fields [][]byte, _ []byte) []byte {
	if len(fields) < 2 {
		return protocol.ReplyError
	}

	var buf bytes.Buffer
	for _, key := range fields[1:] {
		item, ok := s.store.Get(string(key))
		if !ok {
			continue
		}
		fmt.Fprintf(&buf, "VALUE %s %d %d\r\n", key, item.Flags, len(item.Value))
		buf.Write(item.Value)
		buf.Write(protocol.Delimiter)
	}
	buf.Write(protocol.ReplyEnd)
	return buf.Bytes()
}

type storeFunc func(key string, value []byte, flags uint32, ttl time.Duration)

type condStoreFunc func(key string, value []byte, flags uint32, ttl time.Duration) bool

func (s *Server) storageHandler(store storeFunc) commandHandler {
	return s.conditionalHandler(func(key string, value []byte, flags uint32, ttl time.Duration) bool {
		store(key, value, flags, ttl)
		return true
	})
}

// conditionalHandler parses "<cmd> <key> <flags> <exptime> <bytes>" and
// answers STORED or NOT_STORED.
func (s *Server) conditionalHandler(store condStoreFunc) commandHandler {
	return func(fields [][]byte, data []byte) []byte {
		if len(fields) < storageFields {
			return protocol.ReplyBadCommand
		}
		flags, err := strconv.ParseUint(string(fields[2]), 10, 32)
		if err != nil {
			return protocol.ReplyBadCommand
		}
		exptime, err := strconv.ParseInt(string(fields[3]), 10, 64)
		if err != nil {
			return protocol.ReplyBadCommand
		}

		if !store(string(fields[1]), data, uint32(flags), ttlFromExptime(exptime, time.Now())) {
			return protocol.ReplyNotStored
		}
		return protocol.ReplyStored
	}
}

func (s *Server) handleDelete(fields [][]byte, _ []byte) []byte {
	if len(fields) < 2 {
		return protocol.ReplyError
	}
	if s.store.Delete(string(fields[1])) {
		return protocol.ReplyDeleted
	}
	return protocol.ReplyNotFound
}

func (s *Server) handleVersion(_ [][]byte, _ []byte) []byte {
	return []byte("VERSION " + version + "\r\n")
}

func (s *Server) handleFlushAll(_ [][]byte, _ []byte) []byte {
	s.store.FlushAll()
	return []byte("OK\r\n")
}

// ttlFromExptime converts a protocol exptime (relative seconds, or a unix
// timestamp beyond thirty days) into a ttl. Negative values expire at once.
func ttlFromExptime(exptime int64, now time.Time) time.Duration {
	switch {
	case exptime == 0:
		return 0
	case exptime < 0:
		return time.Nanosecond
	case exptime > maxRelativeExptime:
		ttl := time.Unix(exptime, 0).Sub(now)
		if ttl <= 0 {
			return time.Nanosecond
		}
		return ttl
	default:
		return time.Duration(exptime) * time.Second
	}
}
