package backend

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/mirproxy/pkg/protocol"
)

func TestStoreBasicOperations(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.Set("key1", []byte("value1"), 7, 0)

	item, ok := s.Get("key1")
	require.True(t, ok)
	assert.Equal(t, "value1", string(item.Value))
	assert.Equal(t, uint32(7), item.Flags)

	assert.False(t, s.Add("key1", []byte("other"), 0, 0))
	assert.True(t, s.Replace("key1", []byte("value2"), 0, 0))
	assert.True(t, s.Add("key2", []byte("x"), 0, 0))
	assert.False(t, s.Replace("missing", []byte("x"), 0, 0))
	assert.Equal(t, 2, s.Len())

	assert.True(t, s.Delete("key1"))
	assert.False(t, s.Delete("key1"))

	s.FlushAll()
	assert.Equal(t, 0, s.Len())
}

func TestStoreExpiration(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.Set("temp_key", []byte("temp_value"), 0, 50*time.Millisecond)
	_, ok := s.Get("temp_key")
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond)

	_, ok = s.Get("temp_key")
	assert.False(t, ok)
	assert.True(t, s.Add("temp_key", []byte("again"), 0, 0), "expired key can be added")
}

func TestStoreCopiesValue(t *testing.T) {
	s := NewStore()
	defer s.Close()

	value := []byte("abc")
	s.Set("k", value, 0, 0)
	value[0] = 'z'

	item, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "abc", string(item.Value))
}

func TestTTLFromExptime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	assert.Equal(t, time.Duration(0), ttlFromExptime(0, now))
	assert.Equal(t, 10*time.Second, ttlFromExptime(10, now))
	assert.Equal(t, time.Nanosecond, ttlFromExptime(-1, now))
	assert.Equal(t, time.Minute, ttlFromExptime(now.Unix()+60, now))
	assert.Equal(t, time.Nanosecond, ttlFromExptime(now.Unix()-60, now))
}

func startServer(t *testing.T) *Server {
	t.Helper()

	srv := New("127.0.0.1:0")
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestServerCommands(t *testing.T) {
	srv := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	roundTrip := func(cmd string) string {
		t.Helper()
		_, err := conn.Write([]byte(cmd))
		require.NoError(t, err)
		reply, err := protocol.ReadRetrievalReply(r)
		require.NoError(t, err)
		return string(reply)
	}

	assert.Equal(t, "END\r\n", roundTrip("get foo\r\n"))
	assert.Equal(t, "STORED\r\n", roundTrip("set foo 5 0 3\r\nbar\r\n"))
	assert.Equal(t, "VALUE foo 5 3\r\nbar\r\nEND\r\n", roundTrip("get foo\r\n"))
	assert.Equal(t, "VALUE foo 5 3\r\nbar\r\nEND\r\n", roundTrip("GETS foo missing\r\n"))
	assert.Equal(t, "NOT_STORED\r\n", roundTrip("add foo 0 0 1\r\nx\r\n"))
	assert.Equal(t, "NOT_STORED\r\n", roundTrip("replace nope 0 0 1\r\nx\r\n"))
	assert.Equal(t, "DELETED\r\n", roundTrip("delete foo\r\n"))
	assert.Equal(t, "NOT_FOUND\r\n", roundTrip("delete foo\r\n"))
	assert.Equal(t, "ERROR\r\n", roundTrip("incr foo 1\r\n"))
	assert.Equal(t, "CLIENT_ERROR bad command line format\r\n", roundTrip("set foo 0 0\r\n"))
	assert.Contains(t, roundTrip("version\r\n"), "VERSION ")
	assert.Equal(t, "OK\r\n", roundTrip("flush_all\r\n"))
	oversized := string(protocol.FormatSet("big", 0, 0, make([]byte, protocol.MaxDataBlock+1)))
	assert.Equal(t, string(protocol.ReplyTooLarge), roundTrip(oversized))
	assert.Equal(t, "END\r\n", roundTrip("get big\r\n"))
	assert.Equal(t, "CLIENT_ERROR bad data chunk\r\n", roundTrip("set foo 0 0 2\r\nabc\r\n"))
}

func TestServerPipelining(t *testing.T) {
	srv := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("set a 0 0 1\r\n1\r\nset b 0 0 1\r\n2\r\nget b\r\ndelete a\r\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	want := []string{"STORED\r\n", "STORED\r\n", "VALUE b 0 1\r\n2\r\nEND\r\n", "DELETED\r\n"}
	for _, w := range want {
		reply, err := protocol.ReadRetrievalReply(r)
		require.NoError(t, err)
		assert.Equal(t, w, string(reply))
	}

	_, ok := srv.Store().Get("b")
	assert.True(t, ok)
}

func TestServerStop(t *testing.T) {
	srv := New("127.0.0.1:0")
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, srv.Stop())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}
