// Package protocol implements the line-oriented memcached text protocol as far
// as the proxy needs it.
//
// The proxy does not interpret commands beyond two questions: which operation
// kind a command is (GET, SET or DELETE), and where its key is. Everything
// else is forwarded byte for byte.
//
// Framing:
//   - Every request and reply line ends with the 2-byte delimiter "\r\n"
//   - Storage commands (set, add, replace, append, prepend, cas) carry a data
//     block of <bytes> octets followed by the delimiter
//   - Retrieval replies are zero or more VALUE blocks terminated by "END\r\n"
//
// Example usage:
//
//	r := bufio.NewReader(conn)
//	cmd, err := protocol.ReadCommand(r)
//	if err != nil {
//		return err
//	}
//
//	switch protocol.Classify(cmd) {
//	case protocol.OpGet:
//		// route to a read worker
//	default:
//		// fan out to replicas
//	}
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// MaxDataBlock bounds the <bytes> field of storage commands and VALUE replies.
const MaxDataBlock = 1024 * 1024

const (
	storageFieldsMin = 5 // set <key> <flags> <exptime> <bytes>
	bytesField       = 4
	valueFieldsMin   = 4 // VALUE <key> <flags> <bytes>
	valueBytesField  = 3
)

// Delimiter terminates every request and reply line.
var Delimiter = []byte("\r\n")

var tokenNoReply = []byte("noreply")

// Reply tokens and complete reply lines.
var (
	TokenStored  = []byte("STORED")
	TokenDeleted = []byte("DELETED")
	TokenEnd     = []byte("END")

	ReplyStored        = []byte("STORED\r\n")
	ReplyDeleted       = []byte("DELETED\r\n")
	ReplyError         = []byte("ERROR\r\n")
	ReplyEnd           = []byte("END\r\n")
	ReplyBadCommand    = []byte("CLIENT_ERROR bad command line format\r\n")
	ReplyBadDataChunk  = []byte("CLIENT_ERROR bad data chunk\r\n")
	ReplyQueueFull     = []byte("SERVER_ERROR queue full\r\n")
	ReplyBackendDown   = []byte("SERVER_ERROR backend unavailable\r\n")
	ReplyNotStored     = []byte("NOT_STORED\r\n")
	ReplyNotFound      = []byte("NOT_FOUND\r\n")
	ReplyTooLarge      = []byte("SERVER_ERROR object too large for cache\r\n")
	ReplyLineTooLong   = []byte("CLIENT_ERROR line too long\r\n")
	ReplyServerErrPref = []byte("SERVER_ERROR")
	ReplyClientErrPref = []byte("CLIENT_ERROR")
)

var (
	// ErrMalformedCommand is returned for a request line that cannot be framed.
	ErrMalformedCommand = errors.New("malformed command")
	// ErrBadDataChunk is returned when a data block is not followed by the delimiter.
	ErrBadDataChunk = errors.New("bad data chunk")
	// ErrLineTooLong is returned when a line does not fit the reader's buffer.
	// The stream cannot be resynchronized after it.
	ErrLineTooLong = errors.New("line too long")
	// ErrDataTooLarge is returned when a data block exceeds MaxDataBlock.
	// ReadCommand skips the oversized block, so reading may continue.
	ErrDataTooLarge = errors.New("object too large for cache")
	// ErrKeyNotFound is returned by a KeyLocator that cannot find a key.
	ErrKeyNotFound = errors.New("key not found in command")
)

// Op is the operation kind of a command as far as routing is concerned.
type Op uint8

const (
	OpSet    Op = iota // any mutating command other than delete
	OpGet              // get, gets
	OpDelete           // delete
)

// String returns the lower-case name used in instrumentation records.
func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpDelete:
		return "delete"
	default:
		return "set"
	}
}

// Classify determines the operation kind from the command's leading token.
// Anything that is not a retrieval or a delete is treated as a set.
func Classify(cmd []byte) Op {
	switch string(bytes.ToLower(leadingToken(cmd))) {
	case "get", "gets":
		return OpGet
	case "delete":
		return OpDelete
	default:
		return OpSet
	}
}

func leadingToken(cmd []byte) []byte {
	end := bytes.IndexAny(cmd, " \r\n")
	if end < 0 {
		return cmd
	}
	return cmd[:end]
}

func isStorage(token []byte) bool {
	switch string(bytes.ToLower(token)) {
	case "set", "add", "replace", "append", "prepend", "cas":
		return true
	}
	return false
}

// ReadLine reads one delimited line and returns a copy including the
// delimiter. A line split across several socket reads is reassembled.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, ErrLineTooLong
	case errors.Is(err, io.EOF) && len(line) > 0:
		return nil, io.ErrUnexpectedEOF
	default:
		return nil, err
	}

	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

// ReadCommand reads one complete command: the request line and, for storage
// commands, the data block with its trailing delimiter.
//
// A malformed request line is consumed before ErrMalformedCommand is
// returned, so the caller may answer it and keep reading.
func ReadCommand(r *bufio.Reader) ([]byte, error) {
	line, err := ReadLine(r)
	if err != nil {
		return nil, err
	}

	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return nil, ErrMalformedCommand
	}
	if !isStorage(fields[0]) {
		return line, nil
	}

	if len(fields) < storageFieldsMin {
		return nil, ErrMalformedCommand
	}
	n, err := parseLength(fields[bytesField])
	if errors.Is(err, ErrDataTooLarge) {
		if _, derr := r.Discard(n + len(Delimiter)); derr != nil {
			return nil, derr
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	return readBlock(r, line, n)
}

// StripNoReply removes a trailing noreply token from the request line of a
// mutation and reports whether it was there. Retrieval commands are returned
// unchanged.
func StripNoReply(cmd []byte) ([]byte, bool) {
	end := bytes.Index(cmd, Delimiter)
	if end < 0 || Classify(cmd) == OpGet {
		return cmd, false
	}

	fields := bytes.Fields(cmd[:end])
	if len(fields) == 0 || len(fields) < noReplyMinFields(fields[0]) || !bytes.EqualFold(fields[len(fields)-1], tokenNoReply) {
		return cmd, false
	}

	line := bytes.TrimRight(cmd[:end], " ")
	line = bytes.TrimRight(line[:len(line)-len(tokenNoReply)], " ")
	out := make([]byte, 0, len(cmd))
	out = append(out, line...)
	return append(out, cmd[end:]...), true
}

// noReplyMinFields is the field count of a command carrying noreply, so a key
// named "noreply" is not mistaken for the token.
func noReplyMinFields(token []byte) int {
	switch {
	case bytes.EqualFold(token, []byte("cas")):
		return storageFieldsMin + 2
	case isStorage(token):
		return storageFieldsMin + 1
	default:
		return 3
	}
}

// ReadRetrievalReply reads a complete reply to a get/gets: any number of
// VALUE blocks and the terminating END line. An error line (ERROR,
// CLIENT_ERROR, SERVER_ERROR) or any other single line ends the reply too.
func ReadRetrievalReply(r *bufio.Reader) ([]byte, error) {
	var reply []byte
	for {
		line, err := ReadLine(r)
		if err != nil {
			return nil, err
		}

		fields := bytes.Fields(line)
		if len(fields) == 0 || !bytes.Equal(fields[0], []byte("VALUE")) {
			return append(reply, line...), nil
		}
		if len(fields) < valueFieldsMin {
			return nil, fmt.Errorf("malformed VALUE line: %q", bytes.TrimRight(line, "\r\n"))
		}
		n, err := parseLength(fields[valueBytesField])
		if err != nil {
			return nil, err
		}

		block, err := readBlock(r, line, n)
		if err != nil {
			return nil, err
		}
		reply = append(reply, block...)
	}
}

func parseLength(field []byte) (int, error) {
	n, err := strconv.Atoi(string(field))
	if err != nil || n < 0 {
		return 0, ErrMalformedCommand
	}
	if n > MaxDataBlock {
		return n, fmt.Errorf("%w: %d bytes", ErrDataTooLarge, n)
	}
	return n, nil
}

// readBlock appends n data bytes plus the delimiter to head.
func readBlock(r *bufio.Reader, head []byte, n int) ([]byte, error) {
	out := make([]byte, len(head)+n+len(Delimiter))
	copy(out, head)
	if _, err := io.ReadFull(r, out[len(head):]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if !bytes.HasSuffix(out, Delimiter) {
		return nil, ErrBadDataChunk
	}
	return out, nil
}

// TrimDelimiter strips a trailing "\r\n" (or bare "\n").
func TrimDelimiter(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// IsMiss reports whether a retrieval reply carries no value.
func IsMiss(reply []byte) bool {
	return bytes.HasPrefix(reply, TokenEnd)
}

// IsErrorReply reports whether a reply is one of the protocol's error lines.
func IsErrorReply(reply []byte) bool {
	return bytes.HasPrefix(reply, ReplyError[:len(ReplyError)-2]) ||
		bytes.HasPrefix(reply, ReplyServerErrPref) ||
		bytes.HasPrefix(reply, ReplyClientErrPref)
}

// ExpectedToken returns the reply token a backend sends when a mutation of
// kind op succeeds.
func ExpectedToken(op Op) []byte {
	if op == OpDelete {
		return TokenDeleted
	}
	return TokenStored
}

// SuccessReply returns the client-visible reply for a mutation of kind op
// that every replica acknowledged.
func SuccessReply(op Op) []byte {
	if op == OpDelete {
		return ReplyDeleted
	}
	return ReplyStored
}
