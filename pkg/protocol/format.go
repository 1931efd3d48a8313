package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// FormatSet builds "set <key> <flags> <exptime> <bytes>\r\n<value>\r\n".
func FormatSet(key string, flags uint32, exptime int, value []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "set %s %d %d %d\r\n", key, flags, exptime, len(value))
	buf.Write(value)
	buf.Write(Delimiter)
	return buf.Bytes()
}

// FormatGet builds "get <key>\r\n".
func FormatGet(key string) []byte {
	return []byte("get " + key + "\r\n")
}

// FormatDelete builds "delete <key>\r\n".
func FormatDelete(key string) []byte {
	return []byte("delete " + key + "\r\n")
}

// ParseValue extracts the data block of the first VALUE in a retrieval reply.
// found is false for a miss.
func ParseValue(reply []byte) (value []byte, found bool, err error) {
	if IsMiss(reply) {
		return nil, false, nil
	}
	if IsErrorReply(reply) {
		return nil, false, fmt.Errorf("server error: %s", TrimDelimiter(reply))
	}

	i := bytes.Index(reply, Delimiter)
	if i < 0 {
		return nil, false, ErrMalformedCommand
	}
	fields := bytes.Fields(reply[:i])
	if len(fields) < valueFieldsMin || !bytes.Equal(fields[0], []byte("VALUE")) {
		return nil, false, fmt.Errorf("unexpected reply: %q", TrimDelimiter(reply[:i]))
	}
	n, err := strconv.Atoi(string(fields[valueBytesField]))
	if err != nil || n < 0 {
		return nil, false, ErrMalformedCommand
	}

	start := i + len(Delimiter)
	if start+n > len(reply) {
		return nil, false, ErrBadDataChunk
	}
	return reply[start : start+n], true, nil
}
