package protocol

import (
	"bytes"
	"fmt"
)

// Key layout of the fixed-width load generator: commands look like
// "get <16-byte key>\r\n", "set <16-byte key> ...", "delete <16-byte key>".
const (
	DefaultGetKeyOffset    = 4
	DefaultSetKeyOffset    = 4
	DefaultDeleteKeyOffset = 7
	DefaultKeyLength       = 16
)

// KeyLocator finds the key inside a raw command.
type KeyLocator interface {
	Locate(cmd []byte) ([]byte, error)
}

// FixedLocator reads the key at a constant offset with a constant length. It
// only works for clients that emit constant-width keys right after a
// constant-width command prefix, but it costs nothing to evaluate.
type FixedLocator struct {
	Offset int
	Length int
}

// Locate returns cmd[Offset:Offset+Length].
func (l FixedLocator) Locate(cmd []byte) ([]byte, error) {
	end := l.Offset + l.Length
	if l.Offset < 0 || l.Length <= 0 || end > len(cmd) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrKeyNotFound, end, len(cmd))
	}
	return cmd[l.Offset:end], nil
}

// TokenLocator returns the second whitespace-separated token of the request
// line, which is where every memcached command keeps its (first) key.
type TokenLocator struct{}

// Locate returns the key token.
func (TokenLocator) Locate(cmd []byte) ([]byte, error) {
	line := cmd
	if i := bytes.IndexByte(cmd, '\n'); i >= 0 {
		line = cmd[:i]
	}
	fields := bytes.Fields(line)
	if len(fields) < 2 {
		return nil, ErrKeyNotFound
	}
	return fields[1], nil
}

// KeyLocators selects a locator per operation kind.
type KeyLocators struct {
	Get    KeyLocator
	Set    KeyLocator
	Delete KeyLocator
}

// For returns the locator for op.
func (k KeyLocators) For(op Op) KeyLocator {
	switch op {
	case OpGet:
		return k.Get
	case OpDelete:
		return k.Delete
	default:
		return k.Set
	}
}

// FixedLocators builds fixed-offset locators sharing one key length.
func FixedLocators(getOffset, setOffset, deleteOffset, length int) KeyLocators {
	return KeyLocators{
		Get:    FixedLocator{Offset: getOffset, Length: length},
		Set:    FixedLocator{Offset: setOffset, Length: length},
		Delete: FixedLocator{Offset: deleteOffset, Length: length},
	}
}

// DefaultFixedLocators matches the fixed-width load generator layout.
func DefaultFixedLocators() KeyLocators {
	return FixedLocators(DefaultGetKeyOffset, DefaultSetKeyOffset, DefaultDeleteKeyOffset, DefaultKeyLength)
}

// TokenLocators locates keys by token for every operation kind.
func TokenLocators() KeyLocators {
	return KeyLocators{Get: TokenLocator{}, Set: TokenLocator{}, Delete: TokenLocator{}}
}
