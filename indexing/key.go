package indexing

import (
	"bytes"
	"encoding/hex"
)

// Key identifies a node in a NodeIndex. Keys order bytewise, so node ids encoded big-endian sort in
// document order.
type Key []byte

// NilKey represents an open bound in range scans.
var NilKey Key

// IsNil checks if the key is the NilKey (sentinel value).
func (k Key) IsNil() bool {
	return k == nil
}

// Equals checks if two keys have identical byte content.
func (k Key) Equals(other Key) bool {
	return bytes.Equal(k, other)
}

// Compare compares this key with another key.
// Returns:
//   - -1 if k < other
//   - 0 if k == other
//   - +1 if k > other
func (k Key) Compare(other Key) int {
	return bytes.Compare(k, other)
}

// DeepCopy creates a complete copy of the key. Keys stored in the tree must not share memory with
// caller buffers or with the journal reader's payload buffer.
func (k Key) DeepCopy() Key {
	if k.IsNil() {
		return NilKey
	}
	dst := make(Key, len(k))
	copy(dst, k)
	return dst
}

func (k Key) String() string {
	return hex.EncodeToString(k)
}
