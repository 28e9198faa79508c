package journal

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"mit.edu/dsg/journaldb/common"
)

const blobEntry EntryType = 0x7F

// blob is a test Loggable with an arbitrary payload.
type blob struct {
	Base
	data []byte
}

func newBlob(txnID common.TransactionID, data []byte) *blob {
	return &blob{Base: NewBase(blobEntry, txnID), data: data}
}

func (b *blob) LogSize() int     { return len(b.data) }
func (b *blob) Write(out []byte) { copy(out, b.data) }

func (b *blob) Read(in []byte) error {
	b.data = bytes.Clone(in)
	return nil
}

func (b *blob) Redo() error  { return nil }
func (b *blob) Undo() error  { return nil }
func (b *blob) Dump() string { return fmt.Sprintf("%s - %q", b.dumpPrefix("BLOB"), b.data) }

func testRegistry(t *testing.T) *Registry {
	r := NewRegistry()
	require.NoError(t, r.Register(blobEntry, "BLOB", func(txnID common.TransactionID) Loggable {
		return &blob{Base: NewBase(blobEntry, txnID)}
	}))
	return r
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.BufferSize = 0 // normalized to the smallest buffer that fits one entry
	return opts
}

func openTestJournal(t *testing.T, dir string, opts Options) *Journal {
	j, err := NewJournal(dir, opts, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Shutdown(0, false) })
	return j
}

// writeRawFile writes a journal header followed by the given framed entries.
func writeRawFile(t *testing.T, path string, entries ...[]byte) {
	data := encodeFileHeader()
	for _, e := range entries {
		data = append(data, e...)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func mustEncode(t *testing.T, l Loggable) []byte {
	b, err := EncodeEntry(l)
	require.NoError(t, err)
	return b
}

// readAll scans a file forward and returns its entries.
func readAll(t *testing.T, path string, n int16, registry *Registry) ([]Loggable, *Reader, error) {
	r, err := OpenReader(path, n, registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	var out []Loggable
	for {
		l, err := r.NextEntry()
		if err != nil {
			return out, r, err
		}
		if l == nil {
			return out, r, nil
		}
		out = append(out, l)
	}
}

func repeat(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}
