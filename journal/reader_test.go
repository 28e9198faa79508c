package journal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mit.edu/dsg/journaldb/common"
)

func TestEncodeEntry_Layout(t *testing.T) {
	raw := mustEncode(t, newBlob(42, []byte("ABC")))
	require.Len(t, raw, LogEntryBaseLen+3)

	assert.Equal(t, byte(blobEntry), raw[0])
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(raw[1:]))
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(raw[9:]))
	assert.Equal(t, []byte("ABC"), raw[11:14])
	assert.Equal(t, uint16(3+LogEntryHeaderLen), binary.BigEndian.Uint16(raw[14:]))

	h := xxhash.NewWithSeed(XXHash64Seed)
	_, _ = h.Write(raw[:LogEntryHeaderLen])
	_, _ = h.Write(raw[LogEntryHeaderLen:14])
	_, _ = h.Write(raw[14:16])
	assert.Equal(t, h.Sum64(), binary.BigEndian.Uint64(raw[16:]))
}

func TestEncodeEntry_TooLarge(t *testing.T) {
	_, err := EncodeEntry(newBlob(1, make([]byte, MaxPayloadSize+1)))
	require.Error(t, err)
	var je *Error
	require.ErrorAs(t, err, &je)
	assert.Equal(t, common.EntryTooLargeError, je.Code)

	_, err = EncodeEntry(newBlob(1, make([]byte, MaxPayloadSize)))
	assert.NoError(t, err)
}

func TestReader_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	registry := testRegistry(t)
	j := openTestJournal(t, dir, testOptions())

	written := []Loggable{
		NewTxnStart(1),
		newBlob(1, []byte("hello")),
		newBlob(1, nil),
		newBlob(2, repeat(0x5A, 4000)),
		NewTxnAbort(2),
		NewTxnCommit(1),
	}
	for _, l := range written {
		_, err := j.WriteToLog(l)
		require.NoError(t, err)
	}
	_, err := j.Checkpoint(9, false)
	require.NoError(t, err)
	require.NoError(t, j.Shutdown(0, false))

	entries, r, err := readAll(t, j.File(1), 1, registry)
	require.NoError(t, err)
	assert.False(t, r.TornTail())
	require.Len(t, entries, len(written)+1)

	for i, w := range written {
		got := entries[i]
		assert.Equal(t, w.Type(), got.Type(), "entry %d", i)
		assert.Equal(t, w.TransactionID(), got.TransactionID(), "entry %d", i)
		assert.Equal(t, w.Lsn(), got.Lsn(), "entry %d", i)
		if b, ok := w.(*blob); ok {
			assert.Equal(t, len(b.data), len(got.(*blob).data), "entry %d", i)
			assert.Equal(t, string(b.data), string(got.(*blob).data), "entry %d", i)
		}
	}
	cp, ok := entries[len(written)].(*Checkpoint)
	require.True(t, ok)
	assert.Equal(t, common.TransactionID(9), cp.TransactionID())
	assert.NotZero(t, cp.Timestamp)
	assert.Contains(t, cp.Dump(), "CHECKPOINT")
}

func TestReader_LastEntryABC(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(1))
	raw := mustEncode(t, newBlob(5, []byte("ABC")))
	assert.Equal(t, uint16(3+LogEntryHeaderLen), binary.BigEndian.Uint16(raw[LogEntryHeaderLen+3:]))
	writeRawFile(t, path, raw)

	r, err := OpenReader(path, 1, testRegistry(t))
	require.NoError(t, err)
	defer r.Close()

	l, err := r.LastEntry()
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "ABC", string(l.(*blob).data))
	assert.Equal(t, common.TransactionID(5), l.TransactionID())
	assert.Equal(t, common.NewLsn(1, JournalHeaderLen+1), l.Lsn())

	// Nothing before the only entry.
	l, err = r.PreviousEntry()
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestReader_ChecksumSensitivity(t *testing.T) {
	dir := t.TempDir()
	registry := testRegistry(t)
	first := mustEncode(t, newBlob(7, []byte("ABC")))
	// The trailing entry is long enough that a damaged size field never points past the end of the file.
	second := mustEncode(t, newBlob(8, repeat(0xAA, 600)))

	path := filepath.Join(dir, FileName(1))
	for i := range first {
		damaged := append([]byte(nil), first...)
		damaged[i] ^= 0xFF
		writeRawFile(t, path, damaged, second)

		r, err := OpenReader(path, 1, registry)
		require.NoError(t, err)
		l, err := r.NextEntry()
		assert.Nil(t, l, "byte %d", i)
		assert.True(t, IsCorruption(err), "byte %d: %v", i, err)
		require.NoError(t, r.Close())
	}

	// Damage to a later entry does not affect the one before it.
	damaged := append([]byte(nil), second...)
	damaged[LogEntryHeaderLen+10] ^= 0xFF
	writeRawFile(t, path, first, damaged)
	r, err := OpenReader(path, 1, registry)
	require.NoError(t, err)
	defer r.Close()
	l, err := r.NextEntry()
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(l.(*blob).data))
	_, err = r.NextEntry()
	assert.True(t, IsCorruption(err))
}

func TestReader_DamagedSizeIsNotATornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(1))
	registry := testRegistry(t)
	first := mustEncode(t, newBlob(1, []byte("first")))
	middle := mustEncode(t, newBlob(2, []byte("middle")))
	last := mustEncode(t, newBlob(3, []byte("last")))
	// The high byte of SIZE makes the middle entry claim to run far past the end of the file.
	middle[offsetSize] ^= 0x40
	writeRawFile(t, path, first, middle, last)

	got, r, err := readAll(t, path, 1, registry)
	require.Error(t, err)
	assert.True(t, IsCorruption(err), "%v", err)
	assert.False(t, r.TornTail())
	require.Len(t, got, 1)
	assert.Equal(t, "first", string(got[0].(*blob).data))
}

func TestReader_CorruptionCarriesEntryContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(3))
	raw := mustEncode(t, newBlob(77, []byte("payload")))
	raw[LogEntryHeaderLen] ^= 0x01
	writeRawFile(t, path, raw)

	r, err := OpenReader(path, 3, testRegistry(t))
	require.NoError(t, err)
	defer r.Close()
	_, err = r.NextEntry()
	var je *Error
	require.ErrorAs(t, err, &je)
	assert.Equal(t, common.JournalCorruptionError, je.Code)
	assert.True(t, je.HasEntry)
	assert.Equal(t, blobEntry, je.Type)
	assert.Equal(t, 7, je.Size)
	assert.Equal(t, common.TransactionID(77), je.TxnID)
	assert.Equal(t, common.NewLsn(3, JournalHeaderLen+1), je.Lsn)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestReader_ForgedBackLink(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(1))
	raw := mustEncode(t, newBlob(1, []byte("ABC")))

	// Forge the back link and recompute a valid checksum so that only the back link is wrong.
	backLinkOffset := LogEntryHeaderLen + 3
	binary.BigEndian.PutUint16(raw[backLinkOffset:], uint16(3+LogEntryHeaderLen+1))
	h := xxhash.NewWithSeed(XXHash64Seed)
	_, _ = h.Write(raw[:backLinkOffset+LogEntryBackLinkLen])
	binary.BigEndian.PutUint64(raw[backLinkOffset+LogEntryBackLinkLen:], h.Sum64())
	writeRawFile(t, path, raw)

	r, err := OpenReader(path, 1, testRegistry(t))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.NextEntry()
	assert.True(t, IsCorruption(err))
	assert.Contains(t, err.Error(), "back link")

	_, err = r.LastEntry()
	assert.True(t, IsCorruption(err))
}

func TestReader_ForwardBackwardSymmetry(t *testing.T) {
	dir := t.TempDir()
	registry := testRegistry(t)
	j := openTestJournal(t, dir, testOptions())
	for i := 0; i < 60; i++ {
		_, err := j.WriteToLog(newBlob(common.TransactionID(i%4), repeat(byte(i), (i*37)%500)))
		require.NoError(t, err)
	}
	require.NoError(t, j.Shutdown(0, false))

	r, err := OpenReader(j.File(1), 1, registry)
	require.NoError(t, err)
	defer r.Close()

	var forward []common.Lsn
	for {
		l, err := r.NextEntry()
		require.NoError(t, err)
		if l == nil {
			break
		}
		forward = append(forward, l.Lsn())
	}
	require.Len(t, forward, 60)
	assert.Equal(t, r.Size(), r.Offset())

	var backward []common.Lsn
	for {
		l, err := r.PreviousEntry()
		require.NoError(t, err)
		if l == nil {
			break
		}
		backward = append(backward, l.Lsn())
	}
	require.Len(t, backward, len(forward))
	for i := range forward {
		assert.Equal(t, forward[i], backward[len(backward)-1-i])
	}
	assert.Equal(t, int64(JournalHeaderLen), r.Offset())
}

func TestReader_Position(t *testing.T) {
	dir := t.TempDir()
	registry := testRegistry(t)
	j := openTestJournal(t, dir, testOptions())
	var lsns []common.Lsn
	for i := 0; i < 5; i++ {
		lsn, err := j.WriteToLog(newBlob(1, repeat(byte(i), i+1)))
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, j.Shutdown(0, false))

	r, err := OpenReader(j.File(1), 1, registry)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Position(lsns[3]))
	l, err := r.NextEntry()
	require.NoError(t, err)
	assert.Equal(t, lsns[3], l.Lsn())

	r.PositionFirst()
	l, err = r.NextEntry()
	require.NoError(t, err)
	assert.Equal(t, lsns[0], l.Lsn())

	assert.Error(t, r.Position(common.NewLsn(2, lsns[0].Offset)))
	assert.Error(t, r.Position(common.NewLsn(1, r.Size()+10)))
}

func TestReader_Truncation(t *testing.T) {
	dir := t.TempDir()
	registry := testRegistry(t)

	var entries [][]byte
	boundaries := []int{JournalHeaderLen}
	for i := 0; i < 6; i++ {
		e := mustEncode(t, newBlob(common.TransactionID(i), repeat(byte('a'+i), i*5)))
		entries = append(entries, e)
		boundaries = append(boundaries, boundaries[len(boundaries)-1]+len(e))
	}
	full := filepath.Join(dir, "full.log")
	writeRawFile(t, full, entries...)
	data, err := os.ReadFile(full)
	require.NoError(t, err)

	path := filepath.Join(dir, FileName(1))
	for size := JournalHeaderLen; size <= len(data); size++ {
		require.NoError(t, os.WriteFile(path, data[:size], 0644))

		complete := 0
		atBoundary := false
		for k, b := range boundaries {
			if b <= size {
				complete = k
			}
			if b == size {
				atBoundary = true
			}
		}

		got, r, err := readAll(t, path, 1, registry)
		require.NoError(t, err, "truncated at %d", size)
		assert.Len(t, got, complete, "truncated at %d", size)
		assert.Equal(t, !atBoundary, r.TornTail(), "truncated at %d", size)
		assert.Equal(t, int64(boundaries[complete]), r.Offset(), "truncated at %d", size)
	}
}

func TestReader_FormatErrors(t *testing.T) {
	dir := t.TempDir()
	registry := testRegistry(t)
	path := filepath.Join(dir, FileName(1))

	require.NoError(t, os.WriteFile(path, []byte{0x0E, 0x0D, 0x1E}, 0644))
	_, err := OpenReader(path, 1, registry)
	assert.True(t, IsFormat(err), "short header: %v", err)

	require.NoError(t, os.WriteFile(path, []byte{0xCA, 0xFE, 0xBA, 0xBE, 0x00, 0x03}, 0644))
	_, err = OpenReader(path, 1, registry)
	assert.True(t, IsFormat(err), "bad magic: %v", err)

	header := encodeFileHeader()
	binary.BigEndian.PutUint16(header[4:], uint16(JournalVersion+1))
	require.NoError(t, os.WriteFile(path, header, 0644))
	_, err = OpenReader(path, 1, registry)
	assert.True(t, IsFormat(err), "wrong version: %v", err)
	assert.Contains(t, err.Error(), "version")

	_, err = OpenReader(filepath.Join(dir, FileName(2)), 2, registry)
	var je *Error
	require.ErrorAs(t, err, &je)
	assert.Equal(t, common.JournalIOError, je.Code)
}

func TestReader_UnknownEntryType(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(1))
	writeRawFile(t, path, mustEncode(t, newBlob(1, []byte("x"))))

	// A registry without the blob factory
	r, err := OpenReader(path, 1, NewRegistry())
	require.NoError(t, err)
	defer r.Close()
	_, err = r.NextEntry()
	assert.True(t, IsCorruption(err))
	assert.Contains(t, err.Error(), "unknown entry type")
}

func TestReader_NegativeSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(1))
	raw := mustEncode(t, newBlob(1, []byte("x")))
	binary.BigEndian.PutUint16(raw[offsetSize:], 0x8001)
	writeRawFile(t, path, raw)

	r, err := OpenReader(path, 1, testRegistry(t))
	require.NoError(t, err)
	defer r.Close()
	_, err = r.NextEntry()
	assert.True(t, IsCorruption(err))
}

func TestReader_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(1))
	writeRawFile(t, path)

	r, err := OpenReader(path, 1, testRegistry(t))
	require.NoError(t, err)
	defer r.Close()
	l, err := r.NextEntry()
	require.NoError(t, err)
	assert.Nil(t, l)
	l, err = r.LastEntry()
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.False(t, r.TornTail())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, "CHECKPOINT", r.Name(CheckpointEntry))
	assert.Equal(t, "UNKNOWN", r.Name(blobEntry))

	err := r.Register(TxnCommitEntry, "OTHER", func(txnID common.TransactionID) Loggable { return NewTxnCommit(txnID) })
	assert.Error(t, err)

	l, ok := r.Create(TxnStartEntry, 12)
	require.True(t, ok)
	assert.Equal(t, common.TransactionID(12), l.TransactionID())
	assert.Equal(t, common.InvalidLsn, l.Lsn())

	_, ok = r.Create(blobEntry, 1)
	assert.False(t, ok)
}
