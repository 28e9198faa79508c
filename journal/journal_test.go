package journal

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"mit.edu/dsg/journaldb/common"
)

func fileSize(t *testing.T, path string) int64 {
	stat, err := os.Stat(path)
	require.NoError(t, err)
	return stat.Size()
}

func TestJournal_LazyFileCreation(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir, testOptions())

	files, err := j.Files()
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, int16(0), j.CurrentFileNumber())
	assert.Equal(t, common.InvalidLsn, j.LastWrittenLsn())

	lsn, err := j.WriteToLog(NewTxnStart(1))
	require.NoError(t, err)
	assert.Equal(t, common.NewLsn(1, JournalHeaderLen+1), lsn)

	files, err = j.Files()
	require.NoError(t, err)
	assert.Equal(t, []int16{1}, files)
	assert.FileExists(t, filepath.Join(dir, "0000000001.log"))
}

func TestJournal_LsnAssignment(t *testing.T) {
	j := openTestJournal(t, t.TempDir(), testOptions())

	var prev common.Lsn
	expected := int64(JournalHeaderLen + 1)
	for i := 0; i < 20; i++ {
		l := newBlob(1, repeat(1, i*3))
		lsn, err := j.WriteToLog(l)
		require.NoError(t, err)
		assert.Equal(t, common.NewLsn(1, expected), lsn)
		assert.Equal(t, lsn, l.Lsn())
		assert.True(t, prev.Less(lsn))
		assert.Equal(t, lsn, j.LastWrittenLsn())
		prev = lsn
		expected += int64(entryLen(i * 3))
	}
}

func TestJournal_EntryTooLarge(t *testing.T) {
	j := openTestJournal(t, t.TempDir(), testOptions())
	_, err := j.WriteToLog(newBlob(1, make([]byte, MaxPayloadSize+1)))
	var je *Error
	require.ErrorAs(t, err, &je)
	assert.Equal(t, common.EntryTooLargeError, je.Code)
	assert.Equal(t, common.InvalidLsn, j.LastWrittenLsn())

	lsn, err := j.WriteToLog(newBlob(1, make([]byte, MaxPayloadSize)))
	require.NoError(t, err)
	assert.True(t, lsn.IsValid())
}

func TestJournal_BufferSpillsToFile(t *testing.T) {
	j := openTestJournal(t, t.TempDir(), testOptions())
	_, err := j.WriteToLog(NewTxnStart(1))
	require.NoError(t, err)
	path := j.File(1)
	assert.Equal(t, int64(JournalHeaderLen), fileSize(t, path))

	// Far more than the buffer holds
	for i := 0; i < 100; i++ {
		_, err := j.WriteToLog(newBlob(1, repeat(byte(i), 1000)))
		require.NoError(t, err)
	}
	assert.Greater(t, fileSize(t, path), int64(JournalHeaderLen))

	require.NoError(t, j.Flush(false))
	assert.Equal(t, int64(JournalHeaderLen+entryLen(0)+100*entryLen(1000)), fileSize(t, path))
}

func TestJournal_SyncPolicy(t *testing.T) {
	j := openTestJournal(t, t.TempDir(), testOptions())
	assert.False(t, j.SyncPending())

	_, err := j.WriteToLog(newBlob(1, []byte("a")))
	require.NoError(t, err)
	assert.True(t, j.SyncPending())

	require.NoError(t, j.Flush(false))
	assert.True(t, j.SyncPending())
	assert.Equal(t, common.InvalidLsn, j.LastSyncedLsn())

	require.NoError(t, j.Flush(true))
	assert.False(t, j.SyncPending())
	assert.Equal(t, j.LastWrittenLsn(), j.LastSyncedLsn())

	opts := testOptions()
	opts.SyncOnCommit = false
	j2 := openTestJournal(t, t.TempDir(), opts)
	_, err = j2.WriteToLog(newBlob(1, []byte("a")))
	require.NoError(t, err)
	require.NoError(t, j2.Flush(true))
	assert.True(t, j2.SyncPending(), "fsync is only honoured with sync on commit")
	require.NoError(t, j2.FlushToLog(false, true))
	assert.False(t, j2.SyncPending())
}

func TestJournal_NoFlushInRecovery(t *testing.T) {
	j := openTestJournal(t, t.TempDir(), testOptions())
	_, err := j.WriteToLog(newBlob(1, []byte("a")))
	require.NoError(t, err)

	j.SetInRecovery(true)
	require.NoError(t, j.FlushToLog(true, true))
	assert.Equal(t, int64(JournalHeaderLen), fileSize(t, j.File(1)))
	assert.True(t, j.SyncPending())

	j.SetInRecovery(false)
	require.NoError(t, j.FlushToLog(true, true))
	assert.Equal(t, int64(JournalHeaderLen+entryLen(1)), fileSize(t, j.File(1)))
}

func TestJournal_CheckpointSwitchesFiles(t *testing.T) {
	dir := t.TempDir()
	registry := testRegistry(t)
	j := openTestJournal(t, dir, testOptions())

	for i := 0; i < 3; i++ {
		_, err := j.WriteToLog(newBlob(1, []byte("abc")))
		require.NoError(t, err)
	}
	before := j.CurrentFileNumber()
	cpLsn, err := j.Checkpoint(1, true)
	require.NoError(t, err)
	assert.Equal(t, before, cpLsn.FileNumber)
	assert.Greater(t, j.CurrentFileNumber(), before)
	assert.False(t, j.SyncPending())

	// The new file holds only a valid header.
	newPath := j.File(j.CurrentFileNumber())
	assert.Equal(t, int64(JournalHeaderLen), fileSize(t, newPath))
	entries, _, err := readAll(t, newPath, j.CurrentFileNumber(), registry)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The old file is intact and ends with the checkpoint.
	entries, _, err = readAll(t, j.File(before), before, registry)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, CheckpointEntry, entries[3].Type())
	assert.Equal(t, cpLsn, entries[3].Lsn())

	// Entries after the checkpoint go to the new file.
	lsn, err := j.WriteToLog(newBlob(2, []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, common.NewLsn(j.CurrentFileNumber(), JournalHeaderLen+1), lsn)
}

func TestJournal_CheckpointSwitchesWhenFileIsFull(t *testing.T) {
	opts := testOptions()
	opts.MaxFileSize = 1024
	j := openTestJournal(t, t.TempDir(), opts)

	_, err := j.WriteToLog(newBlob(1, []byte("small")))
	require.NoError(t, err)
	_, err = j.Checkpoint(1, false)
	require.NoError(t, err)
	assert.Equal(t, int16(1), j.CurrentFileNumber())

	_, err = j.WriteToLog(newBlob(1, make([]byte, 2048)))
	require.NoError(t, err)
	_, err = j.Checkpoint(1, false)
	require.NoError(t, err)
	assert.Equal(t, int16(2), j.CurrentFileNumber())
}

func TestJournal_RemovesObsoleteFiles(t *testing.T) {
	opts := testOptions()
	opts.RetainFiles = 0
	j := openTestJournal(t, t.TempDir(), opts)

	for i := 0; i < 4; i++ {
		_, err := j.WriteToLog(newBlob(1, []byte("abc")))
		require.NoError(t, err)
		_, err = j.Checkpoint(1, true)
		require.NoError(t, err)
	}
	// Only the file holding the latest checkpoint and the fresh active file are left.
	files, err := j.Files()
	require.NoError(t, err)
	assert.Equal(t, []int16{4, 5}, files)

	opts.RetainFiles = 2
	j2 := openTestJournal(t, t.TempDir(), opts)
	for i := 0; i < 5; i++ {
		_, err := j2.Checkpoint(1, true)
		require.NoError(t, err)
	}
	files, err = j2.Files()
	require.NoError(t, err)
	assert.Equal(t, []int16{3, 4, 5, 6}, files)
}

func TestJournal_Shutdown(t *testing.T) {
	dir := t.TempDir()
	registry := testRegistry(t)
	j, err := NewJournal(dir, testOptions(), nil, nil)
	require.NoError(t, err)

	_, err = j.WriteToLog(newBlob(3, []byte("abc")))
	require.NoError(t, err)
	require.NoError(t, j.Shutdown(3, true))
	require.NoError(t, j.Shutdown(3, true))

	_, err = j.WriteToLog(newBlob(3, []byte("abc")))
	assert.True(t, IsClosed(err))
	assert.True(t, IsClosed(j.Flush(true)))
	assert.True(t, IsClosed(j.SwitchFiles()))

	r, err := OpenReader(j.File(1), 1, registry)
	require.NoError(t, err)
	defer r.Close()
	last, err := r.LastEntry()
	require.NoError(t, err)
	assert.Equal(t, CheckpointEntry, last.Type())

	// The lock is released, so the directory can be opened again and continues after the last file.
	j2, err := NewJournal(dir, testOptions(), nil, nil)
	require.NoError(t, err)
	defer j2.Shutdown(0, false)
	assert.Equal(t, int16(1), j2.CurrentFileNumber())
}

func TestJournal_StaleFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir, testOptions())
	stale := j.File(1)
	require.NoError(t, os.WriteFile(stale, []byte("garbage"), 0644))

	j.SetCurrentFileNumber(0)
	_, err := j.WriteToLog(NewTxnStart(1))
	require.NoError(t, err)
	require.NoError(t, j.Flush(false))

	assert.FileExists(t, stale+".bak")
	data, err := os.ReadFile(stale + ".bak")
	require.NoError(t, err)
	assert.Equal(t, "garbage", string(data))

	_, err = OpenReader(stale, 1, testRegistry(t))
	assert.NoError(t, err)
}

func TestJournal_FileNumberExhausted(t *testing.T) {
	j := openTestJournal(t, t.TempDir(), testOptions())
	j.SetCurrentFileNumber(math.MaxInt16)
	err := j.SwitchFiles()
	var je *Error
	require.ErrorAs(t, err, &je)
	assert.Equal(t, common.FileNumberExhaustedError, je.Code)
}

func TestJournal_ConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	registry := testRegistry(t)
	j := openTestJournal(t, dir, testOptions())

	const writers = 8
	const perWriter = 200
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		txn := common.TransactionID(w + 1)
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				if _, err := j.WriteToLog(newBlob(txn, []byte{byte(i), byte(i >> 8)})); err != nil {
					return err
				}
				if i%50 == 0 {
					if err := j.Flush(true); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, j.Shutdown(0, false))

	entries, _, err := readAll(t, j.File(1), 1, registry)
	require.NoError(t, err)
	require.Len(t, entries, writers*perWriter)

	next := make(map[common.TransactionID]int)
	var prev common.Lsn
	for _, e := range entries {
		assert.True(t, prev.Less(e.Lsn()))
		prev = e.Lsn()
		b := e.(*blob)
		seq := int(b.data[0]) | int(b.data[1])<<8
		assert.Equal(t, next[e.TransactionID()], seq, "entries of one writer keep their order")
		next[e.TransactionID()]++
	}
}

func TestFileNames(t *testing.T) {
	assert.Equal(t, "000000000a.log", FileName(10))
	assert.Equal(t, "0000007fff.log", FileName(math.MaxInt16))

	n, ok := ParseFileName("000000000a.log")
	assert.True(t, ok)
	assert.Equal(t, int16(10), n)

	for _, name := range []string{"journal.lck", "000000000a.log.bak", "0000000001.dat", "0000010000.log", "xyz0000001.log"} {
		_, ok := ParseFileName(name)
		assert.False(t, ok, name)
	}
}
