package journal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mit.edu/dsg/journaldb/common"
)

const (
	DefaultBufferSize  = 1 << 20  // 1MB
	DefaultMaxFileSize = 10 << 20 // 10MB
	DefaultRetainFiles = 1

	// minBufferSize guarantees that the largest possible entry fits the write buffer.
	minBufferSize = LogEntryBaseLen + MaxPayloadSize
)

// Options configure a Journal.
type Options struct {
	// BufferSize is the size of the in-memory write buffer. Entries are written to the file when it fills
	// up or on flush.
	BufferSize int
	// MaxFileSize makes a checkpoint switch to a new file once the active file has grown past it.
	MaxFileSize int64
	// SyncOnCommit makes Flush(true) fsync the file. Without it only forced syncs reach the disk.
	SyncOnCommit bool
	// RetainFiles is the number of obsolete journal files kept after a checkpoint, for diagnosis.
	RetainFiles int
}

func DefaultOptions() Options {
	return Options{
		BufferSize:   DefaultBufferSize,
		MaxFileSize:  DefaultMaxFileSize,
		SyncOnCommit: true,
		RetainFiles:  DefaultRetainFiles,
	}
}

func (o Options) normalize() Options {
	if o.BufferSize < minBufferSize {
		o.BufferSize = minBufferSize
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.RetainFiles < 0 {
		o.RetainFiles = 0
	}
	return o
}

// Journal is the append-only writer for the journal files in one directory. Entries are framed into a
// write buffer and reach the active file on flush, when the buffer fills up, or when the journal switches
// files. Every method that touches the file or the buffer holds the single journal mutex, so the Lsn order
// of entries is the order in which WriteToLog was called.
//
// The active file is created lazily: opening a Journal only discovers the existing files, the first
// write (or an explicit SwitchFiles) starts a new one.
type Journal struct {
	mu sync.Mutex

	dir     string
	opts    Options
	logger  *zap.Logger
	metrics *Metrics
	lock    *dirLock

	file        *os.File
	fileSize    int64 // bytes of the active file already written to the OS
	currentFile int16

	buf    []byte
	hasher *xxhash.Digest

	lastLsn     common.Lsn
	lastSyncLsn common.Lsn

	inRecovery bool
	closed     bool
}

// NewJournal locks dir (creating it if needed) and prepares to append after the newest existing file.
func NewJournal(dir string, opts Options, logger *zap.Logger, metrics *Metrics) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, newError(common.JournalIOError, fmt.Sprintf("cannot create journal directory %s", dir), err)
	}
	lock, err := lockDir(dir)
	if err != nil {
		return nil, newError(common.JournalIOError, "cannot lock journal directory", err)
	}
	numbers, err := ListFiles(dir)
	if err != nil {
		_ = lock.release()
		return nil, newError(common.JournalIOError, fmt.Sprintf("cannot list journal directory %s", dir), err)
	}

	opts = opts.normalize()
	j := &Journal{
		dir:         dir,
		opts:        opts,
		logger:      logger,
		metrics:     metrics,
		lock:        lock,
		currentFile: lastFileNumber(numbers),
		buf:         make([]byte, 0, opts.BufferSize),
		hasher:      newHasher(),
		lastLsn:     common.InvalidLsn,
		lastSyncLsn: common.InvalidLsn,
	}
	logger.Info("journal opened",
		zap.String("dir", dir),
		zap.Int("files", len(numbers)),
		zap.Int16("current_file", j.currentFile))
	return j, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// WriteToLog appends l to the journal, assigns its Lsn and returns it. The entry is buffered; it is only
// durable after a flush with fsync.
func (j *Journal) WriteToLog(l Loggable) (common.Lsn, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeLocked(l)
}

func (j *Journal) writeLocked(l Loggable) (common.Lsn, error) {
	if j.closed {
		return common.InvalidLsn, newError(common.LogClosedError, "journal has been shut down", nil)
	}
	size := l.LogSize()
	if size > MaxPayloadSize || size < 0 {
		return common.InvalidLsn, newEntryError(common.EntryTooLargeError,
			fmt.Sprintf("entry payload of %d bytes exceeds the maximum of %d", size, MaxPayloadSize),
			l.Type(), size, l.TransactionID(), common.InvalidLsn)
	}
	if j.file == nil {
		if err := j.switchFilesLocked(); err != nil {
			return common.InvalidLsn, err
		}
	}

	n := entryLen(size)
	if len(j.buf)+n > cap(j.buf) {
		if err := j.writeBufferLocked(); err != nil {
			return common.InvalidLsn, err
		}
	}

	pos := j.fileSize + int64(len(j.buf))
	lsn := common.NewLsn(j.currentFile, pos+1)
	l.SetLsn(lsn)

	start := len(j.buf)
	j.buf = j.buf[:start+n]
	frameEntry(j.buf[start:], l, j.hasher)

	j.lastLsn = lsn
	j.metrics.EntriesTotal.Inc()
	j.metrics.BytesTotal.Add(float64(n))
	return lsn, nil
}

// writeBufferLocked hands the buffered entries to the OS.
func (j *Journal) writeBufferLocked() error {
	if len(j.buf) == 0 || j.file == nil {
		return nil
	}
	if _, err := j.file.WriteAt(j.buf, j.fileSize); err != nil {
		return newError(common.JournalIOError, fmt.Sprintf("failed to write to journal file %s", j.file.Name()), err)
	}
	j.fileSize += int64(len(j.buf))
	j.buf = j.buf[:0]
	return nil
}

func (j *Journal) syncLocked() error {
	if j.file == nil {
		return nil
	}
	start := time.Now()
	if err := j.file.Sync(); err != nil {
		return newError(common.JournalIOError, fmt.Sprintf("failed to sync journal file %s", j.file.Name()), err)
	}
	j.metrics.FsyncsTotal.Inc()
	j.metrics.FsyncDuration.Observe(time.Since(start).Seconds())
	j.lastSyncLsn = j.lastLsn
	return nil
}

// Flush is FlushToLog(fsync, false).
func (j *Journal) Flush(fsync bool) error {
	return j.FlushToLog(fsync, false)
}

// FlushToLog writes the buffer to the active file. It fsyncs when forceSync is set, or when fsync is set,
// SyncOnCommit is enabled and entries were written since the last sync. It does nothing while the
// journal is in recovery.
func (j *Journal) FlushToLog(fsync, forceSync bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked(fsync, forceSync)
}

func (j *Journal) flushLocked(fsync, forceSync bool) error {
	if j.inRecovery {
		return nil
	}
	if j.closed {
		return newError(common.LogClosedError, "journal has been shut down", nil)
	}
	if err := j.writeBufferLocked(); err != nil {
		return err
	}
	if forceSync || (fsync && j.opts.SyncOnCommit && j.lastSyncLsn.Less(j.lastLsn)) {
		return j.syncLocked()
	}
	return nil
}

// SyncPending reports whether entries were written since the last fsync.
func (j *Journal) SyncPending() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSyncLsn.Less(j.lastLsn)
}

// Checkpoint writes a Checkpoint record and forces it to disk. When switchFiles is set, or the active
// file has grown past MaxFileSize, the journal then moves to a new file. Journal files that no longer
// hold the latest checkpoint are removed, except for the RetainFiles newest of them.
//
// The caller must make sure that no other entries are written while the checkpoint is taken.
func (j *Journal) Checkpoint(txnID common.TransactionID, switchFiles bool) (common.Lsn, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cp := NewCheckpoint(txnID)
	lsn, err := j.writeLocked(cp)
	if err != nil {
		return common.InvalidLsn, err
	}
	if err := j.flushLocked(true, true); err != nil {
		return common.InvalidLsn, err
	}
	j.metrics.CheckpointsTotal.Inc()
	j.logger.Debug("checkpoint written", zap.Int64("txn", int64(txnID)), zap.Stringer("lsn", lsn))

	if switchFiles || j.fileSize > j.opts.MaxFileSize {
		if err := j.switchFilesLocked(); err != nil {
			return lsn, err
		}
	}
	return lsn, j.removeObsoleteLocked(lsn.FileNumber)
}

// removeObsoleteLocked deletes journal files older than keepFrom, keeping the RetainFiles newest.
func (j *Journal) removeObsoleteLocked(keepFrom int16) error {
	numbers, err := ListFiles(j.dir)
	if err != nil {
		return newError(common.JournalIOError, "cannot list journal directory", err)
	}
	var errs error
	for _, n := range obsoleteFiles(numbers, keepFrom, j.opts.RetainFiles) {
		path := FilePath(j.dir, n)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierr.Append(errs, newError(common.JournalIOError, fmt.Sprintf("cannot remove journal file %s", path), err))
			continue
		}
		j.metrics.FilesRemovedTotal.Inc()
		j.logger.Info("removed obsolete journal file", zap.String("file", path))
	}
	return errs
}

// SwitchFiles closes the active file and starts the next one.
func (j *Journal) SwitchFiles() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return newError(common.LogClosedError, "journal has been shut down", nil)
	}
	return j.switchFilesLocked()
}

func (j *Journal) switchFilesLocked() error {
	next, ok := nextFileNumber(j.currentFile)
	if !ok {
		return newError(common.FileNumberExhaustedError,
			fmt.Sprintf("journal file number %d is the last one available", j.currentFile), nil)
	}
	if err := j.closeFileLocked(); err != nil {
		return err
	}

	path := FilePath(j.dir, next)
	if _, err := os.Stat(path); err == nil {
		// A file with the next number can only be left over from a journal that was not recovered. Keep
		// it for inspection instead of appending to it.
		backup := path + ".bak"
		j.logger.Warn("journal file already exists, moving it aside", zap.String("file", path), zap.String("backup", backup))
		if err := os.Rename(path, backup); err != nil {
			return newError(common.JournalIOError, fmt.Sprintf("cannot move existing journal file %s aside", path), err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return newError(common.JournalIOError, fmt.Sprintf("cannot create journal file %s", path), err)
	}
	if _, err := f.WriteAt(encodeFileHeader(), 0); err != nil {
		_ = f.Close()
		return newError(common.JournalIOError, fmt.Sprintf("cannot write header of journal file %s", path), err)
	}

	j.file = f
	j.fileSize = JournalHeaderLen
	j.currentFile = next
	j.metrics.FileSwitchesTotal.Inc()
	j.logger.Debug("switched journal file", zap.Int16("file", next))
	return nil
}

// closeFileLocked writes out the buffer and syncs and closes the active file. Rotated files are never
// appended to again.
func (j *Journal) closeFileLocked() error {
	if j.file == nil {
		return nil
	}
	err := j.writeBufferLocked()
	if err == nil {
		err = j.syncLocked()
	}
	if cerr := j.file.Close(); cerr != nil {
		err = multierr.Append(err, newError(common.JournalIOError, "failed to close journal file", cerr))
	}
	j.file = nil
	j.fileSize = 0
	return err
}

// Shutdown optionally writes a final Checkpoint record, syncs and closes the active file and releases
// the directory lock. A journal whose last entry is a checkpoint was shut down cleanly. Calling Shutdown
// again does nothing.
func (j *Journal) Shutdown(txnID common.TransactionID, checkpoint bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	// Recovery suppresses flushes; shutting down always writes everything out.
	j.inRecovery = false

	var err error
	if checkpoint {
		if _, werr := j.writeLocked(NewCheckpoint(txnID)); werr != nil {
			err = multierr.Append(err, werr)
		} else {
			j.metrics.CheckpointsTotal.Inc()
		}
	}
	err = multierr.Append(err, j.closeFileLocked())
	err = multierr.Append(err, j.lock.release())
	j.closed = true
	j.logger.Info("journal shut down", zap.Int16("current_file", j.currentFile), zap.Stringer("last_lsn", j.lastLsn))
	return err
}

// SetInRecovery suppresses flushes while recovery replays the journal.
func (j *Journal) SetInRecovery(inRecovery bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.inRecovery = inRecovery
}

// Files returns the numbers of the journal files on disk, oldest first.
func (j *Journal) Files() ([]int16, error) {
	numbers, err := ListFiles(j.dir)
	if err != nil {
		return nil, newError(common.JournalIOError, "cannot list journal directory", err)
	}
	return numbers, nil
}

// File returns the path of journal file n.
func (j *Journal) File(n int16) string {
	return FilePath(j.dir, n)
}

// SetCurrentFileNumber makes n the active file number. The next SwitchFiles starts file n+1. It must not
// be called while a file is open.
func (j *Journal) SetCurrentFileNumber(n int16) {
	j.mu.Lock()
	defer j.mu.Unlock()
	common.Assert(j.file == nil, "cannot change the journal file number while file %d is open", j.currentFile)
	j.currentFile = n
}

func (j *Journal) CurrentFileNumber() int16 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentFile
}

// LastWrittenLsn returns the Lsn of the most recent entry, or InvalidLsn if nothing was written since
// the journal was opened.
func (j *Journal) LastWrittenLsn() common.Lsn {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastLsn
}

// LastSyncedLsn returns the Lsn of the most recent entry known to be on disk.
func (j *Journal) LastSyncedLsn() common.Lsn {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSyncLsn
}
