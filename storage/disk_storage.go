package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mit.edu/dsg/journaldb/common"
)

// DiskDBFile implements the DBFile interface using a standard OS file.
type DiskDBFile struct {
	file *os.File
	// numPages caches the file size in pages to avoid stat() syscalls on every read.
	// It is updated atomically after physical allocation.
	numPages atomic.Int32
	// allocMu serializes file expansion (Truncate).
	allocMu sync.Mutex
}

// NewDiskDBFile creates a new DiskDBFile wrapper around an already open OS file.
// It initializes the page count based on the current file size.
func NewDiskDBFile(file *os.File) (*DiskDBFile, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}

	// A trailing partial page can only come from a crash during allocation; it is ignored and
	// overwritten by the next allocation.
	numPages := int32(stat.Size() / int64(common.PageSize))

	dbFile := &DiskDBFile{
		file: file,
	}
	dbFile.numPages.Store(numPages)
	return dbFile, nil
}

// AllocatePage grows the underlying file by `numPages` pages.
func (f *DiskDBFile) AllocatePage(numPages int) (int, error) {
	common.Assert(numPages > 0, "cannot allocate a non-positive number of pages")
	f.allocMu.Lock()
	defer f.allocMu.Unlock()

	currentPages := f.numPages.Load()
	if err := f.growLocked(currentPages + int32(numPages)); err != nil {
		return 0, err
	}
	return int(currentPages), nil
}

// EnsurePages grows the file to at least `numPages` pages.
func (f *DiskDBFile) EnsurePages(numPages int) error {
	f.allocMu.Lock()
	defer f.allocMu.Unlock()
	if int32(numPages) <= f.numPages.Load() {
		return nil
	}
	return f.growLocked(int32(numPages))
}

func (f *DiskDBFile) growLocked(totalPages int32) error {
	// Truncate changes the file size immediately; reads from the new area return zeros.
	newSizeBytes := int64(totalPages) * int64(common.PageSize)
	if err := f.file.Truncate(newSizeBytes); err != nil {
		return fmt.Errorf("failed to allocate pages: %w", err)
	}
	f.numPages.Store(totalPages)
	return nil
}

// ReadPage reads the content of the page identified by `pageNum` into `frame`. Returns error if the page does not exist.
func (f *DiskDBFile) ReadPage(pageNum int, frame []byte) error {
	common.Assert(len(frame) == common.PageSize, "buffer size must match PageSize")
	if int32(pageNum) >= f.numPages.Load() {
		return common.DBError{
			Code:      common.NoSuchPageError,
			ErrString: fmt.Sprintf("read out of bounds: page %d does not exist (file has %d pages)", pageNum, f.numPages.Load()),
		}
	}

	offset := int64(pageNum) * int64(common.PageSize)
	_, err := f.file.ReadAt(frame, offset)
	return err
}

// WritePage writes the content of `frame` to the page identified by `pageNum`. Returns error if the page does not exist
func (f *DiskDBFile) WritePage(pageNum int, frame []byte) error {
	common.Assert(len(frame) == common.PageSize, "buffer size must match PageSize")

	if int32(pageNum) >= f.numPages.Load() {
		return common.DBError{
			Code:      common.NoSuchPageError,
			ErrString: fmt.Sprintf("write out of bounds: page %d does not exist", pageNum),
		}
	}

	offset := int64(pageNum) * int64(common.PageSize)
	_, err := f.file.WriteAt(frame, offset)
	return err
}

// Sync flushes writes to stable storage.
func (f *DiskDBFile) Sync() error {
	return f.file.Sync()
}

// Close closes the underlying OS file.
func (f *DiskDBFile) Close() error {
	return f.file.Close()
}

// NumPages returns the number of pages currently in the file.
func (f *DiskDBFile) NumPages() (int, error) {
	return int(f.numPages.Load()), nil
}

// DiskDBFileManager manages a collection of DiskDBFiles rooted at a specific directory.
type DiskDBFileManager struct {
	rootPath  string
	logger    *zap.Logger
	fileCache *xsync.MapOf[common.ObjectID, DBFile]
}

// NewDiskStorageManager initializes a manager rooted at `rootPath`, creating the directory if needed.
func NewDiskStorageManager(rootPath string, logger *zap.Logger) (*DiskDBFileManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("cannot create data directory %s: %w", rootPath, err)
	}
	return &DiskDBFileManager{
		rootPath:  rootPath,
		logger:    logger,
		fileCache: xsync.NewMapOf[common.ObjectID, DBFile](),
	}, nil
}

func (dsm *DiskDBFileManager) path(oid common.ObjectID) string {
	return filepath.Join(dsm.rootPath, fmt.Sprintf("dbo_%d.dat", oid))
}

// GetDBFile retrieves or creates a DBFile for the given ObjectID.
//
// It maintains a cache of open files to ensure only one instance of DiskDBFile
// exists per physical file.
func (dsm *DiskDBFileManager) GetDBFile(oid common.ObjectID) (DBFile, error) {
	if file, ok := dsm.fileCache.Load(oid); ok {
		return file, nil
	}

	f, err := os.OpenFile(dsm.path(oid), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	newDBFile, err := NewDiskDBFile(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	actualFile, loaded := dsm.fileCache.LoadOrStore(oid, newDBFile)
	if loaded {
		// We lost the race. Another goroutine opened the file and inserted it first.
		_ = newDBFile.Close()
		return actualFile, nil
	}

	return newDBFile, nil
}

// DeleteDBFile permanently deletes the file backing the given ObjectID.
//
// Warning: The caller must ensure that no other goroutines are currently using/getting the file.
func (dsm *DiskDBFileManager) DeleteDBFile(oid common.ObjectID) error {
	file, loaded := dsm.fileCache.LoadAndDelete(oid)
	if loaded {
		if err := file.Close(); err != nil {
			// Continue even if close fails, to ensure physical deletion
			dsm.logger.Warn("failed to close db file before deleting it", zap.Uint32("oid", uint32(oid)), zap.Error(err))
		}
	}
	return os.Remove(dsm.path(oid))
}

// SyncAll syncs every open file.
func (dsm *DiskDBFileManager) SyncAll() error {
	var errs error
	dsm.fileCache.Range(func(oid common.ObjectID, file DBFile) bool {
		errs = multierr.Append(errs, file.Sync())
		return true
	})
	return errs
}

// Close closes every open file.
func (dsm *DiskDBFileManager) Close() error {
	var errs error
	dsm.fileCache.Range(func(oid common.ObjectID, file DBFile) bool {
		errs = multierr.Append(errs, file.Close())
		dsm.fileCache.Delete(oid)
		return true
	})
	return errs
}
