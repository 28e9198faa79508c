package storage

import (
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mit.edu/dsg/journaldb/common"
)

// PageCache keeps every page that was read or modified since the last checkpoint in memory. Modified
// pages are never written back on their own: FlushAll writes them at a checkpoint, after the journal
// entries that modified them are on disk. Pages on disk therefore only ever contain effects that are
// covered by the journal, and redo can start at the most recent checkpoint.
//
// All methods are safe for concurrent use. Page content is protected by each frame's PageLatch.
type PageCache struct {
	storageManager DBFileManager
	logger         *zap.Logger
	pageTable      *xsync.MapOf[common.PageID, *PageFrame]
}

// NewPageCache creates an empty cache on top of storageManager.
func NewPageCache(storageManager DBFileManager, logger *zap.Logger) *PageCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageCache{
		storageManager: storageManager,
		logger:         logger,
		pageTable:      xsync.NewMapOf[common.PageID, *PageFrame](),
	}
}

// StorageManager returns the underlying disk manager.
func (pc *PageCache) StorageManager() DBFileManager {
	return pc.storageManager
}

// GetPage returns the cached frame of pageID, reading the page from disk on first access.
func (pc *PageCache) GetPage(pageID common.PageID) (*PageFrame, error) {
	if frame, ok := pc.pageTable.Load(pageID); ok {
		return frame, nil
	}

	file, err := pc.storageManager.GetDBFile(pageID.Oid)
	if err != nil {
		return nil, err
	}
	frame := &PageFrame{pageID: pageID}
	if err := file.ReadPage(int(pageID.PageNum), frame.Bytes[:]); err != nil {
		return nil, err
	}

	// Others may be concurrently loading this page. Only the first frame installed is used.
	actual, _ := pc.pageTable.LoadOrStore(pageID, frame)
	return actual, nil
}

// AllocatePage grows the file of oid by one zeroed page and returns its id. Growing a file is not
// journaled by itself; callers log a PageAllocate so that recovery recreates the page.
func (pc *PageCache) AllocatePage(oid common.ObjectID) (common.PageID, error) {
	file, err := pc.storageManager.GetDBFile(oid)
	if err != nil {
		return common.PageID{}, err
	}
	pageNum, err := file.AllocatePage(1)
	if err != nil {
		return common.PageID{}, err
	}
	return common.PageID{Oid: oid, PageNum: int32(pageNum)}, nil
}

// EnsurePage makes sure pageID exists on disk, growing its file if necessary.
func (pc *PageCache) EnsurePage(pageID common.PageID) error {
	file, err := pc.storageManager.GetDBFile(pageID.Oid)
	if err != nil {
		return err
	}
	return file.EnsurePages(int(pageID.PageNum) + 1)
}

// FlushAll writes every dirty page to disk and syncs the files. The journal must already contain, on
// disk, every entry that modified those pages.
func (pc *PageCache) FlushAll() error {
	var errs error
	flushed := 0
	pc.pageTable.Range(func(pageID common.PageID, frame *PageFrame) bool {
		// Flush under the read latch so no writer changes the bytes or the dirty bit underneath us.
		frame.PageLatch.RLock()
		defer frame.PageLatch.RUnlock()
		if !frame.dirty {
			return true
		}
		file, err := pc.storageManager.GetDBFile(pageID.Oid)
		if err == nil {
			err = file.WritePage(int(pageID.PageNum), frame.Bytes[:])
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			return true
		}
		frame.dirty = false
		flushed++
		return true
	})
	if errs != nil {
		return errs
	}
	pc.logger.Debug("flushed page cache", zap.Int("pages", flushed))
	return pc.storageManager.SyncAll()
}

// DirtyPages returns the ids of all pages with unflushed changes.
func (pc *PageCache) DirtyPages() []common.PageID {
	var out []common.PageID
	pc.pageTable.Range(func(pageID common.PageID, frame *PageFrame) bool {
		frame.PageLatch.RLock()
		if frame.dirty {
			out = append(out, pageID)
		}
		frame.PageLatch.RUnlock()
		return true
	})
	return out
}

// Discard drops every cached page without writing it back, as a crash would.
func (pc *PageCache) Discard() {
	pc.pageTable.Clear()
}
