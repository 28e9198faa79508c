package storage

import (
	"mit.edu/dsg/journaldb/common"
)

// DBFile abstracts the physical file that stores the pages of one object (a node store, a collection,
// ...). It handles page-level reads and writes, as well as space allocation.
//
// Implementations are safe for concurrent use. Multiple goroutines may ReadPage and WritePage different
// pages simultaneously; AllocatePage and EnsurePages are atomic with respect to other allocations.
type DBFile interface {
	// AllocatePage reserves a sequential block of `numPages` pages in the file.
	// It returns the page number of the first page in the allocated block. The new pages
	// are filled with zeros.
	AllocatePage(numPages int) (int, error)
	// EnsurePages grows the file to at least `numPages` pages. Replaying an allocation from the journal
	// uses it, so calling it for pages that already exist is a no-op.
	EnsurePages(numPages int) error
	// ReadPage reads the contents of the page identified by `pageNum` into the
	// provided byte slice. The slice `frame` must be exactly common.PageSize bytes.
	ReadPage(pageNum int, frame []byte) error
	// WritePage writes the content of `frame` to the page identified by `pageNum`.
	// The slice `frame` must be exactly common.PageSize bytes, and `pageNum` must be strictly less than the
	// current NumPages(). This method cannot be used to extend the file; use AllocatePage instead.
	WritePage(pageNum int, frame []byte) error
	// Sync forces any buffered writes to stable storage, ensuring durability.
	Sync() error
	// Close closes the underlying file handle and releases resources.
	Close() error
	// NumPages returns the number of pages allocated in the file.
	NumPages() (int, error)
}

// DBFileManager manages the lifecycle and caching of DBFile instances.
type DBFileManager interface {
	// GetDBFile retrieves the DBFile handle for the given ObjectID. If the file is already open, the
	// existing handle is returned. If the file does not exist on disk, it is created.
	GetDBFile(oid common.ObjectID) (DBFile, error)
	// DeleteDBFile permanently removes the physical file associated with the ObjectID.
	DeleteDBFile(oid common.ObjectID) error
	// SyncAll syncs every open file.
	SyncAll() error
	// Close closes every open file.
	Close() error
}
