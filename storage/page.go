package storage

import (
	"sync"

	"mit.edu/dsg/journaldb/common"
)

// PageHeaderSize is the size of the page header, which holds the Lsn of the last journal entry applied
// to the page.
const PageHeaderSize = common.LsnSize

// PageDataSize is the number of bytes of a page available to its owner.
const PageDataSize = common.PageSize - PageHeaderSize

// pageOffsetLSN is the byte offset of the LSN within the page.
const pageOffsetLSN = 0

// PageFrame is a page held in the PageCache. Bytes holds the raw physical page: the Lsn header followed
// by the page data.
type PageFrame struct {
	// Bytes holds the raw physical data of the page.
	Bytes [common.PageSize]byte
	// PageLatch protects the content of the page, including the Lsn header.
	PageLatch sync.RWMutex

	pageID common.PageID
	// dirty is guarded by PageLatch.
	dirty bool
}

// PageID returns the identity of the cached page.
func (frame *PageFrame) PageID() common.PageID {
	return frame.pageID
}

// LSN reads the Lsn of the last journal entry applied to the page. A page that was never written has
// Lsn {0, 0}, which sorts before every entry. The caller holds PageLatch.
func (frame *PageFrame) LSN() common.Lsn {
	var lsn common.Lsn
	lsn.LoadFrom(frame.Bytes[pageOffsetLSN:])
	return lsn
}

// MonotonicallyUpdateLSN stamps the page with lsn if it is newer than the current stamp. The caller holds
// PageLatch for writing.
func (frame *PageFrame) MonotonicallyUpdateLSN(lsn common.Lsn) {
	if frame.LSN().Less(lsn) {
		lsn.WriteTo(frame.Bytes[pageOffsetLSN:])
	}
}

// Data returns the page content after the header. The caller holds PageLatch.
func (frame *PageFrame) Data() []byte {
	return frame.Bytes[PageHeaderSize:]
}

// MarkDirty records that the frame differs from the page on disk. The caller holds PageLatch for writing.
func (frame *PageFrame) MarkDirty() {
	frame.dirty = true
}

// IsDirty reports whether the frame has changes that were not flushed. The caller holds PageLatch.
func (frame *PageFrame) IsDirty() bool {
	return frame.dirty
}
