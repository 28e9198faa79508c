package storage

import (
	"errors"
	"fmt"

	"mit.edu/dsg/journaldb/common"
	"mit.edu/dsg/journaldb/journal"
)

// Entry types of page operations
const (
	PageAllocateEntry journal.EntryType = 0x10
	PageWriteEntry    journal.EntryType = 0x11
)

// RegisterLoggables registers the page entry types with registry. Entries decoded through it redo and
// undo against cache.
func RegisterLoggables(registry *journal.Registry, cache *PageCache) error {
	err := registry.Register(PageAllocateEntry, "PAGE_ALLOCATE", func(txnID common.TransactionID) journal.Loggable {
		return &PageAllocate{Base: journal.NewBase(PageAllocateEntry, txnID), cache: cache}
	})
	if err != nil {
		return err
	}
	return registry.Register(PageWriteEntry, "PAGE_WRITE", func(txnID common.TransactionID) journal.Loggable {
		return &PageWrite{Base: journal.NewBase(PageWriteEntry, txnID), cache: cache}
	})
}

// getOrCreatePage returns the frame of pageID, creating the page first if replay reaches a write to a
// page whose allocation never made it to disk.
func getOrCreatePage(cache *PageCache, pageID common.PageID) (*PageFrame, error) {
	frame, err := cache.GetPage(pageID)
	var dbErr common.DBError
	if errors.As(err, &dbErr) && dbErr.Code == common.NoSuchPageError {
		if err := cache.EnsurePage(pageID); err != nil {
			return nil, err
		}
		return cache.GetPage(pageID)
	}
	return frame, err
}

// PageAllocate records that a page was added to a file.
//
// Payload: OID (4) | PAGE_NUM (4)
type PageAllocate struct {
	journal.Base
	PageID common.PageID

	cache *PageCache
}

func NewPageAllocate(cache *PageCache, txnID common.TransactionID, pageID common.PageID) *PageAllocate {
	return &PageAllocate{Base: journal.NewBase(PageAllocateEntry, txnID), PageID: pageID, cache: cache}
}

func (a *PageAllocate) LogSize() int {
	return common.PageIDSize
}

func (a *PageAllocate) Write(out []byte) {
	a.PageID.WriteTo(out)
}

func (a *PageAllocate) Read(in []byte) error {
	if len(in) != common.PageIDSize {
		return fmt.Errorf("page allocation payload must be %d bytes, got %d", common.PageIDSize, len(in))
	}
	a.PageID.LoadFrom(in)
	return nil
}

// Redo grows the file so that the page exists.
func (a *PageAllocate) Redo() error {
	return a.cache.EnsurePage(a.PageID)
}

// Undo clears the page. The file is not shrunk; the page is simply unused.
func (a *PageAllocate) Undo() error {
	frame, err := getOrCreatePage(a.cache, a.PageID)
	if err != nil {
		return err
	}
	frame.PageLatch.Lock()
	defer frame.PageLatch.Unlock()
	clear(frame.Data())
	frame.MarkDirty()
	return nil
}

func (a *PageAllocate) Dump() string {
	return fmt.Sprintf("[PAGE_ALLOCATE] - transaction: %d at %s - %s", a.TransactionID(), a.Lsn(), a.PageID)
}

// PageWrite records a change of bytes inside a page, with the content before and after the change.
//
// Payload: OID (4) | PAGE_NUM (4) | OFFSET (4) | AFTER (2 + n) | BEFORE (2 + n)
type PageWrite struct {
	journal.Base
	PageID common.PageID
	// Offset is relative to the page data, after the Lsn header.
	Offset int
	After  []byte
	Before []byte

	cache *PageCache
}

// NewPageWrite prepares the write of data at offset in pageID, capturing the current content as the
// before-image. Nothing is changed until the entry is redone.
func NewPageWrite(cache *PageCache, txnID common.TransactionID, pageID common.PageID, offset int, data []byte) (*PageWrite, error) {
	if offset < 0 || offset+len(data) > PageDataSize {
		return nil, fmt.Errorf("write of %d bytes at offset %d does not fit a page of %d bytes", len(data), offset, PageDataSize)
	}
	frame, err := cache.GetPage(pageID)
	if err != nil {
		return nil, err
	}
	frame.PageLatch.RLock()
	before := make([]byte, len(data))
	copy(before, frame.Data()[offset:])
	frame.PageLatch.RUnlock()

	w := &PageWrite{
		Base:   journal.NewBase(PageWriteEntry, txnID),
		PageID: pageID,
		Offset: offset,
		After:  append([]byte(nil), data...),
		Before: before,
		cache:  cache,
	}
	if w.LogSize() > journal.MaxPayloadSize {
		return nil, fmt.Errorf("write of %d bytes does not fit a journal entry", len(data))
	}
	return w, nil
}

func (w *PageWrite) LogSize() int {
	return common.PageIDSize + 4 + journal.BytesLen(w.After) + journal.BytesLen(w.Before)
}

func (w *PageWrite) Write(out []byte) {
	w.PageID.WriteTo(out)
	enc := journal.NewPayloadEncoder(out[common.PageIDSize:])
	enc.PutInt32(int32(w.Offset))
	enc.PutBytes(w.After)
	enc.PutBytes(w.Before)
}

func (w *PageWrite) Read(in []byte) error {
	if len(in) < common.PageIDSize {
		return fmt.Errorf("page write payload of %d bytes is too short", len(in))
	}
	w.PageID.LoadFrom(in)
	dec := journal.NewPayloadDecoder(in[common.PageIDSize:])
	w.Offset = int(dec.Int32("offset"))
	w.After = dec.Bytes("after image")
	w.Before = dec.Bytes("before image")
	if err := dec.Err(); err != nil {
		return err
	}
	if len(w.After) != len(w.Before) {
		return fmt.Errorf("after image of %d bytes and before image of %d bytes differ in length", len(w.After), len(w.Before))
	}
	if w.Offset < 0 || w.Offset+len(w.After) > PageDataSize {
		return fmt.Errorf("write of %d bytes at offset %d does not fit a page", len(w.After), w.Offset)
	}
	return nil
}

// Redo applies the after-image unless the page already reflects this entry or a later one. An entry that
// was never journaled has no Lsn and is applied unconditionally.
func (w *PageWrite) Redo() error {
	frame, err := getOrCreatePage(w.cache, w.PageID)
	if err != nil {
		return err
	}
	frame.PageLatch.Lock()
	defer frame.PageLatch.Unlock()
	if !w.Lsn().IsValid() {
		copy(frame.Data()[w.Offset:], w.After)
		frame.MarkDirty()
		return nil
	}
	if !frame.LSN().Less(w.Lsn()) {
		return nil
	}
	copy(frame.Data()[w.Offset:], w.After)
	frame.MonotonicallyUpdateLSN(w.Lsn())
	frame.MarkDirty()
	return nil
}

// Undo restores the before-image. The page Lsn is left alone.
func (w *PageWrite) Undo() error {
	frame, err := getOrCreatePage(w.cache, w.PageID)
	if err != nil {
		return err
	}
	frame.PageLatch.Lock()
	defer frame.PageLatch.Unlock()
	copy(frame.Data()[w.Offset:], w.Before)
	frame.MarkDirty()
	return nil
}

// Compensation returns the write that reverses this one. Rolling back a transaction journals it so that
// the rollback itself is replayed by recovery.
func (w *PageWrite) Compensation() journal.Loggable {
	return &PageWrite{
		Base:   journal.NewBase(PageWriteEntry, w.TransactionID()),
		PageID: w.PageID,
		Offset: w.Offset,
		After:  w.Before,
		Before: w.After,
		cache:  w.cache,
	}
}

func (w *PageWrite) Dump() string {
	return fmt.Sprintf("[PAGE_WRITE] - transaction: %d at %s - %s offset %d, %d bytes",
		w.TransactionID(), w.Lsn(), w.PageID, w.Offset, len(w.After))
}
