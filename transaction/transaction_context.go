package transaction

import (
	"fmt"

	"mit.edu/dsg/journaldb/common"
	"mit.edu/dsg/journaldb/indexing"
	"mit.edu/dsg/journaldb/journal"
	"mit.edu/dsg/journaldb/storage"
)

type txnState int

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
)

// TransactionContext holds the runtime state of a single transaction.
type TransactionContext struct {
	id    common.TransactionID
	tm    *TransactionManager
	state txnState

	// entries holds the journaled changes of the transaction in journal order, for rollback without
	// reading the journal back.
	entries   []journal.Loggable
	heldLocks map[LockTag]LockMode
}

// ID returns the transaction id.
func (txn *TransactionContext) ID() common.TransactionID {
	return txn.id
}

// Reset clears the transaction context for reuse.
// This is critical when using sync.Pool to avoid leaking data between users.
func (txn *TransactionContext) Reset(id common.TransactionID) {
	txn.id = id
	txn.state = txnActive
	clear(txn.entries)
	txn.entries = txn.entries[:0]
	clear(txn.heldLocks)
}

func (txn *TransactionContext) checkActive() error {
	if txn.state != txnActive {
		return common.DBError{
			Code:      common.TransactionStateError,
			ErrString: fmt.Sprintf("transaction %d is no longer active", txn.id),
		}
	}
	return nil
}

// AcquireLock acquires a lock on the specified resource, checking for reentrancy (if the lock is already
// held). If the lock cannot be acquired immediately, this call blocks or fails with DeadlockError.
func (txn *TransactionContext) AcquireLock(tag LockTag, mode LockMode) error {
	if held, ok := txn.heldLocks[tag]; ok && CoveredBy(mode, held) {
		return nil
	}
	if err := txn.tm.lockManager.Lock(txn.id, tag, mode); err != nil {
		return err
	}
	txn.heldLocks[tag] = mode
	return nil
}

// ReleaseAllLocks releases all locks held by this transaction.
func (txn *TransactionContext) ReleaseAllLocks() {
	for tag := range txn.heldLocks {
		txn.tm.lockManager.Unlock(txn.id, tag)
	}
	clear(txn.heldLocks)
}

// Log journals l and then applies it by calling its Redo. Entries of all transactions are journaled and
// applied one at a time, so the order in which changes reach a page matches their order in the journal.
func (txn *TransactionContext) Log(l journal.Loggable) error {
	if err := txn.checkActive(); err != nil {
		return err
	}
	if l.TransactionID() != txn.id {
		return fmt.Errorf("entry of transaction %d logged by transaction %d", l.TransactionID(), txn.id)
	}
	if err := txn.tm.journalAndApply(l); err != nil {
		return err
	}
	txn.entries = append(txn.entries, l)
	return nil
}

// EntryCount returns the number of changes the transaction has logged.
func (txn *TransactionContext) EntryCount() int {
	return len(txn.entries)
}

// ReadPage copies length bytes at offset of the page data into a new slice.
func (txn *TransactionContext) ReadPage(pid common.PageID, offset, length int) ([]byte, error) {
	if err := txn.checkActive(); err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset+length > storage.PageDataSize {
		return nil, fmt.Errorf("read of %d bytes at offset %d does not fit a page", length, offset)
	}
	if err := txn.AcquireLock(NewPageLockTag(pid), LockModeS); err != nil {
		return nil, err
	}
	frame, err := txn.tm.cache.GetPage(pid)
	if err != nil {
		return nil, err
	}
	frame.PageLatch.RLock()
	defer frame.PageLatch.RUnlock()
	out := make([]byte, length)
	copy(out, frame.Data()[offset:])
	return out, nil
}

// AllocatePage adds a page to the page file oid.
func (txn *TransactionContext) AllocatePage(oid common.ObjectID) (common.PageID, error) {
	if err := txn.checkActive(); err != nil {
		return common.PageID{}, err
	}
	pid, err := txn.tm.cache.AllocatePage(oid)
	if err != nil {
		return common.PageID{}, err
	}
	if err := txn.AcquireLock(NewPageLockTag(pid), LockModeX); err != nil {
		return common.PageID{}, err
	}
	return pid, txn.Log(storage.NewPageAllocate(txn.tm.cache, txn.id, pid))
}

// WritePage overwrites page data at offset with data.
func (txn *TransactionContext) WritePage(pid common.PageID, offset int, data []byte) error {
	if err := txn.checkActive(); err != nil {
		return err
	}
	if err := txn.AcquireLock(NewPageLockTag(pid), LockModeX); err != nil {
		return err
	}
	w, err := storage.NewPageWrite(txn.tm.cache, txn.id, pid, offset, data)
	if err != nil {
		return err
	}
	return txn.Log(w)
}

// GetNode looks up key in the node index oid.
func (txn *TransactionContext) GetNode(oid common.ObjectID, key indexing.Key) ([]byte, bool, error) {
	if err := txn.checkActive(); err != nil {
		return nil, false, err
	}
	if err := txn.AcquireLock(NewNodeLockTag(oid, key), LockModeS); err != nil {
		return nil, false, err
	}
	index, err := txn.tm.indexes.GetIndex(oid)
	if err != nil {
		return nil, false, err
	}
	value, ok := index.Get(key)
	return value, ok, nil
}

// PutNode stores value under key in the node index oid.
func (txn *TransactionContext) PutNode(oid common.ObjectID, key indexing.Key, value []byte) error {
	if err := txn.checkActive(); err != nil {
		return err
	}
	if err := txn.AcquireLock(NewNodeLockTag(oid, key), LockModeX); err != nil {
		return err
	}
	insert, err := indexing.NewNodeInsert(txn.tm.indexes, txn.id, oid, key, value)
	if err != nil {
		return err
	}
	return txn.Log(insert)
}

// DeleteNode removes key from the node index oid. It reports whether the key was present.
func (txn *TransactionContext) DeleteNode(oid common.ObjectID, key indexing.Key) (bool, error) {
	if err := txn.checkActive(); err != nil {
		return false, err
	}
	if err := txn.AcquireLock(NewNodeLockTag(oid, key), LockModeX); err != nil {
		return false, err
	}
	del, found, err := indexing.NewNodeDelete(txn.tm.indexes, txn.id, oid, key)
	if err != nil || !found {
		return false, err
	}
	return true, txn.Log(del)
}
