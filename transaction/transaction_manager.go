package transaction

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"mit.edu/dsg/journaldb/common"
	"mit.edu/dsg/journaldb/indexing"
	"mit.edu/dsg/journaldb/journal"
	"mit.edu/dsg/journaldb/storage"
)

// activeTxnEntry tracks a running transaction and the Lsn of its start record.
type activeTxnEntry struct {
	txn      *TransactionContext
	startLsn common.Lsn
}

// TransactionManager is the central component managing the lifecycle of transactions. It journals their
// changes through the journal Manager, applies them to the page cache and the node indexes, and takes
// checkpoints.
//
// A checkpoint waits until no transaction is running, and new transactions wait for a running checkpoint.
// After a checkpoint every change before it is on disk, so recovery only needs the journal from the last
// checkpoint onwards.
type TransactionManager struct {
	// activeTxns maps TransactionIDs to their runtime context and metadata
	activeTxns *xsync.MapOf[common.TransactionID, activeTxnEntry]

	journal     *journal.Manager
	cache       *storage.PageCache
	indexes     *indexing.IndexManager
	lockManager *LockManager
	logger      *zap.Logger

	// checkpointMu is held shared by every running transaction and exclusively by a checkpoint.
	checkpointMu sync.RWMutex
	// applyMu orders journaling and applying of entries across transactions.
	applyMu sync.Mutex

	idMu      sync.Mutex
	nextTxnID common.TransactionID
	// Pool to recycle transaction contexts
	txnPool sync.Pool
}

// NewTransactionManager initializes the transaction manager.
func NewTransactionManager(journalManager *journal.Manager, cache *storage.PageCache, indexes *indexing.IndexManager, logger *zap.Logger) *TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionManager{
		activeTxns:  xsync.NewMapOf[common.TransactionID, activeTxnEntry](),
		journal:     journalManager,
		cache:       cache,
		indexes:     indexes,
		lockManager: NewLockManager(),
		logger:      logger,
		nextTxnID:   1,
		txnPool: sync.Pool{
			New: func() any {
				return &TransactionContext{
					id:        common.InvalidTransactionID,
					entries:   make([]journal.Loggable, 0, 16),
					heldLocks: make(map[LockTag]LockMode),
				}
			},
		},
	}
}

// SetNextTransactionID makes the manager hand out ids starting at id. Recovery calls it so that new
// transactions never reuse an id found in the journal.
func (tm *TransactionManager) SetNextTransactionID(id common.TransactionID) {
	tm.idMu.Lock()
	defer tm.idMu.Unlock()
	if id > tm.nextTxnID {
		tm.nextTxnID = id
	}
}

func (tm *TransactionManager) allocateID() common.TransactionID {
	tm.idMu.Lock()
	defer tm.idMu.Unlock()
	tid := tm.nextTxnID
	tm.nextTxnID++
	return tid
}

func (tm *TransactionManager) journalAndApply(l journal.Loggable) error {
	tm.applyMu.Lock()
	defer tm.applyMu.Unlock()
	if err := tm.journal.Journal(l); err != nil {
		return err
	}
	return l.Redo()
}

// Begin starts a new transaction and returns the initialized context. It blocks while a checkpoint runs.
func (tm *TransactionManager) Begin() (*TransactionContext, error) {
	tm.checkpointMu.RLock()
	tid := tm.allocateID()

	txn := tm.txnPool.Get().(*TransactionContext)
	txn.tm = tm
	txn.Reset(tid)

	start := journal.NewTxnStart(tid)
	if err := tm.journal.Journal(start); err != nil {
		tm.txnPool.Put(txn)
		tm.checkpointMu.RUnlock()
		return nil, err
	}

	tm.activeTxns.Store(tid, activeTxnEntry{
		txn:      txn,
		startLsn: start.Lsn(),
	})
	return txn, nil
}

func (tm *TransactionManager) finish(txn *TransactionContext, state txnState) {
	txn.state = state
	txn.ReleaseAllLocks()
	tm.activeTxns.Delete(txn.id)
	tm.checkpointMu.RUnlock()
}

// Commit completes a transaction and makes its effects durable. Unless group commit is enabled, the commit
// record is synced to disk before Commit returns.
func (tm *TransactionManager) Commit(txn *TransactionContext) error {
	if err := txn.checkActive(); err != nil {
		return err
	}
	if err := tm.journal.JournalGroup(journal.NewTxnCommit(txn.id)); err != nil {
		return err
	}
	tm.finish(txn, txnCommitted)
	return nil
}

// Abort rolls the changes of the transaction back, newest first, and records the abort. Changes that can
// be compensated are reversed by journaling and applying their compensation; others are undone in place.
func (tm *TransactionManager) Abort(txn *TransactionContext) error {
	if err := txn.checkActive(); err != nil {
		return err
	}
	for i := len(txn.entries) - 1; i >= 0; i-- {
		l := txn.entries[i]
		if c, ok := l.(journal.Compensator); ok {
			if err := tm.journalAndApply(c.Compensation()); err != nil {
				return err
			}
			continue
		}
		if err := l.Undo(); err != nil {
			return err
		}
	}

	if err := tm.journal.JournalGroup(journal.NewTxnAbort(txn.id)); err != nil {
		return err
	}
	tm.logger.Debug("transaction aborted", zap.Int64("txn", int64(txn.id)), zap.Int("entries", len(txn.entries)))
	tm.finish(txn, txnAborted)
	return nil
}

// Release returns a finished transaction context to the pool. The context must not be used afterwards.
func (tm *TransactionManager) Release(txn *TransactionContext) {
	common.Assert(txn.state != txnActive, "release of active transaction %d", txn.id)
	tm.txnPool.Put(txn)
}

// Checkpoint waits for running transactions to finish, writes every dirty page and node index to disk and
// then records a checkpoint in the journal. The journal is flushed first so that no page reaches disk
// before the entries that changed it.
func (tm *TransactionManager) Checkpoint(switchFiles bool) error {
	tm.checkpointMu.Lock()
	defer tm.checkpointMu.Unlock()

	tid := tm.allocateID()
	if err := tm.journal.Flush(true, true); err != nil {
		return err
	}
	if err := tm.cache.FlushAll(); err != nil {
		return err
	}
	if err := tm.indexes.SaveAll(); err != nil {
		return err
	}
	if err := tm.journal.Checkpoint(tid, switchFiles); err != nil {
		return err
	}
	tm.logger.Info("checkpoint complete", zap.Int64("txn", int64(tid)), zap.Stringer("lsn", tm.journal.LastWrittenLsn()))
	return nil
}

// Shutdown flushes all state like a checkpoint and shuts the journal down, leaving a final checkpoint
// record that marks the shutdown as clean. It waits for running transactions.
func (tm *TransactionManager) Shutdown() error {
	tm.checkpointMu.Lock()
	defer tm.checkpointMu.Unlock()

	if err := tm.journal.Flush(true, true); err != nil {
		return err
	}
	if err := tm.cache.FlushAll(); err != nil {
		return err
	}
	if err := tm.indexes.SaveAll(); err != nil {
		return err
	}
	return tm.journal.Shutdown(tm.allocateID(), true)
}

// ATTEntry represents a snapshot of an active transaction for the Active Transaction Table (ATT).
type ATTEntry struct {
	ID       common.TransactionID
	StartLsn common.Lsn
}

// GetActiveTransactionsSnapshot returns a snapshot of currently active transaction IDs and their start Lsns.
func (tm *TransactionManager) GetActiveTransactionsSnapshot() []ATTEntry {
	var active []ATTEntry
	tm.activeTxns.Range(func(tid common.TransactionID, val activeTxnEntry) bool {
		active = append(active, ATTEntry{
			ID:       tid,
			StartLsn: val.startLsn,
		})
		return true
	})
	return active
}
