package transaction

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"mit.edu/dsg/journaldb/common"
)

// LockKind says what a LockTag names.
type LockKind uint8

const (
	// PageLock protects a page of a page file.
	PageLock LockKind = iota
	// NodeLock protects one key of a node index.
	NodeLock
)

// LockTag identifies a lockable resource. Node keys are hashed, so two keys may share a lock; that only
// costs concurrency.
type LockTag struct {
	Kind    LockKind
	Oid     common.ObjectID
	PageNum int32
	KeyHash uint64
}

// NewPageLockTag creates a LockTag for a page.
func NewPageLockTag(pid common.PageID) LockTag {
	return LockTag{Kind: PageLock, Oid: pid.Oid, PageNum: pid.PageNum}
}

// NewNodeLockTag creates a LockTag for a key of the node index oid.
func NewNodeLockTag(oid common.ObjectID, key []byte) LockTag {
	return LockTag{Kind: NodeLock, Oid: oid, PageNum: -1, KeyHash: xxhash.Sum64(key)}
}

func (t LockTag) String() string {
	if t.Kind == NodeLock {
		return fmt.Sprintf("Node(%d, %016x)", t.Oid, t.KeyHash)
	}
	return fmt.Sprintf("Page(%d, %d)", t.Oid, t.PageNum)
}

// LockMode represents the type of access a transaction is requesting.
type LockMode int

const (
	// LockModeS (Shared) allows reading a resource. Multiple transactions can hold S locks simultaneously.
	LockModeS LockMode = iota
	// LockModeX (Exclusive) allows modification. It is incompatible with every other lock.
	LockModeX
)

func (m LockMode) String() string {
	switch m {
	case LockModeS:
		return "LockModeS"
	case LockModeX:
		return "LockModeX"
	}
	return "Unknown lock mode"
}

// Compatible reports whether a lock in mode req can be granted while another transaction holds one in mode
// held.
func Compatible(req, held LockMode) bool {
	return req == LockModeS && held == LockModeS
}

// CoveredBy returns true if the 'held' lock is strong enough to satisfy the 'req' lock.
func CoveredBy(req, held LockMode) bool {
	return held == LockModeX || req == held
}

type lockRequest struct {
	txnID   common.TransactionID
	mode    LockMode
	granted bool
	cond    *sync.Cond
}

type resourceLock struct {
	tag     LockTag
	holders map[common.TransactionID]LockMode
	// Requests that could not be granted yet, in arrival order. Upgrades are queued in front of new
	// requests.
	waiters []*lockRequest

	mutex sync.Mutex
}

func (l *resourceLock) initialize(tag LockTag) {
	l.tag = tag
	clear(l.holders)
	l.waiters = l.waiters[:0]
}

func (l *resourceLock) invalidate() {
	l.tag = LockTag{Kind: PageLock, PageNum: -1}
}

func (l *resourceLock) outOfScope() bool {
	return len(l.holders) == 0 && len(l.waiters) == 0
}

func (l *resourceLock) canGrant(txnID common.TransactionID, mode LockMode) bool {
	for holder, held := range l.holders {
		if holder != txnID && !Compatible(mode, held) {
			return false
		}
	}
	return true
}

func (l *resourceLock) deadlock(txnID, other common.TransactionID) error {
	return common.DBError{
		Code:      common.DeadlockError,
		ErrString: fmt.Sprintf("deadlock (wait-die): txn %d aborting for txn %d on %s", txnID, other, l.tag),
	}
}

// lock implements wait-die: a transaction only ever waits for older (smaller id) transactions and dies
// instead of waiting for a younger one. The caller holds l.mutex.
func (l *resourceLock) lock(txnID common.TransactionID, mode LockMode) error {
	_, upgrade := l.holders[txnID]
	blocked := false
	for holder, held := range l.holders {
		if holder == txnID || Compatible(mode, held) {
			continue
		}
		if txnID > holder {
			return l.deadlock(txnID, holder)
		}
		blocked = true
	}
	for _, w := range l.waiters {
		if w.txnID == txnID {
			panic("transaction requested a lock it is still waiting for")
		}
		// Upgrades only wait for holders.
		if upgrade {
			continue
		}
		if !Compatible(mode, w.mode) || !Compatible(w.mode, mode) {
			if txnID > w.txnID {
				return l.deadlock(txnID, w.txnID)
			}
			blocked = true
		}
	}

	if !blocked {
		l.holders[txnID] = mode
		return nil
	}

	request := &lockRequest{txnID: txnID, mode: mode, cond: sync.NewCond(&l.mutex)}
	if upgrade {
		l.waiters = append([]*lockRequest{request}, l.waiters...)
	} else {
		l.waiters = append(l.waiters, request)
	}
	for !request.granted {
		request.cond.Wait()
	}
	return nil
}

// unlock releases the lock of txnID and grants queued requests in order until one cannot be granted.
func (l *resourceLock) unlock(txnID common.TransactionID) {
	delete(l.holders, txnID)

	i := 0
	for i < len(l.waiters) {
		w := l.waiters[i]
		if !l.canGrant(w.txnID, w.mode) {
			break
		}
		l.holders[w.txnID] = w.mode
		w.granted = true
		w.cond.Signal()
		l.waiters[i] = nil
		i++
	}
	l.waiters = l.waiters[i:]
}

// LockManager manages the granting, releasing, and waiting of locks on pages and node keys. Transactions
// hold their locks until they commit or abort, so the before-image of a journaled change cannot be
// overwritten by another transaction that is still running.
type LockManager struct {
	lockTable *xsync.MapOf[LockTag, *resourceLock]
	lockPool  sync.Pool
}

// NewLockManager initializes a new LockManager.
func NewLockManager() *LockManager {
	return &LockManager{
		lockTable: xsync.NewMapOf[LockTag, *resourceLock](),
		lockPool: sync.Pool{
			New: func() any {
				return &resourceLock{
					holders: make(map[common.TransactionID]LockMode, 4),
					waiters: make([]*lockRequest, 0, 4),
				}
			},
		},
	}
}

// Lock acquires a lock on tag in the requested mode, blocking until it is granted. It returns a DBError
// with DeadlockError if the transaction must abort instead of waiting.
func (lm *LockManager) Lock(tid common.TransactionID, tag LockTag, mode LockMode) error {
	for {
		lock, ok := lm.lockTable.Load(tag)
		if !ok {
			newLock := lm.lockPool.Get().(*resourceLock)
			newLock.mutex.Lock()
			newLock.initialize(tag)
			actual, loaded := lm.lockTable.LoadOrStore(tag, newLock)
			if loaded {
				newLock.invalidate()
				newLock.mutex.Unlock()
				lm.lockPool.Put(newLock)
				lock = actual
				lock.mutex.Lock()
			} else {
				lock = newLock
			}
		} else {
			lock.mutex.Lock()
		}

		// The lock may have been retired between the load and acquiring its mutex.
		if lock.tag != tag {
			lock.mutex.Unlock()
			continue
		}

		err := lock.lock(tid, mode)
		lock.mutex.Unlock()
		return err
	}
}

// Unlock releases the lock held by the transaction on tag.
func (lm *LockManager) Unlock(tid common.TransactionID, tag LockTag) {
	lock, ok := lm.lockTable.Load(tag)
	if !ok {
		return
	}

	lock.mutex.Lock()
	defer lock.mutex.Unlock()
	common.Assert(lock.tag == tag, "unlock of stale lock %s", tag)

	lock.unlock(tid)
	if lock.outOfScope() {
		lock.invalidate()
		lm.lockTable.Delete(tag)
		lm.lockPool.Put(lock)
	}
}

// LockHeld checks if any transaction currently holds a lock on the given resource.
func (lm *LockManager) LockHeld(tag LockTag) bool {
	lock, ok := lm.lockTable.Load(tag)
	if !ok {
		return false
	}
	lock.mutex.Lock()
	defer lock.mutex.Unlock()
	if lock.tag != tag {
		return false
	}
	return len(lock.holders) != 0
}
