package journal

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mit.edu/dsg/journaldb/common"
)

const DefaultGroupCommitInterval = 10 * time.Millisecond

// ManagerOptions configure a Manager and the Journal it owns.
type ManagerOptions struct {
	Journal Options
	// GroupCommit lets JournalGroup return without an fsync; a background flusher syncs the batch every
	// GroupCommitInterval.
	GroupCommit         bool
	GroupCommitInterval time.Duration
}

func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		Journal:             DefaultOptions(),
		GroupCommitInterval: DefaultGroupCommitInterval,
	}
}

// Listener is notified after every checkpoint. Returning false deregisters it, which is how one-shot
// listeners are written.
type Listener interface {
	AfterCheckpoint(txnID common.TransactionID) bool
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(txnID common.TransactionID) bool

func (f ListenerFunc) AfterCheckpoint(txnID common.TransactionID) bool {
	return f(txnID)
}

type registeredListener struct {
	id       uint64
	listener Listener
}

// Manager is the entry point the rest of the database uses to journal its operations. It owns the single
// Journal, serializes access to it, can run with journalling disabled (read-only and diagnostic
// instances), and notifies listeners after checkpoints.
type Manager struct {
	mu sync.Mutex

	dir     string
	opts    ManagerOptions
	logger  *zap.Logger
	metrics *Metrics

	journal  *Journal
	flusher  *groupCommitFlusher
	disabled bool
	shutdown bool

	// listeners is replaced, never modified in place; notification iterates a snapshot.
	listeners  atomic.Pointer[[]registeredListener]
	listenerMu sync.Mutex
	nextID     uint64
}

func NewManager(dir string, opts ManagerOptions, logger *zap.Logger, metrics *Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.GroupCommitInterval <= 0 {
		opts.GroupCommitInterval = DefaultGroupCommitInterval
	}
	m := &Manager{
		dir:     dir,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
	m.listeners.Store(&[]registeredListener{})
	return m
}

// DisableJournalling turns every journalling operation into a no-op. It must be called before Prepare.
func (m *Manager) DisableJournalling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = true
	m.logger.Info("journalling is disabled")
}

// Prepare opens the journal directory.
func (m *Manager) Prepare() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled || m.journal != nil {
		return nil
	}
	j, err := NewJournal(m.dir, m.opts.Journal, m.logger, m.metrics)
	if err != nil {
		return err
	}
	m.journal = j
	if m.opts.GroupCommit {
		m.flusher = newGroupCommitFlusher(j, m.logger, m.opts.GroupCommitInterval)
		m.flusher.Start()
	}
	return nil
}

func (m *Manager) enabledLocked() bool {
	return !m.disabled && m.journal != nil
}

// Journal writes l to the journal. The entry may sit in the write buffer until the next flush.
func (m *Manager) Journal(l Loggable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabledLocked() {
		return nil
	}
	_, err := m.journal.WriteToLog(l)
	return err
}

// JournalGroup writes l and, unless group commit is enabled, flushes it to disk before returning. Use it
// for entries that must be durable before the caller is answered, such as commit records.
func (m *Manager) JournalGroup(l Loggable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabledLocked() {
		return nil
	}
	if _, err := m.journal.WriteToLog(l); err != nil {
		return err
	}
	if !m.opts.GroupCommit {
		return m.journal.Flush(true)
	}
	return nil
}

// Checkpoint writes a checkpoint record and then notifies the listeners.
func (m *Manager) Checkpoint(txnID common.TransactionID, switchFiles bool) error {
	m.mu.Lock()
	if !m.enabledLocked() {
		m.mu.Unlock()
		return nil
	}
	_, err := m.journal.Checkpoint(txnID, switchFiles)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notifyCheckpoint(txnID)
	return nil
}

func (m *Manager) notifyCheckpoint(txnID common.TransactionID) {
	var done []uint64
	for _, rl := range *m.listeners.Load() {
		if !rl.listener.AfterCheckpoint(txnID) {
			done = append(done, rl.id)
		}
	}
	if len(done) > 0 {
		m.removeListeners(done...)
	}
}

// Listen registers l for checkpoint notifications and returns a function that deregisters it.
func (m *Manager) Listen(l Listener) func() {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.nextID++
	id := m.nextID
	old := *m.listeners.Load()
	next := make([]registeredListener, len(old), len(old)+1)
	copy(next, old)
	next = append(next, registeredListener{id: id, listener: l})
	m.listeners.Store(&next)
	return func() { m.removeListeners(id) }
}

func (m *Manager) removeListeners(ids ...uint64) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	old := *m.listeners.Load()
	next := make([]registeredListener, 0, len(old))
	for _, rl := range old {
		removed := false
		for _, id := range ids {
			if rl.id == id {
				removed = true
				break
			}
		}
		if !removed {
			next = append(next, rl)
		}
	}
	m.listeners.Store(&next)
}

// ListenerCount returns the number of registered listeners.
func (m *Manager) ListenerCount() int {
	return len(*m.listeners.Load())
}

// Flush writes buffered entries to the journal file, see Journal.FlushToLog.
func (m *Manager) Flush(fsync, forceSync bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabledLocked() {
		return nil
	}
	return m.journal.FlushToLog(fsync, forceSync)
}

// Shutdown stops the group commit flusher and shuts the journal down, writing a final checkpoint when
// checkpoint is set. Calling it again does nothing.
func (m *Manager) Shutdown(txnID common.TransactionID, checkpoint bool) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	flusher := m.flusher
	m.flusher = nil
	m.mu.Unlock()

	// Stop outside the lock: the final flush of the flusher goes through the journal, not the manager.
	if flusher != nil {
		flusher.Stop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabledLocked() {
		return nil
	}
	return m.journal.Shutdown(txnID, checkpoint)
}

// LastWrittenLsn returns the Lsn of the newest entry, or InvalidLsn.
func (m *Manager) LastWrittenLsn() common.Lsn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabledLocked() {
		return common.InvalidLsn
	}
	return m.journal.LastWrittenLsn()
}

// IsDisabled reports whether journalling was turned off.
func (m *Manager) IsDisabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled
}

// RecoveryAccessor exposes the journal to crash recovery. It returns nil when journalling is disabled or
// the manager was not prepared.
func (m *Manager) RecoveryAccessor() RecoveryAccessor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabledLocked() {
		return nil
	}
	return m.journal
}
