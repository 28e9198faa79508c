package journal

import (
	"fmt"
	"sync"

	"mit.edu/dsg/journaldb/common"
)

// EntryType tags the kind of operation a journal entry records.
type EntryType byte

// Entry types owned by the journal itself. Storage components register their own types, starting at
// 0x10 for page operations and 0x20 for node operations.
const (
	TxnStartEntry   EntryType = 0x00
	TxnCommitEntry  EntryType = 0x01
	CheckpointEntry EntryType = 0x02
	TxnAbortEntry   EntryType = 0x03
)

// Loggable is one logged mutating operation. Each kind knows how to serialize its payload and how to
// redo (reapply) and undo (reverse) itself against the storage it was created for.
//
// Redo must be idempotent: recovery may replay an entry whose effect already reached storage.
type Loggable interface {
	// Type returns the entry type written to the entry header.
	Type() EntryType

	// TransactionID returns the id of the transaction that produced the entry.
	TransactionID() common.TransactionID

	// Lsn returns the position assigned to the entry by the journal (or by the reader that decoded it).
	Lsn() common.Lsn

	// SetLsn records the position of the entry.
	SetLsn(lsn common.Lsn)

	// LogSize returns the size of the payload in bytes.
	LogSize() int

	// Write serializes the payload into out, which is exactly LogSize() bytes long.
	Write(out []byte)

	// Read deserializes the payload. The slice is only valid during the call.
	Read(in []byte) error

	// Redo reapplies the operation to storage.
	Redo() error

	// Undo reverses the effect of the operation.
	Undo() error

	// Dump returns a one-line human readable description used in diagnostics.
	Dump() string
}

// Base carries the fields every Loggable shares. Embed it and implement the payload and redo/undo methods.
type Base struct {
	entryType EntryType
	txnID     common.TransactionID
	lsn       common.Lsn
}

// NewBase creates the shared part of a Loggable.
func NewBase(t EntryType, txnID common.TransactionID) Base {
	return Base{entryType: t, txnID: txnID, lsn: common.InvalidLsn}
}

func (b *Base) Type() EntryType {
	return b.entryType
}

func (b *Base) TransactionID() common.TransactionID {
	return b.txnID
}

func (b *Base) Lsn() common.Lsn {
	return b.lsn
}

func (b *Base) SetLsn(lsn common.Lsn) {
	b.lsn = lsn
}

func (b *Base) dumpPrefix(name string) string {
	return fmt.Sprintf("[%s] - transaction: %d at %s", name, b.txnID, b.lsn)
}

// Compensator is implemented by Loggables that can produce the entry reversing them. Rolling back such an
// entry journals the compensation instead of calling Undo, so that a later recovery replays the rollback.
type Compensator interface {
	Compensation() Loggable
}

// Factory creates an empty Loggable of one type, ready for Read. Storage handles the Loggable needs for
// redo and undo are captured by the factory closure when it is registered.
type Factory func(txnID common.TransactionID) Loggable

type registration struct {
	name    string
	factory Factory
}

// Registry maps entry type bytes to the factories that decode them. A Registry is created per database
// instance and passed explicitly to the journal reader and to recovery.
type Registry struct {
	mu      sync.RWMutex
	entries map[EntryType]registration
}

// NewRegistry returns a registry that already knows the journal's own entry types.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[EntryType]registration)}
	r.mustRegister(TxnStartEntry, "TXN_START", func(txnID common.TransactionID) Loggable { return NewTxnStart(txnID) })
	r.mustRegister(TxnCommitEntry, "TXN_COMMIT", func(txnID common.TransactionID) Loggable { return NewTxnCommit(txnID) })
	r.mustRegister(CheckpointEntry, "CHECKPOINT", func(txnID common.TransactionID) Loggable { return &Checkpoint{Base: NewBase(CheckpointEntry, txnID)} })
	r.mustRegister(TxnAbortEntry, "TXN_ABORT", func(txnID common.TransactionID) Loggable { return NewTxnAbort(txnID) })
	return r
}

// Register adds a factory for the given entry type. Registering the same type twice is an error.
func (r *Registry) Register(t EntryType, name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[t]; ok {
		return fmt.Errorf("entry type %#02x is already registered as %s", byte(t), existing.name)
	}
	r.entries[t] = registration{name: name, factory: factory}
	return nil
}

func (r *Registry) mustRegister(t EntryType, name string, factory Factory) {
	common.Assert(r.Register(t, name, factory) == nil, "duplicate built-in entry type %#02x", byte(t))
}

// Create instantiates an empty Loggable for the given type. It returns false for unknown types.
func (r *Registry) Create(t EntryType, txnID common.TransactionID) (Loggable, bool) {
	r.mu.RLock()
	reg, ok := r.entries[t]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return reg.factory(txnID), true
}

// Name returns the registered name of an entry type, or "UNKNOWN".
func (r *Registry) Name(t EntryType) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.entries[t]; ok {
		return reg.name
	}
	return "UNKNOWN"
}
