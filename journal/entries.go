package journal

import (
	"encoding/binary"
	"fmt"
	"time"

	"mit.edu/dsg/journaldb/common"
)

// Transaction markers carry no payload. They exist so that recovery can tell winners (a commit or abort
// was logged) from losers.
type txnMarker struct {
	Base
	name string
}

func (m *txnMarker) LogSize() int     { return 0 }
func (m *txnMarker) Write(out []byte) {}

func (m *txnMarker) Read(in []byte) error {
	if len(in) != 0 {
		return fmt.Errorf("%s entry has unexpected payload of %d bytes", m.name, len(in))
	}
	return nil
}

func (m *txnMarker) Redo() error  { return nil }
func (m *txnMarker) Undo() error  { return nil }
func (m *txnMarker) Dump() string { return m.dumpPrefix(m.name) }

// TxnStart marks the first entry of a transaction.
type TxnStart struct{ txnMarker }

func NewTxnStart(txnID common.TransactionID) *TxnStart {
	return &TxnStart{txnMarker{Base: NewBase(TxnStartEntry, txnID), name: "START"}}
}

// TxnCommit marks a transaction whose effects must survive recovery.
type TxnCommit struct{ txnMarker }

func NewTxnCommit(txnID common.TransactionID) *TxnCommit {
	return &TxnCommit{txnMarker{Base: NewBase(TxnCommitEntry, txnID), name: "COMMIT"}}
}

// TxnAbort marks a transaction that was rolled back before the crash. Its undo work is already in the
// journal, so recovery does not undo it again.
type TxnAbort struct{ txnMarker }

func NewTxnAbort(txnID common.TransactionID) *TxnAbort {
	return &TxnAbort{txnMarker{Base: NewBase(TxnAbortEntry, txnID), name: "ABORT"}}
}

// Checkpoint states that everything logged before it has reached primary storage. Its payload is the wall
// clock time the checkpoint was taken, in milliseconds.
type Checkpoint struct {
	Base
	Timestamp int64
}

const checkpointPayloadLen = 8

func NewCheckpoint(txnID common.TransactionID) *Checkpoint {
	return &Checkpoint{
		Base:      NewBase(CheckpointEntry, txnID),
		Timestamp: time.Now().UnixMilli(),
	}
}

func (c *Checkpoint) LogSize() int {
	return checkpointPayloadLen
}

func (c *Checkpoint) Write(out []byte) {
	binary.BigEndian.PutUint64(out, uint64(c.Timestamp))
}

func (c *Checkpoint) Read(in []byte) error {
	if len(in) != checkpointPayloadLen {
		return fmt.Errorf("checkpoint payload must be %d bytes, got %d", checkpointPayloadLen, len(in))
	}
	c.Timestamp = int64(binary.BigEndian.Uint64(in))
	return nil
}

func (c *Checkpoint) Redo() error { return nil }
func (c *Checkpoint) Undo() error { return nil }

func (c *Checkpoint) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}

func (c *Checkpoint) Dump() string {
	return fmt.Sprintf("%s - checkpoint at %s", c.dumpPrefix("CHECKPOINT"), c.Time().UTC().Format(time.RFC3339Nano))
}

// IsTerminal reports whether t ends a transaction for the purposes of recovery.
func IsTerminal(t EntryType) bool {
	return t == TxnCommitEntry || t == TxnAbortEntry
}

// IsMarker reports whether t is one of the built-in entries, which change no data.
func IsMarker(t EntryType) bool {
	return t <= TxnAbortEntry
}
