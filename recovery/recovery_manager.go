package recovery

import (
	"fmt"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mit.edu/dsg/journaldb/common"
	"mit.edu/dsg/journaldb/journal"
)

// State is the phase a RecoveryManager is in.
type State int32

const (
	Idle State = iota
	ScanningForward
	ScanningBackward
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ScanningForward:
		return "ScanningForward"
	case ScanningBackward:
		return "ScanningBackward"
	case Done:
		return "Done"
	}
	return "Unknown"
}

// Result summarizes a recovery run.
type Result struct {
	// Clean is set when the journal ended with a checkpoint and nothing had to be replayed.
	Clean bool
	// Redone and Undone count the data entries that were replayed and reversed. Transaction markers and
	// checkpoints are not counted.
	Redone int
	Undone int
	// Losers are the transactions that had neither committed nor aborted, in id order.
	Losers []common.TransactionID
	// CheckpointLsn is the Lsn of the last checkpoint found, or InvalidLsn.
	CheckpointLsn common.Lsn
	// EndLsn is the Lsn of the last valid entry, or InvalidLsn.
	EndLsn common.Lsn
	// MaxTransactionID is the highest transaction id found in the journal.
	MaxTransactionID common.TransactionID
}

// txnInfo is an entry of the transaction table built by the analysis pass.
type txnInfo struct {
	firstLsn common.Lsn
	terminal bool
}

// RecoveryManager replays the journal after an unclean shutdown. It implements a redo/undo protocol:
//
//   - Analysis scans every journal file forward and builds the transaction table, the Lsn of the last
//     checkpoint and the end of valid data.
//   - Redo replays every entry from the redo start point to the end of valid data. Redo is idempotent, so
//     replaying entries whose effect already reached storage is harmless.
//   - Undo scans backward from the end and rolls back the entries of transactions without a commit or
//     abort record, newest first. Compensations are journalled in a fresh file followed by an abort record
//     for every loser, so a crash after recovery does not undo the same transactions twice.
//
// The redo start point is the last checkpoint, or the first entry of the oldest transaction that was
// still open when that checkpoint was written. Without a checkpoint, redo starts at the oldest entry.
type RecoveryManager struct {
	accessor journal.RecoveryAccessor
	registry *journal.Registry
	logger   *zap.Logger
	state    atomic.Int32

	files        []int16
	txns         map[common.TransactionID]*txnInfo
	checkpoint   common.Lsn
	redoStart    common.Lsn
	end          common.Lsn
	maxTxnID     common.TransactionID
	openAtCkpt   []common.TransactionID
	newestLength int
}

// NewRecoveryManager creates a recovery manager for the journal behind accessor. Entries are decoded with
// registry, whose factories bind them to the storage they redo and undo against.
func NewRecoveryManager(accessor journal.RecoveryAccessor, registry *journal.Registry, logger *zap.Logger) *RecoveryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	rm := &RecoveryManager{
		accessor: accessor,
		registry: registry,
		logger:   logger,
	}
	rm.state.Store(int32(Idle))
	return rm
}

// State returns the current phase.
func (rm *RecoveryManager) State() State {
	return State(rm.state.Load())
}

func (rm *RecoveryManager) setState(s State) {
	rm.logger.Debug("recovery state change", zap.Stringer("from", rm.State()), zap.Stringer("to", s))
	rm.state.Store(int32(s))
}

// Recover runs recovery. Any damage other than a torn tail at the end of the newest journal file stops
// recovery with an error; the database must not be opened in that case.
func (rm *RecoveryManager) Recover() (Result, error) {
	common.Assert(rm.State() == Idle, "recovery already ran")
	result := Result{CheckpointLsn: common.InvalidLsn, EndLsn: common.InvalidLsn}

	files, err := rm.accessor.Files()
	if err != nil {
		return result, err
	}
	if len(files) == 0 {
		rm.logger.Info("no journal files found, nothing to recover")
		result.Clean = true
		rm.setState(Done)
		return result, nil
	}
	rm.files = files

	if err := rm.validateHeaders(); err != nil {
		return result, err
	}

	clean, err := rm.cleanShutdown()
	if err != nil {
		return result, err
	}
	if clean {
		// Retained files still hold the transactions of earlier runs, so new ids must stay above them.
		if result.MaxTransactionID, err = rm.scanMaxTransactionID(); err != nil {
			return result, err
		}
		rm.logger.Info("journal ends with a checkpoint, database was shut down cleanly",
			zap.Int64("max_txn", int64(result.MaxTransactionID)))
		result.Clean = true
		rm.setState(Done)
		return result, nil
	}

	rm.logger.Info("unclean shutdown detected, running recovery", zap.Int("files", len(files)))
	rm.accessor.SetInRecovery(true)
	defer rm.accessor.SetInRecovery(false)

	rm.setState(ScanningForward)
	if err := rm.analyze(); err != nil {
		return result, fmt.Errorf("analysis pass failed: %w", err)
	}
	result.CheckpointLsn = rm.checkpoint
	result.EndLsn = rm.end
	result.MaxTransactionID = rm.maxTxnID
	result.Losers = rm.losers()

	if result.Redone, err = rm.redo(); err != nil {
		return result, fmt.Errorf("redo pass failed: %w", err)
	}

	// Continue in a fresh file so that nothing is appended after a torn tail. The rollback of the losers
	// is journalled there.
	rm.accessor.SetCurrentFileNumber(rm.files[len(rm.files)-1])
	if err := rm.accessor.SwitchFiles(); err != nil {
		return result, err
	}

	rm.setState(ScanningBackward)
	if result.Undone, err = rm.undo(result.Losers); err != nil {
		return result, fmt.Errorf("undo pass failed: %w", err)
	}
	for _, id := range result.Losers {
		if _, err := rm.accessor.WriteToLog(journal.NewTxnAbort(id)); err != nil {
			return result, err
		}
	}
	rm.accessor.SetInRecovery(false)
	if err := rm.accessor.FlushToLog(true, true); err != nil {
		return result, err
	}

	rm.setState(Done)
	rm.logger.Info("recovery complete",
		zap.Int("redone", result.Redone),
		zap.Int("undone", result.Undone),
		zap.Int("losers", len(result.Losers)),
		zap.Stringer("checkpoint", result.CheckpointLsn),
		zap.Stringer("end", result.EndLsn))
	return result, nil
}

func (rm *RecoveryManager) open(n int16) (*journal.Reader, error) {
	return journal.OpenReader(rm.accessor.File(n), n, rm.registry)
}

// validateHeaders checks the header of every journal file before any entry is applied, so that a bad
// file anywhere stops recovery before storage is touched.
func (rm *RecoveryManager) validateHeaders() error {
	var g errgroup.Group
	g.SetLimit(8)
	for _, n := range rm.files {
		n := n
		g.Go(func() error {
			r, err := rm.open(n)
			if err != nil {
				return err
			}
			return r.Close()
		})
	}
	return g.Wait()
}

// cleanShutdown reports whether the newest entry of the journal is a checkpoint. Files that hold no entry
// yet are skipped. A damaged tail is not a clean shutdown; the analysis pass decides whether it is
// tolerable.
func (rm *RecoveryManager) cleanShutdown() (bool, error) {
	for i := len(rm.files) - 1; i >= 0; i-- {
		r, err := rm.open(rm.files[i])
		if err != nil {
			return false, err
		}
		last, err := r.LastEntry()
		_ = r.Close()
		if err != nil {
			rm.logger.Debug("cannot read the last journal entry", zap.Int16("file", rm.files[i]), zap.Error(err))
			return false, nil
		}
		if last != nil {
			return last.Type() == journal.CheckpointEntry, nil
		}
	}
	return false, nil
}

// analyze scans all files forward and fills the transaction table.
func (rm *RecoveryManager) analyze() error {
	rm.txns = make(map[common.TransactionID]*txnInfo)
	rm.checkpoint = common.InvalidLsn
	rm.redoStart = common.InvalidLsn
	rm.end = common.InvalidLsn

	for i, n := range rm.files {
		newest := i == len(rm.files)-1
		r, err := rm.open(n)
		if err != nil {
			return err
		}
		count := 0
		for {
			l, err := r.NextEntry()
			if err != nil {
				_ = r.Close()
				return err
			}
			if l == nil {
				break
			}
			count++
			rm.track(l)
		}
		torn := r.TornTail()
		_ = r.Close()
		if torn {
			if !newest {
				return &journal.Error{
					Code: common.JournalCorruptionError,
					Msg:  fmt.Sprintf("journal file %d ends in an incomplete entry but is not the newest file", n),
				}
			}
			rm.logger.Warn("ignoring incomplete entry at the end of the journal", zap.Int16("file", n))
		}
		if newest {
			rm.newestLength = count
		}
	}

	if rm.checkpoint.IsValid() {
		rm.redoStart = rm.checkpoint
		for _, id := range rm.openAtCkpt {
			if first := rm.txns[id].firstLsn; first.Less(rm.redoStart) {
				rm.redoStart = first
			}
		}
	}
	rm.logger.Debug("analysis complete",
		zap.Int("transactions", len(rm.txns)),
		zap.Stringer("checkpoint", rm.checkpoint),
		zap.Stringer("redo_start", rm.redoStart),
		zap.Stringer("end", rm.end))
	return nil
}

func (rm *RecoveryManager) track(l journal.Loggable) {
	rm.end = l.Lsn()
	id := l.TransactionID()
	if id > rm.maxTxnID {
		rm.maxTxnID = id
	}
	if l.Type() == journal.CheckpointEntry {
		rm.checkpoint = l.Lsn()
		rm.openAtCkpt = rm.openAtCkpt[:0]
		for txnID, info := range rm.txns {
			if !info.terminal {
				rm.openAtCkpt = append(rm.openAtCkpt, txnID)
			}
		}
		return
	}
	info, ok := rm.txns[id]
	if !ok {
		info = &txnInfo{firstLsn: l.Lsn()}
		rm.txns[id] = info
	}
	if journal.IsTerminal(l.Type()) {
		info.terminal = true
	}
}

func (rm *RecoveryManager) losers() []common.TransactionID {
	var losers []common.TransactionID
	for id, info := range rm.txns {
		if !info.terminal {
			losers = append(losers, id)
		}
	}
	slices.Sort(losers)
	return losers
}

// redo replays every entry from the redo start point up to the end of valid data.
func (rm *RecoveryManager) redo() (int, error) {
	redone := 0
	for _, n := range rm.files {
		if rm.redoStart.IsValid() && n < rm.redoStart.FileNumber {
			continue
		}
		r, err := rm.open(n)
		if err != nil {
			return redone, err
		}
		if rm.redoStart.IsValid() && n == rm.redoStart.FileNumber {
			if err := r.Position(rm.redoStart); err != nil {
				_ = r.Close()
				return redone, err
			}
		}
		for {
			l, err := r.NextEntry()
			if err != nil {
				_ = r.Close()
				return redone, err
			}
			if l == nil {
				break
			}
			if err := l.Redo(); err != nil {
				_ = r.Close()
				return redone, fmt.Errorf("redo of %s failed: %w", l.Dump(), err)
			}
			if !journal.IsMarker(l.Type()) {
				redone++
			}
		}
		_ = r.Close()
	}
	return redone, nil
}

// undo scans backward from the end of valid data and undoes the entries of losers. It stops once it is
// past the first entry of the oldest loser.
func (rm *RecoveryManager) undo(losers []common.TransactionID) (int, error) {
	if len(losers) == 0 {
		return 0, nil
	}
	isLoser := make(map[common.TransactionID]bool, len(losers))
	stop := rm.end
	for _, id := range losers {
		isLoser[id] = true
		if first := rm.txns[id].firstLsn; first.Less(stop) {
			stop = first
		}
	}

	undone := 0
	for i := len(rm.files) - 1; i >= 0; i-- {
		n := rm.files[i]
		if n < stop.FileNumber {
			break
		}
		r, err := rm.open(n)
		if err != nil {
			return undone, err
		}
		if i == len(rm.files)-1 {
			err = rm.positionAfterEnd(r)
		} else {
			r.PositionLast()
		}
		if err != nil {
			_ = r.Close()
			return undone, err
		}
		for {
			l, err := r.PreviousEntry()
			if err != nil {
				_ = r.Close()
				return undone, err
			}
			if l == nil || l.Lsn().Less(stop) {
				break
			}
			if !isLoser[l.TransactionID()] || journal.IsMarker(l.Type()) {
				continue
			}
			if err := rm.rollback(l); err != nil {
				_ = r.Close()
				return undone, fmt.Errorf("undo of %s failed: %w", l.Dump(), err)
			}
			undone++
		}
		_ = r.Close()
	}
	return undone, nil
}

// rollback reverses a single loser entry. An entry with a compensation has it journalled and applied,
// so that once the loser's abort record is written a later recovery replays the rollback instead of
// undoing the loser again. Other entries are undone in place.
func (rm *RecoveryManager) rollback(l journal.Loggable) error {
	c, ok := l.(journal.Compensator)
	if !ok {
		return l.Undo()
	}
	compensation := c.Compensation()
	if _, err := rm.accessor.WriteToLog(compensation); err != nil {
		return err
	}
	return compensation.Redo()
}

// scanMaxTransactionID returns the highest transaction id in any journal file.
func (rm *RecoveryManager) scanMaxTransactionID() (common.TransactionID, error) {
	var maxID common.TransactionID
	for _, n := range rm.files {
		r, err := rm.open(n)
		if err != nil {
			return 0, err
		}
		for {
			l, err := r.NextEntry()
			if err != nil {
				_ = r.Close()
				return 0, err
			}
			if l == nil {
				break
			}
			maxID = max(maxID, l.TransactionID())
		}
		_ = r.Close()
	}
	return maxID, nil
}

// positionAfterEnd moves the cursor of the newest file just past the last valid entry, before any torn
// bytes.
func (rm *RecoveryManager) positionAfterEnd(r *journal.Reader) error {
	if rm.newestLength == 0 || rm.end.FileNumber != r.FileNumber() {
		r.PositionFirst()
		return nil
	}
	if err := r.Position(rm.end); err != nil {
		return err
	}
	_, err := r.NextEntry()
	return err
}
