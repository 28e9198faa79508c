package journal

import "mit.edu/dsg/journaldb/common"

// RecoveryAccessor is the part of the Journal that crash recovery needs: the files to scan, the switch
// into recovery mode that suppresses flushing, and the means to continue in a fresh file and record the
// rollback of losers once redo is done.
type RecoveryAccessor interface {
	SetInRecovery(inRecovery bool)
	Files() ([]int16, error)
	File(n int16) string
	SetCurrentFileNumber(n int16)
	SwitchFiles() error
	WriteToLog(l Loggable) (common.Lsn, error)
	FlushToLog(fsync, forceSync bool) error
}

var _ RecoveryAccessor = (*Journal)(nil)
