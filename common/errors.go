package common

import "fmt"

type ErrorCode int

const (
	// LogClosedError indicates an attempt to write to the journal after it has been shut down.
	LogClosedError ErrorCode = iota
	// JournalIOError wraps a failed read, write, sync or open of a journal file.
	JournalIOError
	// JournalFormatError indicates a journal file whose header is short, or whose magic number or
	// format version does not match. The file must not be used.
	JournalFormatError
	// JournalCorruptionError indicates on-disk damage inside a complete entry: a checksum or backlink
	// mismatch, a negative size, or an entry type nobody registered.
	JournalCorruptionError
	// EntryTooLargeError indicates a Loggable whose payload does not fit the 16-bit size field.
	EntryTooLargeError
	// FileNumberExhaustedError indicates that no journal file number is left to rotate to.
	FileNumberExhaustedError
	// NoSuchPageError indicates a read of a page that was never allocated.
	NoSuchPageError
	// DeadlockError indicates that a transaction was chosen to abort to prevent a deadlock (wait-die).
	DeadlockError
	// TransactionStateError indicates an operation on a transaction that already committed or aborted.
	TransactionStateError
)

func (ec ErrorCode) String() string {
	switch ec {
	case LogClosedError:
		return "LogClosedError"
	case JournalIOError:
		return "JournalIOError"
	case JournalFormatError:
		return "JournalFormatError"
	case JournalCorruptionError:
		return "JournalCorruptionError"
	case EntryTooLargeError:
		return "EntryTooLargeError"
	case FileNumberExhaustedError:
		return "FileNumberExhaustedError"
	case NoSuchPageError:
		return "NoSuchPageError"
	case DeadlockError:
		return "DeadlockError"
	case TransactionStateError:
		return "TransactionStateError"
	}
	return "unknown"
}

// DBError is the error type for the storage collaborators of the journal.
// It wraps a specific ErrorCode with a detailed message.
type DBError struct {
	Code      ErrorCode
	ErrString string
}

func (e DBError) Error() string {
	return fmt.Sprintf("err: %s; msg: %s", e.Code.String(), e.ErrString)
}
