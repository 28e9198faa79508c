package journal

import (
	"errors"
	"fmt"
	"strings"

	"mit.edu/dsg/journaldb/common"
)

// Error is the single error type returned by the journal. Besides the code it carries whatever is known
// about the entry involved so that a damaged journal can be diagnosed from the message alone.
type Error struct {
	Code common.ErrorCode
	Msg  string

	// Entry context, only meaningful when HasEntry is set.
	HasEntry bool
	Type     EntryType
	Size     int
	TxnID    common.TransactionID
	Lsn      common.Lsn

	Err error
}

func newError(code common.ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Err: cause}
}

func newEntryError(code common.ErrorCode, msg string, t EntryType, size int, txnID common.TransactionID, lsn common.Lsn) *Error {
	return &Error{
		Code:     code,
		Msg:      msg,
		HasEntry: true,
		Type:     t,
		Size:     size,
		TxnID:    txnID,
		Lsn:      lsn,
	}
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "err: %s; msg: %s", e.Code, e.Msg)
	if e.HasEntry {
		fmt.Fprintf(&sb, "; entry type: %#02x; size: %d; txn: %d; at: %s", byte(e.Type), e.Size, e.TxnID, e.Lsn)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code common.ErrorCode) bool {
	var je *Error
	return errors.As(err, &je) && je.Code == code
}

// IsCorruption reports whether err is (or wraps) a corruption error found while reading a journal.
func IsCorruption(err error) bool {
	return hasCode(err, common.JournalCorruptionError)
}

// IsFormat reports whether err is (or wraps) an invalid journal file header.
func IsFormat(err error) bool {
	return hasCode(err, common.JournalFormatError)
}

// IsClosed reports whether err was caused by writing to a journal that has been shut down.
func IsClosed(err error) bool {
	return hasCode(err, common.LogClosedError)
}
