package common

import (
	"encoding/binary"
	"fmt"
)

const (
	PageSize int = 4096
)

// ObjectID is a unique identifier for a page file (a B-tree, a collection store, ...) in the database.
type ObjectID uint32

const InvalidObjectID ObjectID = 0

// PageID uniquely identifies a page within the database.
type PageID struct {
	Oid     ObjectID
	PageNum int32
}

// PageIDSize is the serialized size of a PageID (ObjectID (4) + PageNum (4) = 8)
const PageIDSize = 8

func (p PageID) String() string {
	return fmt.Sprintf("Page(%d, %d)", p.Oid, p.PageNum)
}

// IsNil checks if the PageID is valid.
func (p PageID) IsNil() bool {
	return p.Oid == InvalidObjectID
}

// WriteTo serializes the PageID into the provided buffer. The buffer must be large enough to hold a PageID.
func (p PageID) WriteTo(data []byte) {
	Assert(len(data) >= PageIDSize, "buffer too small")
	binary.BigEndian.PutUint32(data, uint32(p.Oid))
	binary.BigEndian.PutUint32(data[4:], uint32(p.PageNum))
}

// LoadFrom deserializes a PageID from the provided buffer. The buffer must be large enough to hold a PageID.
func (p *PageID) LoadFrom(data []byte) {
	Assert(len(data) >= PageIDSize, "buffer too small")
	p.Oid = ObjectID(binary.BigEndian.Uint32(data))
	p.PageNum = int32(binary.BigEndian.Uint32(data[4:]))
}

// TransactionID identifies the transaction that produced a journal entry. Checkpoints and other system
// activity also run under a transaction id.
type TransactionID int64

const InvalidTransactionID TransactionID = -1

// Lsn (Log Sequence Number) points at an entry in the journal. It names the journal file and the 1-based
// byte offset of the first byte of the entry inside that file, so an entry starting at file position p has
// Offset p+1. Readers must seek to Offset-1.
//
// Lsns are ordered by file number first, then by offset. An Lsn is only meaningful relative to the journal
// file it names.
type Lsn struct {
	FileNumber int16
	Offset     int64
}

// LsnSize is the serialized size of a Lsn (FileNumber (2) + Offset (8) = 10)
const LsnSize = 10

// InvalidLsn sorts before every valid Lsn.
var InvalidLsn = Lsn{FileNumber: -1, Offset: -1}

// NewLsn creates a Lsn for the given journal file and 1-based offset.
func NewLsn(fileNumber int16, offset int64) Lsn {
	return Lsn{FileNumber: fileNumber, Offset: offset}
}

// IsValid returns false for InvalidLsn (and any Lsn with a negative component).
func (l Lsn) IsValid() bool {
	return l.FileNumber >= 0 && l.Offset >= 0
}

// Compare returns -1 if l < other, 0 if l == other, 1 if l > other.
func (l Lsn) Compare(other Lsn) int {
	switch {
	case l.FileNumber < other.FileNumber:
		return -1
	case l.FileNumber > other.FileNumber:
		return 1
	case l.Offset < other.Offset:
		return -1
	case l.Offset > other.Offset:
		return 1
	}
	return 0
}

// Less reports whether l orders strictly before other.
func (l Lsn) Less(other Lsn) bool {
	return l.Compare(other) < 0
}

func (l Lsn) String() string {
	return fmt.Sprintf("%d:%d", l.FileNumber, l.Offset)
}

// WriteTo serializes the Lsn into the provided buffer. The buffer must be large enough to hold a Lsn.
func (l Lsn) WriteTo(data []byte) {
	Assert(len(data) >= LsnSize, "buffer too small")
	binary.BigEndian.PutUint16(data, uint16(l.FileNumber))
	binary.BigEndian.PutUint64(data[2:], uint64(l.Offset))
}

// LoadFrom deserializes a Lsn from the provided buffer.
func (l *Lsn) LoadFrom(data []byte) {
	Assert(len(data) >= LsnSize, "buffer too small")
	l.FileNumber = int16(binary.BigEndian.Uint16(data))
	l.Offset = int64(binary.BigEndian.Uint64(data[2:]))
}
