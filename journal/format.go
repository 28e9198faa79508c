package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"mit.edu/dsg/journaldb/common"
)

// On-disk layout of a journal file. All multi-byte integers are big-endian.
//
//	Header: MAGIC (4) | VERSION (2)
//	Entry:  TYPE (1) | TXN_ID (8) | SIZE (2) | PAYLOAD (SIZE) | BACKLINK (2) | CHECKSUM (8)
//
// BACKLINK always equals SIZE + LogEntryHeaderLen; read from the tail of an entry it gives the distance
// back to the entry start, which is what backward scanning relies on. CHECKSUM is a seeded xxHash64 over
// the entry header, the payload and the backlink, in that order.
const (
	JournalHeaderLen = 6

	LogEntryHeaderLen   = 1 + 8 + 2
	LogEntryBackLinkLen = 2
	LogEntryChecksumLen = 8
	// LogEntryBaseLen is the size of an entry with an empty payload.
	LogEntryBaseLen = LogEntryHeaderLen + LogEntryBackLinkLen + LogEntryChecksumLen

	// MaxPayloadSize keeps SIZE + LogEntryHeaderLen representable in the signed 16-bit backlink.
	MaxPayloadSize = math.MaxInt16 - LogEntryHeaderLen

	JournalVersion int16 = 3

	XXHash64Seed uint64 = 0x9747b28c

	// FileSuffix is the extension of every journal file.
	FileSuffix = ".log"
	// LockFileName is held exclusively by the process that owns the journal directory.
	LockFileName = "journal.lck"
)

// JournalMagicNumber identifies a journal file.
var JournalMagicNumber = [4]byte{0x0E, 0x0D, 0x1E, 0x0F}

// Offsets within the entry header
const (
	offsetEntryType = 0
	offsetTxnID     = offsetEntryType + 1
	offsetSize      = offsetTxnID + 8
	offsetPayload   = offsetSize + 2
)

func encodeFileHeader() []byte {
	header := make([]byte, JournalHeaderLen)
	copy(header, JournalMagicNumber[:])
	binary.BigEndian.PutUint16(header[4:], uint16(JournalVersion))
	return header
}

// readFileHeader validates the header at the start of r. Any mismatch is a hard format error; a journal
// file with a foreign header is never read.
func readFileHeader(r io.ReaderAt, path string) error {
	header := make([]byte, JournalHeaderLen)
	n, err := r.ReadAt(header, 0)
	if n < JournalHeaderLen {
		if err != nil && err != io.EOF {
			return newError(common.JournalIOError, fmt.Sprintf("failed to read header of journal file %s", path), err)
		}
		return newError(common.JournalFormatError,
			fmt.Sprintf("journal file %s is too short for a header: %d of %d bytes", path, n, JournalHeaderLen), nil)
	}

	if !bytes.Equal(header[:4], JournalMagicNumber[:]) {
		return newError(common.JournalFormatError,
			fmt.Sprintf("file was not recognised as a valid journal file: %s", path), nil)
	}

	storedVersion := int16(binary.BigEndian.Uint16(header[4:]))
	if storedVersion != JournalVersion {
		return newError(common.JournalFormatError,
			fmt.Sprintf("journal file was version %d, but required version %d: %s", storedVersion, JournalVersion, path), nil)
	}
	return nil
}
