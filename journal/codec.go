package journal

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"mit.edu/dsg/journaldb/common"
)

// entryLen returns the framed size of an entry with the given payload size.
func entryLen(payloadSize int) int {
	return LogEntryBaseLen + payloadSize
}

// newHasher returns a digest ready to checksum one entry.
func newHasher() *xxhash.Digest {
	return xxhash.NewWithSeed(XXHash64Seed)
}

// entryChecksum hashes header, payload and backlink. They are contiguous in a framed entry, so a single
// write feeds the hash the same bytes in the same order as three separate writes would.
func entryChecksum(h *xxhash.Digest, headerPayloadBackLink []byte) uint64 {
	h.ResetWithSeed(XXHash64Seed)
	_, _ = h.Write(headerPayloadBackLink)
	return h.Sum64()
}

// frameEntry serializes l into out, which must be exactly entryLen(l.LogSize()) bytes.
//
// TYPE | TXN_ID | SIZE | PAYLOAD | BACKLINK | CHECKSUM
func frameEntry(out []byte, l Loggable, h *xxhash.Digest) {
	size := l.LogSize()
	common.Assert(len(out) == entryLen(size), "framed entry buffer is %d bytes, expected %d", len(out), entryLen(size))

	out[offsetEntryType] = byte(l.Type())
	binary.BigEndian.PutUint64(out[offsetTxnID:], uint64(l.TransactionID()))
	binary.BigEndian.PutUint16(out[offsetSize:], uint16(size))
	l.Write(out[offsetPayload : offsetPayload+size])

	backLinkOffset := offsetPayload + size
	binary.BigEndian.PutUint16(out[backLinkOffset:], uint16(size+LogEntryHeaderLen))

	checksumOffset := backLinkOffset + LogEntryBackLinkLen
	binary.BigEndian.PutUint64(out[checksumOffset:], entryChecksum(h, out[:checksumOffset]))
}

// entryHeader is the decoded fixed-size prefix of an entry.
type entryHeader struct {
	entryType EntryType
	txnID     common.TransactionID
	size      int
}

func decodeEntryHeader(b []byte) entryHeader {
	return entryHeader{
		entryType: EntryType(b[offsetEntryType]),
		txnID:     common.TransactionID(binary.BigEndian.Uint64(b[offsetTxnID:])),
		size:      int(int16(binary.BigEndian.Uint16(b[offsetSize:]))),
	}
}

// EncodeEntry frames l as it would appear in a journal file. It is used by tools and tests that need the
// raw bytes of an entry.
func EncodeEntry(l Loggable) ([]byte, error) {
	size := l.LogSize()
	if size > MaxPayloadSize {
		return nil, newEntryError(common.EntryTooLargeError,
			"entry payload exceeds the maximum entry size", l.Type(), size, l.TransactionID(), l.Lsn())
	}
	out := make([]byte, entryLen(size))
	frameEntry(out, l, newHasher())
	return out, nil
}
