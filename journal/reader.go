package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	"mit.edu/dsg/journaldb/common"
)

const initialReadBufferSize = 256

// Reader decodes the entries of a single journal file, forward or backward. It keeps a cursor between
// entries: NextEntry returns the entry starting at the cursor and moves the cursor past it, PreviousEntry
// returns the entry ending at the cursor and moves the cursor to its start. Scanning a file forward to the
// end and then backward yields the same entries in reverse order.
//
// Both directions return (nil, nil) when there is no entry to return. Damage inside a complete entry is
// returned as a corruption error. An entry that runs past the end of the file is a torn write from a
// crash: NextEntry stops there and TornTail reports true; whether that is acceptable is up to the caller.
//
// A Reader owns a read-only handle on its file and is not safe for concurrent use.
type Reader struct {
	file       *os.File
	path       string
	fileNumber int16
	registry   *Registry

	size int64
	pos  int64

	buf      []byte
	hasher   *xxhash.Digest
	tornTail bool
}

// OpenReader opens journal file path, whose number is fileNumber, and validates its header.
func OpenReader(path string, fileNumber int16, registry *Registry) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newError(common.JournalIOError, fmt.Sprintf("cannot open journal file %s", path), err)
	}
	if err := readFileHeader(f, path); err != nil {
		_ = f.Close()
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, newError(common.JournalIOError, fmt.Sprintf("cannot stat journal file %s", path), err)
	}
	return &Reader{
		file:       f,
		path:       path,
		fileNumber: fileNumber,
		registry:   registry,
		size:       stat.Size(),
		pos:        JournalHeaderLen,
		buf:        make([]byte, initialReadBufferSize),
		hasher:     newHasher(),
	}, nil
}

// FileNumber returns the number of the file being read.
func (r *Reader) FileNumber() int16 {
	return r.fileNumber
}

// Offset returns the cursor position in the file.
func (r *Reader) Offset() int64 {
	return r.pos
}

// Size returns the size of the file when it was opened.
func (r *Reader) Size() int64 {
	return r.size
}

// TornTail reports whether NextEntry stopped at an incomplete entry at the end of the file.
func (r *Reader) TornTail() bool {
	return r.tornTail
}

// Position moves the cursor to the start of the entry at lsn.
func (r *Reader) Position(lsn common.Lsn) error {
	if lsn.FileNumber != r.fileNumber {
		return newError(common.JournalIOError,
			fmt.Sprintf("lsn %s does not point into journal file %d", lsn, r.fileNumber), nil)
	}
	off := lsn.Offset - 1
	if off < JournalHeaderLen || off > r.size {
		return newError(common.JournalIOError,
			fmt.Sprintf("lsn %s is outside journal file %s of %d bytes", lsn, r.path, r.size), nil)
	}
	r.pos = off
	return nil
}

// PositionFirst moves the cursor before the first entry.
func (r *Reader) PositionFirst() {
	r.pos = JournalHeaderLen
}

// PositionLast moves the cursor to the end of the file.
func (r *Reader) PositionLast() {
	r.pos = r.size
}

// NextEntry returns the entry at the cursor and moves the cursor past it.
func (r *Reader) NextEntry() (Loggable, error) {
	remaining := r.size - r.pos
	if remaining <= 0 {
		return nil, nil
	}
	if remaining < LogEntryHeaderLen {
		r.tornTail = true
		return nil, nil
	}
	l, end, torn, err := r.readEntryAt(r.pos)
	if err != nil {
		return nil, err
	}
	if torn {
		// A torn write leaves a partial entry as the last thing in the file. If a complete entry still
		// ends at the end of the file, the size field of this entry is damaged instead.
		if r.endsWithEntryAfter(r.pos) {
			return nil, newError(common.JournalCorruptionError,
				fmt.Sprintf("entry at offset %d in %s runs past the end of the file, which ends with a complete entry", r.pos, r.path), nil)
		}
		r.tornTail = true
		return nil, nil
	}
	r.pos = end
	return l, nil
}

// endsWithEntryAfter reports whether a complete, valid entry starting after offset after ends exactly at
// the end of the file.
func (r *Reader) endsWithEntryAfter(after int64) bool {
	if r.size-after < LogEntryHeaderLen+LogEntryBaseLen {
		return false
	}
	var link [LogEntryBackLinkLen]byte
	backLinkOffset := r.size - LogEntryChecksumLen - LogEntryBackLinkLen
	if err := r.readFull(link[:], backLinkOffset); err != nil {
		return false
	}
	start := backLinkOffset - int64(int16(binary.BigEndian.Uint16(link[:])))
	if start <= after || start < JournalHeaderLen {
		return false
	}
	_, end, torn, err := r.readEntryAt(start)
	return err == nil && !torn && end == r.size
}

// PreviousEntry returns the entry that ends at the cursor and moves the cursor to its start.
func (r *Reader) PreviousEntry() (Loggable, error) {
	if r.pos <= JournalHeaderLen {
		return nil, nil
	}
	if r.pos-JournalHeaderLen < LogEntryBaseLen {
		return nil, newError(common.JournalCorruptionError,
			fmt.Sprintf("%d bytes before offset %d in %s cannot hold an entry", r.pos-JournalHeaderLen, r.pos, r.path), nil)
	}

	var link [LogEntryBackLinkLen]byte
	backLinkOffset := r.pos - LogEntryChecksumLen - LogEntryBackLinkLen
	if err := r.readFull(link[:], backLinkOffset); err != nil {
		return nil, err
	}
	backLink := int64(int16(binary.BigEndian.Uint16(link[:])))
	start := backLinkOffset - backLink
	if backLink < LogEntryHeaderLen || start < JournalHeaderLen {
		return nil, newError(common.JournalCorruptionError,
			fmt.Sprintf("invalid back link %d before offset %d in %s", backLink, r.pos, r.path), nil)
	}

	l, end, torn, err := r.readEntryAt(start)
	if err != nil {
		return nil, err
	}
	if torn || end != r.pos {
		return nil, newError(common.JournalCorruptionError,
			fmt.Sprintf("back link before offset %d in %s does not lead to the start of an entry", r.pos, r.path), nil)
	}
	r.pos = start
	return l, nil
}

// LastEntry returns the last entry of the file, leaving the cursor at its start.
func (r *Reader) LastEntry() (Loggable, error) {
	r.PositionLast()
	return r.PreviousEntry()
}

// readEntryAt decodes the entry starting at start. torn is set if the entry extends past the end of the
// file; end is the offset just past the entry.
func (r *Reader) readEntryAt(start int64) (l Loggable, end int64, torn bool, err error) {
	if r.size-start < LogEntryHeaderLen {
		return nil, 0, true, nil
	}
	if err := r.readFull(r.buf[:LogEntryHeaderLen], start); err != nil {
		return nil, 0, false, err
	}
	hdr := decodeEntryHeader(r.buf[:LogEntryHeaderLen])
	lsn := common.NewLsn(r.fileNumber, start+1)
	if hdr.size < 0 {
		return nil, 0, false, newEntryError(common.JournalCorruptionError,
			"negative entry size", hdr.entryType, hdr.size, hdr.txnID, lsn)
	}

	n := entryLen(hdr.size)
	if start+int64(n) > r.size {
		return nil, 0, true, nil
	}
	r.grow(n)
	entry := r.buf[:n]
	if err := r.readFull(entry[LogEntryHeaderLen:], start+LogEntryHeaderLen); err != nil {
		return nil, 0, false, err
	}

	backLinkOffset := offsetPayload + hdr.size
	backLink := int(int16(binary.BigEndian.Uint16(entry[backLinkOffset:])))
	if backLink != hdr.size+LogEntryHeaderLen {
		return nil, 0, false, newEntryError(common.JournalCorruptionError,
			fmt.Sprintf("back link %d does not match entry size, expected %d", backLink, hdr.size+LogEntryHeaderLen),
			hdr.entryType, hdr.size, hdr.txnID, lsn)
	}
	checksumOffset := backLinkOffset + LogEntryBackLinkLen
	stored := binary.BigEndian.Uint64(entry[checksumOffset:])
	if computed := entryChecksum(r.hasher, entry[:checksumOffset]); computed != stored {
		return nil, 0, false, newEntryError(common.JournalCorruptionError,
			fmt.Sprintf("checksum mismatch: stored %#016x, computed %#016x", stored, computed),
			hdr.entryType, hdr.size, hdr.txnID, lsn)
	}

	l, ok := r.registry.Create(hdr.entryType, hdr.txnID)
	if !ok {
		return nil, 0, false, newEntryError(common.JournalCorruptionError,
			"unknown entry type", hdr.entryType, hdr.size, hdr.txnID, lsn)
	}
	l.SetLsn(lsn)
	if err := l.Read(entry[offsetPayload:backLinkOffset]); err != nil {
		je := newEntryError(common.JournalCorruptionError,
			fmt.Sprintf("cannot decode %s payload", r.registry.Name(hdr.entryType)),
			hdr.entryType, hdr.size, hdr.txnID, lsn)
		je.Err = err
		return nil, 0, false, je
	}
	return l, start + int64(n), false, nil
}

func (r *Reader) grow(n int) {
	if n <= len(r.buf) {
		return
	}
	size := len(r.buf)
	for size < n {
		size *= 2
	}
	buf := make([]byte, size)
	copy(buf, r.buf[:LogEntryHeaderLen])
	r.buf = buf
}

func (r *Reader) readFull(b []byte, off int64) error {
	n, err := r.file.ReadAt(b, off)
	if n == len(b) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return newError(common.JournalIOError, fmt.Sprintf("failed to read journal file %s at offset %d", r.path, off), err)
}

// Close releases the file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}
