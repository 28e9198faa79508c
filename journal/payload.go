package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// errShortPayload is wrapped by PayloadDecoder when a field runs past the end of the payload.
var errShortPayload = errors.New("payload too short")

// PayloadEncoder appends big-endian fields to a payload buffer. Loggables use it in Write after sizing the
// payload with the matching *Len helpers.
type PayloadEncoder struct {
	buf []byte
	off int
}

func NewPayloadEncoder(out []byte) *PayloadEncoder {
	return &PayloadEncoder{buf: out}
}

func (e *PayloadEncoder) PutUint8(v uint8) {
	e.buf[e.off] = v
	e.off++
}

func (e *PayloadEncoder) PutInt32(v int32) {
	binary.BigEndian.PutUint32(e.buf[e.off:], uint32(v))
	e.off += 4
}

func (e *PayloadEncoder) PutUint32(v uint32) {
	binary.BigEndian.PutUint32(e.buf[e.off:], v)
	e.off += 4
}

func (e *PayloadEncoder) PutInt64(v int64) {
	binary.BigEndian.PutUint64(e.buf[e.off:], uint64(v))
	e.off += 8
}

// PutBytes writes a 16-bit length followed by the bytes.
func (e *PayloadEncoder) PutBytes(b []byte) {
	binary.BigEndian.PutUint16(e.buf[e.off:], uint16(len(b)))
	e.off += 2
	e.off += copy(e.buf[e.off:], b)
}

// Len returns the number of bytes written so far.
func (e *PayloadEncoder) Len() int {
	return e.off
}

// BytesLen is the encoded size of a PutBytes field.
func BytesLen(b []byte) int {
	return 2 + len(b)
}

// MaxBytesField is the largest slice PutBytes can encode.
const MaxBytesField = math.MaxUint16

// PayloadDecoder reads the fields written by PayloadEncoder. The first failure sticks; callers check Err
// once after reading every field.
type PayloadDecoder struct {
	buf []byte
	off int
	err error
}

func NewPayloadDecoder(in []byte) *PayloadDecoder {
	return &PayloadDecoder{buf: in}
}

func (d *PayloadDecoder) need(n int, field string) bool {
	if d.err != nil {
		return false
	}
	if len(d.buf)-d.off < n {
		d.err = fmt.Errorf("%w: reading %s needs %d bytes at offset %d, %d left", errShortPayload, field, n, d.off, len(d.buf)-d.off)
		return false
	}
	return true
}

func (d *PayloadDecoder) Uint8(field string) uint8 {
	if !d.need(1, field) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *PayloadDecoder) Int32(field string) int32 {
	return int32(d.Uint32(field))
}

func (d *PayloadDecoder) Uint32(field string) uint32 {
	if !d.need(4, field) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *PayloadDecoder) Int64(field string) int64 {
	if !d.need(8, field) {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(d.buf[d.off:]))
	d.off += 8
	return v
}

// Bytes returns a copy of a length-prefixed field; the payload buffer is reused by the reader.
func (d *PayloadDecoder) Bytes(field string) []byte {
	if !d.need(2, field) {
		return nil
	}
	n := int(binary.BigEndian.Uint16(d.buf[d.off:]))
	d.off += 2
	if !d.need(n, field) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+n])
	d.off += n
	return out
}

// Err returns the first decoding failure, or an error if bytes were left unread.
func (d *PayloadDecoder) Err() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		return fmt.Errorf("%d trailing bytes after payload", len(d.buf)-d.off)
	}
	return nil
}
