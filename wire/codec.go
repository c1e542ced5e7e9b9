// Package wire implements the binary format of messages exchanged between processes.
//
// All numbers are fixed-width big-endian. Byte strings are prefixed with an int32 length,
// text strings with an uint16 length. Optional values are preceded by a single presence byte.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrTruncated is returned when input ends before a field is complete
	// or a length field exceeds the remaining input.
	ErrTruncated = errors.New("wire: truncated input")
	// ErrUnknownType is returned for type tags outside of the known set.
	ErrUnknownType = errors.New("wire: unknown type")
	// ErrStringTooLong is returned when a string does not fit its uint16 length prefix.
	ErrStringTooLong = errors.New("wire: string too long")
	// ErrTrailingBytes is returned when input has bytes left after a complete message.
	ErrTrailingBytes = errors.New("wire: trailing bytes")
	// ErrNegativeLength is returned for negative length or count fields.
	ErrNegativeLength = errors.New("wire: negative length")
	// ErrInvalidFlag is returned for presence flags other than 0 and 1.
	ErrInvalidFlag = errors.New("wire: invalid presence flag")
)

// encoder appends fields to a buffer. The first error sticks and stops further writes.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) uint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) int32(v int32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

func (e *encoder) int64(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

func (e *encoder) bytes(b []byte) {
	if len(b) > math.MaxInt32 {
		e.fail(ErrTruncated)
		return
	}
	e.int32(int32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) string(s string) {
	if len(s) > math.MaxUint16 {
		e.fail(ErrStringTooLong)
		return
	}
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// decoder reads fields from a buffer. The first error sticks and every later read returns
// zero values.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) next(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 {
		d.fail(ErrNegativeLength)
		return nil
	}
	if n > d.remaining() {
		d.fail(ErrTruncated)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) uint8() uint8 {
	b := d.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) bool() bool {
	switch d.uint8() {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail(ErrInvalidFlag)
		return false
	}
}

func (d *decoder) int32() int32 {
	b := d.next(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (d *decoder) int64() int64 {
	b := d.next(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// bytes reads an int32 length-prefixed byte string into a fresh slice.
func (d *decoder) bytes() []byte {
	n := d.int32()
	b := d.next(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *decoder) string() string {
	b := d.next(2)
	if b == nil {
		return ""
	}
	return string(d.next(int(binary.BigEndian.Uint16(b))))
}

// count reads an int32 element count of a collection whose elements occupy at least minSize
// bytes each, so that a forged count cannot force a large allocation.
func (d *decoder) count(minSize int) int {
	n := int(d.int32())
	if d.err != nil {
		return 0
	}
	if n < 0 {
		d.fail(ErrNegativeLength)
		return 0
	}
	if n*minSize > d.remaining() {
		d.fail(ErrTruncated)
		return 0
	}
	return n
}

// finish reports the sticky error or ErrTrailingBytes for unconsumed input.
func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.remaining() != 0 {
		return ErrTrailingBytes
	}
	return nil
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}
