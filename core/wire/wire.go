// Package wire implements the binary field encoding used by cluster tasks.
//
// Every field is explicitly length-prefixed or fixed-width: strings and byte
// blobs are written as an unsigned varint length followed by the raw bytes,
// booleans as a single byte, and optional fields as a presence boolean
// followed by the value. Enumerations are written as named string tags rather
// than ordinals, so that adding a variant never shifts the meaning of
// previously valid payloads.
//
// Encode/decode pairs are symmetric: for any well-formed payload,
// decode(encode(p)) == p.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTruncated is returned when the input ends before a field is complete.
	ErrTruncated = errors.New("wire: truncated input")
	// ErrOversized is returned when a length prefix exceeds the remaining input.
	ErrOversized = errors.New("wire: length prefix exceeds input")
)

// Writer accumulates length-prefixed fields into a byte slice.
// The zero value is ready to use.
type Writer struct {
	buf []byte
}

// Bytes returns the encoded payload.
func (w *Writer) Bytes() []byte { return w.buf }

// Uvarint writes an unsigned varint.
func (w *Writer) Uvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// Int64 writes a signed varint.
func (w *Writer) Int64(v int64) {
	w.buf = binary.AppendVarint(w.buf, v)
}

// Bool writes a single presence/flag byte.
func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// String writes a length-prefixed UTF-8 string.
func (w *Writer) String(s string) {
	w.Uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// Blob writes a length-prefixed byte slice. A nil slice round-trips as nil.
func (w *Writer) Blob(b []byte) {
	w.Bool(b != nil)
	if b == nil {
		return
	}
	w.Uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// Tag writes an enum wire tag. Tags are plain strings on the wire; the
// distinct method marks call sites where a named-tag registry applies.
func (w *Writer) Tag(t string) { w.String(t) }

// OptionalString writes a presence boolean followed by the value when present.
func (w *Writer) OptionalString(s string, present bool) {
	w.Bool(present)
	if present {
		w.String(s)
	}
}

// Strings writes a length-prefixed sequence of strings.
func (w *Writer) Strings(ss []string) {
	w.Uvarint(uint64(len(ss)))
	for _, s := range ss {
		w.String(s)
	}
}

// Reader consumes fields written by Writer. Errors are sticky: after the
// first failure all reads return zero values and Err reports the cause.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader wraps an encoded payload.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Err returns the first decoding error, if any.
func (r *Reader) Err() error { return r.err }

// Remaining reports how many undecoded bytes are left.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Uvarint reads an unsigned varint.
func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail(ErrTruncated)
		return 0
	}
	r.off += n
	return v
}

// Int64 reads a signed varint.
func (r *Reader) Int64() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		r.fail(ErrTruncated)
		return 0
	}
	r.off += n
	return v
}

// Bool reads a flag byte.
func (r *Reader) Bool() bool {
	if r.err != nil {
		return false
	}
	if r.off >= len(r.buf) {
		r.fail(ErrTruncated)
		return false
	}
	b := r.buf[r.off]
	r.off++
	switch b {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail(fmt.Errorf("wire: invalid bool byte %#x", b))
		return false
	}
}

func (r *Reader) take(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > math.MaxInt32 || int(n) > r.Remaining() {
		r.fail(ErrOversized)
		return nil
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b
}

// String reads a length-prefixed string.
func (r *Reader) String() string {
	return string(r.take(r.Uvarint()))
}

// Blob reads a length-prefixed byte slice written by [Writer.Blob].
func (r *Reader) Blob() []byte {
	if !r.Bool() {
		return nil
	}
	b := r.take(r.Uvarint())
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Tag reads an enum wire tag.
func (r *Reader) Tag() string { return r.String() }

// OptionalString reads a presence boolean followed by the value when present.
func (r *Reader) OptionalString() (s string, present bool) {
	if !r.Bool() {
		return "", false
	}
	return r.String(), true
}

// Strings reads a length-prefixed sequence of strings.
func (r *Reader) Strings() []string {
	n := r.Uvarint()
	if r.err != nil {
		return nil
	}
	if int(n) > r.Remaining() {
		r.fail(ErrOversized)
		return nil
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, r.String())
	}
	if r.err != nil {
		return nil
	}
	return out
}
