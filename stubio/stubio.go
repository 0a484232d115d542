// Package stubio implements the varint stream used by every stubindex blob.
//
// All integers are little-endian base-128 varints. Signed values are
// zigzag-encoded first, so small negative numbers stay short. Strings are a
// uvarint byte length followed by UTF-8 bytes.
package stubio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/drpcorg/stubindex/stub_errors"
)

var (
	ErrTruncated = errors.Join(stub_errors.ErrMalformed, errors.New("unexpected end of data"))
	ErrOverflow  = errors.Join(stub_errors.ErrMalformed, errors.New("varint overflows 64 bits"))
	ErrBadUTF8   = errors.Join(stub_errors.ErrMalformed, errors.New("invalid UTF-8 string"))
)

// Writer appends to a growing byte buffer. It never fails.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) WriteVarint(v int64) {
	w.buf = binary.AppendUvarint(w.buf, ZigZagInt64(v))
}

func (w *Writer) WriteUvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *Writer) WriteInt(v int) {
	w.WriteVarint(int64(v))
}

func (w *Writer) WriteBool(b bool) {
	if b {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteString writes the string inline. Stub payloads should go through
// a blob-local enumerator instead.
func (w *Writer) WriteString(s string) {
	w.WriteUvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteBlock writes a uvarint length prefix followed by the bytes.
func (w *Writer) WriteBlock(b []byte) {
	w.WriteUvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// Reader consumes a byte slice. All failures match stub_errors.ErrMalformed.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Len() int {
	return len(r.data) - r.pos
}

func (r *Reader) Offset() int {
	return r.pos
}

func (r *Reader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n == 0 {
		return 0, ErrTruncated
	}
	if n < 0 {
		return 0, ErrOverflow
	}
	r.pos += n
	return v, nil
}

func (r *Reader) ReadVarint() (int64, error) {
	u, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	return ZagZigUint64(u), nil
}

// ReadInt reads a signed varint that must fit into an int32.
func (r *Reader) ReadInt() (int, error) {
	v, err := r.ReadVarint()
	if err != nil {
		return 0, err
	}
	if v > 1<<31-1 || v < -1<<31 {
		return 0, fmt.Errorf("%w: int %d out of range", stub_errors.ErrMalformed, v)
	}
	return int(v), nil
}

// ReadCount reads a non-negative count bounded by the remaining bytes.
// Every counted item takes at least one byte.
func (r *Reader) ReadCount() (int, error) {
	v, err := r.ReadInt()
	if err != nil {
		return 0, err
	}
	if v < 0 || v > r.Len() {
		return 0, fmt.Errorf("%w: bad count %d", stub_errors.ErrMalformed, v)
	}
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	if r.pos >= len(r.data) {
		return false, ErrTruncated
	}
	b := r.data[r.pos]
	r.pos++
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: bad bool byte %#x", stub_errors.ErrMalformed, b)
}

// ReadRaw returns the next n bytes without copying.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if n < 0 || n > r.Len() {
		return nil, ErrTruncated
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBlock()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrBadUTF8
	}
	return string(b), nil
}

// ReadBlock reads a uvarint-length-prefixed byte block without copying.
func (r *Reader) ReadBlock() ([]byte, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, ErrTruncated
	}
	return r.ReadRaw(int(n))
}

// SkipBlock skips a length-prefixed block without looking inside.
func (r *Reader) SkipBlock() error {
	_, err := r.ReadBlock()
	return err
}

// ExpectEnd fails if anything is left unread.
func (r *Reader) ExpectEnd() error {
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", stub_errors.ErrMalformed, r.Len())
	}
	return nil
}
