package stubio

import (
	"errors"
	"math"
	"testing"

	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/stretchr/testify/assert"
)

func TestZigZagInt64(t *testing.T) {
	test := map[int64]uint64{
		0:   0,
		-14: 27,
		-10: 19,
		7:   14,
		20:  40,
	}
	for i, u := range test {
		u2 := ZigZagInt64(i)
		assert.Equal(t, u, u2)
		i2 := ZagZigUint64(u2)
		assert.Equal(t, i, i2)
	}
}

func TestWriterReader(t *testing.T) {
	w := NewWriter(16)
	w.WriteVarint(-3)
	w.WriteVarint(math.MaxInt32)
	w.WriteInt(7)
	w.WriteBool(true)
	w.WriteString("foo")
	w.WriteBlock([]byte{1, 2, 3})

	r := NewReader(w.Bytes())
	v, err := r.ReadVarint()
	assert.NoError(t, err)
	assert.Equal(t, int64(-3), v)
	i, err := r.ReadInt()
	assert.NoError(t, err)
	assert.Equal(t, math.MaxInt32, i)
	i, err = r.ReadInt()
	assert.NoError(t, err)
	assert.Equal(t, 7, i)
	b, err := r.ReadBool()
	assert.NoError(t, err)
	assert.True(t, b)
	s, err := r.ReadString()
	assert.NoError(t, err)
	assert.Equal(t, "foo", s)
	blk, err := r.ReadBlock()
	assert.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, blk)
	assert.NoError(t, r.ExpectEnd())
}

func TestReaderTruncated(t *testing.T) {
	w := NewWriter(8)
	w.WriteString("truncated")
	data := w.Bytes()[:4]

	_, err := NewReader(data).ReadString()
	assert.True(t, errors.Is(err, stub_errors.ErrMalformed))

	_, err = NewReader([]byte{0x80}).ReadVarint()
	assert.True(t, errors.Is(err, stub_errors.ErrMalformed))

	_, err = NewReader([]byte{2}).ReadBool()
	assert.True(t, errors.Is(err, stub_errors.ErrMalformed))
}

func TestReadCountBounded(t *testing.T) {
	w := NewWriter(8)
	w.WriteInt(100)
	_, err := NewReader(w.Bytes()).ReadCount()
	assert.True(t, errors.Is(err, stub_errors.ErrMalformed))
}
