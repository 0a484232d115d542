package tlv

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct2 := []byte{'a', 1, 'A', 'b', 2, 'B', 'B'}
	assert.Equal(t, correct2, buf)

	c256 := bytes.Repeat([]byte{'c'}, 256)
	buf = Append(buf, 'C', c256[:128], c256[128:])
	assert.Equal(t, len(correct2)+5+len(c256), len(buf))
	assert.Equal(t, uint8('C'), buf[len(correct2)])
	assert.Equal(t, uint8(1), buf[len(correct2)+2])

	body, rest, err := TakeWary('A', buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{'A'}, body)
	body, rest, err = TakeWary('B', rest)
	require.NoError(t, err)
	assert.Equal(t, []byte{'B', 'B'}, body)
	body, rest, err = TakeWary('C', rest)
	require.NoError(t, err)
	assert.Equal(t, c256, body)
	assert.Empty(t, rest)
}

func TestTakeWaryErrors(t *testing.T) {
	_, _, err := TakeWary('A', nil)
	assert.ErrorIs(t, err, ErrIncomplete)
	_, rest, err := TakeWary('A', []byte{'a', 5, 1})
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, []byte{'a', 5, 1}, rest)
	_, _, err = TakeWary('A', Append(nil, 'B', []byte("x")))
	assert.ErrorIs(t, err, ErrBadRecord)
	_, _, err = TakeWary('A', []byte{'!', 1})
	assert.ErrorIs(t, err, ErrBadRecord)
	_, _, err = TakeWary('A', []byte{'A', 0xff, 0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestFields(t *testing.T) {
	buf := Append(nil, 'T', []byte("tree"))
	buf = Append(buf, 'X', nil)
	fields, err := Fields(buf, 'T', 'X')
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("tree"), {}}, fields)

	_, err = Fields(append(buf, '0'), 'T', 'X')
	assert.ErrorIs(t, err, ErrBadRecord)
	_, err = Fields(buf, 'T')
	assert.ErrorIs(t, err, ErrBadRecord)
	_, err = Fields(buf[:3], 'T', 'X')
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestHeaderForms(t *testing.T) {
	lit, hdr, body := ProbeHeader([]byte{'x', 2, '1', '2'})
	assert.Equal(t, byte('X'), lit)
	assert.Equal(t, 2, hdr)
	assert.Equal(t, 2, body)

	lit, hdr, body = ProbeHeader([]byte{'X', 0, 1, 0, 0})
	assert.Equal(t, byte('X'), lit)
	assert.Equal(t, 5, hdr)
	assert.Equal(t, 256, body)

	// digits are not headers
	lit, _, _ = ProbeHeader([]byte("212"))
	assert.Equal(t, byte('-'), lit)
	lit, _, _ = ProbeHeader([]byte{'X', 0})
	assert.Equal(t, byte(0), lit)
}
