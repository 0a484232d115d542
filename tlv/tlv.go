/*
Package tlv frames the values stored in the index database as a sequence
of type-length-value records.

A record type is a letter A..Z. The header takes one of two forms:

  - short, 2 bytes: lowercase type, len
  - long, 5 bytes: uppercase type, len as 4 byte little endian

Values are read with the wary functions: stored bytes are untrusted.
*/
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("incomplete record")
	ErrBadRecord  = errors.New("bad record")
)

// ProbeHeader reads a record header. lit is 'A'..'Z', '-' for garbage and 0
// if the header is incomplete.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	dlit := data[0]
	switch {
	case dlit >= 'a' && dlit <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return dlit - CaseBit, 2, int(data[1])
	case dlit >= 'A' && dlit <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			return '-', 0, 0
		}
		return dlit, 5, int(bl)
	default:
		return '-', 0, 0
	}
}

// AppendHeader picks the smallest header form for bodylen.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("record type is A..Z")
	}
	switch {
	case bodylen > 0xff:
		if bodylen > 0x7fffffff {
			panic("oversized record")
		}
		return binary.LittleEndian.AppendUint32(append(into, biglit), uint32(bodylen))
	default:
		return append(into, biglit|CaseBit, byte(bodylen))
	}
}

func totalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

// Append appends one record made of the concatenated body parts.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	res := AppendHeader(into, lit, totalLen(body))
	for _, b := range body {
		res = append(res, b...)
	}
	return res
}

// TakeWary reads one record of the given type.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == '-' {
		return nil, nil, ErrBadRecord
	}
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit {
		return nil, nil, fmt.Errorf("%w: want %c, have %c", ErrBadRecord, lit, flit)
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// Fields reads exactly one record per type in lits, in order, and nothing
// else. Bodies alias data.
func Fields(data []byte, lits ...byte) ([][]byte, error) {
	fields := make([][]byte, 0, len(lits))
	for _, lit := range lits {
		body, rest, err := TakeWary(lit, data)
		if err != nil {
			return nil, fmt.Errorf("record %c: %w", lit, err)
		}
		fields = append(fields, body)
		data = rest
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadRecord, len(data))
	}
	return fields, nil
}
