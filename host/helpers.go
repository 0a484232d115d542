package host

import (
	"bytes"
	"encoding/binary"
)

// Key prefixes of the shared database. The persistent enumerator lives in a
// database of its own.
const (
	DirtyPrefix    = 'B'
	InvertedPrefix = 'D'
	FilePrefix     = 'F'
	TaskPrefix     = 'R'
)

// DKeyHeadLen is the fixed part of an inverted index key; the externalized
// data key follows it.
const DKeyHeadLen = 1 + 4 + 8 + 4

// DKey is an inverted index entry: partition, key hash, file, key bytes.
func DKey(indexID uint32, hash uint64, fileID uint32, keyBytes []byte) []byte {
	key := make([]byte, 1, DKeyHeadLen+len(keyBytes))
	key[0] = InvertedPrefix
	key = binary.BigEndian.AppendUint32(key, indexID)
	key = binary.BigEndian.AppendUint64(key, hash)
	key = binary.BigEndian.AppendUint32(key, fileID)
	return append(key, keyBytes...)
}

func DKeyParse(key []byte) (fileID uint32, keyBytes []byte, ok bool) {
	if len(key) < DKeyHeadLen || key[0] != InvertedPrefix {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(key[DKeyHeadLen-4 : DKeyHeadLen]), key[DKeyHeadLen:], true
}

// DKeyRange bounds all entries of a partition carrying a given key hash.
func DKeyRange(indexID uint32, hash uint64) (fro, til []byte) {
	fro = DKey(indexID, hash, 0, nil)[:DKeyHeadLen-4]
	return fro, Successor(fro)
}

// DKeyIndexRange bounds all entries of a partition.
func DKeyIndexRange(indexID uint32) (fro, til []byte) {
	fro = DKey(indexID, 0, 0, nil)[:5]
	return fro, Successor(fro)
}

// Successor returns the smallest key greater than every key prefixed by
// prefix, or nil if there is none.
func Successor(prefix []byte) []byte {
	next := bytes.Clone(prefix)
	for i := len(next) - 1; i >= 0; i-- {
		if next[i] != 0xff {
			next[i]++
			return next[:i+1]
		}
	}
	return nil
}

func FKey(fileID uint32) []byte {
	var ret = [5]byte{FilePrefix}
	return binary.BigEndian.AppendUint32(ret[:1], fileID)
}

func FKeyFile(key []byte) (fileID uint32, ok bool) {
	if len(key) != 5 || key[0] != FilePrefix {
		return 0, false
	}
	return binary.BigEndian.Uint32(key[1:]), true
}

// BKey marks a file whose stored state needs attention from the next
// rebuild; mark tells what is wrong with it.
func BKey(fileID uint32, mark byte) []byte {
	var ret = [6]byte{DirtyPrefix}
	return append(binary.BigEndian.AppendUint32(ret[:1], fileID), mark)
}

func BKeyParse(key []byte) (fileID uint32, mark byte, ok bool) {
	if len(key) != 6 || key[0] != DirtyPrefix {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(key[1:5]), key[5], true
}

func RKey(reason string) []byte {
	return append([]byte{TaskPrefix}, reason...)
}

// PrefixRange bounds every key starting with prefix.
func PrefixRange(prefix byte) (fro, til []byte) {
	return []byte{prefix}, []byte{prefix + 1}
}
