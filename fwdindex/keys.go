package fwdindex

import (
	"fmt"

	"github.com/drpcorg/stubindex/stubio"
	"golang.org/x/exp/constraints"
)

// IndexKey names one inverted index partition.
type IndexKey string

// DataKey is a symbol value within a partition. It must be a comparable Go
// value of the type the partition's KeyDescriptor expects.
type DataKey = any

// Values maps data keys of one partition to the stubs declaring them.
type Values map[DataKey]StubIDList

// Map is a per-file forward index.
type Map map[IndexKey]Values

// KeyDescriptor externalizes the data keys of a partition.
type KeyDescriptor interface {
	Write(w *stubio.Writer, key DataKey) error
	Read(r *stubio.Reader) (DataKey, error)
}

// Ordering is implemented by descriptors whose keys have a natural order.
// Stable encoding requires it.
type Ordering interface {
	Compare(a, b DataKey) int
}

// Ordered describes keys of a single ordered Go type.
type Ordered[T constraints.Ordered] struct {
	WriteKey func(w *stubio.Writer, key T)
	ReadKey  func(r *stubio.Reader) (T, error)
}

func (d Ordered[T]) Write(w *stubio.Writer, key DataKey) error {
	v, ok := key.(T)
	if !ok {
		var want T
		return fmt.Errorf("data key %v is %T, want %T", key, key, want)
	}
	d.WriteKey(w, v)
	return nil
}

func (d Ordered[T]) Read(r *stubio.Reader) (DataKey, error) {
	v, err := d.ReadKey(r)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (d Ordered[T]) Compare(a, b DataKey) int {
	x, y := a.(T), b.(T)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

var Strings = Ordered[string]{
	WriteKey: func(w *stubio.Writer, key string) { w.WriteString(key) },
	ReadKey:  func(r *stubio.Reader) (string, error) { return r.ReadString() },
}

var Ints = Ordered[int64]{
	WriteKey: func(w *stubio.Writer, key int64) { w.WriteVarint(key) },
	ReadKey:  func(r *stubio.Reader) (int64, error) { return r.ReadVarint() },
}

type unordered struct {
	desc KeyDescriptor
}

func (u unordered) Write(w *stubio.Writer, key DataKey) error {
	return u.desc.Write(w, key)
}

func (u unordered) Read(r *stubio.Reader) (DataKey, error) {
	return u.desc.Read(r)
}

// Unordered hides the ordering of a descriptor, for keys that have no
// meaningful natural order.
func Unordered(desc KeyDescriptor) KeyDescriptor {
	return unordered{desc: desc}
}
