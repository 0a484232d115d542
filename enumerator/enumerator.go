// Package enumerator provides bidirectional value<->int interning tables.
//
// An Enumerator is blob-local: one instance is created per serialize or
// deserialize call, flushed into the blob as a dictionary and never shared
// between goroutines. Persistent is the process-wide flavor backed by pebble;
// it is what the serializer registry enumerates external ids through.
//
// Ids are 1-based. Id 0 is reserved and never maps to a value.
package enumerator

import (
	"fmt"

	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/drpcorg/stubindex/stubio"
)

type Enumerator[V comparable] struct {
	ids    map[V]int
	values []V
}

func New[V comparable]() *Enumerator[V] {
	return &Enumerator[V]{ids: make(map[V]int)}
}

// Enumerate returns the id of the value, assigning the next one on first sight.
func (e *Enumerator[V]) Enumerate(v V) int {
	if id, ok := e.ids[v]; ok {
		return id
	}
	e.values = append(e.values, v)
	id := len(e.values)
	e.ids[v] = id
	return id
}

// TryEnumerate returns the id of the value or 0, never assigning.
func (e *Enumerator[V]) TryEnumerate(v V) int {
	return e.ids[v]
}

func (e *Enumerator[V]) ValueOf(id int) (v V, ok bool) {
	if id <= 0 || id > len(e.values) {
		return v, false
	}
	return e.values[id-1], true
}

func (e *Enumerator[V]) Len() int {
	return len(e.values)
}

// Values returns the table in id order; index i holds id i+1.
func (e *Enumerator[V]) Values() []V {
	return e.values
}

// WriteStrings dumps the table as varint(count) followed by the strings.
func WriteStrings(w *stubio.Writer, e *Enumerator[string]) {
	w.WriteInt(e.Len())
	for _, v := range e.values {
		w.WriteString(v)
	}
}

// ReadStrings loads a table written by WriteStrings. intern, if not nil,
// rewrites every value on the way in.
func ReadStrings(r *stubio.Reader, intern func(string) string) (*Enumerator[string], error) {
	n, err := r.ReadCount()
	if err != nil {
		return nil, err
	}
	e := &Enumerator[string]{
		ids:    make(map[string]int, n),
		values: make([]string, 0, n),
	}
	for i := 0; i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		if intern != nil {
			s = intern(s)
		}
		if _, dup := e.ids[s]; dup {
			return nil, fmt.Errorf("%w: duplicate dictionary entry %q", stub_errors.ErrMalformed, s)
		}
		e.values = append(e.values, s)
		e.ids[s] = len(e.values)
	}
	return e, nil
}

func WriteInts(w *stubio.Writer, e *Enumerator[int64]) {
	w.WriteInt(e.Len())
	for _, v := range e.values {
		w.WriteVarint(v)
	}
}

func ReadInts(r *stubio.Reader) (*Enumerator[int64], error) {
	n, err := r.ReadCount()
	if err != nil {
		return nil, err
	}
	e := &Enumerator[int64]{
		ids:    make(map[int64]int, n),
		values: make([]int64, 0, n),
	}
	for i := 0; i < n; i++ {
		v, err := r.ReadVarint()
		if err != nil {
			return nil, err
		}
		if _, dup := e.ids[v]; dup {
			return nil, fmt.Errorf("%w: duplicate dictionary entry %d", stub_errors.ErrMalformed, v)
		}
		e.values = append(e.values, v)
		e.ids[v] = len(e.values)
	}
	return e, nil
}
