package fwdindex

import (
	"fmt"

	"github.com/drpcorg/stubindex/enumerator"
	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/drpcorg/stubindex/stubio"
)

// KeyStrategy selects how index keys are written into a forward index blob.
type KeyStrategy byte

const (
	// NumericKeys writes the partitions' global ids. Compact, but the blob
	// is only readable with the same definition ids.
	NumericKeys KeyStrategy = 'N'
	// EnumeratedKeys writes partition names into a blob-local dictionary,
	// so blobs can be shared between processes with different ids.
	EnumeratedKeys KeyStrategy = 'E'
)

func (s KeyStrategy) String() string {
	switch s {
	case NumericKeys:
		return "numeric"
	case EnumeratedKeys:
		return "enumerated"
	}
	return fmt.Sprintf("KeyStrategy(%d)", byte(s))
}

// keyState is the per-call index key serialization state. The header is
// written once after the key count; every key record then refers to it.
type keyState interface {
	writeHeader(w *stubio.Writer, defs []*Definition)
	writeKey(w *stubio.Writer, def *Definition)
	readHeader(r *stubio.Reader) error
	// readKey returns nil for a partition this process does not define
	readKey(r *stubio.Reader) (*Definition, error)
}

func (s KeyStrategy) newState(defs *Definitions) (keyState, error) {
	switch s {
	case NumericKeys:
		return &numericState{defs: defs, ids: enumerator.New[int64]()}, nil
	case EnumeratedKeys:
		return &enumeratedState{defs: defs, names: enumerator.New[string]()}, nil
	}
	return nil, fmt.Errorf("unknown key strategy %v", s)
}

type numericState struct {
	defs *Definitions
	ids  *enumerator.Enumerator[int64]
}

func (s *numericState) writeHeader(w *stubio.Writer, defs []*Definition) {
	for _, def := range defs {
		s.ids.Enumerate(int64(def.ID))
	}
	enumerator.WriteInts(w, s.ids)
}

func (s *numericState) writeKey(w *stubio.Writer, def *Definition) {
	w.WriteInt(s.ids.TryEnumerate(int64(def.ID)))
}

func (s *numericState) readHeader(r *stubio.Reader) (err error) {
	s.ids, err = enumerator.ReadInts(r)
	return
}

func (s *numericState) readKey(r *stubio.Reader) (*Definition, error) {
	local, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	id, ok := s.ids.ValueOf(local)
	if !ok {
		return nil, fmt.Errorf("%w: index key %d is not in the dictionary", stub_errors.ErrMalformed, local)
	}
	def, _ := s.defs.ByID(int(id))
	return def, nil
}

type enumeratedState struct {
	defs  *Definitions
	names *enumerator.Enumerator[string]
}

func (s *enumeratedState) writeHeader(w *stubio.Writer, defs []*Definition) {
	for _, def := range defs {
		s.names.Enumerate(string(def.Key))
	}
	enumerator.WriteStrings(w, s.names)
}

func (s *enumeratedState) writeKey(w *stubio.Writer, def *Definition) {
	w.WriteInt(s.names.TryEnumerate(string(def.Key)))
}

func (s *enumeratedState) readHeader(r *stubio.Reader) (err error) {
	s.names, err = enumerator.ReadStrings(r, nil)
	return
}

func (s *enumeratedState) readKey(r *stubio.Reader) (*Definition, error) {
	local, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	name, ok := s.names.ValueOf(local)
	if !ok {
		return nil, fmt.Errorf("%w: index key %d is not in the dictionary", stub_errors.ErrMalformed, local)
	}
	def, _ := s.defs.Get(IndexKey(name))
	return def, nil
}
