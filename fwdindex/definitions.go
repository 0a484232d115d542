package fwdindex

import (
	"fmt"
	"slices"

	"github.com/drpcorg/stubindex/stub_errors"
)

// Definition declares an index partition. ID is its stable global number,
// used by the NumericKeys strategy; it must be positive and unique.
type Definition struct {
	Key  IndexKey
	ID   int
	Keys KeyDescriptor
}

// Definitions is the fixed set of partitions known to a codec.
type Definitions struct {
	byKey map[IndexKey]*Definition
	byID  map[int]*Definition
	keys  []IndexKey
}

func NewDefinitions(defs ...Definition) (*Definitions, error) {
	d := &Definitions{
		byKey: make(map[IndexKey]*Definition, len(defs)),
		byID:  make(map[int]*Definition, len(defs)),
	}
	for i := range defs {
		def := defs[i]
		if def.ID <= 0 || def.Keys == nil || def.Key == "" {
			return nil, fmt.Errorf("bad index definition %q (id %d)", def.Key, def.ID)
		}
		if _, ok := d.byKey[def.Key]; ok {
			return nil, fmt.Errorf("%w: %q", stub_errors.ErrDuplicateIndex, def.Key)
		}
		if _, ok := d.byID[def.ID]; ok {
			return nil, fmt.Errorf("%w: id %d", stub_errors.ErrDuplicateIndex, def.ID)
		}
		d.byKey[def.Key] = &def
		d.byID[def.ID] = &def
		d.keys = append(d.keys, def.Key)
	}
	slices.Sort(d.keys)
	return d, nil
}

func (d *Definitions) Get(key IndexKey) (*Definition, bool) {
	def, ok := d.byKey[key]
	return def, ok
}

func (d *Definitions) ByID(id int) (*Definition, bool) {
	def, ok := d.byID[id]
	return def, ok
}

// Keys lists partition names in sorted order.
func (d *Definitions) Keys() []IndexKey {
	return d.keys
}
