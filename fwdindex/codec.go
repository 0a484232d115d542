// Package fwdindex encodes per-file forward indexes: for every index
// partition, the data keys a file declares and the stubs declaring them.
//
// Blob layout:
//
//	ForwardIdx := varint(keyCount) KeySerState (KeyRec)*   // keyCount==0 -> nothing follows
//	KeyRec     := EncodedIndexKey varint(blockLen) byte[blockLen]
//	Block      := (EncodedDataKey StubIdList)*
//
// Blocks are length-prefixed so a reader looking for one partition can skip
// the others without decoding them.
package fwdindex

import (
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/drpcorg/stubindex/stubio"
)

type Codec struct {
	defs     *Definitions
	strategy KeyStrategy
	stable   bool
}

// NewCodec fixes the key strategy and ordering mode. In stable mode index
// keys are sorted by name and data keys by their natural order, which every
// partition's descriptor must then provide.
func NewCodec(defs *Definitions, strategy KeyStrategy, stable bool) (*Codec, error) {
	if _, err := strategy.newState(defs); err != nil {
		return nil, err
	}
	if stable {
		for _, key := range defs.Keys() {
			def, _ := defs.Get(key)
			if _, ok := def.Keys.(Ordering); !ok {
				return nil, fmt.Errorf("%w: index %q", stub_errors.ErrUnorderedKeys, key)
			}
		}
	}
	return &Codec{defs: defs, strategy: strategy, stable: stable}, nil
}

func (c *Codec) Definitions() *Definitions {
	return c.defs
}

func (c *Codec) Stable() bool {
	return c.stable
}

func (c *Codec) Encode(m Map) ([]byte, error) {
	w := stubio.NewWriter(64)
	w.WriteInt(len(m))
	if len(m) == 0 {
		return w.Bytes(), nil
	}
	defs := make([]*Definition, 0, len(m))
	for key := range m {
		def, ok := c.defs.Get(key)
		if !ok {
			return nil, fmt.Errorf("%w: %q", stub_errors.ErrUnknownIndex, key)
		}
		defs = append(defs, def)
	}
	if c.stable {
		slices.SortFunc(defs, func(a, b *Definition) int {
			switch {
			case a.Key < b.Key:
				return -1
			case a.Key > b.Key:
				return 1
			}
			return 0
		})
	}
	state, _ := c.strategy.newState(c.defs)
	state.writeHeader(w, defs)
	block := stubio.NewWriter(64)
	for _, def := range defs {
		state.writeKey(w, def)
		block.Reset()
		if err := c.encodeBlock(block, def, m[def.Key]); err != nil {
			return nil, err
		}
		w.WriteBlock(block.Bytes())
	}
	return w.Bytes(), nil
}

func (c *Codec) encodeBlock(w *stubio.Writer, def *Definition, values Values) error {
	keys := slices.Collect(maps.Keys(values))
	if c.stable {
		order := def.Keys.(Ordering)
		slices.SortFunc(keys, order.Compare)
	}
	for _, key := range keys {
		if err := def.Keys.Write(w, key); err != nil {
			return fmt.Errorf("index %q: %w", def.Key, err)
		}
		if err := WriteStubIDs(w, values[key]); err != nil {
			return fmt.Errorf("index %q, key %v: %w", def.Key, key, err)
		}
	}
	return nil
}

func (c *Codec) decodeBlock(def *Definition, block []byte) (Values, error) {
	r := stubio.NewReader(block)
	values := make(Values)
	for r.Len() > 0 {
		key, err := def.Keys.Read(r)
		if err != nil {
			return nil, stub_errors.Malformed(err)
		}
		ids, err := ReadStubIDs(r)
		if err != nil {
			return nil, err
		}
		values[key] = ids
	}
	return values, nil
}

// records walks key records, calling fn for partitions this process defines.
// fn returns false to stop early.
func (c *Codec) records(data []byte, fn func(def *Definition, block []byte) (bool, error)) error {
	r := stubio.NewReader(data)
	count, err := r.ReadCount()
	if err != nil {
		return err
	}
	if count == 0 {
		return r.ExpectEnd()
	}
	state, _ := c.strategy.newState(c.defs)
	if err := state.readHeader(r); err != nil {
		return stub_errors.Malformed(err)
	}
	for i := 0; i < count; i++ {
		def, err := state.readKey(r)
		if err != nil {
			return err
		}
		if def == nil {
			if err := r.SkipBlock(); err != nil {
				return err
			}
			continue
		}
		block, err := r.ReadBlock()
		if err != nil {
			return err
		}
		more, err := fn(def, block)
		if err != nil || !more {
			return err
		}
	}
	return r.ExpectEnd()
}

// Decode reads the whole forward index. Partitions unknown to this process
// are skipped.
func (c *Codec) Decode(data []byte) (Map, error) {
	m := make(Map)
	err := c.records(data, func(def *Definition, block []byte) (bool, error) {
		values, err := c.decodeBlock(def, block)
		if err != nil {
			return false, err
		}
		m[def.Key] = values
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeIndex decodes one partition, skipping every other block.
func (c *Codec) DecodeIndex(data []byte, key IndexKey) (values Values, found bool, err error) {
	err = c.records(data, func(def *Definition, block []byte) (bool, error) {
		if def.Key != key {
			return true, nil
		}
		values, err = c.decodeBlock(def, block)
		found = err == nil
		return false, err
	})
	if err != nil {
		return nil, false, err
	}
	return
}

// CheckDataKey reports whether dataKey can be looked up in the partition:
// the partition must be defined and its descriptor must accept the key.
func (c *Codec) CheckDataKey(key IndexKey, dataKey DataKey) error {
	def, ok := c.defs.Get(key)
	if !ok {
		return fmt.Errorf("%w: %q", stub_errors.ErrUnknownIndex, key)
	}
	if dataKey == nil || !reflect.TypeOf(dataKey).Comparable() {
		return fmt.Errorf("index %q: data key %v of type %T is not comparable", key, dataKey, dataKey)
	}
	if err := def.Keys.Write(stubio.NewWriter(16), dataKey); err != nil {
		return fmt.Errorf("index %q: %w", key, err)
	}
	return nil
}

// FindIDs returns the stubs declaring one data key, stopping as soon as the
// key is seen.
func (c *Codec) FindIDs(data []byte, key IndexKey, dataKey DataKey) (ids StubIDList, found bool, err error) {
	if err := c.CheckDataKey(key, dataKey); err != nil {
		return nil, false, err
	}
	err = c.records(data, func(def *Definition, block []byte) (bool, error) {
		if def.Key != key {
			return true, nil
		}
		r := stubio.NewReader(block)
		for r.Len() > 0 {
			k, err := def.Keys.Read(r)
			if err != nil {
				return false, stub_errors.Malformed(err)
			}
			list, err := ReadStubIDs(r)
			if err != nil {
				return false, err
			}
			if k == dataKey {
				ids, found = list, true
				return false, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, false, err
	}
	return
}
