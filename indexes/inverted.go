package indexes

import (
	"bytes"
	"fmt"
	"iter"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/stubindex/fwdindex"
	"github.com/drpcorg/stubindex/host"
	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/drpcorg/stubindex/stubio"
	lru "github.com/hashicorp/golang-lru/v2"
)

// InvertedIndex maps (partition, data key) to the files declaring the key.
type InvertedIndex struct {
	h     host.Host
	defs  *fwdindex.Definitions
	lock  sync.RWMutex
	cache *lru.Cache[string, []uint32]
}

func NewInvertedIndex(h host.Host, defs *fwdindex.Definitions, cacheSize int) *InvertedIndex {
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	cache, _ := lru.New[string, []uint32](cacheSize)
	return &InvertedIndex{h: h, defs: defs, cache: cache}
}

func (ii *InvertedIndex) definition(key fwdindex.IndexKey) (*fwdindex.Definition, error) {
	def, ok := ii.defs.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", stub_errors.ErrUnknownIndex, key)
	}
	return def, nil
}

func keyBytes(def *fwdindex.Definition, dataKey fwdindex.DataKey) ([]byte, error) {
	w := stubio.NewWriter(16)
	if err := def.Keys.Write(w, dataKey); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func cacheKey(def *fwdindex.Definition, kb []byte) string {
	return fmt.Sprintf("%d:%s", def.ID, kb)
}

// UpdateIndex drops fileID from the removed keys and adds it to the added
// ones, in one batch.
func (ii *InvertedIndex) UpdateIndex(key fwdindex.IndexKey, fileID uint32, removed, added []fwdindex.DataKey) error {
	def, err := ii.definition(key)
	if err != nil {
		return err
	}
	batch := ii.h.Database().NewBatch()
	defer batch.Close()
	touched := make([]string, 0, len(removed)+len(added))
	for _, dk := range removed {
		kb, err := keyBytes(def, dk)
		if err != nil {
			return err
		}
		if err := batch.Delete(host.DKey(uint32(def.ID), xxhash.Sum64(kb), fileID, kb), ii.h.WriteOptions()); err != nil {
			return err
		}
		touched = append(touched, cacheKey(def, kb))
	}
	for _, dk := range added {
		kb, err := keyBytes(def, dk)
		if err != nil {
			return err
		}
		if err := batch.Set(host.DKey(uint32(def.ID), xxhash.Sum64(kb), fileID, kb), nil, ii.h.WriteOptions()); err != nil {
			return err
		}
		touched = append(touched, cacheKey(def, kb))
	}

	ii.lock.Lock()
	defer ii.lock.Unlock()
	if err := batch.Commit(ii.h.WriteOptions()); err != nil {
		return storageErr(err, "inverted index commit")
	}
	for _, ck := range touched {
		ii.cache.Remove(ck)
	}
	return nil
}

// Query lists, in ascending order, the files declaring dataKey.
func (ii *InvertedIndex) Query(key fwdindex.IndexKey, dataKey fwdindex.DataKey) ([]uint32, error) {
	def, err := ii.definition(key)
	if err != nil {
		return nil, err
	}
	kb, err := keyBytes(def, dataKey)
	if err != nil {
		return nil, err
	}
	ck := cacheKey(def, kb)

	ii.lock.RLock()
	defer ii.lock.RUnlock()
	if files, ok := ii.cache.Get(ck); ok {
		return files, nil
	}
	fro, til := host.DKeyRange(uint32(def.ID), xxhash.Sum64(kb))
	it, err := ii.h.Database().NewIter(&pebble.IterOptions{LowerBound: fro, UpperBound: til})
	if err != nil {
		return nil, storageErr(err, "inverted index iterator")
	}
	defer it.Close()
	files := []uint32{}
	for valid := it.First(); valid; valid = it.Next() {
		fileID, stored, ok := host.DKeyParse(it.Key())
		// same hash, different key
		if !ok || !bytes.Equal(stored, kb) {
			continue
		}
		files = append(files, fileID)
	}
	ii.cache.Add(ck, files)
	return files, nil
}

// Keys yields every (data key, file) entry of a partition. Entries are
// ordered by key hash, not by key.
func (ii *InvertedIndex) Keys(key fwdindex.IndexKey) iter.Seq2[fwdindex.DataKey, uint32] {
	return func(yield func(fwdindex.DataKey, uint32) bool) {
		def, err := ii.definition(key)
		if err != nil {
			return
		}
		fro, til := host.DKeyIndexRange(uint32(def.ID))
		it, err := ii.h.Database().NewIter(&pebble.IterOptions{LowerBound: fro, UpperBound: til})
		if err != nil {
			ii.h.Logger().Error("failed to create inverted index iterator", "err", err)
			return
		}
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			fileID, kb, ok := host.DKeyParse(it.Key())
			if !ok {
				continue
			}
			r := stubio.NewReader(kb)
			dk, err := def.Keys.Read(r)
			if err != nil {
				ii.h.Logger().Warn("undecodable inverted index key", "index", key, "file", fileID, "err", err)
				continue
			}
			if !yield(dk, fileID) {
				return
			}
		}
	}
}

// DropFiles removes every entry of the files drop selects, in all
// partitions, with one scan and one batch.
func (ii *InvertedIndex) DropFiles(drop func(fileID uint32) bool) error {
	ii.lock.Lock()
	defer ii.lock.Unlock()
	fro, til := host.PrefixRange(host.InvertedPrefix)
	it, err := ii.h.Database().NewIter(&pebble.IterOptions{LowerBound: fro, UpperBound: til})
	if err != nil {
		return storageErr(err, "inverted index iterator")
	}
	batch := ii.h.Database().NewBatch()
	defer batch.Close()
	for valid := it.First(); valid; valid = it.Next() {
		fileID, _, ok := host.DKeyParse(it.Key())
		if !ok {
			continue
		}
		if drop(fileID) {
			if err := batch.Delete(bytes.Clone(it.Key()), nil); err != nil {
				_ = it.Close()
				return err
			}
		}
	}
	if err := it.Close(); err != nil {
		return storageErr(err, "inverted index scan")
	}
	if err := batch.Commit(ii.h.WriteOptions()); err != nil {
		return storageErr(err, "inverted index commit")
	}
	ii.cache.Purge()
	return nil
}

// Clear drops every entry of every partition.
func (ii *InvertedIndex) Clear() error {
	ii.lock.Lock()
	defer ii.lock.Unlock()
	fro, til := host.PrefixRange(host.InvertedPrefix)
	if err := ii.h.Database().DeleteRange(fro, til, ii.h.WriteOptions()); err != nil {
		return storageErr(err, "inverted index clear")
	}
	ii.cache.Purge()
	return nil
}
