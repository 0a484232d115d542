package indexes

import (
	"bytes"
	"errors"
	"iter"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/stubindex/host"
	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/drpcorg/stubindex/tlv"
	"github.com/google/uuid"
)

// FileStore keeps the last indexed tree and forward index bytes of every
// file, tagged with the registry epoch the tree was serialized in.
// The value is an 'E' record, a 'T' record and an 'X' record.
type FileStore struct {
	h host.Host
}

// FileRecord is one stored file. Tree is only decodable under Epoch.
type FileRecord struct {
	Epoch uuid.UUID
	Tree  []byte
	Index []byte
}

func NewFileStore(h host.Host) *FileStore {
	return &FileStore{h: h}
}

func fileValue(rec FileRecord) []byte {
	buf := make([]byte, 0, len(rec.Tree)+len(rec.Index)+len(rec.Epoch)+12)
	buf = tlv.Append(buf, 'E', rec.Epoch[:])
	buf = tlv.Append(buf, 'T', rec.Tree)
	return tlv.Append(buf, 'X', rec.Index)
}

func parseFileValue(value []byte) (FileRecord, error) {
	fields, err := tlv.Fields(value, 'E', 'T', 'X')
	if err != nil {
		return FileRecord{}, errors.Join(stub_errors.ErrMalformed, err)
	}
	epoch, err := uuid.FromBytes(fields[0])
	if err != nil {
		return FileRecord{}, errors.Join(stub_errors.ErrMalformed, err)
	}
	return FileRecord{Epoch: epoch, Tree: bytes.Clone(fields[1]), Index: bytes.Clone(fields[2])}, nil
}

func (fs *FileStore) Put(fileID uint32, rec FileRecord) error {
	if err := fs.h.Database().Set(host.FKey(fileID), fileValue(rec), fs.h.WriteOptions()); err != nil {
		return storageErr(err, "file store put")
	}
	return nil
}

// Get returns a copy of the stored record; found is false for unknown files.
func (fs *FileStore) Get(fileID uint32) (rec FileRecord, found bool, err error) {
	value, closer, err := fs.h.Database().Get(host.FKey(fileID))
	if errors.Is(err, pebble.ErrNotFound) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, storageErr(err, "file store get")
	}
	defer closer.Close()
	rec, err = parseFileValue(value)
	if err != nil {
		return FileRecord{}, false, err
	}
	return rec, true, nil
}

func (fs *FileStore) Delete(fileID uint32) error {
	if err := fs.h.Database().Delete(host.FKey(fileID), fs.h.WriteOptions()); err != nil {
		return storageErr(err, "file store delete")
	}
	return nil
}

// Files yields stored file ids in ascending order.
func (fs *FileStore) Files() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		fro, til := host.PrefixRange(host.FilePrefix)
		it, err := fs.h.Database().NewIter(&pebble.IterOptions{LowerBound: fro, UpperBound: til})
		if err != nil {
			fs.h.Logger().Error("failed to create file store iterator", "err", err)
			return
		}
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			fileID, ok := host.FKeyFile(it.Key())
			if !ok {
				continue
			}
			if !yield(fileID) {
				return
			}
		}
	}
}

func (fs *FileStore) Clear() error {
	fro, til := host.PrefixRange(host.FilePrefix)
	if err := fs.h.Database().DeleteRange(fro, til, fs.h.WriteOptions()); err != nil {
		return storageErr(err, "file store clear")
	}
	return fs.ClearDirty()
}

const (
	// the inverted index entries of the file may not match its record
	markEntries = 'I'
	// the record itself is unusable
	markBroken = 'S'
)

// MarkDirty schedules fileID for the next rebuild. A broken file is
// dropped, any other dirty file gets its inverted entries recomputed
// from the stored forward index.
func (fs *FileStore) MarkDirty(fileID uint32, broken bool) error {
	mark := byte(markEntries)
	if broken {
		mark = markBroken
	}
	if err := fs.h.Database().Set(host.BKey(fileID, mark), nil, fs.h.WriteOptions()); err != nil {
		return storageErr(err, "file store mark")
	}
	return nil
}

// Dirty returns the marked files; the value tells whether the file is broken.
func (fs *FileStore) Dirty() (map[uint32]bool, error) {
	fro, til := host.PrefixRange(host.DirtyPrefix)
	it, err := fs.h.Database().NewIter(&pebble.IterOptions{LowerBound: fro, UpperBound: til})
	if err != nil {
		return nil, storageErr(err, "file store marks")
	}
	dirty := make(map[uint32]bool)
	for valid := it.First(); valid; valid = it.Next() {
		fileID, mark, ok := host.BKeyParse(it.Key())
		if !ok {
			continue
		}
		dirty[fileID] = dirty[fileID] || mark == markBroken
	}
	if err := it.Close(); err != nil {
		return nil, storageErr(err, "file store marks")
	}
	return dirty, nil
}

func (fs *FileStore) ClearDirty() error {
	fro, til := host.PrefixRange(host.DirtyPrefix)
	if err := fs.h.Database().DeleteRange(fro, til, fs.h.WriteOptions()); err != nil {
		return storageErr(err, "file store clear marks")
	}
	return nil
}
