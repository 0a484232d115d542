package stubindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/stubindex/fwdindex"
	"github.com/drpcorg/stubindex/stubio"
	"github.com/drpcorg/stubindex/stubtree"
	"golang.org/x/crypto/blake2b"
)

// FileID identifies a file in the project.
type FileID = uint32

// Indexer walks a stub tree and derives its forward index. Stub positions
// refer to stubtree.Flatten order.
type Indexer interface {
	Index(root stubtree.Stub) (fwdindex.Map, error)
}

// Serializer produces and reads SerializedStubTree values.
type Serializer struct {
	trees   *stubtree.Codec
	index   *fwdindex.Codec
	indexer Indexer
}

func NewSerializer(trees *stubtree.Codec, index *fwdindex.Codec, indexer Indexer) *Serializer {
	return &Serializer{trees: trees, index: index, indexer: indexer}
}

func (s *Serializer) Trees() *stubtree.Codec {
	return s.trees
}

func (s *Serializer) Index() *fwdindex.Codec {
	return s.index
}

// FromTree serializes the tree and its forward index.
func (s *Serializer) FromTree(root stubtree.Stub) (*SerializedStubTree, error) {
	tree, err := s.trees.Serialize(root)
	if err != nil {
		return nil, err
	}
	m, err := s.indexer.Index(root)
	if err != nil {
		return nil, fmt.Errorf("forward index: %w", err)
	}
	index, err := s.index.Encode(m)
	if err != nil {
		return nil, err
	}
	return s.FromBytes(tree, index), nil
}

// FromBytes wraps bytes previously produced by FromTree. Slice lengths are
// authoritative; spare capacity is ignored. The slices must not be modified
// afterwards.
func (s *Serializer) FromBytes(tree, index []byte) *SerializedStubTree {
	return &SerializedStubTree{s: s, tree: tree[:len(tree):len(tree)], index: index[:len(index):len(index)]}
}

// FromBlob parses varint(treeLen) tree varint(idxLen) index.
func (s *Serializer) FromBlob(blob []byte) (*SerializedStubTree, error) {
	r := stubio.NewReader(blob)
	tree, err := r.ReadBlock()
	if err != nil {
		return nil, err
	}
	index, err := r.ReadBlock()
	if err != nil {
		return nil, err
	}
	if err := r.ExpectEnd(); err != nil {
		return nil, err
	}
	return s.FromBytes(tree, index), nil
}

type restoreState byte

const (
	notRestored restoreState = iota
	partiallyRestored
	restored
)

// SerializedStubTree is an immutable pair of tree bytes and forward index
// bytes. The forward index is decoded lazily and memoized, either whole or
// per index key; the cache only ever grows.
type SerializedStubTree struct {
	s     *Serializer
	tree  []byte
	index []byte

	hashOnce sync.Once
	hash     []byte

	lock    sync.Mutex
	state   restoreState
	full    fwdindex.Map
	partial map[fwdindex.IndexKey]fwdindex.Values // nil value: key absent
}

func (t *SerializedStubTree) TreeBytes() []byte {
	return t.tree
}

func (t *SerializedStubTree) IndexBytes() []byte {
	return t.index
}

func (t *SerializedStubTree) Blob() []byte {
	w := stubio.NewWriter(len(t.tree) + len(t.index) + 10)
	w.WriteBlock(t.tree)
	w.WriteBlock(t.index)
	return w.Bytes()
}

// Tree decodes the stub tree. The result is not cached.
func (t *SerializedStubTree) Tree(diagnostic string) (stubtree.Stub, error) {
	return t.s.trees.Deserialize(t.tree, diagnostic)
}

// ForwardIndex returns the whole decoded forward index. The map is shared
// between callers and must not be modified.
func (t *SerializedStubTree) ForwardIndex() (fwdindex.Map, error) {
	t.lock.Lock()
	if t.state == restored {
		defer t.lock.Unlock()
		return t.full, nil
	}
	t.lock.Unlock()

	m, err := t.s.index.Decode(t.index)
	if err != nil {
		return nil, err
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.state != restored {
		t.full = m
		t.partial = nil
		t.state = restored
	}
	return t.full, nil
}

// IDs returns the stubs declaring dataKey in the given partition. Once any
// key of a partition is requested, the whole partition is memoized.
func (t *SerializedStubTree) IDs(key fwdindex.IndexKey, dataKey fwdindex.DataKey) (fwdindex.StubIDList, bool, error) {
	if err := t.s.index.CheckDataKey(key, dataKey); err != nil {
		return nil, false, err
	}
	t.lock.Lock()
	switch t.state {
	case restored:
		defer t.lock.Unlock()
		ids, ok := t.full[key][dataKey]
		return ids, ok, nil
	case partiallyRestored:
		if values, seen := t.partial[key]; seen {
			defer t.lock.Unlock()
			ids, ok := values[dataKey]
			return ids, ok, nil
		}
	}
	t.lock.Unlock()

	values, _, err := t.s.index.DecodeIndex(t.index, key)
	if err != nil {
		return nil, false, err
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	switch t.state {
	case restored:
		values = t.full[key]
	case partiallyRestored:
		if known, seen := t.partial[key]; seen {
			values = known
		} else {
			t.partial[key] = values
		}
	case notRestored:
		t.partial = map[fwdindex.IndexKey]fwdindex.Values{key: values}
		t.state = partiallyRestored
	}
	ids, ok := values[dataKey]
	return ids, ok, nil
}

// ContentHash is blake2b-256 over uvarint(len(tree)) 0x00 tree. The forward
// index does not take part: its encoding may differ for equal trees.
func (t *SerializedStubTree) ContentHash() []byte {
	t.hashOnce.Do(func() {
		h, _ := blake2b.New256(nil)
		_, _ = h.Write(binary.AppendUvarint(nil, uint64(len(t.tree))))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(t.tree)
		t.hash = h.Sum(nil)
	})
	return t.hash
}

// Equal compares tree bytes only.
func (t *SerializedStubTree) Equal(other *SerializedStubTree) bool {
	if t == nil || other == nil {
		return t == other
	}
	return bytes.Equal(t.tree, other.tree)
}

func (t *SerializedStubTree) Hash64() uint64 {
	return xxhash.Sum64(t.tree)
}

func (t *SerializedStubTree) String() string {
	return fmt.Sprintf("stubs{tree:%d index:%d hash:%x}", len(t.tree), len(t.index), t.ContentHash()[:6])
}
