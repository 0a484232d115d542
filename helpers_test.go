package stubindex

import (
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/stubindex/enumerator"
	"github.com/drpcorg/stubindex/examples"
	"github.com/drpcorg/stubindex/fwdindex"
	"github.com/drpcorg/stubindex/registry"
	"github.com/drpcorg/stubindex/stubtree"
	"github.com/drpcorg/stubindex/utils"
	"github.com/stretchr/testify/require"
)

const shapes = `class Shape
  func area
  func name
class Circle extends Shape
  func area
func main
`

const squares = `class Shape
  func area
class Square extends Shape
  func area
  func side
`

var testLog = utils.NewDefaultLogger(slog.LevelWarn)

type noRebuild struct{}

func (noRebuild) RequestRebuild(error) {}

func testRegistry(t *testing.T) *registry.Registry[stubtree.Kind] {
	reg, err := registry.New[stubtree.Kind](&enumerator.PebbleStorage{
		Dir:     "kinds",
		Options: &pebble.Options{FS: vfs.NewMem()},
	}, noRebuild{}, testLog)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	for _, kind := range examples.Kinds() {
		_, err := reg.AssignID(kind.ExternalID(), registry.NewLazy(func() stubtree.Kind { return kind }))
		require.NoError(t, err)
	}
	return reg
}

func testSerializer(t *testing.T, reg *registry.Registry[stubtree.Kind], indexer Indexer, strategy fwdindex.KeyStrategy, stable bool) *Serializer {
	defs, err := examples.Definitions()
	require.NoError(t, err)
	index, err := fwdindex.NewCodec(defs, strategy, stable)
	require.NoError(t, err)
	return NewSerializer(stubtree.NewCodec(reg, nil), index, indexer)
}

func parse(t *testing.T, path, src string) *examples.FileStub {
	file, err := examples.Parse(path, strings.NewReader(src))
	require.NoError(t, err)
	return file
}

// recordingIndex is an in-memory InvertedIndex.
type recordingIndex struct {
	lock  sync.Mutex
	calls int
	fail  fwdindex.IndexKey
	keys  map[fwdindex.IndexKey]map[fwdindex.DataKey]map[FileID]bool
}

func newRecordingIndex() *recordingIndex {
	return &recordingIndex{keys: map[fwdindex.IndexKey]map[fwdindex.DataKey]map[FileID]bool{}}
}

func (r *recordingIndex) UpdateIndex(key fwdindex.IndexKey, fileID FileID, removed, added []fwdindex.DataKey) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls++
	if key == r.fail {
		return errFailingKey
	}
	part := r.keys[key]
	if part == nil {
		part = map[fwdindex.DataKey]map[FileID]bool{}
		r.keys[key] = part
	}
	for _, dk := range removed {
		delete(part[dk], fileID)
	}
	for _, dk := range added {
		if part[dk] == nil {
			part[dk] = map[FileID]bool{}
		}
		part[dk][fileID] = true
	}
	return nil
}

func (r *recordingIndex) files(key fwdindex.IndexKey, dk fwdindex.DataKey) []FileID {
	r.lock.Lock()
	defer r.lock.Unlock()
	var files []FileID
	for f, ok := range r.keys[key][dk] {
		if ok {
			files = append(files, f)
		}
	}
	return files
}
