package indexes

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/stubindex/fwdindex"
	"github.com/drpcorg/stubindex/host"
	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/drpcorg/stubindex/utils"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHost struct {
	db  *pebble.DB
	log utils.Logger
}

func (h *testHost) Logger() utils.Logger               { return h.log }
func (h *testHost) WriteOptions() *pebble.WriteOptions { return pebble.NoSync }
func (h *testHost) Database() *pebble.DB               { return h.db }

func newTestHost(t *testing.T) *testHost {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &testHost{db: db, log: utils.NewDefaultLogger(slog.LevelWarn)}
}

var _ host.Host = (*testHost)(nil)

const (
	names fwdindex.IndexKey = "names"
	lines fwdindex.IndexKey = "lines"
)

func testDefinitions(t *testing.T) *fwdindex.Definitions {
	defs, err := fwdindex.NewDefinitions(
		fwdindex.Definition{Key: names, ID: 1, Keys: fwdindex.Strings},
		fwdindex.Definition{Key: lines, ID: 2, Keys: fwdindex.Ints},
	)
	require.NoError(t, err)
	return defs
}

func TestInvertedIndexUpdateAndQuery(t *testing.T) {
	h := newTestHost(t)
	ii := NewInvertedIndex(h, testDefinitions(t), 16)

	require.NoError(t, ii.UpdateIndex(names, 3, nil, []fwdindex.DataKey{"foo", "bar"}))
	require.NoError(t, ii.UpdateIndex(names, 1, nil, []fwdindex.DataKey{"foo"}))
	require.NoError(t, ii.UpdateIndex(lines, 1, nil, []fwdindex.DataKey{int64(10)}))

	files, err := ii.Query(names, "foo")
	assert.NoError(t, err)
	assert.Equal(t, []uint32{1, 3}, files)

	files, err = ii.Query(names, "bar")
	assert.NoError(t, err)
	assert.Equal(t, []uint32{3}, files)

	files, err = ii.Query(names, "baz")
	assert.NoError(t, err)
	assert.Empty(t, files)

	// partitions are separate
	files, err = ii.Query(lines, int64(10))
	assert.NoError(t, err)
	assert.Equal(t, []uint32{1}, files)

	// cached result is invalidated by the update
	require.NoError(t, ii.UpdateIndex(names, 3, []fwdindex.DataKey{"foo"}, nil))
	files, err = ii.Query(names, "foo")
	assert.NoError(t, err)
	assert.Equal(t, []uint32{1}, files)
}

func TestInvertedIndexErrors(t *testing.T) {
	h := newTestHost(t)
	ii := NewInvertedIndex(h, testDefinitions(t), 0)

	err := ii.UpdateIndex("nope", 1, nil, []fwdindex.DataKey{"x"})
	assert.ErrorIs(t, err, stub_errors.ErrUnknownIndex)

	_, err = ii.Query("nope", "x")
	assert.ErrorIs(t, err, stub_errors.ErrUnknownIndex)

	// wrong key type for the partition
	err = ii.UpdateIndex(lines, 1, nil, []fwdindex.DataKey{"x"})
	assert.Error(t, err)
}

func TestInvertedIndexKeysAndClear(t *testing.T) {
	h := newTestHost(t)
	ii := NewInvertedIndex(h, testDefinitions(t), 16)
	require.NoError(t, ii.UpdateIndex(names, 2, nil, []fwdindex.DataKey{"a", "b"}))
	require.NoError(t, ii.UpdateIndex(names, 5, nil, []fwdindex.DataKey{"a"}))
	require.NoError(t, ii.UpdateIndex(lines, 5, nil, []fwdindex.DataKey{int64(-1)}))

	got := map[string][]uint32{}
	for dk, fileID := range ii.Keys(names) {
		got[dk.(string)] = append(got[dk.(string)], fileID)
	}
	assert.Equal(t, map[string][]uint32{"a": {2, 5}, "b": {2}}, got)

	_, err := ii.Query(names, "a")
	require.NoError(t, err)
	require.NoError(t, ii.Clear())
	files, err := ii.Query(names, "a")
	assert.NoError(t, err)
	assert.Empty(t, files)
	files, err = ii.Query(lines, int64(-1))
	assert.NoError(t, err)
	assert.Empty(t, files)
}

func TestInvertedIndexDropFiles(t *testing.T) {
	h := newTestHost(t)
	ii := NewInvertedIndex(h, testDefinitions(t), 16)
	require.NoError(t, ii.UpdateIndex(names, 2, nil, []fwdindex.DataKey{"a", "b"}))
	require.NoError(t, ii.UpdateIndex(names, 5, nil, []fwdindex.DataKey{"a"}))
	require.NoError(t, ii.UpdateIndex(lines, 5, nil, []fwdindex.DataKey{int64(7)}))
	require.NoError(t, ii.UpdateIndex(lines, 9, nil, []fwdindex.DataKey{int64(7)}))

	// warm the cache
	files, err := ii.Query(names, "a")
	require.NoError(t, err)
	require.Equal(t, []uint32{2, 5}, files)

	require.NoError(t, ii.DropFiles(func(fileID uint32) bool { return fileID == 5 || fileID == 9 }))
	files, err = ii.Query(names, "a")
	assert.NoError(t, err)
	assert.Equal(t, []uint32{2}, files)
	files, err = ii.Query(names, "b")
	assert.NoError(t, err)
	assert.Equal(t, []uint32{2}, files)
	files, err = ii.Query(lines, int64(7))
	assert.NoError(t, err)
	assert.Empty(t, files)

	assert.NoError(t, ii.DropFiles(func(uint32) bool { return false }))
	files, err = ii.Query(names, "b")
	assert.NoError(t, err)
	assert.Equal(t, []uint32{2}, files)
}

func TestFileStore(t *testing.T) {
	h := newTestHost(t)
	fs := NewFileStore(h)

	big := make([]byte, 1000)
	for i := range big {
		big[i] = byte(i)
	}
	epoch := uuid.Must(uuid.NewV7())
	require.NoError(t, fs.Put(7, FileRecord{Epoch: epoch, Tree: []byte{1, 2, 3}, Index: big}))
	require.NoError(t, fs.Put(2, FileRecord{Tree: []byte{}, Index: []byte{}}))

	rec, found, err := fs.Get(7)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, epoch, rec.Epoch)
	assert.Equal(t, []byte{1, 2, 3}, rec.Tree)
	assert.Equal(t, big, rec.Index)

	rec, found, err = fs.Get(2)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uuid.Nil, rec.Epoch)
	assert.Empty(t, rec.Tree)
	assert.Empty(t, rec.Index)

	_, found, err = fs.Get(3)
	assert.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, []uint32{2, 7}, slices.Collect(fs.Files()))

	require.NoError(t, fs.Delete(2))
	assert.Equal(t, []uint32{7}, slices.Collect(fs.Files()))

	require.NoError(t, fs.Clear())
	assert.Empty(t, slices.Collect(fs.Files()))
}

func TestFileStoreMalformed(t *testing.T) {
	h := newTestHost(t)
	fs := NewFileStore(h)
	require.NoError(t, h.db.Set(host.FKey(1), []byte{'t', 5, 1}, nil))
	_, _, err := fs.Get(1)
	assert.ErrorIs(t, err, stub_errors.ErrMalformed)

	// a record without its epoch
	require.NoError(t, h.db.Set(host.FKey(2), []byte{'t', 0, 'x', 0}, nil))
	_, _, err = fs.Get(2)
	assert.ErrorIs(t, err, stub_errors.ErrMalformed)
}

func TestFileStoreDirty(t *testing.T) {
	h := newTestHost(t)
	fs := NewFileStore(h)

	dirty, err := fs.Dirty()
	require.NoError(t, err)
	assert.Empty(t, dirty)

	require.NoError(t, fs.MarkDirty(3, false))
	require.NoError(t, fs.MarkDirty(5, true))
	require.NoError(t, fs.MarkDirty(5, false))
	require.NoError(t, fs.MarkDirty(3, false))
	dirty, err = fs.Dirty()
	require.NoError(t, err)
	assert.Equal(t, map[uint32]bool{3: false, 5: true}, dirty)

	// marks are not files
	assert.Empty(t, slices.Collect(fs.Files()))

	require.NoError(t, fs.ClearDirty())
	dirty, err = fs.Dirty()
	require.NoError(t, err)
	assert.Empty(t, dirty)

	require.NoError(t, fs.MarkDirty(8, true))
	require.NoError(t, fs.Clear())
	dirty, err = fs.Dirty()
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestReason(t *testing.T) {
	assert.Equal(t, "reinitialize", Reason(stub_errors.ErrReinitialize))
	assert.Equal(t, "corruption", Reason(errors.Join(stub_errors.ErrStorage, errors.New("disk"))))
	assert.Equal(t, "unknown_serializer", Reason(&stub_errors.SerializerNotFoundError{ID: 4}))
	assert.Equal(t, "malformed", Reason(stub_errors.Malformed(errors.New("x"))))
	assert.Equal(t, "requested", Reason(nil))
}

func TestRebuildRunPending(t *testing.T) {
	h := newTestHost(t)
	var runs []string
	rc := NewRebuildCoordinator(h, func(ctx context.Context, task *RebuildTask) error {
		runs = append(runs, task.Reason)
		return nil
	}, time.Hour)

	rc.RequestRebuild(stub_errors.ErrReinitialize)
	rc.RequestRebuild(stub_errors.ErrReinitialize)
	rc.RequestRebuild(stub_errors.ErrCorrupted)
	assert.Equal(t, []string{"corruption", "reinitialize"}, rc.Pending())

	tasks, err := rc.Tasks()
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Reason == "reinitialize" {
			assert.Equal(t, int64(2), task.Revision)
			assert.Equal(t, "pending", task.Status())
		}
	}

	require.NoError(t, rc.RunPending(context.Background()))
	assert.Equal(t, []string{"corruption", "reinitialize"}, runs)
	assert.Empty(t, rc.Pending())

	// done tasks are not rerun
	require.NoError(t, rc.RunPending(context.Background()))
	assert.Len(t, runs, 2)
}

func TestRebuildHandlerFailureKeepsTask(t *testing.T) {
	h := newTestHost(t)
	fail := true
	rc := NewRebuildCoordinator(h, func(ctx context.Context, task *RebuildTask) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}, time.Hour)
	rc.RequestRebuild(nil)
	assert.Error(t, rc.RunPending(context.Background()))
	assert.Equal(t, []string{"requested"}, rc.Pending())

	fail = false
	assert.NoError(t, rc.RunPending(context.Background()))
	assert.Empty(t, rc.Pending())
}

func TestRebuildRequestedWhileRunning(t *testing.T) {
	h := newTestHost(t)
	var rc *RebuildCoordinator
	var runs int
	rc = NewRebuildCoordinator(h, func(ctx context.Context, task *RebuildTask) error {
		runs++
		if runs == 1 {
			rc.RequestRebuild(nil)
		}
		return nil
	}, time.Hour)
	rc.RequestRebuild(nil)
	require.NoError(t, rc.RunPending(context.Background()))
	assert.Equal(t, []string{"requested"}, rc.Pending())
	require.NoError(t, rc.RunPending(context.Background()))
	assert.Empty(t, rc.Pending())
	assert.Equal(t, 2, runs)
}

func TestCheckRebuildTasks(t *testing.T) {
	h := newTestHost(t)
	var runs atomic.Int32
	rc := NewRebuildCoordinator(h, func(ctx context.Context, task *RebuildTask) error {
		runs.Add(1)
		return nil
	}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rc.CheckRebuildTasks(ctx)
		close(done)
	}()

	rc.RequestRebuild(stub_errors.ErrCorrupted)
	assert.Eventually(t, func() bool {
		return runs.Load() == 1 && len(rc.Pending()) == 0
	}, 5*time.Second, 5*time.Millisecond)

	rc.RequestRebuild(stub_errors.ErrCorrupted)
	assert.Eventually(t, func() bool {
		return runs.Load() == 2 && len(rc.Pending()) == 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestCollector(t *testing.T) {
	h := newTestHost(t)
	c := NewCollector(map[string]*pebble.DB{"index": h.db}, func() Status {
		return Status{Corrupted: true, Epoch: "e", Kinds: 3}
	})
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, len(c.pebble)+3, n)
}
