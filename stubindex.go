// Package stubindex serializes stub trees together with their forward
// indexes and keeps an inverted index over them up to date incrementally.
package stubindex

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/stubindex/enumerator"
	"github.com/drpcorg/stubindex/fwdindex"
	"github.com/drpcorg/stubindex/indexes"
	"github.com/drpcorg/stubindex/registry"
	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/drpcorg/stubindex/stubtree"
	"github.com/drpcorg/stubindex/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Index is the on-disk stub index of a project: serializer registry,
// stored per-file stubs and the inverted index over them.
type Index struct {
	opts Options
	dir  string
	db   *pebble.DB
	log  utils.Logger

	registry   *registry.Registry[stubtree.Kind]
	kinds      *xsync.MapOf[string, registeredKind]
	serializer *Serializer
	diff       *DiffEngine
	inverted   *indexes.InvertedIndex
	files      *indexes.FileStore
	rebuild    *indexes.RebuildCoordinator
	collector  *indexes.Collector

	// updates excludes rebuilds from running file updates
	updates   sync.RWMutex
	fileLocks *xsync.MapOf[FileID, *sync.Mutex]

	cancel context.CancelFunc
	loop   sync.WaitGroup
	closed atomic.Bool
}

// Open opens or creates the index in dir. Any rebuild left unfinished by a
// previous session runs before Open returns.
func Open(dir string, opts Options) (*Index, error) {
	opts.SetDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	i := &Index{
		opts:      opts,
		dir:       dir,
		log:       opts.Logger,
		fileLocks: xsync.NewMapOf[FileID, *sync.Mutex](),
		kinds:     xsync.NewMapOf[string, registeredKind](),
	}
	var err error
	if i.db, err = pebble.Open(filepath.Join(dir, "index"), opts.Options.Clone()); err != nil {
		return nil, err
	}
	i.rebuild = indexes.NewRebuildCoordinator(i, i.handleRebuild, opts.RebuildCheckPeriod)

	storage := &enumerator.PebbleStorage{Dir: filepath.Join(dir, "kinds"), Options: opts.Options.Clone()}
	if i.registry, err = registry.New[stubtree.Kind](storage, i.rebuild, i.log); err != nil {
		_ = i.db.Close()
		return nil, err
	}

	var intern func(string) string
	if opts.InternNames {
		names := xsync.NewMapOf[string, string]()
		intern = func(s string) string {
			v, _ := names.LoadOrStore(s, s)
			return v
		}
	}
	index, err := fwdindex.NewCodec(opts.Definitions, opts.KeyStrategy, opts.StableIndex)
	if err != nil {
		_ = i.registry.Close()
		_ = i.db.Close()
		return nil, err
	}
	i.serializer = NewSerializer(stubtree.NewCodec(i.registry, intern), index, opts.Indexer)
	i.inverted = indexes.NewInvertedIndex(i, opts.Definitions, opts.QueryCacheSize)
	i.files = indexes.NewFileStore(i)
	i.diff = NewDiffEngine(i.inverted, i.log, opts.Paranoid)
	i.collector = indexes.NewCollector(map[string]*pebble.DB{"index": i.db}, i.status)

	if err := i.rebuild.RunPending(context.Background()); err != nil {
		i.log.Error("pending rebuild failed, will retry in background", "err", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.loop.Add(1)
	go func() {
		defer i.loop.Done()
		i.rebuild.CheckRebuildTasks(ctx)
	}()
	i.log.Info("stub index opened", "dir", dir, "epoch", i.registry.Epoch(), "keys", opts.KeyStrategy, "stable", opts.StableIndex)
	return i, nil
}

func (i *Index) Logger() utils.Logger {
	return i.log
}

func (i *Index) WriteOptions() *pebble.WriteOptions {
	return pebble.Sync
}

func (i *Index) Database() *pebble.DB {
	return i.db
}

func (i *Index) Serializer() *Serializer {
	return i.serializer
}

func (i *Index) Registry() *registry.Registry[stubtree.Kind] {
	return i.registry
}

func (i *Index) Rebuilds() *indexes.RebuildCoordinator {
	return i.rebuild
}

func (i *Index) Epoch() uuid.UUID {
	return i.registry.Epoch()
}

func (i *Index) status() indexes.Status {
	return indexes.Status{
		Corrupted: i.registry.Corruption().Corrupted(),
		Epoch:     i.registry.Epoch().String(),
		Kinds:     len(i.registry.Registered()),
	}
}

type registeredKind struct {
	kind stubtree.Kind
	lazy *registry.Lazy[stubtree.Kind]
}

func sameKind(a, b stubtree.Kind) bool {
	ta := reflect.TypeOf(a)
	return ta == reflect.TypeOf(b) && ta != nil && ta.Comparable() && a == b
}

// RegisterKind binds the kind to its persistent serializer id. Registering
// the same kind again returns the same id; another kind under a bound
// external id fails with ErrDuplicateID.
func (i *Index) RegisterKind(kind stubtree.Kind) (int, error) {
	externalID := kind.ExternalID()
	entry, _ := i.kinds.LoadOrCompute(externalID, func() registeredKind {
		return registeredKind{kind: kind, lazy: registry.NewLazy(func() stubtree.Kind { return kind })}
	})
	lazy := entry.lazy
	if !sameKind(entry.kind, kind) {
		lazy = registry.NewLazy(func() stubtree.Kind { return kind })
	}
	return i.RegisterLazyKind(externalID, lazy)
}

// RegisterLazyKind binds externalID to a kind constructed on first use.
// It is idempotent for the same supplier.
func (i *Index) RegisterLazyKind(externalID string, lazy *registry.Lazy[stubtree.Kind]) (int, error) {
	return i.registry.AssignID(externalID, lazy)
}

// DropKinds forgets every registered kind; persistent ids stay.
func (i *Index) DropKinds() {
	i.kinds.Clear()
	i.registry.DropRegisteredSerializers()
}

func (i *Index) fileLock(fileID FileID) *sync.Mutex {
	lock, _ := i.fileLocks.LoadOrCompute(fileID, func() *sync.Mutex { return &sync.Mutex{} })
	return lock
}

// acquire admits a reader unless the index is closed. The closed flag is
// checked under the lock so that Close cannot slip in between.
func (i *Index) acquire() (release func(), err error) {
	i.updates.RLock()
	if i.closed.Load() {
		i.updates.RUnlock()
		return nil, stub_errors.ErrClosed
	}
	return i.updates.RUnlock, nil
}

// stored reads the record of a file; nil if none. The caller holds updates.
func (i *Index) stored(fileID FileID) (*SerializedStubTree, uuid.UUID, error) {
	rec, found, err := i.files.Get(fileID)
	if errors.Is(err, stub_errors.ErrMalformed) {
		i.markDirty(fileID, true, err)
	}
	if err != nil || !found {
		return nil, uuid.Nil, err
	}
	return i.serializer.FromBytes(rec.Tree, rec.Index), rec.Epoch, nil
}

// current is stored without records of earlier epochs, whose trees refer
// to renumbered serializer ids.
func (i *Index) current(fileID FileID) (*SerializedStubTree, error) {
	st, epoch, err := i.stored(fileID)
	if err != nil || st == nil || epoch != i.registry.Epoch() {
		return nil, err
	}
	return st, nil
}

// markDirty leaves the file to the next rebuild, which drops a broken file
// and recomputes the inverted entries of any other.
func (i *Index) markDirty(fileID FileID, broken bool, cause error) {
	if err := i.files.MarkDirty(fileID, broken); err != nil {
		i.log.Error("failed to mark file for rebuild", "file", fileID, "err", err)
	}
	i.rebuild.RequestRebuild(cause)
}

// Stubs returns the stored stubs of a file, nil if none.
func (i *Index) Stubs(fileID FileID) (*SerializedStubTree, error) {
	release, err := i.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return i.current(fileID)
}

// Files yields indexed file ids in ascending order. Nothing is yielded once
// the index is closed.
func (i *Index) Files() iter.Seq[FileID] {
	return func(yield func(FileID) bool) {
		release, err := i.acquire()
		if err != nil {
			return
		}
		files := slices.Collect(i.files.Files())
		release()
		for _, fileID := range files {
			if !yield(fileID) {
				return
			}
		}
	}
}

func (i *Index) serialize(root stubtree.Stub) (*SerializedStubTree, error) {
	if root == nil {
		return nil, nil
	}
	if i.registry.Corruption().Corrupted() {
		if _, err := i.registry.Corruption().Repair(stub_errors.ErrCorrupted); err != nil {
			return nil, err
		}
	}
	return i.serializer.FromTree(root)
}

// IndexFile replaces the stubs of a file and applies the difference to the
// inverted index. A nil root removes the file. Once the update has started
// it runs to completion even if ctx is cancelled.
func (i *Index) IndexFile(ctx context.Context, fileID FileID, root stubtree.Stub, problems *Problems) (Diff, error) {
	if i.closed.Load() {
		return Diff{}, stub_errors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Diff{}, err
	}
	next, epoch, err := i.serializeLocked(root)
	if err != nil {
		problems.Add(fileID, err)
		return Diff{FileID: fileID}, err
	}
	defer i.updates.RUnlock()
	lock := i.fileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	// the forward index does not depend on serializer ids, so a record of
	// an earlier epoch still diffs correctly
	prev, prevEpoch, err := i.stored(fileID)
	if err != nil {
		problems.Add(fileID, err)
		return Diff{FileID: fileID}, err
	}

	section := i.diff.BeginUpdate(utils.WithDefaultArgs(ctx, "file", fileID))
	defer section.End()
	diff, err := section.Apply(fileID, prev, next, problems)
	if err != nil {
		// the inverted index may now hold a mix of both versions
		i.markDirty(fileID, false, err)
		return diff, err
	}
	if !diff.Changed && (next == nil || prevEpoch == epoch) {
		return diff, nil
	}
	if next == nil {
		err = i.files.Delete(fileID)
	} else {
		err = i.files.Put(fileID, indexes.FileRecord{Epoch: epoch, Tree: next.TreeBytes(), Index: next.IndexBytes()})
	}
	if err != nil {
		problems.Add(fileID, err)
		i.markDirty(fileID, false, err)
	}
	return diff, err
}

const serializeAttempts = 3

// serializeLocked serializes root and returns holding updates for reading,
// with the registry still in the epoch the tree was serialized in.
func (i *Index) serializeLocked(root stubtree.Stub) (*SerializedStubTree, uuid.UUID, error) {
	for attempt := 1; ; attempt++ {
		epoch := i.registry.Epoch()
		next, err := i.serialize(root)
		if err != nil {
			return nil, epoch, err
		}
		i.updates.RLock()
		if i.closed.Load() {
			i.updates.RUnlock()
			return nil, epoch, stub_errors.ErrClosed
		}
		if i.registry.Epoch() == epoch {
			return next, epoch, nil
		}
		i.updates.RUnlock()
		if attempt == serializeAttempts {
			return nil, epoch, fmt.Errorf("%w: registry repaired during serialization", stub_errors.ErrCorrupted)
		}
	}
}

func (i *Index) RemoveFile(ctx context.Context, fileID FileID, problems *Problems) (Diff, error) {
	return i.IndexFile(ctx, fileID, nil, problems)
}

// FileChanged reports whether indexing root would change anything.
func (i *Index) FileChanged(fileID FileID, root stubtree.Stub) (bool, error) {
	next, _, err := i.serializeLocked(root)
	if err != nil {
		return false, err
	}
	defer i.updates.RUnlock()
	prev, _, err := i.stored(fileID)
	if err != nil {
		return false, err
	}
	return i.diff.Changed(fileID, prev, next, nil), nil
}

// Query lists the files declaring dataKey in the given partition.
func (i *Index) Query(key fwdindex.IndexKey, dataKey fwdindex.DataKey) ([]FileID, error) {
	release, err := i.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return i.inverted.Query(key, dataKey)
}

// StubIDs lists the stubs of a file declaring dataKey. Undecodable stored
// data reads as empty and schedules a rebuild.
func (i *Index) StubIDs(fileID FileID, key fwdindex.IndexKey, dataKey fwdindex.DataKey) (fwdindex.StubIDList, bool, error) {
	if err := i.serializer.Index().CheckDataKey(key, dataKey); err != nil {
		return nil, false, err
	}
	release, err := i.acquire()
	if err != nil {
		return nil, false, err
	}
	defer release()
	st, _, err := i.stored(fileID)
	if err != nil || st == nil {
		return nil, false, err
	}
	ids, ok, err := st.IDs(key, dataKey)
	if err != nil {
		i.log.Warn("stored forward index unreadable", "file", fileID, "err", err)
		i.markDirty(fileID, true, err)
		return nil, false, nil
	}
	return ids, ok, nil
}

// Tree decodes the stored tree of a file; nil if the file is not indexed.
func (i *Index) Tree(fileID FileID) (stubtree.Stub, error) {
	release, err := i.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	st, err := i.current(fileID)
	if err != nil || st == nil {
		return nil, err
	}
	root, err := st.Tree(fmt.Sprintf("file %d", fileID))
	switch {
	case errors.Is(err, stub_errors.ErrMalformed):
		i.markDirty(fileID, true, err)
		return nil, err
	case errors.Is(err, stub_errors.ErrSerializerNotFound):
		i.rebuild.RequestRebuild(err)
		return nil, err
	case err != nil:
		return nil, err
	}
	return root, nil
}

// Repair repairs the registry if it is marked corrupted.
func (i *Index) Repair() (bool, error) {
	if !i.registry.Corruption().Corrupted() {
		return false, nil
	}
	return i.registry.Corruption().Repair(stub_errors.ErrCorrupted)
}

// Reinitialize forces a registry repair, which renumbers every kind and
// rebuilds the indexes.
func (i *Index) Reinitialize() error {
	return i.registry.Corruption().Reinitialize()
}

// handleRebuild drops the files stored under earlier epochs or marked
// broken, together with their inverted entries and any entries of files
// that are not stored at all. Files marked dirty get their inverted entries
// recomputed from the stored forward index. Dropped files are re-indexed
// by their owners.
func (i *Index) handleRebuild(ctx context.Context, task *indexes.RebuildTask) error {
	i.updates.Lock()
	defer i.updates.Unlock()
	epoch := i.registry.Epoch()
	dirty, err := i.files.Dirty()
	if err != nil {
		return err
	}
	stored := make(map[FileID]struct{})
	stale := make(map[FileID]struct{})
	reindex := make(map[FileID]fwdindex.Map)
	for fileID := range i.files.Files() {
		stored[fileID] = struct{}{}
		rec, _, err := i.files.Get(fileID)
		if errors.Is(err, stub_errors.ErrMalformed) {
			stale[fileID] = struct{}{}
			continue
		}
		if err != nil {
			return err
		}
		broken, marked := dirty[fileID]
		if rec.Epoch != epoch || broken {
			stale[fileID] = struct{}{}
			continue
		}
		if !marked {
			continue
		}
		m, err := i.serializer.Index().Decode(rec.Index)
		if err != nil {
			i.log.WarnCtx(ctx, "stored forward index unreadable", "file", fileID, "err", err)
			stale[fileID] = struct{}{}
			continue
		}
		reindex[fileID] = m
	}
	i.log.WarnCtx(ctx, "rebuilding inverted index", "cause", task.Cause, "epoch", epoch,
		"files", len(stored), "dropped", len(stale), "reindexed", len(reindex))

	err = i.inverted.DropFiles(func(fileID uint32) bool {
		_, known := stored[fileID]
		_, drop := stale[fileID]
		_, redo := reindex[fileID]
		return !known || drop || redo
	})
	if err != nil {
		return err
	}
	for fileID, m := range reindex {
		for key, values := range m {
			if err := i.inverted.UpdateIndex(key, fileID, nil, slices.Collect(maps.Keys(values))); err != nil {
				return err
			}
		}
	}
	for fileID := range stale {
		if err := i.files.Delete(fileID); err != nil {
			return err
		}
	}
	return i.files.ClearDirty()
}

// Close waits for running updates and closes the storage.
func (i *Index) Close() error {
	if !i.closed.CompareAndSwap(false, true) {
		return stub_errors.ErrClosed
	}
	i.cancel()
	i.loop.Wait()
	i.updates.Lock()
	defer i.updates.Unlock()
	i.diff.Wait()
	err := i.registry.Close()
	return errors.Join(err, i.db.Close())
}
