// Package registry maps stable stub kind names ("external ids") to compact
// serializer ids and back.
//
// Ids are assigned by enumerating external ids through a persistent
// enumerator, so they survive restarts. The set of ids valid at a given
// moment is called an epoch; every repair destroys the persistent table and
// starts a new epoch, which invalidates every id handed out before.
//
// Kind constructors are registered as Lazy suppliers and instantiated on
// first use. Lookups on the hot path (IDOf, KindByID for a known id) do not
// take the registry lock.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/drpcorg/stubindex/enumerator"
	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/drpcorg/stubindex/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// RebuildRequester schedules a rebuild of everything derived from serializer
// ids. Implementations must not block for long; the registry calls it with
// its lock held.
type RebuildRequester interface {
	RequestRebuild(cause error)
}

// Lazy is a memoized constructor. Registering the same *Lazy twice is a no-op;
// registering a different one under a bound external id is a configuration bug.
type Lazy[K any] struct {
	get func() K
}

func NewLazy[K any](fn func() K) *Lazy[K] {
	return &Lazy[K]{get: sync.OnceValue(fn)}
}

func (l *Lazy[K]) Get() K {
	return l.get()
}

type Registry[K any] struct {
	lock       sync.RWMutex
	storage    enumerator.Storage
	table      enumerator.Table
	requester  RebuildRequester
	log        utils.Logger
	epoch      atomic.Value
	byExternal *xsync.MapOf[string, *Lazy[K]]
	ids        *xsync.MapOf[string, int]
	byID       *xsync.MapOf[int, *Lazy[K]]
	corruption *CorruptionManager
}

// New opens the persistent table from storage. A table that fails to open
// is wiped and re-created once before giving up.
func New[K any](storage enumerator.Storage, requester RebuildRequester, log utils.Logger) (*Registry[K], error) {
	r := &Registry[K]{
		storage:    storage,
		requester:  requester,
		log:        log,
		byExternal: xsync.NewMapOf[string, *Lazy[K]](),
		ids:        xsync.NewMapOf[string, int](),
		byID:       xsync.NewMapOf[int, *Lazy[K]](),
	}
	r.corruption = &CorruptionManager{repair: r.repair, log: log}
	table, openErr := storage.Open()
	if openErr != nil {
		log.Error("serializer registry failed to open, recreating", "err", openErr)
		if derr := storage.Destroy(); derr != nil {
			return nil, errors.Join(openErr, derr)
		}
		var err error
		if table, err = storage.Open(); err != nil {
			return nil, errors.Join(openErr, err)
		}
		r.requestRebuild(errors.Join(stub_errors.ErrCorrupted, openErr))
	}
	r.table = table
	r.epoch.Store(table.Epoch())
	return r, nil
}

// Epoch identifies the current generation of serializer ids. It survives
// restarts and changes on every repair.
func (r *Registry[K]) Epoch() uuid.UUID {
	return r.epoch.Load().(uuid.UUID)
}

func (r *Registry[K]) Corruption() *CorruptionManager {
	return r.corruption
}

func (r *Registry[K]) requestRebuild(cause error) {
	if r.requester != nil {
		r.requester.RequestRebuild(cause)
	}
}

// AssignID binds externalID to the supplier and returns its serializer id.
// It is idempotent for the same supplier.
func (r *Registry[K]) AssignID(externalID string, lazy *Lazy[K]) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if existing, ok := r.byExternal.Load(externalID); ok && existing != lazy {
		r.log.Error("duplicate serializer external id", "external_id", externalID)
		return 0, fmt.Errorf("%w: %q", stub_errors.ErrDuplicateID, externalID)
	}
	r.byExternal.Store(externalID, lazy)
	if r.corruption.Corrupted() || r.table == nil {
		return 0, stub_errors.ErrCorrupted
	}
	if id, ok := r.ids.Load(externalID); ok {
		return id, nil
	}
	id, err := r.table.Enumerate(externalID)
	if err != nil {
		r.corruption.MarkCorrupted(err)
		return 0, errors.Join(stub_errors.ErrCorrupted, err)
	}
	r.ids.Store(externalID, id)
	return id, nil
}

// IDOf returns the serializer id of a registered external id.
func (r *Registry[K]) IDOf(externalID string) (int, bool) {
	if r.corruption.Corrupted() {
		return 0, false
	}
	return r.ids.Load(externalID)
}

// KindByID resolves a serializer id read from a blob. Any failure is reported
// as *stub_errors.SerializerNotFoundError carrying the diagnostic string.
func (r *Registry[K]) KindByID(id int, diagnostic string) (kind K, err error) {
	if r.corruption.Corrupted() {
		return kind, &stub_errors.SerializerNotFoundError{ID: id, Diagnostic: diagnostic, Cause: stub_errors.ErrCorrupted}
	}
	if lazy, ok := r.byID.Load(id); ok {
		return lazy.Get(), nil
	}
	r.lock.RLock()
	defer r.lock.RUnlock()
	if r.table == nil {
		return kind, &stub_errors.SerializerNotFoundError{ID: id, Diagnostic: diagnostic, Cause: stub_errors.ErrCorrupted}
	}
	externalID, ok, err := r.table.ValueOf(id)
	if err != nil {
		r.corruption.MarkCorrupted(err)
		return kind, &stub_errors.SerializerNotFoundError{ID: id, Diagnostic: diagnostic, Cause: err}
	}
	if !ok {
		nf := &stub_errors.SerializerNotFoundError{ID: id, Diagnostic: diagnostic}
		r.requestRebuild(nf)
		return kind, nf
	}
	lazy, ok := r.byExternal.Load(externalID)
	if !ok {
		nf := &stub_errors.SerializerNotFoundError{ID: id, ExternalID: externalID, Diagnostic: diagnostic}
		r.requestRebuild(nf)
		return kind, nf
	}
	r.byID.Store(id, lazy)
	return lazy.Get(), nil
}

// DropRegisteredSerializers forgets every supplier. Persisted ids stay valid;
// kinds must be registered again before they can be resolved.
func (r *Registry[K]) DropRegisteredSerializers() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.byExternal.Clear()
	r.ids.Clear()
	r.byID.Clear()
}

// Registered lists the bound external ids in sorted order.
func (r *Registry[K]) Registered() []string {
	names := make([]string, 0, r.byExternal.Size())
	r.byExternal.Range(func(name string, _ *Lazy[K]) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// repair wipes the table and re-enumerates every registered kind.
// Called by the CorruptionManager only.
func (r *Registry[K]) repair(cause error) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.table != nil {
		if err := r.table.Close(); err != nil {
			r.log.Warn("closing corrupted serializer table", "err", err)
		}
		r.table = nil
	}
	r.ids.Clear()
	r.byID.Clear()
	if err := r.storage.Destroy(); err != nil {
		return err
	}
	table, err := r.storage.Open()
	if err != nil {
		return err
	}
	r.table = table
	for _, name := range r.Registered() {
		id, err := table.Enumerate(name)
		if err != nil {
			return err
		}
		r.ids.Store(name, id)
	}
	epoch := table.Epoch()
	r.epoch.Store(epoch)
	r.log.Warn("serializer registry rebuilt", "epoch", epoch.String(), "kinds", r.ids.Size(), "cause", cause)
	r.requestRebuild(cause)
	return nil
}

func (r *Registry[K]) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.table == nil {
		return nil
	}
	err := r.table.Close()
	r.table = nil
	return err
}
