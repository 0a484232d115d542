package enumerator

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// Table is the registry-facing view of a persistent enumerator.
// Any error it returns is a storage failure and must be treated as
// corruption by the caller.
type Table interface {
	Enumerate(value string) (int, error)
	TryEnumerate(value string) (int, error)
	ValueOf(id int) (value string, ok bool, err error)
	// Epoch is minted when the table is created and changes only when the
	// table is destroyed and created anew.
	Epoch() uuid.UUID
	Close() error
}

// Storage owns the on-disk lifecycle of a Table: it can open one and wipe
// everything that belongs to it.
type Storage interface {
	Open() (Table, error)
	Destroy() error
}

var (
	sizeKey  = []byte{'N'}
	epochKey = []byte{'G'}
)

func valueKey(v string) []byte {
	key := make([]byte, 0, len(v)+1)
	key = append(key, 'V')
	return append(key, v...)
}

func idKey(id int) []byte {
	key := []byte{'I'}
	return binary.BigEndian.AppendUint32(key, uint32(id))
}

func storageErr(err error, msg string) error {
	return pkgerrors.Wrap(errors.Join(stub_errors.ErrStorage, err), msg)
}

// Persistent is a string enumerator stored in its own pebble database.
//
// Key layout:
//
//   - 'V' + value  -> uvarint(id)
//   - 'I' + BE32(id) -> value
//   - 'N'            -> uvarint(size)
//   - 'G'            -> epoch uuid, written when the table is created
//
// Reads are cached in memory; assignment is serialized and every new value
// is committed with a synced batch before its id is handed out.
type Persistent struct {
	db     *pebble.DB
	lock   sync.Mutex
	size   int
	epoch  uuid.UUID
	ids    *xsync.MapOf[string, int]
	values *xsync.MapOf[int, string]
}

func OpenPersistent(dir string, opts *pebble.Options) (*Persistent, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, storageErr(err, "enumerator: open "+dir)
	}
	p := &Persistent{
		db:     db,
		ids:    xsync.NewMapOf[string, int](),
		values: xsync.NewMapOf[int, string](),
	}
	val, closer, err := db.Get(sizeKey)
	switch {
	case err == nil:
		size, n := binary.Uvarint(val)
		_ = closer.Close()
		if n <= 0 {
			_ = db.Close()
			return nil, storageErr(stub_errors.ErrMalformed, "enumerator: bad size record")
		}
		p.size = int(size)
	case errors.Is(err, pebble.ErrNotFound):
	default:
		_ = db.Close()
		return nil, storageErr(err, "enumerator: read size")
	}
	if err := p.loadEpoch(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Persistent) loadEpoch() error {
	val, closer, err := p.db.Get(epochKey)
	if errors.Is(err, pebble.ErrNotFound) {
		p.epoch = uuid.Must(uuid.NewV7())
		if err := p.db.Set(epochKey, p.epoch[:], pebble.Sync); err != nil {
			return storageErr(err, "enumerator: write epoch")
		}
		return nil
	}
	if err != nil {
		return storageErr(err, "enumerator: read epoch")
	}
	defer closer.Close()
	epoch, err := uuid.FromBytes(val)
	if err != nil {
		return storageErr(errors.Join(stub_errors.ErrMalformed, err), "enumerator: bad epoch record")
	}
	p.epoch = epoch
	return nil
}

func (p *Persistent) Epoch() uuid.UUID {
	return p.epoch
}

func (p *Persistent) Size() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.size
}

func (p *Persistent) TryEnumerate(value string) (int, error) {
	if id, ok := p.ids.Load(value); ok {
		return id, nil
	}
	val, closer, err := p.db.Get(valueKey(value))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr(err, "enumerator: lookup")
	}
	id, n := binary.Uvarint(val)
	_ = closer.Close()
	if n <= 0 || id == 0 {
		return 0, storageErr(stub_errors.ErrMalformed, "enumerator: bad id record")
	}
	p.ids.Store(value, int(id))
	return int(id), nil
}

func (p *Persistent) Enumerate(value string) (int, error) {
	id, err := p.TryEnumerate(value)
	if err != nil || id != 0 {
		return id, err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	// someone may have assigned it while we waited
	if id, ok := p.ids.Load(value); ok {
		return id, nil
	}
	id = p.size + 1
	batch := p.db.NewBatch()
	defer batch.Close()
	_ = batch.Set(valueKey(value), binary.AppendUvarint(nil, uint64(id)), nil)
	_ = batch.Set(idKey(id), []byte(value), nil)
	_ = batch.Set(sizeKey, binary.AppendUvarint(nil, uint64(id)), nil)
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, storageErr(err, "enumerator: assign")
	}
	p.size = id
	p.ids.Store(value, id)
	p.values.Store(id, value)
	return id, nil
}

func (p *Persistent) ValueOf(id int) (string, bool, error) {
	if id <= 0 {
		return "", false, nil
	}
	if v, ok := p.values.Load(id); ok {
		return v, true, nil
	}
	val, closer, err := p.db.Get(idKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr(err, "enumerator: value lookup")
	}
	v := string(val)
	_ = closer.Close()
	p.values.Store(id, v)
	return v, true, nil
}

func (p *Persistent) Close() error {
	if err := p.db.Close(); err != nil {
		return storageErr(err, "enumerator: close")
	}
	return nil
}

// PebbleStorage keeps a Persistent enumerator in its own directory.
type PebbleStorage struct {
	Dir     string
	Options *pebble.Options
}

func (s *PebbleStorage) Open() (Table, error) {
	var opts *pebble.Options
	if s.Options != nil {
		opts = s.Options.Clone()
	}
	return OpenPersistent(s.Dir, opts)
}

func (s *PebbleStorage) Destroy() error {
	fs := vfs.Default
	if s.Options != nil && s.Options.FS != nil {
		fs = s.Options.FS
	}
	if err := fs.RemoveAll(s.Dir); err != nil {
		return storageErr(err, "enumerator: destroy "+s.Dir)
	}
	return nil
}
