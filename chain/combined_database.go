// Package chain ties the in-memory object store and the ordered key-value
// store into one database whose revisions, sessions and snapshots always cover
// both backends.
package chain

import (
	"errors"
	"fmt"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/db"
	"github.com/mezonai/combinedb/exception"
	"github.com/mezonai/combinedb/kv"
	"github.com/mezonai/combinedb/logx"
	"github.com/mezonai/combinedb/monitoring"
	"github.com/mezonai/combinedb/objectstore"
	"github.com/mezonai/combinedb/undo"
	"github.com/vmihailenco/msgpack/v5"
)

const logCategory = "COMBINED_DB"

var (
	ErrBackingStoreMismatch = errors.New("backing store setting conflicts with existing data")
	ErrPendingUndo          = errors.New("undo layers are pending")
	ErrNoKVStore            = errors.New("no key-value store is configured")
)

// Options configure OpenCombinedDatabase.
type Options struct {
	BackingStore BackingStoreType
	Store        *db.StoreConfig
}

// CombinedDatabase owns both backends. It does no locking: mutating calls
// must come from a single goroutine.
type CombinedDatabase struct {
	objects      *objectstore.Database
	tables       *Tables
	provider     db.IterableProvider
	kvStack      *undo.Stack
	backingStore BackingStoreType
}

// NewCombinedDatabase returns an object-store-only database. Contract rows live
// in the kv_object table.
func NewCombinedDatabase() (*CombinedDatabase, error) {
	return newCombinedDatabase(BackingStoreChainbase)
}

func newCombinedDatabase(backing BackingStoreType) (*CombinedDatabase, error) {
	d := &CombinedDatabase{
		objects:      objectstore.NewDatabase(),
		tables:       newTables(),
		backingStore: backing,
	}
	for _, t := range d.tables.all() {
		if err := d.objects.Register(t); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// OpenCombinedDatabase opens the ordered store described by opts.Store and its
// undo stack. Undo layers left by a previous process have no object-store
// counterpart, so they are reverted and the object store adopts the stack's revision.
func OpenCombinedDatabase(opts Options) (*CombinedDatabase, error) {
	if opts.Store == nil {
		return nil, ErrNoKVStore
	}
	backing := opts.BackingStore
	if backing == "" {
		backing = BackingStoreRocksDB
	}
	d, err := newCombinedDatabase(backing)
	if err != nil {
		return nil, err
	}

	provider, err := db.CreateProvider(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	stack, err := undo.Open(provider)
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("open kv undo stack: %w", err)
	}
	for !stack.Empty() {
		logx.Warn(logCategory, "reverting kv undo layer ", stack.Revision(), " left by a previous run")
		if err := stack.Undo(); err != nil {
			provider.Close()
			return nil, fmt.Errorf("revert stale kv undo layer: %w", err)
		}
	}
	if err := d.objects.SetRevision(stack.Revision()); err != nil {
		provider.Close()
		return nil, err
	}

	d.provider = provider
	d.kvStack = stack
	monitoring.SetRevision(d.Revision())
	logx.Info(logCategory, "opened ", opts.Store.Type, " store at ", opts.Store.Directory,
		", backing store ", backing, ", revision ", d.Revision())
	return d, nil
}

func (d *CombinedDatabase) Tables() *Tables { return d.tables }

func (d *CombinedDatabase) Objects() *objectstore.Database { return d.objects }

// Provider is the ordered store, nil for an object-store-only database.
func (d *CombinedDatabase) Provider() db.IterableProvider { return d.provider }

func (d *CombinedDatabase) BackingStore() BackingStoreType { return d.backingStore }

func (d *CombinedDatabase) Revision() int64 { return d.objects.Revision() }

// UndoDepth is the number of layers Undo can still revert.
func (d *CombinedDatabase) UndoDepth() int { return d.objects.UndoDepth() }

// CheckBackingStoreSetting compares the backing store recorded in the database
// header with the configured one. Switching away from a backend that still
// holds contract rows would leave those rows unreachable, so it is refused.
// Otherwise the header is updated to the configured value.
//
// The object store lives in memory, so the header is also kept in the meta
// region of the key-value store and reloaded from there after a restart.
func (d *CombinedDatabase) CheckBackingStoreSetting() error {
	header, ok, err := d.header()
	if err != nil {
		return err
	}
	if !ok {
		return d.recordBackingStore()
	}
	if header.BackingStore == d.backingStore {
		return nil
	}

	switch header.BackingStore {
	case BackingStoreRocksDB:
		if d.provider == nil {
			return fmt.Errorf("recorded %s, configured %s, and the key-value store is not open: %w",
				header.BackingStore, d.backingStore, ErrBackingStoreMismatch)
		}
		has, err := kv.HasContractRows(d.provider)
		if err != nil {
			return fmt.Errorf("scan contract rows: %w", err)
		}
		if has {
			return fmt.Errorf("recorded %s, configured %s, contract rows exist in the key-value store: %w",
				header.BackingStore, d.backingStore, ErrBackingStoreMismatch)
		}
	case BackingStoreChainbase:
		if d.tables.KV.Size() > 0 {
			return fmt.Errorf("recorded %s, configured %s, %d contract rows exist in the object store: %w",
				header.BackingStore, d.backingStore, d.tables.KV.Size(), ErrBackingStoreMismatch)
		}
	}

	logx.Info(logCategory, "switching backing store from ", header.BackingStore, " to ", d.backingStore)
	return d.recordBackingStore()
}

// header returns the database header row, loading it from the key-value store
// when the object store has none.
func (d *CombinedDatabase) header() (DatabaseHeader, bool, error) {
	if h, ok := first(d.tables.Header); ok {
		return h, true, nil
	}
	if d.provider == nil {
		return DatabaseHeader{}, false, nil
	}
	raw, err := d.provider.Get(db.MetaKeyDatabaseHeader)
	if err != nil {
		return DatabaseHeader{}, false, fmt.Errorf("read database header: %w", err)
	}
	if raw == nil {
		return DatabaseHeader{}, false, nil
	}
	var h DatabaseHeader
	if err := msgpack.Unmarshal(raw, &h); err != nil {
		return DatabaseHeader{}, false, fmt.Errorf("decode database header: %w", err)
	}
	stored, err := d.tables.Header.Emplace(func(row *DatabaseHeader) {
		row.Version = h.Version
		row.BackingStore = h.BackingStore
	})
	if err != nil {
		return DatabaseHeader{}, false, err
	}
	return stored, true, nil
}

// recordBackingStore writes the configured backing store into the header row
// and, when there is one, the key-value store.
func (d *CombinedDatabase) recordBackingStore() error {
	var (
		stored DatabaseHeader
		err    error
	)
	if h, ok := first(d.tables.Header); ok {
		err = d.tables.Header.Modify(h.ID, func(row *DatabaseHeader) { row.BackingStore = d.backingStore })
		stored, _ = first(d.tables.Header)
	} else {
		stored, err = d.tables.Header.Emplace(func(row *DatabaseHeader) {
			row.Version = DatabaseHeaderVersion
			row.BackingStore = d.backingStore
		})
	}
	if err != nil || d.provider == nil {
		return err
	}
	raw, err := msgpack.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode database header: %w", err)
	}
	if err := d.provider.Put(db.MetaKeyDatabaseHeader, raw); err != nil {
		return fmt.Errorf("write database header: %w", err)
	}
	return nil
}

// MakeSession opens a layer on both backends at revision+1.
func (d *CombinedDatabase) MakeSession() *CombinedSession {
	objects := d.objects.StartUndoSession(true)
	if d.kvStack != nil {
		exception.Guard(logCategory, "push kv undo layer", d.kvStack.Push)
	}
	d.checkRevisions("make session")
	return &CombinedSession{db: d, objects: objects, kv: d.kvStack}
}

// MakeNoOpSession returns a session that owns no layers.
func (d *CombinedDatabase) MakeNoOpSession() *CombinedSession {
	return &CombinedSession{db: d}
}

// SetRevision forces both revisions to revision. Only valid with nothing to undo.
func (d *CombinedDatabase) SetRevision(revision int64) error {
	if d.objects.UndoDepth() > 0 || (d.kvStack != nil && !d.kvStack.Empty()) {
		return fmt.Errorf("set revision to %d: %w", revision, ErrPendingUndo)
	}
	if d.kvStack != nil {
		if err := d.kvStack.SetRevision(revision); err != nil {
			return err
		}
	}
	exception.Must(logCategory, "set object store revision", d.objects.SetRevision(revision))
	d.checkRevisions("set revision")
	return nil
}

// Undo reverts the latest layer of both backends. It reports false when
// there is nothing to undo.
func (d *CombinedDatabase) Undo() bool {
	if d.objects.UndoDepth() == 0 {
		if d.kvStack != nil && !d.kvStack.Empty() {
			exception.Fatal(logCategory, "kv undo stack has ", d.kvStack.Depth(), " layers, object store has none")
		}
		return false
	}
	if d.kvStack != nil {
		exception.Guard(logCategory, "undo kv undo layer", d.kvStack.Undo)
	}
	d.objects.Undo()
	d.checkRevisions("undo")
	return true
}

// Commit makes every layer at or below revision permanent on both backends.
func (d *CombinedDatabase) Commit(revision int64) {
	if d.kvStack != nil {
		exception.Guard(logCategory, "commit kv undo stack", func() error {
			return d.kvStack.Commit(revision)
		})
	}
	d.objects.Commit(revision)
	monitoring.IncreaseCommitCount()
}

// Flush makes the key-value store durable. The object store lives in memory
// and has nothing to flush.
func (d *CombinedDatabase) Flush() error {
	if d.provider == nil {
		return nil
	}
	if err := d.provider.Flush(); err != nil {
		return fmt.Errorf("flush kv store: %w", err)
	}
	return nil
}

// CreateKVContext returns receiver's view of its contract rows in whichever
// backend the database is configured for.
func (d *CombinedDatabase) CreateKVContext(receiver common.Name, rm kv.ResourceManager, limits kv.Limits) (kv.Context, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if d.backingStore == BackingStoreRocksDB {
		if d.kvStack == nil {
			return nil, ErrNoKVStore
		}
		return kv.NewStoreContext(d.kvStack, receiver, rm, limits), nil
	}
	return kv.NewObjectContext(d.tables.KV, receiver, rm, limits), nil
}

// KVLimits returns the limits recorded in kv_db_config, or the defaults when
// none are recorded.
func (d *CombinedDatabase) KVLimits() kv.Limits {
	if c, ok := first(d.tables.KVDBConfig); ok {
		return c.Limits
	}
	return kv.DefaultLimits()
}

// SetKVLimits records limits in kv_db_config.
func (d *CombinedDatabase) SetKVLimits(limits kv.Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	c, ok := first(d.tables.KVDBConfig)
	if !ok {
		_, err := d.tables.KVDBConfig.Emplace(func(c *KVDBConfig) { c.Limits = limits })
		return err
	}
	return d.tables.KVDBConfig.Modify(c.ID, func(c *KVDBConfig) { c.Limits = limits })
}

// Close closes the key-value store.
func (d *CombinedDatabase) Close() error {
	if d.provider == nil {
		return nil
	}
	err := d.provider.Close()
	d.provider = nil
	d.kvStack = nil
	return err
}

func (d *CombinedDatabase) checkRevisions(op string) {
	revision := d.objects.Revision()
	if d.kvStack != nil && d.kvStack.Revision() != revision {
		exception.Fatal(logCategory, "revisions diverged after ", op, ": object store ", revision,
			", kv undo stack ", d.kvStack.Revision())
	}
	monitoring.SetRevision(revision)
}
