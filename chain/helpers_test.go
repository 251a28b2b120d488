package chain

import (
	"bytes"
	"testing"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/db"
	"github.com/mezonai/combinedb/exception"
	"github.com/mezonai/combinedb/kv"
	"github.com/mezonai/combinedb/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.MustName("alice")
	bob   = common.MustName("bob")
	token = common.MustName("eosio.token")
)

type fatalExit struct{ code int }

// requireFatal runs fn with an exit handler that panics, and requires fn to reach it.
func requireFatal(t *testing.T, fn func()) {
	t.Helper()
	restore := exception.SetExitHandler(func(code int) { panic(fatalExit{code: code}) })
	defer restore()
	assert.Panics(t, fn)
}

func openHybrid(t *testing.T) *CombinedDatabase {
	t.Helper()
	d, err := OpenCombinedDatabase(Options{
		BackingStore: BackingStoreRocksDB,
		Store:        &db.StoreConfig{Type: db.MemoryStoreType},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.CheckBackingStoreSetting())
	return d
}

func openMemory(t *testing.T) *CombinedDatabase {
	t.Helper()
	d, err := NewCombinedDatabase()
	require.NoError(t, err)
	require.NoError(t, d.CheckBackingStoreSetting())
	return d
}

func openDir(t *testing.T, dir string, backing BackingStoreType) *CombinedDatabase {
	t.Helper()
	d, err := OpenCombinedDatabase(Options{
		BackingStore: backing,
		Store:        &db.StoreConfig{Type: db.LevelDBStoreType, Directory: dir, CreateIfMissing: true},
	})
	require.NoError(t, err)
	return d
}

// eachBackingStore runs fn against a hybrid and an object-store-only database.
func eachBackingStore(t *testing.T, fn func(t *testing.T, d *CombinedDatabase)) {
	t.Run("rocksdb", func(t *testing.T) { fn(t, openHybrid(t)) })
	t.Run("chainbase", func(t *testing.T) { fn(t, openMemory(t)) })
}

func kvContext(t *testing.T, d *CombinedDatabase, receiver common.Name) kv.Context {
	t.Helper()
	c, err := d.CreateKVContext(receiver, NewResourceLimitsManager(d), kv.DefaultLimits())
	require.NoError(t, err)
	return c
}

func get(t *testing.T, c kv.Context, key string) (string, bool) {
	t.Helper()
	v, ok, err := c.Get([]byte(key))
	require.NoError(t, err)
	return string(v), ok
}

func set(t *testing.T, c kv.Context, key, value string) {
	t.Helper()
	_, err := c.Set([]byte(key), []byte(value), alice)
	require.NoError(t, err)
}

// state captures both backends: every table row and every key outside the undo region.
type state struct {
	tables map[string][]any
	store  map[string]string
}

func captureState(t *testing.T, d *CombinedDatabase) state {
	t.Helper()
	st := state{tables: map[string][]any{}, store: map[string]string{}}
	for _, tbl := range d.Objects().Tables() {
		var rows []any
		tbl.WalkAny(func(row any) bool {
			rows = append(rows, row)
			return true
		})
		st.tables[tbl.Name()] = rows
	}
	if p := d.Provider(); p != nil {
		it := p.NewIterator(nil, nil)
		defer it.Release()
		for it.Next() {
			if bytes.HasPrefix(it.Key(), kv.UndoPrefix()) {
				continue
			}
			st.store[string(it.Key())] = string(it.Value())
		}
		require.NoError(t, it.Error())
	}
	return st
}

func seedChainState(t *testing.T, d *CombinedDatabase) {
	t.Helper()
	tables := d.Tables()
	_, err := tables.GlobalProperty.Emplace(func(p *GlobalProperty) {
		p.ChainID = []byte{0xc0, 0xff, 0xee}
		p.Configuration = ChainConfig{MaxBlockNetUsage: 1 << 20, MaxBlockCPUUsage: 200000, MaxTransactionLifetime: 3600}
	})
	require.NoError(t, err)
	_, err = tables.DynamicGlobalProperty.Emplace(func(p *DynamicGlobalProperty) { p.GlobalActionSequence = 77 })
	require.NoError(t, err)
	for _, n := range []common.Name{alice, bob, token} {
		_, err := tables.Account.Emplace(func(a *Account) { a.Name = n; a.CreationDate = 1000 })
		require.NoError(t, err)
		_, err = tables.AccountMetadata.Emplace(func(m *AccountMetadata) { m.Name = n; m.RecvSequence = 3 })
		require.NoError(t, err)
	}
	_, err = tables.Code.Emplace(func(c *Code) { c.CodeHash = []byte{1, 2, 3}; c.Code = []byte("wasm"); c.RefCount = 1 })
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := tables.BlockSummary.Emplace(func(b *BlockSummary) { b.BlockID = []byte{byte(i)} })
		require.NoError(t, err)
	}
	require.NoError(t, d.SetKVLimits(kv.Limits{MaxKeySize: 512, MaxValueSize: 4096, MaxIterators: 16}))

	auth := NewAuthorizationManager(d)
	_, err = auth.CreatePermission(alice, common.MustName("owner"), 0, 1, []string{"KEY1"})
	require.NoError(t, err)
	_, err = auth.CreatePermission(alice, common.MustName("active"), common.MustName("owner"), 1, []string{"KEY2"})
	require.NoError(t, err)

	rl := NewResourceLimitsManager(d)
	require.NoError(t, rl.SetRAMQuota(bob, 1<<20))

	c, err := d.CreateKVContext(token, rl, kv.DefaultLimits())
	require.NoError(t, err)
	for _, k := range []string{"balance/alice", "balance/bob", "supply", "empty"} {
		v := []byte("v:" + k)
		if k == "empty" {
			v = nil
		}
		_, err := c.Set([]byte(k), v, alice)
		require.NoError(t, err)
	}
	other, err := d.CreateKVContext(bob, rl, kv.DefaultLimits())
	require.NoError(t, err)
	_, err = other.Set([]byte("x"), []byte("y"), bob)
	require.NoError(t, err)
}

type contractEntry struct {
	Key   string
	Value string
	Payer common.Name
}

func contractRows(t *testing.T, d *CombinedDatabase, receiver common.Name) []contractEntry {
	t.Helper()
	c := kvContext(t, d, receiver)
	it, err := c.Iterate(nil)
	require.NoError(t, err)
	defer it.Close()
	var out []contractEntry
	for it.Next() {
		out = append(out, contractEntry{Key: string(it.Key()), Value: string(it.Value()), Payer: it.Payer()})
	}
	require.NoError(t, it.Error())
	return out
}

func tableRows(t objectstore.AnyTable) []any {
	var rows []any
	t.WalkAny(func(row any) bool {
		rows = append(rows, row)
		return true
	})
	return rows
}
