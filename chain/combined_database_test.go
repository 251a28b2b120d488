package chain

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/db"
	"github.com/mezonai/combinedb/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombinedDatabase_UndoneOverwriteKeepsPushedValue(t *testing.T) {
	eachBackingStore(t, func(t *testing.T, d *CombinedDatabase) {
		first := d.MakeSession()
		set(t, kvContext(t, d, token), "a", "1")
		first.Push()

		second := d.MakeSession()
		set(t, kvContext(t, d, token), "a", "2")
		v, _ := get(t, kvContext(t, d, token), "a")
		assert.Equal(t, "2", v)
		second.Undo()

		v, ok := get(t, kvContext(t, d, token), "a")
		require.True(t, ok)
		assert.Equal(t, "1", v)
		assert.Equal(t, int64(1), d.Revision())
	})
}

func TestCombinedDatabase_UndoRestoresBothBackendsExactly(t *testing.T) {
	eachBackingStore(t, func(t *testing.T, d *CombinedDatabase) {
		seedChainState(t, d)
		before := captureState(t, d)

		s := d.MakeSession()
		c := kvContext(t, d, token)
		set(t, c, "supply", "changed")
		set(t, c, "new", "row")
		_, err := c.Erase([]byte("balance/bob"))
		require.NoError(t, err)
		_, err = d.Tables().Account.Emplace(func(a *Account) { a.Name = common.MustName("carol") })
		require.NoError(t, err)
		require.NoError(t, d.Tables().DynamicGlobalProperty.Modify(0, func(p *DynamicGlobalProperty) { p.GlobalActionSequence++ }))
		s.Undo()

		assert.Equal(t, before, captureState(t, d))
	})
}

func TestCombinedDatabase_RevisionsStayEqual(t *testing.T) {
	d := openHybrid(t)
	rng := rand.New(rand.NewSource(7))
	var open []*CombinedSession

	for step := 0; step < 200; step++ {
		switch op := rng.Intn(5); {
		case op < 2 || len(open) == 0:
			open = append(open, d.MakeSession())
			set(t, kvContext(t, d, token), "k", string(rune('a'+step%26)))
		default:
			s := open[len(open)-1]
			open = open[:len(open)-1]
			switch op {
			case 2:
				s.Push()
			case 3:
				s.Squash()
			default:
				s.Undo()
			}
		}
		require.Equal(t, d.objects.Revision(), d.kvStack.Revision(), "step %d", step)
		require.Equal(t, d.objects.UndoDepth(), d.kvStack.Depth(), "step %d", step)
	}
}

func TestCombinedDatabase_CommitIsIrreversible(t *testing.T) {
	eachBackingStore(t, func(t *testing.T, d *CombinedDatabase) {
		for _, v := range []string{"1", "2", "3"} {
			s := d.MakeSession()
			set(t, kvContext(t, d, token), "a", v)
			s.Push()
		}
		d.Commit(2)
		assert.Equal(t, 1, d.UndoDepth())

		require.True(t, d.Undo())
		v, _ := get(t, kvContext(t, d, token), "a")
		assert.Equal(t, "2", v)

		assert.False(t, d.Undo(), "revisions at or below the commit point cannot be undone")
		v, _ = get(t, kvContext(t, d, token), "a")
		assert.Equal(t, "2", v)
		assert.Equal(t, int64(2), d.Revision())
	})
}

func TestCombinedSession_CommittedLayerIsLeftAlone(t *testing.T) {
	eachBackingStore(t, func(t *testing.T, d *CombinedDatabase) {
		s := d.MakeSession()
		set(t, kvContext(t, d, token), "a", "1")
		d.Commit(s.Revision())
		s.Close()

		v, ok := get(t, kvContext(t, d, token), "a")
		require.True(t, ok)
		assert.Equal(t, "1", v)
		assert.Equal(t, int64(1), d.Revision())
		assert.Equal(t, 0, d.UndoDepth())
		assert.False(t, s.Active())

		s = d.MakeSession()
		set(t, kvContext(t, d, token), "a", "2")
		d.Commit(d.Revision())
		s.Squash()
		v, _ = get(t, kvContext(t, d, token), "a")
		assert.Equal(t, "2", v)
		assert.Equal(t, int64(2), d.Revision())
	})
}

func TestCombinedSession_TerminalCallsAreExclusive(t *testing.T) {
	d := openHybrid(t)

	s := d.MakeSession()
	s.Push()
	assert.False(t, s.Active())
	assert.Panics(t, s.Undo)
	assert.Panics(t, s.Push)
	assert.Panics(t, s.Squash)
	assert.NotPanics(t, s.Close, "close after a terminal call does nothing")
	assert.Equal(t, int64(1), d.Revision())

	s = d.MakeSession()
	s.Close()
	assert.Panics(t, s.Push, "close finalized the session")
	assert.Equal(t, int64(1), d.Revision())
}

func TestCombinedSession_CloseUndoes(t *testing.T) {
	eachBackingStore(t, func(t *testing.T, d *CombinedDatabase) {
		func() {
			s := d.MakeSession()
			defer s.Close()
			set(t, kvContext(t, d, token), "temp", "x")
		}()
		_, ok := get(t, kvContext(t, d, token), "temp")
		assert.False(t, ok)
		assert.Equal(t, int64(0), d.Revision())
	})
}

func TestCombinedSession_SquashMergesIntoParent(t *testing.T) {
	eachBackingStore(t, func(t *testing.T, d *CombinedDatabase) {
		outer := d.MakeSession()
		set(t, kvContext(t, d, token), "a", "outer")
		inner := d.MakeSession()
		set(t, kvContext(t, d, token), "a", "inner")
		set(t, kvContext(t, d, token), "b", "inner")
		inner.Squash()
		assert.Equal(t, int64(1), d.Revision())

		v, _ := get(t, kvContext(t, d, token), "a")
		assert.Equal(t, "inner", v)

		outer.Undo()
		_, ok := get(t, kvContext(t, d, token), "a")
		assert.False(t, ok)
		_, ok = get(t, kvContext(t, d, token), "b")
		assert.False(t, ok)
	})
}

func TestCombinedSession_NoOp(t *testing.T) {
	d := openHybrid(t)
	s := d.MakeNoOpSession()
	assert.Equal(t, int64(0), s.Revision())
	set(t, kvContext(t, d, token), "kept", "1")
	s.Undo()
	_, ok := get(t, kvContext(t, d, token), "kept")
	assert.True(t, ok)
	assert.Equal(t, int64(0), d.Revision())
	assert.Panics(t, s.Push)
}

func TestCombinedDatabase_SetRevision(t *testing.T) {
	d := openHybrid(t)
	require.NoError(t, d.SetRevision(100))
	assert.Equal(t, int64(100), d.kvStack.Revision())

	s := d.MakeSession()
	assert.Equal(t, int64(101), s.Revision())
	assert.True(t, errors.Is(d.SetRevision(5), ErrPendingUndo))
	s.Undo()
	require.NoError(t, d.SetRevision(5))
	assert.Equal(t, int64(5), d.Revision())
}

func TestCombinedDatabase_DivergedRevisionsAreFatal(t *testing.T) {
	d := openHybrid(t)
	require.NoError(t, d.kvStack.Push())
	requireFatal(t, func() { d.MakeSession() })
}

func TestCombinedDatabase_KVFailureInsideTransitionIsFatal(t *testing.T) {
	d := openHybrid(t)
	s := d.MakeSession()
	// the kv layer disappears behind the session's back
	require.NoError(t, d.kvStack.Squash())
	requireFatal(t, s.Undo)
}

func TestCombinedDatabase_ResourceLimitRejectionLeavesNoTrace(t *testing.T) {
	eachBackingStore(t, func(t *testing.T, d *CombinedDatabase) {
		rl := NewResourceLimitsManager(d)
		require.NoError(t, rl.SetRAMQuota(bob, 200))
		c, err := d.CreateKVContext(token, rl, kv.DefaultLimits())
		require.NoError(t, err)

		_, err = c.Set([]byte("k"), []byte("small"), bob)
		require.NoError(t, err)
		before := captureState(t, d)

		_, err = c.Set([]byte("k"), make([]byte, 150), bob)
		assert.True(t, errors.Is(err, kv.ErrInsufficientRAM))
		_, err = c.Set([]byte("k2"), []byte("x"), bob)
		assert.True(t, errors.Is(err, kv.ErrInsufficientRAM))
		assert.Equal(t, before, captureState(t, d))

		v, _ := get(t, c, "k")
		assert.Equal(t, "small", v)
	})
}

func TestCombinedDatabase_KVUsageFollowsSessions(t *testing.T) {
	eachBackingStore(t, func(t *testing.T, d *CombinedDatabase) {
		rl := NewResourceLimitsManager(d)
		c, err := d.CreateKVContext(token, rl, kv.DefaultLimits())
		require.NoError(t, err)

		s := d.MakeSession()
		_, err = c.Set([]byte("k"), []byte("value"), alice)
		require.NoError(t, err)
		usage, _ := rl.RAMUsage(alice)
		assert.Equal(t, kv.BillableSize([]byte("k"), []byte("value")), usage)
		s.Undo()

		usage, _ = rl.RAMUsage(alice)
		assert.Equal(t, int64(0), usage)
	})
}

func TestCombinedDatabase_CreateKVContextPicksBackend(t *testing.T) {
	hybrid := openHybrid(t)
	c := kvContext(t, hybrid, token)
	assert.IsType(t, &kv.StoreContext{}, c)

	memory := openMemory(t)
	c = kvContext(t, memory, token)
	assert.IsType(t, &kv.ObjectContext{}, c)

	_, err := memory.CreateKVContext(token, NewResourceLimitsManager(memory), kv.Limits{})
	assert.Error(t, err)
}

func TestCombinedDatabase_KVLimitsDefaultAndRecorded(t *testing.T) {
	d := openMemory(t)
	assert.Equal(t, kv.DefaultLimits(), d.KVLimits())
	limits := kv.Limits{MaxKeySize: 8, MaxValueSize: 8, MaxIterators: 1}
	require.NoError(t, d.SetKVLimits(limits))
	require.NoError(t, d.SetKVLimits(limits))
	assert.Equal(t, limits, d.KVLimits())
	assert.Equal(t, 1, d.Tables().KVDBConfig.Size())
}

func TestCombinedDatabase_FlushAndReopen(t *testing.T) {
	dir := t.TempDir()
	d := openDir(t, dir, BackingStoreRocksDB)
	require.NoError(t, d.CheckBackingStoreSetting())

	s := d.MakeSession()
	set(t, kvContext(t, d, token), "a", "committed")
	s.Push()
	d.Commit(d.Revision())

	s = d.MakeSession()
	set(t, kvContext(t, d, token), "a", "reversible")
	s.Push()
	require.NoError(t, d.Flush())
	require.NoError(t, d.Close())

	d = openDir(t, dir, BackingStoreRocksDB)
	defer d.Close()
	assert.Equal(t, int64(1), d.Revision(), "stale layers are reverted on open")
	assert.Equal(t, d.Revision(), d.kvStack.Revision())
	v, _ := get(t, kvContext(t, d, token), "a")
	assert.Equal(t, "committed", v)
}

func TestCombinedDatabase_BoltStore(t *testing.T) {
	d, err := OpenCombinedDatabase(Options{
		BackingStore: BackingStoreRocksDB,
		Store:        &db.StoreConfig{Type: db.BoltStoreType, Directory: t.TempDir(), CreateIfMissing: true},
	})
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.CheckBackingStoreSetting())

	s := d.MakeSession()
	set(t, kvContext(t, d, token), "a", "1")
	s.Push()
	s = d.MakeSession()
	set(t, kvContext(t, d, token), "a", "2")
	set(t, kvContext(t, d, token), "b", "2")
	s.Undo()

	assert.Equal(t, []contractEntry{{Key: "a", Value: "1", Payer: alice}}, contractRows(t, d, token))
	assert.Equal(t, int64(1), d.Revision())
}
