package chain

import (
	"errors"
	"testing"

	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/kv"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unbilled struct{}

func (unbilled) UpdateUsage(common.Name, int64) error { return nil }

func TestBackingStore_SwitchRefusedWhileStoreHoldsRows(t *testing.T) {
	dir := t.TempDir()

	d := openDir(t, dir, BackingStoreRocksDB)
	require.NoError(t, d.CheckBackingStoreSetting())
	set(t, kvContext(t, d, token), "a", "1")
	require.NoError(t, d.Close())

	d = openDir(t, dir, BackingStoreChainbase)
	err := d.CheckBackingStoreSetting()
	assert.True(t, errors.Is(err, ErrBackingStoreMismatch), "header survives the restart")
	require.NoError(t, d.Close())

	d = openDir(t, dir, BackingStoreRocksDB)
	require.NoError(t, d.CheckBackingStoreSetting())
	// usage rows live in memory and did not survive the restart
	c, err := d.CreateKVContext(token, unbilled{}, kv.DefaultLimits())
	require.NoError(t, err)
	_, err = c.Erase([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d = openDir(t, dir, BackingStoreChainbase)
	require.NoError(t, d.CheckBackingStoreSetting(), "an empty store can be switched away from")
	header, ok := first(d.Tables().Header)
	require.True(t, ok)
	assert.Equal(t, BackingStoreChainbase, header.BackingStore)
	require.NoError(t, d.Close())
}

func TestBackingStore_SwitchRefusedWhileObjectStoreHoldsRows(t *testing.T) {
	d := openMemory(t)
	set(t, kvContext(t, d, token), "a", "1")

	d.backingStore = BackingStoreRocksDB
	assert.True(t, errors.Is(d.CheckBackingStoreSetting(), ErrBackingStoreMismatch))

	empty := openMemory(t)
	empty.backingStore = BackingStoreRocksDB
	require.NoError(t, empty.CheckBackingStoreSetting())
	header, ok := first(empty.Tables().Header)
	require.True(t, ok)
	assert.Equal(t, BackingStoreRocksDB, header.BackingStore)
}

func TestBackingStore_Parse(t *testing.T) {
	for in, want := range map[string]BackingStoreType{"chainbase": BackingStoreChainbase, "rocksdb": BackingStoreRocksDB, "": BackingStoreChainbase} {
		got, err := ParseBackingStore(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseBackingStore("lmdb")
	assert.Error(t, err)
}
