package undo

import (
	"errors"
	"testing"

	"github.com/mezonai/combinedb/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStack(t *testing.T) (*Stack, db.IterableProvider) {
	t.Helper()
	p, err := db.NewMemLevelDBProvider()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	s, err := Open(p)
	require.NoError(t, err)
	return s, p
}

// dump returns every key outside the undo prefix.
func dump(t *testing.T, p db.IterableProvider) map[string]string {
	t.Helper()
	out := map[string]string{}
	it := p.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		if it.Key()[0] == db.PrefixUndo {
			continue
		}
		out[string(it.Key())] = string(it.Value())
	}
	require.NoError(t, it.Error())
	return out
}

func countRecords(t *testing.T, p db.IterableProvider) int {
	t.Helper()
	n := 0
	require.NoError(t, p.IteratePrefix([]byte{db.PrefixUndo, tagRecord}, func(_, _ []byte) bool {
		n++
		return true
	}))
	return n
}

func TestStack_UndoRestoresExactPriorState(t *testing.T) {
	s, p := newStack(t)
	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))
	require.NoError(t, s.Put([]byte("empty"), []byte{}))
	before := dump(t, p)

	require.NoError(t, s.Push())
	assert.Equal(t, int64(1), s.Revision())
	require.NoError(t, s.Put([]byte("a"), []byte("10")))
	require.NoError(t, s.Put([]byte("a"), []byte("11")))
	require.NoError(t, s.Delete([]byte("b")))
	require.NoError(t, s.Put([]byte("c"), []byte("3")))
	require.NoError(t, s.Delete([]byte("empty")))
	require.NoError(t, s.Delete([]byte("never-existed")))

	require.NoError(t, s.Undo())
	assert.Equal(t, int64(0), s.Revision())
	assert.Equal(t, before, dump(t, p))
	assert.Equal(t, 0, countRecords(t, p))

	v, err := s.Get([]byte("empty"))
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestStack_UndoWithoutLayer(t *testing.T) {
	s, _ := newStack(t)
	assert.True(t, errors.Is(s.Undo(), ErrNothingToUndo))
	assert.True(t, errors.Is(s.Squash(), ErrNothingToUndo))
}

func TestStack_SquashKeepsOlderPriorValue(t *testing.T) {
	s, p := newStack(t)
	require.NoError(t, s.Put([]byte("k"), []byte("base")))
	before := dump(t, p)

	require.NoError(t, s.Push())
	require.NoError(t, s.Put([]byte("k"), []byte("first")))
	require.NoError(t, s.Push())
	require.NoError(t, s.Put([]byte("k"), []byte("second")))
	require.NoError(t, s.Put([]byte("new"), []byte("x")))

	require.NoError(t, s.Squash())
	assert.Equal(t, int64(1), s.Revision())
	assert.Equal(t, 1, s.Depth())

	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), v)

	require.NoError(t, s.Undo())
	assert.Equal(t, before, dump(t, p))
}

func TestStack_SquashSingleLayerMakesChangesPermanent(t *testing.T) {
	s, p := newStack(t)
	require.NoError(t, s.Push())
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	require.NoError(t, s.Squash())

	assert.Equal(t, int64(0), s.Revision())
	assert.True(t, s.Empty())
	assert.Equal(t, 0, countRecords(t, p))
	assert.Equal(t, map[string]string{"k": "v"}, dump(t, p))
}

func TestStack_CommitDropsHistory(t *testing.T) {
	s, p := newStack(t)
	for i, v := range []string{"1", "2", "3"} {
		require.NoError(t, s.Push())
		assert.Equal(t, int64(i+1), s.Revision())
		require.NoError(t, s.Put([]byte("k"), []byte(v)))
	}

	require.NoError(t, s.Commit(2))
	assert.Equal(t, 1, s.Depth())
	assert.Equal(t, int64(3), s.Revision())
	assert.Equal(t, 1, countRecords(t, p))

	require.NoError(t, s.Undo())
	v, _ := s.Get([]byte("k"))
	assert.Equal(t, []byte("2"), v)
	assert.True(t, errors.Is(s.Undo(), ErrNothingToUndo))

	require.NoError(t, s.Commit(100), "commit past the top is a no-op")
}

func TestStack_SetRevision(t *testing.T) {
	s, _ := newStack(t)
	require.NoError(t, s.SetRevision(10))
	assert.Equal(t, int64(10), s.Revision())
	assert.True(t, errors.Is(s.SetRevision(-1), ErrInvalidRevision))

	require.NoError(t, s.Push())
	assert.Equal(t, int64(11), s.Revision())
	assert.True(t, errors.Is(s.SetRevision(3), ErrPendingUndo))
}

func TestStack_RejectsWritesIntoUndoPrefix(t *testing.T) {
	s, _ := newStack(t)
	err := s.Put([]byte{db.PrefixUndo, 0x01}, []byte("x"))
	assert.True(t, errors.Is(err, ErrReservedKey))
}

func TestStack_ReopenRestoresPendingLayers(t *testing.T) {
	dir := t.TempDir()
	p, err := db.NewLevelDBProvider(dir, db.LevelDBOptions{CreateIfMissing: true})
	require.NoError(t, err)
	s, err := Open(p)
	require.NoError(t, err)

	require.NoError(t, s.Put([]byte("a"), []byte("0")))
	require.NoError(t, s.Push())
	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Push())
	require.NoError(t, s.Put([]byte("a"), []byte("2")))
	require.NoError(t, p.Close())

	p, err = db.NewLevelDBProvider(dir, db.LevelDBOptions{})
	require.NoError(t, err)
	defer p.Close()
	s, err = Open(p)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Revision())
	assert.Equal(t, 2, s.Depth())

	// the reloaded layer already saved "a", so this write must not overwrite the record
	require.NoError(t, s.Put([]byte("a"), []byte("3")))
	require.NoError(t, s.Undo())
	v, _ := s.Get([]byte("a"))
	assert.Equal(t, []byte("1"), v)
	require.NoError(t, s.Undo())
	v, _ = s.Get([]byte("a"))
	assert.Equal(t, []byte("0"), v)
}

func TestStack_HasLayerFollowsCommit(t *testing.T) {
	s, _ := newStack(t)
	require.NoError(t, s.Push())
	require.NoError(t, s.Push())
	assert.True(t, s.HasLayer(1))
	assert.True(t, s.HasLayer(2))

	require.NoError(t, s.Commit(1))
	assert.False(t, s.HasLayer(1))
	assert.True(t, s.HasLayer(2))
	assert.False(t, s.HasLayer(3))
}
