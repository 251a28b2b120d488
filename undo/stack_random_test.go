package undo

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestStack_RandomLayersUndoExactly(t *testing.T) {
	s, p := newStack(t)
	f := fuzz.NewWithSeed(1619).NilChance(0).NumElements(0, 6)

	// history[i] is the store as it was before layer i was pushed
	var history []map[string]string
	for round := 0; round < 60; round++ {
		history = append(history, dump(t, p))
		require.NoError(t, s.Push())

		var writes uint8
		f.Fuzz(&writes)
		for i := 0; i < int(writes%12)+1; i++ {
			var slot uint8
			var erase bool
			f.Fuzz(&slot)
			f.Fuzz(&erase)
			key := []byte{'k', slot % 8}
			if erase {
				require.NoError(t, s.Delete(key))
				continue
			}
			var value []byte
			f.Fuzz(&value)
			require.NoError(t, s.Put(key, value))
		}

		var op uint8
		f.Fuzz(&op)
		switch op % 3 {
		case 0:
			require.NoError(t, s.Undo())
			require.Equal(t, history[len(history)-1], dump(t, p), "round %d", round)
			history = history[:len(history)-1]
		case 1:
			require.NoError(t, s.Squash())
			history = history[:len(history)-1]
		}
		require.Equal(t, len(history), s.Depth())
	}

	for s.Depth() > 0 {
		require.NoError(t, s.Undo())
		require.Equal(t, history[len(history)-1], dump(t, p))
		history = history[:len(history)-1]
	}
	require.Equal(t, 0, countRecords(t, p))
}
