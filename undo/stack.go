// Package undo keeps a persistent stack of reversible layers over an ordered
// key-value store. Writes go straight to the store; the first write to a key
// inside a layer also saves the key's prior value under the undo prefix, in the
// same atomic batch.
package undo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mezonai/combinedb/db"
	"github.com/mezonai/combinedb/logx"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrNothingToUndo   = errors.New("no undo layer")
	ErrPendingUndo     = errors.New("undo layers are pending")
	ErrReservedKey     = errors.New("key is inside the undo prefix")
	ErrInvalidRevision = errors.New("invalid revision")
)

const (
	tagState  byte = 0x00
	tagRecord byte = 0x01
)

var stateKey = []byte{db.PrefixUndo, tagState}

type record struct {
	Existed bool   `msgpack:"e"`
	Value   []byte `msgpack:"v"`
}

type persistedState struct {
	Revision int64   `msgpack:"revision"`
	Layers   []int64 `msgpack:"layers"`
}

type layer struct {
	revision int64
	touched  map[string]struct{}
}

// Stack is the undo stack. It is not safe for concurrent mutation.
type Stack struct {
	provider db.IterableProvider
	tm       *db.DBTxManager
	revision int64
	layers   []*layer
}

// Open loads the revision and pending layers persisted in provider.
func Open(provider db.IterableProvider) (*Stack, error) {
	s := &Stack{
		provider: provider,
		tm:       db.NewDBTxManager(provider),
	}

	raw, err := provider.Get(stateKey)
	if err != nil {
		return nil, fmt.Errorf("read undo state: %w", err)
	}
	if raw == nil {
		return s, nil
	}

	var st persistedState
	if err := msgpack.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode undo state: %w", err)
	}
	s.revision = st.Revision
	for _, rev := range st.Layers {
		l := &layer{revision: rev, touched: make(map[string]struct{})}
		prefix := recordPrefix(rev)
		err := provider.IteratePrefix(prefix, func(key, _ []byte) bool {
			l.touched[string(key[len(prefix):])] = struct{}{}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("load undo layer %d: %w", rev, err)
		}
		s.layers = append(s.layers, l)
	}
	logx.Info("UNDO_STACK", "opened at revision ", s.revision, " with ", len(s.layers), " pending layers")
	return s, nil
}

func (s *Stack) Revision() int64 { return s.revision }

// Depth is the number of layers that can still be undone.
func (s *Stack) Depth() int { return len(s.layers) }

func (s *Stack) Empty() bool { return len(s.layers) == 0 }

// HasLayer reports whether the layer opened at revision is still pending.
func (s *Stack) HasLayer(revision int64) bool {
	for _, l := range s.layers {
		if l.revision == revision {
			return true
		}
	}
	return false
}

// Provider exposes the underlying store for reads.
func (s *Stack) Provider() db.IterableProvider { return s.provider }

// SetRevision forces the revision. Only valid with no pending layers.
func (s *Stack) SetRevision(revision int64) error {
	if len(s.layers) > 0 {
		return fmt.Errorf("set revision to %d: %w", revision, ErrPendingUndo)
	}
	if revision < 0 {
		return fmt.Errorf("set revision to %d: %w", revision, ErrInvalidRevision)
	}
	err := s.tm.WithBatch(func(batch db.DatabaseBatch) error {
		return s.putState(batch, revision, nil)
	})
	if err != nil {
		return fmt.Errorf("set revision to %d: %w", revision, err)
	}
	s.revision = revision
	return nil
}

// Push opens a new layer at revision+1.
func (s *Stack) Push() error {
	next := s.revision + 1
	revs := append(s.layerRevisions(), next)
	err := s.tm.WithBatch(func(batch db.DatabaseBatch) error {
		return s.putState(batch, next, revs)
	})
	if err != nil {
		return fmt.Errorf("push undo layer %d: %w", next, err)
	}
	s.revision = next
	s.layers = append(s.layers, &layer{revision: next, touched: make(map[string]struct{})})
	return nil
}

func (s *Stack) Get(key []byte) ([]byte, error) {
	return s.provider.Get(key)
}

func (s *Stack) NewIterator(start, limit []byte) db.Iterator {
	return s.provider.NewIterator(start, limit)
}

// Put writes key=value, saving the prior value in the top layer first.
func (s *Stack) Put(key, value []byte) error {
	return s.write(key, func(batch db.DatabaseBatch) { batch.Put(key, value) })
}

// Delete removes key, saving the prior value in the top layer first.
func (s *Stack) Delete(key []byte) error {
	return s.write(key, func(batch db.DatabaseBatch) { batch.Delete(key) })
}

func (s *Stack) write(key []byte, apply func(batch db.DatabaseBatch)) error {
	if len(key) > 0 && key[0] == db.PrefixUndo {
		return fmt.Errorf("%x: %w", key, ErrReservedKey)
	}
	top := s.top()
	recorded := false
	err := s.tm.WithBatch(func(batch db.DatabaseBatch) error {
		if top != nil {
			if _, ok := top.touched[string(key)]; !ok {
				prior, err := s.provider.Get(key)
				if err != nil {
					return err
				}
				raw, err := msgpack.Marshal(&record{Existed: prior != nil, Value: prior})
				if err != nil {
					return err
				}
				batch.Put(recordKey(top.revision, key), raw)
				recorded = true
			}
		}
		apply(batch)
		return nil
	})
	if err != nil {
		return err
	}
	if recorded {
		top.touched[string(key)] = struct{}{}
	}
	return nil
}

// Undo restores the prior values saved in the top layer and drops it.
func (s *Stack) Undo() error {
	top := s.top()
	if top == nil {
		return ErrNothingToUndo
	}
	revs := s.layerRevisions()
	revs = revs[:len(revs)-1]

	err := s.tm.WithBatch(func(batch db.DatabaseBatch) error {
		prefix := recordPrefix(top.revision)
		var decodeErr error
		err := s.provider.IteratePrefix(prefix, func(rk, raw []byte) bool {
			var rec record
			if decodeErr = msgpack.Unmarshal(raw, &rec); decodeErr != nil {
				return false
			}
			key := bytes.Clone(rk[len(prefix):])
			if rec.Existed {
				batch.Put(key, bytes.Clone(rec.Value))
			} else {
				batch.Delete(key)
			}
			batch.Delete(bytes.Clone(rk))
			return true
		})
		if err != nil {
			return err
		}
		if decodeErr != nil {
			return fmt.Errorf("decode undo record: %w", decodeErr)
		}
		return s.putState(batch, s.revision-1, revs)
	})
	if err != nil {
		return fmt.Errorf("undo layer %d: %w", top.revision, err)
	}
	s.layers = s.layers[:len(s.layers)-1]
	s.revision--
	return nil
}

// Squash merges the top layer into the one below. Where both layers saved a
// key, the lower layer's older value is kept. With a single layer the saved
// values are dropped and the changes become permanent.
func (s *Stack) Squash() error {
	top := s.top()
	if top == nil {
		return ErrNothingToUndo
	}
	var prev *layer
	if len(s.layers) > 1 {
		prev = s.layers[len(s.layers)-2]
	}
	revs := s.layerRevisions()
	revs = revs[:len(revs)-1]

	var moved []string
	err := s.tm.WithBatch(func(batch db.DatabaseBatch) error {
		prefix := recordPrefix(top.revision)
		err := s.provider.IteratePrefix(prefix, func(rk, raw []byte) bool {
			key := rk[len(prefix):]
			batch.Delete(bytes.Clone(rk))
			if prev == nil {
				return true
			}
			if _, ok := prev.touched[string(key)]; ok {
				return true
			}
			batch.Put(recordKey(prev.revision, key), bytes.Clone(raw))
			moved = append(moved, string(key))
			return true
		})
		if err != nil {
			return err
		}
		return s.putState(batch, s.revision-1, revs)
	})
	if err != nil {
		return fmt.Errorf("squash layer %d: %w", top.revision, err)
	}
	if prev != nil {
		for _, k := range moved {
			prev.touched[k] = struct{}{}
		}
	}
	s.layers = s.layers[:len(s.layers)-1]
	s.revision--
	return nil
}

// Commit drops the saved values of every layer at or below revision, making
// their changes permanent.
func (s *Stack) Commit(revision int64) error {
	n := 0
	for n < len(s.layers) && s.layers[n].revision <= revision {
		n++
	}
	if n == 0 {
		return nil
	}
	revs := s.layerRevisions()[n:]
	err := s.tm.WithBatch(func(batch db.DatabaseBatch) error {
		for _, l := range s.layers[:n] {
			err := s.provider.IteratePrefix(recordPrefix(l.revision), func(rk, _ []byte) bool {
				batch.Delete(bytes.Clone(rk))
				return true
			})
			if err != nil {
				return err
			}
		}
		return s.putState(batch, s.revision, revs)
	})
	if err != nil {
		return fmt.Errorf("commit up to revision %d: %w", revision, err)
	}
	s.layers = append(s.layers[:0:0], s.layers[n:]...)
	return nil
}

func (s *Stack) top() *layer {
	if len(s.layers) == 0 {
		return nil
	}
	return s.layers[len(s.layers)-1]
}

func (s *Stack) layerRevisions() []int64 {
	revs := make([]int64, len(s.layers))
	for i, l := range s.layers {
		revs[i] = l.revision
	}
	return revs
}

func (s *Stack) putState(batch db.DatabaseBatch, revision int64, layers []int64) error {
	raw, err := msgpack.Marshal(&persistedState{Revision: revision, Layers: layers})
	if err != nil {
		return fmt.Errorf("encode undo state: %w", err)
	}
	batch.Put(stateKey, raw)
	return nil
}

func recordPrefix(revision int64) []byte {
	p := make([]byte, 2+8)
	p[0] = db.PrefixUndo
	p[1] = tagRecord
	binary.BigEndian.PutUint64(p[2:], uint64(revision))
	return p
}

func recordKey(revision int64, key []byte) []byte {
	return append(recordPrefix(revision), key...)
}
