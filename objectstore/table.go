package objectstore

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

var (
	ErrNotFound        = errors.New("object not found")
	ErrUniqueViolation = errors.New("unique index violation")
	ErrUnknownIndex    = errors.New("unknown index")
	ErrWrongRowType    = errors.New("row has the wrong type for this table")
)

// ID is the primary key of every row. IDs are assigned by the table in increasing order.
type ID uint64

// Object is implemented by embedding Base in a row struct.
type Object interface {
	ObjectID() ID
	setObjectID(id ID)
}

// Base carries the primary key of a row.
type Base struct {
	ID ID `msgpack:"id"`
}

func (b Base) ObjectID() ID { return b.ID }

func (b *Base) setObjectID(id ID) { b.ID = id }

// AnyTable is the type-erased view of a table used by the database and by snapshots.
type AnyTable interface {
	Name() string
	Size() int
	// WalkAny visits copies of all rows in primary key order; each row is a *T.
	WalkAny(fn func(row any) bool)
	// NewRow returns a zero *T suitable for decoding.
	NewRow() any
	// InsertAny inserts a decoded *T keeping its ID. Only valid without undo layers.
	InsertAny(row any) error
	// Clear drops all rows. Only valid without undo layers.
	Clear() error

	pushUndo(revision int64)
	undo()
	squash()
	commit(revision int64)
	undoDepth() int
}

type uniqueIndex[T any] struct {
	name  string
	keyFn func(*T) string
	ids   map[string]ID
	keys  []string // sorted keys of ids
}

func (idx *uniqueIndex[T]) put(key string, id ID) {
	if _, ok := idx.ids[key]; !ok {
		i, _ := slices.BinarySearch(idx.keys, key)
		idx.keys = slices.Insert(idx.keys, i, key)
	}
	idx.ids[key] = id
}

func (idx *uniqueIndex[T]) drop(key string) {
	delete(idx.ids, key)
	if i, ok := slices.BinarySearch(idx.keys, key); ok {
		idx.keys = slices.Delete(idx.keys, i, i+1)
	}
}

func (idx *uniqueIndex[T]) reset() {
	idx.ids = make(map[string]ID)
	idx.keys = nil
}

// IndexOption declares a secondary index at table creation.
type IndexOption[T any] func(*Table[T])

// WithUniqueIndex adds a unique secondary index keyed by keyFn.
func WithUniqueIndex[T any](name string, keyFn func(*T) string) IndexOption[T] {
	return func(t *Table[T]) {
		t.indexes = append(t.indexes, &uniqueIndex[T]{name: name, keyFn: keyFn, ids: make(map[string]ID)})
	}
}

// Table is an in-memory table of T rows with a primary key, optional unique
// secondary indexes and a stack of undo states.
//
// Rows handed to callers are copies. Modifiers must replace slice fields rather
// than write into them, or the saved undo copy would change with the row.
type Table[T any] struct {
	name    string
	rows    map[ID]*T
	nextID  ID
	indexes []*uniqueIndex[T]
	stack   []*undoState[T]
}

// NewTable creates an empty table. *T must implement Object, which it does when T embeds Base.
func NewTable[T any](name string, opts ...IndexOption[T]) *Table[T] {
	if _, ok := any(new(T)).(Object); !ok {
		panic(fmt.Sprintf("objectstore: %T does not embed objectstore.Base", new(T)))
	}
	t := &Table[T]{
		name: name,
		rows: make(map[ID]*T),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func object[T any](row *T) Object {
	return any(row).(Object)
}

func (t *Table[T]) Name() string { return t.name }

func (t *Table[T]) Size() int { return len(t.rows) }

// NextID is the ID the next Emplace will assign.
func (t *Table[T]) NextID() ID { return t.nextID }

// Emplace creates a row, lets init fill it and returns a copy of the stored row.
func (t *Table[T]) Emplace(init func(row *T)) (T, error) {
	row := new(T)
	if init != nil {
		init(row)
	}
	object(row).setObjectID(t.nextID)

	if err := t.checkUnique(row, nil); err != nil {
		var zero T
		return zero, err
	}

	id := t.nextID
	t.rows[id] = row
	t.indexAdd(row)
	t.nextID++
	t.onCreate(id)
	return *row, nil
}

// Find returns a copy of the row with the given ID.
func (t *Table[T]) Find(id ID) (T, bool) {
	row, ok := t.rows[id]
	if !ok {
		var zero T
		return zero, false
	}
	return *row, true
}

// Get is Find that reports a missing row as an error.
func (t *Table[T]) Get(id ID) (T, error) {
	row, ok := t.Find(id)
	if !ok {
		return row, fmt.Errorf("%s %d: %w", t.name, id, ErrNotFound)
	}
	return row, nil
}

// FindBy looks a row up through a unique secondary index.
func (t *Table[T]) FindBy(index, key string) (T, bool, error) {
	var zero T
	idx := t.index(index)
	if idx == nil {
		return zero, false, fmt.Errorf("%s.%s: %w", t.name, index, ErrUnknownIndex)
	}
	id, ok := idx.ids[key]
	if !ok {
		return zero, false, nil
	}
	return *t.rows[id], true, nil
}

// Modify applies fn to the row with the given ID. The ID cannot be changed.
// When fn breaks a unique index the row is left unchanged.
func (t *Table[T]) Modify(id ID, fn func(row *T)) error {
	row, ok := t.rows[id]
	if !ok {
		return fmt.Errorf("%s %d: %w", t.name, id, ErrNotFound)
	}

	updated := new(T)
	*updated = *row
	fn(updated)
	object(updated).setObjectID(id)

	if err := t.checkUnique(updated, row); err != nil {
		return err
	}

	t.onModify(id, row)
	t.indexRemove(row)
	t.rows[id] = updated
	t.indexAdd(updated)
	return nil
}

// Remove deletes the row with the given ID.
func (t *Table[T]) Remove(id ID) error {
	row, ok := t.rows[id]
	if !ok {
		return fmt.Errorf("%s %d: %w", t.name, id, ErrNotFound)
	}
	t.onRemove(id, row)
	t.indexRemove(row)
	delete(t.rows, id)
	return nil
}

// Walk visits copies of all rows in primary key order until fn returns false.
func (t *Table[T]) Walk(fn func(row T) bool) {
	for _, id := range t.sortedIDs() {
		row, ok := t.rows[id]
		if !ok {
			continue
		}
		if !fn(*row) {
			return
		}
	}
}

// WalkIndex visits rows whose index key is in [lower, upper) in index key order.
// An empty upper means no upper bound.
func (t *Table[T]) WalkIndex(index, lower, upper string, fn func(row T) bool) error {
	idx := t.index(index)
	if idx == nil {
		return fmt.Errorf("%s.%s: %w", t.name, index, ErrUnknownIndex)
	}
	// fn may write to the table, so the range is taken before the first call
	start, _ := slices.BinarySearch(idx.keys, lower)
	end := len(idx.keys)
	if upper != "" {
		end, _ = slices.BinarySearch(idx.keys, upper)
	}
	if end < start {
		end = start
	}
	for _, k := range slices.Clone(idx.keys[start:end]) {
		id, ok := idx.ids[k]
		if !ok {
			continue
		}
		if !fn(*t.rows[id]) {
			break
		}
	}
	return nil
}

func (t *Table[T]) WalkAny(fn func(row any) bool) {
	t.Walk(func(row T) bool {
		r := row
		return fn(&r)
	})
}

func (t *Table[T]) NewRow() any { return new(T) }

func (t *Table[T]) InsertAny(row any) error {
	r, ok := row.(*T)
	if !ok {
		return fmt.Errorf("%s: %w: %T", t.name, ErrWrongRowType, row)
	}
	if len(t.stack) > 0 {
		return fmt.Errorf("%s: cannot insert rows with pending undo layers", t.name)
	}
	stored := new(T)
	*stored = *r
	id := object(stored).ObjectID()
	if _, exists := t.rows[id]; exists {
		return fmt.Errorf("%s %d: %w", t.name, id, ErrUniqueViolation)
	}
	if err := t.checkUnique(stored, nil); err != nil {
		return err
	}
	t.rows[id] = stored
	t.indexAdd(stored)
	if id >= t.nextID {
		t.nextID = id + 1
	}
	return nil
}

func (t *Table[T]) Clear() error {
	if len(t.stack) > 0 {
		return fmt.Errorf("%s: cannot clear with pending undo layers", t.name)
	}
	t.rows = make(map[ID]*T)
	t.nextID = 0
	for _, idx := range t.indexes {
		idx.reset()
	}
	return nil
}

func (t *Table[T]) sortedIDs() []ID {
	ids := make([]ID, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *Table[T]) index(name string) *uniqueIndex[T] {
	for _, idx := range t.indexes {
		if idx.name == name {
			return idx
		}
	}
	return nil
}

// checkUnique verifies row against every index, ignoring the entry owned by previous.
func (t *Table[T]) checkUnique(row *T, previous *T) error {
	for _, idx := range t.indexes {
		key := idx.keyFn(row)
		owner, taken := idx.ids[key]
		if !taken {
			continue
		}
		if previous != nil && owner == object(previous).ObjectID() {
			continue
		}
		return fmt.Errorf("%s.%s %q: %w", t.name, idx.name, key, ErrUniqueViolation)
	}
	return nil
}

func (t *Table[T]) indexAdd(row *T) {
	id := object(row).ObjectID()
	for _, idx := range t.indexes {
		idx.put(idx.keyFn(row), id)
	}
}

func (t *Table[T]) indexRemove(row *T) {
	id := object(row).ObjectID()
	for _, idx := range t.indexes {
		key := idx.keyFn(row)
		if owner, ok := idx.ids[key]; ok && owner == id {
			idx.drop(key)
		}
	}
}
