package objectstore

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mezonai/combinedb/logx"
)

var (
	ErrPendingUndo    = errors.New("undo layers are pending")
	ErrDuplicateTable = errors.New("table already registered")
	ErrUnknownTable   = errors.New("unknown table")
)

// Database groups registered tables under one revision counter. Every undo
// layer spans all tables, so an undo or squash affects them as a set.
//
// Database is not safe for concurrent mutation; the caller serializes writers.
type Database struct {
	tables    []AnyTable
	byName    map[string]AnyTable
	revision  int64
	revisions []int64
}

func NewDatabase() *Database {
	return &Database{byName: make(map[string]AnyTable)}
}

// Register adds a table. Registration order is the iteration order of Tables.
func (d *Database) Register(t AnyTable) error {
	if _, ok := d.byName[t.Name()]; ok {
		return fmt.Errorf("%s: %w", t.Name(), ErrDuplicateTable)
	}
	if len(d.revisions) > 0 {
		return fmt.Errorf("register %s: %w", t.Name(), ErrPendingUndo)
	}
	d.tables = append(d.tables, t)
	d.byName[t.Name()] = t
	return nil
}

// Tables returns the registered tables in registration order.
func (d *Database) Tables() []AnyTable {
	out := make([]AnyTable, len(d.tables))
	copy(out, d.tables)
	return out
}

func (d *Database) Table(name string) (AnyTable, error) {
	t, ok := d.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownTable)
	}
	return t, nil
}

func (d *Database) Revision() int64 { return d.revision }

// UndoDepth is the number of revision layers that can still be undone.
func (d *Database) UndoDepth() int { return len(d.revisions) }

// HasLayer reports whether the layer opened at revision can still be undone.
func (d *Database) HasLayer(revision int64) bool {
	return slices.Contains(d.revisions, revision)
}

// SetRevision forces the revision counter. Only allowed when nothing can be undone.
func (d *Database) SetRevision(revision int64) error {
	if len(d.revisions) > 0 {
		return fmt.Errorf("set revision to %d: %w", revision, ErrPendingUndo)
	}
	d.revision = revision
	return nil
}

// StartUndoSession opens a new revision layer when enabled. A disabled session
// records nothing and all its terminal calls are no-ops.
func (d *Database) StartUndoSession(enabled bool) *Session {
	if !enabled {
		return &Session{db: d}
	}
	d.revision++
	for _, t := range d.tables {
		t.pushUndo(d.revision)
	}
	d.revisions = append(d.revisions, d.revision)
	return &Session{db: d, active: true, revision: d.revision}
}

// Undo reverts the most recent layer. It reports false when there is nothing to undo.
func (d *Database) Undo() bool {
	if len(d.revisions) == 0 {
		return false
	}
	for _, t := range d.tables {
		t.undo()
	}
	d.revisions = d.revisions[:len(d.revisions)-1]
	d.revision--
	return true
}

// UndoAll reverts every pending layer.
func (d *Database) UndoAll() {
	for d.Undo() {
	}
}

// Squash merges the most recent layer into the previous one.
func (d *Database) Squash() bool {
	if len(d.revisions) == 0 {
		return false
	}
	for _, t := range d.tables {
		t.squash()
	}
	d.revisions = d.revisions[:len(d.revisions)-1]
	d.revision--
	return true
}

// Commit makes every layer at or below revision permanent.
func (d *Database) Commit(revision int64) {
	n := 0
	for n < len(d.revisions) && d.revisions[n] <= revision {
		n++
	}
	if n == 0 {
		return
	}
	for _, t := range d.tables {
		t.commit(revision)
	}
	d.revisions = append(d.revisions[:0:0], d.revisions[n:]...)
	logx.Debug("OBJECT_STORE", "committed ", n, " layers up to revision ", revision)
}

// Session is a handle on one revision layer.
type Session struct {
	db       *Database
	active   bool
	revision int64
}

// Revision is the revision of the layer this session opened, or 0 for a disabled session.
func (s *Session) Revision() int64 { return s.revision }

// Active reports whether the session still owns its layer.
func (s *Session) Active() bool { return s.active }

// Push keeps the layer on the undo stack and releases the session.
func (s *Session) Push() {
	s.active = false
}

// Squash merges the layer into its parent and releases the session.
func (s *Session) Squash() {
	if !s.active {
		return
	}
	s.db.Squash()
	s.active = false
}

// Undo reverts the layer and releases the session.
func (s *Session) Undo() {
	if !s.active {
		return
	}
	s.db.Undo()
	s.active = false
}

// Close undoes the layer unless Push or Squash released it.
func (s *Session) Close() {
	s.Undo()
}
