package objectstore

// undoState records what one revision layer changed in a table:
// the first saved copy of every modified row, the IDs created and the rows removed.
type undoState[T any] struct {
	revision  int64
	oldValues map[ID]T
	removed   map[ID]T
	newIDs    map[ID]struct{}
	oldNextID ID
}

func newUndoState[T any](revision int64, nextID ID) *undoState[T] {
	return &undoState[T]{
		revision:  revision,
		oldValues: make(map[ID]T),
		removed:   make(map[ID]T),
		newIDs:    make(map[ID]struct{}),
		oldNextID: nextID,
	}
}

func (t *Table[T]) head() *undoState[T] {
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

func (t *Table[T]) onCreate(id ID) {
	if h := t.head(); h != nil {
		h.newIDs[id] = struct{}{}
	}
}

func (t *Table[T]) onModify(id ID, current *T) {
	h := t.head()
	if h == nil {
		return
	}
	if _, created := h.newIDs[id]; created {
		return
	}
	if _, saved := h.oldValues[id]; saved {
		return
	}
	h.oldValues[id] = *current
}

func (t *Table[T]) onRemove(id ID, current *T) {
	h := t.head()
	if h == nil {
		return
	}
	if _, created := h.newIDs[id]; created {
		delete(h.newIDs, id)
		return
	}
	if old, saved := h.oldValues[id]; saved {
		h.removed[id] = old
		delete(h.oldValues, id)
		return
	}
	h.removed[id] = *current
}

func (t *Table[T]) pushUndo(revision int64) {
	t.stack = append(t.stack, newUndoState[T](revision, t.nextID))
}

func (t *Table[T]) undoDepth() int { return len(t.stack) }

// undo reverts the head layer. Created rows go first so restored rows
// can take their index keys back.
func (t *Table[T]) undo() {
	h := t.head()
	if h == nil {
		return
	}
	t.stack = t.stack[:len(t.stack)-1]

	for id := range h.newIDs {
		if row, ok := t.rows[id]; ok {
			t.indexRemove(row)
			delete(t.rows, id)
		}
	}
	for id, old := range h.oldValues {
		if row, ok := t.rows[id]; ok {
			t.indexRemove(row)
		}
		restored := old
		t.rows[id] = &restored
	}
	for id, old := range h.removed {
		restored := old
		t.rows[id] = &restored
	}
	for id := range h.oldValues {
		t.indexAdd(t.rows[id])
	}
	for id := range h.removed {
		t.indexAdd(t.rows[id])
	}
	t.nextID = h.oldNextID
}

// squash merges the head layer into the one below it, keeping the oldest saved copies.
func (t *Table[T]) squash() {
	h := t.head()
	if h == nil {
		return
	}
	t.stack = t.stack[:len(t.stack)-1]
	prev := t.head()
	if prev == nil {
		return
	}

	for id, old := range h.oldValues {
		if _, created := prev.newIDs[id]; created {
			continue
		}
		if _, saved := prev.oldValues[id]; saved {
			continue
		}
		prev.oldValues[id] = old
	}
	for id := range h.newIDs {
		prev.newIDs[id] = struct{}{}
	}
	for id, old := range h.removed {
		if _, created := prev.newIDs[id]; created {
			delete(prev.newIDs, id)
			continue
		}
		if saved, ok := prev.oldValues[id]; ok {
			prev.removed[id] = saved
			delete(prev.oldValues, id)
			continue
		}
		prev.removed[id] = old
	}
}

// commit forgets every layer at or below revision.
func (t *Table[T]) commit(revision int64) {
	n := 0
	for n < len(t.stack) && t.stack[n].revision <= revision {
		n++
	}
	if n > 0 {
		t.stack = append(t.stack[:0:0], t.stack[n:]...)
	}
}
