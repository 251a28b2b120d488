package chain

import (
	"github.com/mezonai/combinedb/exception"
	"github.com/mezonai/combinedb/logx"
	"github.com/mezonai/combinedb/monitoring"
	"github.com/mezonai/combinedb/objectstore"
	"github.com/mezonai/combinedb/undo"
)

type sessionState uint8

const (
	sessionActive sessionState = iota
	sessionPushed
	sessionSquashed
	sessionUndone
)

func (s sessionState) String() string {
	switch s {
	case sessionActive:
		return "active"
	case sessionPushed:
		return "pushed"
	case sessionSquashed:
		return "squashed"
	case sessionUndone:
		return "undone"
	}
	return "unknown"
}

// CombinedSession pairs one object-store layer with one kv undo layer. Its
// terminal methods always move both layers together; a failure after either
// backend has started changing is fatal.
//
// Exactly one of Push, Squash or Undo may be called. Close undoes a session
// that is still active and does nothing otherwise, so it is safe to defer.
type CombinedSession struct {
	db      *CombinedDatabase
	objects *objectstore.Session
	kv      *undo.Stack
	state   sessionState
}

func (s *CombinedSession) finish(next sessionState) bool {
	if s.state != sessionActive {
		panic("combined session is already " + s.state.String())
	}
	s.state = next
	// the no-op session owns no layers
	return s.objects != nil
}

// Revision is the revision of the layer the session opened; 0 for a no-op session.
func (s *CombinedSession) Revision() int64 {
	if s.objects == nil {
		return 0
	}
	return s.objects.Revision()
}

// Active reports whether no terminal method has run yet.
func (s *CombinedSession) Active() bool { return s.state == sessionActive }

// Push keeps both layers so they can still be undone through the database.
func (s *CombinedSession) Push() {
	if !s.finish(sessionPushed) {
		return
	}
	s.objects.Push()
	monitoring.RecordSession(monitoring.SessionPushed)
}

// layerOpen reports whether the session's layer is still pending. A commit
// at or above the session's revision makes it permanent on both backends, and
// the session then has nothing left to squash or undo.
func (s *CombinedSession) layerOpen(op string) bool {
	revision := s.objects.Revision()
	open := s.db.objects.HasLayer(revision)
	if s.kv != nil && s.kv.HasLayer(revision) != open {
		exception.Fatal(logCategory, op, " of session ", revision, ": object store layer pending ", open,
			", kv undo layer pending ", !open)
	}
	if !open {
		s.objects.Push()
		logx.Warn(logCategory, op, " of session ", revision, " ignored, its layer is already committed")
	}
	return open
}

// Squash merges both layers into their parents.
func (s *CombinedSession) Squash() {
	if !s.finish(sessionSquashed) || !s.layerOpen("squash") {
		return
	}
	if s.kv != nil {
		exception.Guard(logCategory, "squash kv undo layer", s.kv.Squash)
	}
	s.objects.Squash()
	s.db.checkRevisions("squash")
	monitoring.RecordSession(monitoring.SessionSquashed)
}

// Undo reverts both layers. Undoing a session whose layer was committed does nothing.
func (s *CombinedSession) Undo() {
	if !s.finish(sessionUndone) || !s.layerOpen("undo") {
		return
	}
	if s.kv != nil {
		exception.Guard(logCategory, "undo kv undo layer", s.kv.Undo)
	}
	s.objects.Undo()
	s.db.checkRevisions("undo")
	monitoring.RecordSession(monitoring.SessionUndone)
}

func (s *CombinedSession) Close() {
	if s.state == sessionActive {
		s.Undo()
	}
}
