package control_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/patchbay-audio/patchbay/control"
)

func TestUndoStackBound(t *testing.T) {
	const limit = 8
	s := control.NewUndoStack(limit)
	ids := make([]uuid.UUID, limit+5)
	for i := range ids {
		ids[i] = uuid.New()
		s.Push(control.UndoEntry{ID: ids[i], Action: control.SetLatency{Latency: i}, Inverse: control.SetLatency{}})
	}
	if s.Len() != limit || s.Depth() != limit {
		t.Fatalf("expected %d entries, got len %d depth %d", limit, s.Len(), s.Depth())
	}
	entries := s.Entries()
	for i, e := range entries {
		if e.ID != ids[i+5] {
			t.Fatalf("entry %d: expected the %d'th pushed entry", i, i+5)
		}
	}
	if !s.CanUndo() || s.CanRedo() {
		t.Fatalf("full stack: CanUndo %v, CanRedo %v", s.CanUndo(), s.CanRedo())
	}
	s.Clear()
	if s.Len() != 0 || s.CanUndo() {
		t.Fatalf("Clear left %d entries", s.Len())
	}
}

func TestUndoStackWithoutLimitKeepsNothing(t *testing.T) {
	s := control.NewUndoStack(0)
	s.Push(control.UndoEntry{ID: uuid.New(), Action: control.SetLatency{}})
	if s.Len() != 0 || s.CanUndo() {
		t.Fatalf("a stack with limit 0 kept %d entries", s.Len())
	}
}
