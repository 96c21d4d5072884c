package control

type (
	// UndoEntry is one committed action and the action that reverts it.
	UndoEntry struct {
		ID      ActionID
		Action  Action
		Inverse Action
	}

	// UndoStack is a bounded history of committed actions. Entries before the
	// cursor can be undone, entries from the cursor on can be redone. When
	// the stack is full the oldest entry is dropped.
	UndoStack struct {
		entries []UndoEntry
		cursor  int
		limit   int
	}
)

// NewUndoStack returns a stack holding at most limit entries.
func NewUndoStack(limit int) *UndoStack {
	return &UndoStack{limit: limit}
}

// Push adds an entry after the cursor, discarding everything that could have
// been redone.
func (s *UndoStack) Push(e UndoEntry) {
	if s.limit <= 0 {
		return
	}
	s.entries = append(s.entries[:s.cursor], e)
	if len(s.entries) > s.limit {
		copy(s.entries, s.entries[len(s.entries)-s.limit:])
		s.entries = s.entries[:s.limit]
	}
	s.cursor = len(s.entries)
}

// Len is the number of entries, undoable and redoable.
func (s *UndoStack) Len() int { return len(s.entries) }

func (s *UndoStack) CanUndo() bool { return s.cursor > 0 }

func (s *UndoStack) CanRedo() bool { return s.cursor < len(s.entries) }

// Depth is the number of entries that can be undone.
func (s *UndoStack) Depth() int { return s.cursor }

// Clear removes every entry.
func (s *UndoStack) Clear() {
	clear(s.entries)
	s.entries = s.entries[:0]
	s.cursor = 0
}

// peekUndo returns the entry the next undo reverts.
func (s *UndoStack) peekUndo() *UndoEntry {
	if !s.CanUndo() {
		return nil
	}
	return &s.entries[s.cursor-1]
}

func (s *UndoStack) peekRedo() *UndoEntry {
	if !s.CanRedo() {
		return nil
	}
	return &s.entries[s.cursor]
}

func (s *UndoStack) undone() { s.cursor-- }

func (s *UndoStack) redone() { s.cursor++ }

// Entries returns the entries that can be undone, oldest first.
func (s *UndoStack) Entries() []UndoEntry {
	return append([]UndoEntry(nil), s.entries[:s.cursor]...)
}
