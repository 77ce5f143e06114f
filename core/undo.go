package core

import "pkt.systems/cellstate/schema"

// collectionSnapshot is an immutable copy of everything undo restores. The
// execution counter belongs to the kernel and is never restored.
type collectionSnapshot struct {
	cells []schema.Cell
}

func (s collectionSnapshot) clone() collectionSnapshot {
	cells := make([]schema.Cell, len(s.cells))
	for i, cell := range s.cells {
		cells[i] = cell.Clone()
	}
	return collectionSnapshot{cells: cells}
}

// undoStack keeps full snapshots taken before each structural mutation.
// max caps the undo depth; zero means unbounded.
type undoStack struct {
	undo []collectionSnapshot
	redo []collectionSnapshot
	max  int
}

func newUndoStack(max int) *undoStack {
	return &undoStack{max: max}
}

// Push records the pre-mutation state and invalidates redo.
func (u *undoStack) Push(snapshot collectionSnapshot) {
	u.pushUndo(snapshot.clone())
	u.redo = nil
}

// Undo swaps current onto the redo stack and returns the restored snapshot.
func (u *undoStack) Undo(current collectionSnapshot) (collectionSnapshot, bool) {
	if len(u.undo) == 0 {
		return collectionSnapshot{}, false
	}
	last := u.undo[len(u.undo)-1]
	u.undo = u.undo[:len(u.undo)-1]
	u.redo = append(u.redo, current.clone())
	return last.clone(), true
}

// Redo swaps current onto the undo stack and returns the restored snapshot.
func (u *undoStack) Redo(current collectionSnapshot) (collectionSnapshot, bool) {
	if len(u.redo) == 0 {
		return collectionSnapshot{}, false
	}
	last := u.redo[len(u.redo)-1]
	u.redo = u.redo[:len(u.redo)-1]
	u.pushUndo(current.clone())
	return last.clone(), true
}

func (u *undoStack) Clear() {
	u.undo = nil
	u.redo = nil
}

func (u *undoStack) UndoCount() int {
	return len(u.undo)
}

func (u *undoStack) RedoCount() int {
	return len(u.redo)
}

func (u *undoStack) pushUndo(snapshot collectionSnapshot) {
	u.undo = append(u.undo, snapshot)
	if u.max > 0 && len(u.undo) > u.max {
		u.undo = append([]collectionSnapshot(nil), u.undo[len(u.undo)-u.max:]...)
	}
}
