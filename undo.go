package tagbatch

type undoFrame struct {
	level    int
	row      RowID
	snapshot TagSet
}

// undoStack groups frames by level. A level number is only consumed once a
// frame was pushed inside its bracket, so closed levels never skip.
type undoStack struct {
	frames  []undoFrame
	level   int
	depth   int
	pending int
	touched bool
}

func (u *undoStack) begin() {
	if u.depth == 0 {
		u.pending = u.level + 1
		u.touched = false
	}
	u.depth++
}

// end closes a bracket and reports whether an outermost level was consumed.
func (u *undoStack) end() bool {
	if u.depth == 0 {
		return false
	}
	u.depth--
	if u.depth > 0 || !u.touched {
		return false
	}
	u.level = u.pending
	return true
}

func (u *undoStack) open() bool {
	return u.depth > 0
}

func (u *undoStack) push(row RowID, snapshot TagSet) {
	u.frames = append(u.frames, undoFrame{level: u.pending, row: row, snapshot: snapshot})
	u.touched = true
}

// pop removes the frames of the most recent level, returned in commit order.
func (u *undoStack) pop() []undoFrame {
	if len(u.frames) == 0 {
		return nil
	}
	top := u.frames[len(u.frames)-1].level
	start := len(u.frames)
	for start > 0 && u.frames[start-1].level == top {
		start--
	}
	frames := u.frames[start:]
	u.frames = u.frames[:start:start]
	u.level = top - 1
	return frames
}

func (u *undoStack) reset() {
	u.frames = nil
	u.level = 0
	u.depth = 0
	u.pending = 0
	u.touched = false
}
