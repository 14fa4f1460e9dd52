package collab

import (
	"time"

	"github.com/knemerzitski/notes-sub015/server/ot"
)

// Entry is one undoable edit.
type Entry struct {
	Changeset ot.Changeset // the edit
	Inverse   ot.Changeset // undoes Changeset

	Selection        ot.Selection // selection after Changeset
	SelectionInverse ot.Selection // selection before Changeset
}

// History holds bounded undo and redo stacks. Consecutive edits of one actor
// made within the merge window collapse into a single entry.
type History struct {
	limit  int
	window time.Duration

	undo []Entry
	redo []Entry

	lastActor string
	lastEdit  time.Time
	mergeable bool
}

func NewHistory(limit int, window time.Duration) *History {
	return &History{limit: limit, window: window}
}

func (h *History) CanUndo() bool { return len(h.undo) > 0 }
func (h *History) CanRedo() bool { return len(h.redo) > 0 }

// breakMerge makes the next edit start a new entry.
func (h *History) breakMerge() {
	h.mergeable = false
}

// Push records a new edit made at now. Any redo entries are discarded.
func (h *History) Push(e Entry, actor string, now time.Time) error {
	h.redo = nil
	if n := len(h.undo); n > 0 && h.mergeable && h.window > 0 &&
		actor == h.lastActor && now.Sub(h.lastEdit) <= h.window {
		top := h.undo[n-1]
		cs, err := ot.Compose(top.Changeset, e.Changeset)
		if err != nil {
			return err
		}
		inv, err := ot.Compose(e.Inverse, top.Inverse)
		if err != nil {
			return err
		}
		h.undo[n-1] = Entry{
			Changeset:        cs,
			Inverse:          inv,
			Selection:        e.Selection,
			SelectionInverse: top.SelectionInverse,
		}
	} else {
		h.pushUndo(e)
	}
	h.lastActor = actor
	h.lastEdit = now
	h.mergeable = true
	return nil
}

func (h *History) popUndo() (Entry, bool) {
	n := len(h.undo)
	if n == 0 {
		return Entry{}, false
	}
	e := h.undo[n-1]
	h.undo = h.undo[:n-1]
	h.mergeable = false
	return e, true
}

func (h *History) popRedo() (Entry, bool) {
	n := len(h.redo)
	if n == 0 {
		return Entry{}, false
	}
	e := h.redo[n-1]
	h.redo = h.redo[:n-1]
	h.mergeable = false
	return e, true
}

// pushUndo appends e, dropping the oldest entries beyond the limit.
func (h *History) pushUndo(e Entry) {
	h.undo = append(h.undo, e)
	if h.limit > 0 && len(h.undo) > h.limit {
		h.undo = append(h.undo[:0:0], h.undo[len(h.undo)-h.limit:]...)
	}
}

func (h *History) pushRedo(e Entry) {
	h.redo = append(h.redo, e)
}

func (h *History) clear() {
	h.undo, h.redo = nil, nil
	h.mergeable = false
}

// follow rewrites both stacks so that they apply after x, a change made to
// the current text by someone else. remoteFirst orders same-position
// insertions.
func (h *History) follow(x ot.Changeset, remoteFirst bool) error {
	h.mergeable = false
	if err := followStack(h.undo, x, remoteFirst, true); err != nil {
		return err
	}
	return followStack(h.redo, x, remoteFirst, false)
}

// followStack walks entries from the top. The top entry's forward changeset
// (Inverse for undo, Changeset for redo) applies to the current text; each
// deeper entry applies to the text left by the one above it.
func followStack(entries []Entry, x ot.Changeset, remoteFirst, undo bool) error {
	for i := len(entries) - 1; i >= 0; i-- {
		e := &entries[i]
		// cur lives in the text forward applies to, nextSel in the text it yields.
		forward, backward := &e.Inverse, &e.Changeset
		cur, nextSel := &e.Selection, &e.SelectionInverse
		if !undo {
			forward, backward = &e.Changeset, &e.Inverse
			cur, nextSel = &e.SelectionInverse, &e.Selection
		}

		f, err := ot.Follow(x, *forward, remoteFirst)
		if err != nil {
			return err
		}
		next, err := ot.Follow(*forward, x, !remoteFirst)
		if err != nil {
			return err
		}
		b, err := ot.Follow(next, *backward, remoteFirst)
		if err != nil {
			return err
		}
		*cur = cur.Follow(x, remoteFirst).Clamp(x.OutputLength())
		*nextSel = nextSel.Follow(next, remoteFirst).Clamp(next.OutputLength())
		*forward, *backward = f, b
		x = next
	}
	return nil
}
