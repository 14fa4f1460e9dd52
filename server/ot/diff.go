package ot

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff returns a changeset that turns oldText into newText.
func Diff(oldText, newText string) Changeset {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(oldText, newText, false))

	var strips []Strip
	pos := 0
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			strips = append(strips, Retain{pos, pos + n})
			pos += n
		case diffmatchpatch.DiffDelete:
			pos += n
		case diffmatchpatch.DiffInsert:
			strips = append(strips, Insert{d.Text})
		}
	}
	assert(pos == utf8.RuneCountInString(oldText), "diff does not cover old text")
	return Changeset{inputLength: pos, strips: normalize(strips)}
}
