package ot

import (
	"strconv"
	"strings"
)

// Selection is a caret (Start == End) or a highlighted range of a text.
// Start <= End always holds for selections built with NewSelection.
type Selection struct {
	Start int
	End   int
}

// Caret returns a collapsed selection at pos.
func Caret(pos int) Selection {
	return Selection{pos, pos}
}

// NewSelection returns the selection between start and end in either order.
func NewSelection(start, end int) Selection {
	if end < start {
		start, end = end, start
	}
	return Selection{start, end}
}

func (s Selection) IsCollapsed() bool {
	return s.Start == s.End
}

// Clamp clamps both ends into [0, length].
func (s Selection) Clamp(length int) Selection {
	start := min(max(s.Start, 0), length)
	end := min(max(s.End, start), length)
	return Selection{start, end}
}

// Follow maps the selection through cs so that it stays on the same logical
// text. Positions inside a removed range collapse to where the range was.
// A position where cs inserts text moves after the insertion if tieBreak is
// set, matching Follow(cs, caret, tieBreak).
func (s Selection) Follow(cs Changeset, tieBreak bool) Selection {
	s = s.Clamp(cs.inputLength)
	ops := cs.ops()
	return NewSelection(followPosition(ops, s.Start, tieBreak), followPosition(ops, s.End, tieBreak)).Clamp(cs.OutputLength())
}

func followPosition(ops []op, p int, tieBreak bool) int {
	in, out := 0, 0
	for _, o := range ops {
		switch o.kind {
		case opInsert:
			if p == in && !tieBreak {
				return out
			}
			out += o.n
		case opKeep:
			if p < in+o.n {
				return out + p - in
			}
			in += o.n
			out += o.n
		case opRemove:
			if p < in+o.n {
				return out
			}
			in += o.n
		}
	}
	return out
}

// String returns "start" for a caret and "start:end" otherwise.
func (s Selection) String() string {
	if s.IsCollapsed() {
		return strconv.Itoa(s.Start)
	}
	return strconv.Itoa(s.Start) + ":" + strconv.Itoa(s.End)
}

func (s Selection) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Selection) UnmarshalText(text []byte) error {
	parsed, err := ParseSelection(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSelection decodes a selection encoded by Selection.String.
func ParseSelection(text string) (Selection, error) {
	startStr, endStr, ranged := strings.Cut(text, ":")
	start, err := strconv.Atoi(startStr)
	if err != nil || start < 0 {
		return Selection{}, newParseError(text, "bad selection start")
	}
	if !ranged {
		return Caret(start), nil
	}
	end, err := strconv.Atoi(endStr)
	if err != nil || end < start {
		return Selection{}, newParseError(text, "bad selection end")
	}
	return Selection{start, end}, nil
}
