// Package ot implements operational transformation over flat text.
//
// A Changeset transforms a text of InputLength runes into a text of
// OutputLength runes. It is an ordered list of strips: Insert strips add new
// text, Retain strips copy a range of the input, and Remove strips document a
// removed range of the input. Input ranges that no Retain covers are removed
// whether or not a Remove strip names them, so Remove strips are optional;
// WithRemoveStrips spells them all out and Compact drops them.
//
// Changesets are immutable values. Compose, Follow and Inverse always return
// new changesets.
package ot

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

// Changeset is an edit from a text of InputLength runes to a text of
// OutputLength runes. The zero value is the identity on the empty text.
type Changeset struct {
	inputLength int
	strips      []Strip
}

// New returns a changeset over a text of inputLength runes. Empty strips are
// dropped and adjacent compatible strips are merged. Retain and Remove ranges
// must lie within the input and be strictly ascending.
func New(inputLength int, strips ...Strip) (Changeset, error) {
	cs := Changeset{inputLength: inputLength, strips: normalize(strips)}
	if err := cs.validate(); err != nil {
		return Changeset{}, err
	}
	return cs, nil
}

// MustNew is like New but panics on error.
func MustNew(inputLength int, strips ...Strip) Changeset {
	cs, err := New(inputLength, strips...)
	if err != nil {
		panic(err)
	}
	return cs
}

// Identity returns the changeset that keeps a text of length runes unchanged.
func Identity(length int) Changeset {
	return Changeset{inputLength: length, strips: normalize([]Strip{Retain{0, length}})}
}

// FromText returns the changeset that produces text from the empty text.
// Invalid UTF-8 in text becomes U+FFFD.
func FromText(text string) Changeset {
	return Changeset{strips: normalize([]Strip{Insert{validText(text)}})}
}

// Replace returns the changeset that replaces the selected range of a text of
// length runes with text. The selection is clamped to the text first. Invalid
// UTF-8 in text becomes U+FFFD.
func Replace(length int, sel Selection, text string) Changeset {
	sel = sel.Clamp(length)
	return Changeset{
		inputLength: length,
		strips: normalize([]Strip{
			Retain{0, sel.Start},
			Remove{sel.Start, sel.End},
			Insert{validText(text)},
			Retain{sel.End, length},
		}),
	}
}

func validText(text string) string {
	return strings.ToValidUTF8(text, string(utf8.RuneError))
}

// validate checks ranges against the input and that inserted text is valid
// UTF-8, since Apply works on runes and would rewrite invalid bytes.
func (cs Changeset) validate() error {
	if cs.inputLength < 0 {
		return fmt.Errorf("%w: negative input length %d", ErrInvalidChangeset, cs.inputLength)
	}
	pos := 0
	for _, s := range cs.strips {
		var start, end int
		switch s := s.(type) {
		case Insert:
			if !utf8.ValidString(s.Value) {
				return fmt.Errorf("%w: insert %s is not valid UTF-8", ErrInvalidChangeset, s)
			}
			continue
		case Retain:
			start, end = s.Start, s.End
		case Remove:
			start, end = s.Start, s.End
		}
		if start < 0 || start > end {
			return fmt.Errorf("%w: bad range in strip %s", ErrInvalidChangeset, s)
		}
		if start < pos {
			return fmt.Errorf("%w: strip %s is not ordered ascending", ErrInvalidChangeset, s)
		}
		if end > cs.inputLength {
			return fmt.Errorf("%w: strip %s exceeds input length %d", ErrInvalidChangeset, s, cs.inputLength)
		}
		pos = end
	}
	return nil
}

func (cs Changeset) InputLength() int {
	return cs.inputLength
}

// OutputLength is the sum of the lengths of Insert and Retain strips.
func (cs Changeset) OutputLength() int {
	n := 0
	for _, s := range cs.strips {
		n += s.OutputLength()
	}
	return n
}

// Strips returns a copy of the changeset's strips.
func (cs Changeset) Strips() []Strip {
	return slices.Clone(cs.strips)
}

// IsIdentity reports whether cs leaves its input unchanged.
func (cs Changeset) IsIdentity() bool {
	return cs.Equal(Identity(cs.inputLength))
}

// Equal reports whether cs and other describe the same edit. Explicit Remove
// strips do not affect equality.
func (cs Changeset) Equal(other Changeset) bool {
	return cs.inputLength == other.inputLength && slices.Equal(cs.Compact().strips, other.Compact().strips)
}

// Compact returns cs without Remove strips.
func (cs Changeset) Compact() Changeset {
	strips := make([]Strip, 0, len(cs.strips))
	for _, s := range cs.strips {
		if _, ok := s.(Remove); !ok {
			strips = append(strips, s)
		}
	}
	return Changeset{inputLength: cs.inputLength, strips: normalize(strips)}
}

// WithRemoveStrips returns cs with an explicit Remove strip for every input
// range that is not retained, so that every input position is accounted for.
// Removes are placed right before the retain that follows them.
func (cs Changeset) WithRemoveStrips() Changeset {
	var strips []Strip
	pos := 0
	for _, s := range cs.strips {
		switch s := s.(type) {
		case Insert:
			strips = append(strips, s)
		case Retain:
			strips = append(strips, Remove{pos, s.Start}, s)
			pos = s.End
		case Remove:
			strips = append(strips, Remove{pos, s.Start}, s)
			pos = s.End
		}
	}
	strips = append(strips, Remove{pos, cs.inputLength})
	return Changeset{inputLength: cs.inputLength, strips: normalize(strips)}
}

// Apply applies cs to text, which must be InputLength runes long.
func (cs Changeset) Apply(text string) (string, error) {
	if n := utf8.RuneCountInString(text); n != cs.inputLength {
		return "", fmt.Errorf("%w: text length %d, changeset input length %d", ErrNotComposable, n, cs.inputLength)
	}
	runes := []rune(text)
	var b strings.Builder
	for _, s := range cs.strips {
		switch s := s.(type) {
		case Insert:
			b.WriteString(s.Value)
		case Retain:
			b.WriteString(string(runes[s.Start:s.End]))
		case Remove:
		}
	}
	return b.String(), nil
}

////////////////////////////////////////
// Op streams

type opKind int

const (
	opKeep opKind = iota
	opRemove
	opInsert
)

// op is a step of a changeset read in input order. Unlike strips, ops carry
// lengths rather than ranges, and implicit removals appear as opRemove.
type op struct {
	kind opKind
	n    int
	text string
}

func (cs Changeset) ops() []op {
	var ops []op
	pos := 0
	gap := func(to int) {
		if to > pos {
			ops = append(ops, op{kind: opRemove, n: to - pos})
			pos = to
		}
	}
	for _, s := range cs.strips {
		switch s := s.(type) {
		case Insert:
			ops = append(ops, op{kind: opInsert, n: s.OutputLength(), text: s.Value})
		case Retain:
			gap(s.Start)
			ops = append(ops, op{kind: opKeep, n: s.InputLength()})
			pos = s.End
		case Remove:
			gap(s.Start)
			ops = append(ops, op{kind: opRemove, n: s.InputLength()})
			pos = s.End
		}
	}
	gap(cs.inputLength)
	return ops
}
