package ot

import "fmt"

// IsComposable reports whether b can be applied to the output of a.
func IsComposable(a, b Changeset) bool {
	return a.OutputLength() == b.inputLength
}

// AssertComposable returns ErrNotComposable if b cannot follow a.
func AssertComposable(a, b Changeset) error {
	if !IsComposable(a, b) {
		return fmt.Errorf("%w: output length %d, input length %d", ErrNotComposable, a.OutputLength(), b.inputLength)
	}
	return nil
}

// span is a non-Remove strip of a changeset positioned in its output.
type span struct {
	start, end int
	strip      Strip
	runes      []rune // for Insert strips
}

func (cs Changeset) spans() []span {
	var spans []span
	pos := 0
	for _, s := range cs.strips {
		n := s.OutputLength()
		if n == 0 {
			continue
		}
		sp := span{start: pos, end: pos + n, strip: s}
		if ins, ok := s.(Insert); ok {
			sp.runes = []rune(ins.Value)
		}
		spans = append(spans, sp)
		pos += n
	}
	return spans
}

// Compose returns the changeset equivalent to applying a and then b. Ranges
// that b retains from a's output are rewritten into ranges of a's input, or
// into the text a inserted there.
func Compose(a, b Changeset) (Changeset, error) {
	if err := AssertComposable(a, b); err != nil {
		return Changeset{}, err
	}
	spans := a.spans()
	var strips []Strip
	k := 0
	for _, s := range b.strips {
		switch s := s.(type) {
		case Insert:
			strips = append(strips, s)
		case Retain:
			// Retains in b are ascending, so the span cursor never moves back.
			for k < len(spans) && spans[k].end <= s.Start {
				k++
			}
			for m := k; m < len(spans) && spans[m].start < s.End; m++ {
				sp := spans[m]
				lo, hi := max(s.Start, sp.start)-sp.start, min(s.End, sp.end)-sp.start
				switch as := sp.strip.(type) {
				case Insert:
					strips = append(strips, Insert{string(sp.runes[lo:hi])})
				case Retain:
					strips = append(strips, Retain{as.Start + lo, as.Start + hi})
				}
			}
		case Remove:
		}
	}
	return Changeset{inputLength: a.inputLength, strips: normalize(strips)}, nil
}

// ComposeAll composes changesets in order. It returns the zero changeset if
// none are given.
func ComposeAll(changesets ...Changeset) (Changeset, error) {
	if len(changesets) == 0 {
		return Changeset{}, nil
	}
	result := changesets[0]
	for i, cs := range changesets[1:] {
		var err error
		if result, err = Compose(result, cs); err != nil {
			return Changeset{}, fmt.Errorf("compose changeset %d: %w", i+1, err)
		}
	}
	return result, nil
}
