package ot

import (
	"fmt"
	"unicode/utf8"
)

// Inverse returns the changeset that maps the output of cs back to original,
// the text cs was applied to.
func (cs Changeset) Inverse(original string) (Changeset, error) {
	if n := utf8.RuneCountInString(original); n != cs.inputLength {
		return Changeset{}, fmt.Errorf("%w: original text length %d, changeset input length %d", ErrNotComposable, n, cs.inputLength)
	}
	runes := []rune(original)
	return cs.inverse(func(start, end int) (string, error) {
		return string(runes[start:end]), nil
	})
}

// InverseOf is like Inverse but recovers removed text from base, a changeset
// whose output is the text cs was applied to. Removed ranges must fall on text
// that base inserted, otherwise ErrInverseRequiresOriginalText is returned.
func (cs Changeset) InverseOf(base Changeset) (Changeset, error) {
	if err := AssertComposable(base, cs); err != nil {
		return Changeset{}, err
	}
	return cs.inverse(base.insertedText)
}

// insertedText returns [start, end) of the output of cs, which must consist of
// inserted text only.
func (cs Changeset) insertedText(start, end int) (string, error) {
	var text []rune
	for _, sp := range cs.spans() {
		if sp.end <= start || sp.start >= end {
			continue
		}
		if sp.runes == nil {
			return "", fmt.Errorf("%w: range %d-%d is retained from an unknown text", ErrInverseRequiresOriginalText, max(start, sp.start), min(end, sp.end))
		}
		text = append(text, sp.runes[max(start, sp.start)-sp.start:min(end, sp.end)-sp.start]...)
	}
	return string(text), nil
}

func (cs Changeset) inverse(removed func(start, end int) (string, error)) (Changeset, error) {
	var strips []Strip
	restore := func(start, end int) error {
		if start >= end {
			return nil
		}
		text, err := removed(start, end)
		if err != nil {
			return err
		}
		strips = append(strips, Insert{text})
		return nil
	}

	pos, outPos := 0, 0
	for _, s := range cs.strips {
		switch s := s.(type) {
		case Insert:
			outPos += s.OutputLength()
		case Retain:
			if err := restore(pos, s.Start); err != nil {
				return Changeset{}, err
			}
			n := s.InputLength()
			strips = append(strips, Retain{outPos, outPos + n})
			outPos += n
			pos = s.End
		case Remove:
		}
	}
	if err := restore(pos, cs.inputLength); err != nil {
		return Changeset{}, err
	}
	return Changeset{inputLength: outPos, strips: normalize(strips)}, nil
}
