package ot

import (
	"fmt"
	"strconv"
	"unicode/utf8"
)

func assert(b bool, v ...interface{}) {
	if !b {
		panic(fmt.Sprint(v...))
	}
}

// Strip is one element of a Changeset. It is one of Insert, Retain or Remove.
// Retain and Remove ranges refer to the changeset's input text, in runes.
type Strip interface {
	InputLength() int
	OutputLength() int
	// String returns the strip's text encoding.
	String() string
	isStrip()
}

// Insert produces Value.
type Insert struct {
	Value string
}

func (s Insert) InputLength() int  { return 0 }
func (s Insert) OutputLength() int { return utf8.RuneCountInString(s.Value) }
func (s Insert) String() string    { return strconv.Quote(s.Value) }
func (Insert) isStrip()            {}

// Retain copies [Start, End) of the input text unchanged.
type Retain struct {
	Start int
	End   int
}

func (s Retain) InputLength() int  { return s.End - s.Start }
func (s Retain) OutputLength() int { return s.End - s.Start }
func (s Retain) String() string    { return fmt.Sprintf("%d-%d", s.Start, s.End) }
func (Retain) isStrip()            {}

// Remove consumes [Start, End) of the input text and produces nothing.
type Remove struct {
	Start int
	End   int
}

func (s Remove) InputLength() int  { return s.End - s.Start }
func (s Remove) OutputLength() int { return 0 }
func (s Remove) String() string    { return fmt.Sprintf("-%d-%d", s.Start, s.End) }
func (Remove) isStrip()            {}

func isEmptyStrip(s Strip) bool {
	return s.InputLength() == 0 && s.OutputLength() == 0
}

// mergeStrips joins two adjacent strips of the same kind into one.
func mergeStrips(a, b Strip) (Strip, bool) {
	switch a := a.(type) {
	case Insert:
		if b, ok := b.(Insert); ok {
			return Insert{a.Value + b.Value}, true
		}
	case Retain:
		if b, ok := b.(Retain); ok && a.End == b.Start {
			return Retain{a.Start, b.End}, true
		}
	case Remove:
		if b, ok := b.(Remove); ok && a.End == b.Start {
			return Remove{a.Start, b.End}, true
		}
	}
	return nil, false
}

// normalize drops empty strips and merges adjacent compatible ones.
func normalize(strips []Strip) []Strip {
	var out []Strip
	for _, s := range strips {
		if s == nil || isEmptyStrip(s) {
			continue
		}
		if n := len(out); n > 0 {
			if merged, ok := mergeStrips(out[n-1], s); ok {
				out[n-1] = merged
				continue
			}
		}
		out = append(out, s)
	}
	return out
}
