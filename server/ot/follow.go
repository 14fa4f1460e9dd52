package ot

import "fmt"

// Follow derives one bottom side of the OT diamond: given changesets a and b
// made concurrently against the same text, it returns b' such that applying a
// and then b' yields the same text as applying b and then Follow(b, a,
// !tieBreak).
//
// Text inserted by a is always kept. Text kept by a is kept only if b kept it
// too, so overlapping removals are not removed twice. When a and b insert at
// the same position, tieBreak places a's insertion first.
func Follow(a, b Changeset, tieBreak bool) (Changeset, error) {
	if a.inputLength != b.inputLength {
		return Changeset{}, fmt.Errorf("%w: follow over input lengths %d and %d", ErrNotComposable, a.inputLength, b.inputLength)
	}
	aOps, bOps := a.ops(), b.ops()

	var strips []Strip
	pos := 0 // position in a's output
	keep := func(n int) {
		strips = append(strips, Retain{pos, pos + n})
		pos += n
	}

	i, j := 0, 0
	for i < len(aOps) || j < len(bOps) {
		var ao, bo *op
		if i < len(aOps) {
			ao = &aOps[i]
		}
		if j < len(bOps) {
			bo = &bOps[j]
		}
		switch {
		case ao != nil && ao.kind == opInsert && (bo == nil || bo.kind != opInsert || tieBreak):
			keep(ao.n)
			i++
		case bo != nil && bo.kind == opInsert:
			strips = append(strips, Insert{bo.text})
			j++
		default:
			// Both sides consume input, and equal input lengths keep them in step.
			assert(ao != nil && bo != nil, "follow: op streams out of step")
			n := min(ao.n, bo.n)
			if ao.kind == opKeep {
				if bo.kind == opKeep {
					keep(n)
				} else {
					pos += n
				}
			}
			if ao.n -= n; ao.n == 0 {
				i++
			}
			if bo.n -= n; bo.n == 0 {
				j++
			}
		}
	}
	return Changeset{inputLength: a.OutputLength(), strips: normalize(strips)}, nil
}
