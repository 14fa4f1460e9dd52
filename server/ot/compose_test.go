package ot_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knemerzitski/notes-sub015/server/ot"
)

func TestCompose(t *testing.T) {
	a := ot.MustParse(`(5->11)[0-5," world"]`)
	b := ot.MustNew(11, ot.Retain{Start: 0, End: 5}, ot.Insert{Value: ","}, ot.Retain{Start: 5, End: 11})

	ab, err := ot.Compose(a, b)
	require.NoError(t, err)
	require.Equal(t, `(5->12)[0-5,", world"]`, ab.String())
	require.Equal(t, "hello, world", apply(t, ab, "hello"))

	// Retaining part of an insert keeps only that part of the text.
	c := ot.MustNew(12, ot.Retain{Start: 0, End: 1}, ot.Retain{Start: 7, End: 12})
	abc, err := ot.Compose(ab, c)
	require.NoError(t, err)
	require.Equal(t, `(5->6)[0-1,"world"]`, abc.String())
}

func TestComposeIdentityAndEmpty(t *testing.T) {
	a := ot.MustParse(`(5->11)[0-5," world"]`)

	same, err := ot.Compose(a, ot.Identity(11))
	require.NoError(t, err)
	require.True(t, same.Equal(a))

	same, err = ot.Compose(ot.Identity(5), a)
	require.NoError(t, err)
	require.True(t, same.Equal(a))

	empty, err := ot.Compose(a, ot.MustNew(11))
	require.NoError(t, err)
	require.Equal(t, `(5->0)[]`, empty.String())
}

func TestComposeNotComposable(t *testing.T) {
	a := ot.MustParse(`(5->11)[0-5," world"]`)
	require.False(t, ot.IsComposable(a, ot.Identity(5)))
	require.ErrorIs(t, ot.AssertComposable(a, ot.Identity(5)), ot.ErrNotComposable)

	_, err := ot.Compose(a, ot.Identity(5))
	require.ErrorIs(t, err, ot.ErrNotComposable)
}

func TestComposeAll(t *testing.T) {
	cs, err := ot.ComposeAll()
	require.NoError(t, err)
	require.True(t, cs.IsIdentity())

	cs, err = ot.ComposeAll(
		ot.FromText("hello"),
		ot.MustParse(`(5->11)[0-5," world"]`),
		ot.MustParse(`(11->9)[-0-2,2-11]`),
	)
	require.NoError(t, err)
	require.Equal(t, "llo world", apply(t, cs, ""))

	_, err = ot.ComposeAll(ot.FromText("hello"), ot.Identity(3))
	require.ErrorIs(t, err, ot.ErrNotComposable)
}
