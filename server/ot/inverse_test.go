package ot_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knemerzitski/notes-sub015/server/ot"
)

func TestInverse(t *testing.T) {
	cs := ot.MustParse(`(11->8)[0-1,"i",5-11]`)
	require.Equal(t, "hi world", apply(t, cs, "hello world"))

	inv, err := cs.Inverse("hello world")
	require.NoError(t, err)
	require.Equal(t, `(8->11)[0-1,"ello",2-8]`, inv.String())
	require.Equal(t, "hello world", apply(t, inv, "hi world"))

	both, err := ot.Compose(cs, inv)
	require.NoError(t, err)
	require.Equal(t, "hello world", apply(t, both, "hello world"))

	_, err = cs.Inverse("hello")
	require.ErrorIs(t, err, ot.ErrNotComposable)
}

func TestInverseWithoutRemovalsIsIdentityOnCompose(t *testing.T) {
	cs := ot.MustParse(`(5->11)[0-5," world"]`)
	inv, err := cs.Inverse("hello")
	require.NoError(t, err)
	both, err := ot.Compose(cs, inv)
	require.NoError(t, err)
	require.True(t, both.IsIdentity(), "%v", both)
}

func TestInverseOf(t *testing.T) {
	cs := ot.MustParse(`(11->8)[0-1,"i",5-11]`)

	inv, err := cs.InverseOf(ot.FromText("hello world"))
	require.NoError(t, err)
	want, err := cs.Inverse("hello world")
	require.NoError(t, err)
	require.Equal(t, want, inv)

	// Only the removed range needs to be known.
	partial := ot.MustNew(9, ot.Retain{Start: 0, End: 1}, ot.Insert{Value: "ello"}, ot.Retain{Start: 3, End: 9})
	inv, err = cs.InverseOf(partial)
	require.NoError(t, err)
	require.Equal(t, want, inv)

	_, err = cs.InverseOf(ot.Identity(11))
	require.ErrorIs(t, err, ot.ErrInverseRequiresOriginalText)

	_, err = cs.InverseOf(ot.Identity(4))
	require.ErrorIs(t, err, ot.ErrNotComposable)
}
