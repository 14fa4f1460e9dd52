package ot_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knemerzitski/notes-sub015/server/ot"
)

func TestDiff(t *testing.T) {
	for _, tc := range []struct{ old, new string }{
		{"hello world", "hello brave new world"},
		{"hello world", "world"},
		{"héllo", "hallo wörld"},
		{"", "abc"},
		{"abc", ""},
		{"same", "same"},
	} {
		cs := ot.Diff(tc.old, tc.new)
		require.Equal(t, tc.new, apply(t, cs, tc.old), "%q -> %q: %v", tc.old, tc.new, cs)
	}

	require.True(t, ot.Diff("same", "same").IsIdentity())
	require.True(t, ot.Diff("", "abc").Equal(ot.FromText("abc")))
}
