package reconcile_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knemerzitski/notes-sub015/server/ot"
	"github.com/knemerzitski/notes-sub015/server/reconcile"
	"github.com/knemerzitski/notes-sub015/server/store"
)

const doc = "doc"

// seed appends changesets to a fresh memory store and returns a reconciler
// over it.
func seed(t *testing.T, policy reconcile.Policy, changesets ...string) *reconcile.Reconciler {
	st := store.NewMemory()
	for i, s := range changesets {
		_, err := st.AppendRevision(context.Background(), doc, i, ot.MustParse(s), "")
		require.NoError(t, err)
	}
	return reconcile.New(st, policy, nil)
}

func snapshot(t *testing.T, r *reconcile.Reconciler) (int, string) {
	rev, text, err := r.Snapshot(context.Background(), doc)
	require.NoError(t, err)
	return rev, text
}

func TestSubmitAtHead(t *testing.T) {
	ctx := context.Background()
	r := seed(t, reconcile.ClientRebase)

	res, err := r.Submit(ctx, doc, "", 0, ot.FromText("hello"))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, 1, res.Revision)
	require.Empty(t, res.Missed)

	res, err = r.Submit(ctx, doc, "", 1, ot.MustParse(`(5->11)[0-5," world"]`))
	require.NoError(t, err)
	require.Equal(t, 2, res.Revision)

	rev, text := snapshot(t, r)
	require.Equal(t, 2, rev)
	require.Equal(t, "hello world", text)
}

func TestSubmitBehindHeadClientRebase(t *testing.T) {
	ctx := context.Background()
	r := seed(t, reconcile.ClientRebase,
		`(0->5)["hello"]`,
		`(5->6)[0-5,"!"]`,
		`(6->6)["H",1-6]`,
		`(6->7)[0-6,"?"]`,
		`(7->8)[">",0-7]`,
	)

	// Made against revision 3, text "Hello!".
	local := ot.MustParse(`(6->12)[0-5," world",5-6]`)
	res, err := r.Submit(ctx, doc, "", 3, local)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.Equal(t, []int{4, 5}, []int{res.Missed[0].Revision, res.Missed[1].Revision})
	require.Len(t, res.MissedChangesets(), 2)

	// The client rebases over the missed revisions and submits again.
	foreign, err := ot.ComposeAll(res.MissedChangesets()...)
	require.NoError(t, err)
	rebased, err := ot.Follow(foreign, local, false)
	require.NoError(t, err)

	res, err = r.Submit(ctx, doc, "", 5, rebased)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, 6, res.Revision)

	_, text := snapshot(t, r)
	require.Equal(t, ">Hello world!?", text)
}

func TestSubmitBehindHeadServerRebase(t *testing.T) {
	ctx := context.Background()
	r := seed(t, reconcile.ServerRebase,
		`(0->5)["hello"]`,
		`(5->3)[2-5]`,
	)
	require.Equal(t, reconcile.ServerRebase, r.Policy())

	res, err := r.Submit(ctx, doc, "", 1, ot.MustParse(`(5->11)[0-5," world"]`))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, 3, res.Revision)
	require.Len(t, res.Missed, 1)
	require.Equal(t, "(3->9)[0-3,\" world\"]", res.Changeset.String())

	_, text := snapshot(t, r)
	require.Equal(t, "llo world", text)
}

func TestSubmitServerRebaseTieBreak(t *testing.T) {
	ctx := context.Background()
	r := seed(t, reconcile.ServerRebase, `(0->2)["ac"]`, `(2->3)[0-1,"X",1-2]`)

	// Both insert at position 1; the stored revision goes first.
	res, err := r.Submit(ctx, doc, "", 1, ot.MustParse(`(2->3)[0-1,"b",1-2]`))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	_, text := snapshot(t, r)
	require.Equal(t, "aXbc", text)
}

func TestSubmitErrors(t *testing.T) {
	ctx := context.Background()
	r := seed(t, reconcile.ClientRebase, `(0->5)["hello"]`, `(5->3)[2-5]`)

	_, err := r.Submit(ctx, "", "", 0, ot.FromText("x"))
	require.ErrorIs(t, err, reconcile.ErrInvalidDocument)

	_, err = r.Submit(ctx, doc, "", -1, ot.FromText("x"))
	require.ErrorIs(t, err, reconcile.ErrInvalidRevision)
	_, err = r.Submit(ctx, doc, "", 3, ot.Identity(3))
	require.ErrorIs(t, err, reconcile.ErrInvalidRevision)

	// Wrong length at head.
	_, err = r.Submit(ctx, doc, "", 2, ot.Identity(5))
	require.ErrorIs(t, err, ot.ErrNotComposable)
	// Wrong length at an older base.
	_, err = r.Submit(ctx, doc, "", 1, ot.Identity(3))
	require.ErrorIs(t, err, ot.ErrNotComposable)

	rev, text := snapshot(t, r)
	require.Equal(t, 2, rev)
	require.Equal(t, "llo", text)
}

func TestRevisions(t *testing.T) {
	ctx := context.Background()
	r := seed(t, reconcile.ClientRebase, `(0->5)["hello"]`, `(5->3)[2-5]`)

	records, err := r.Revisions(ctx, doc, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 2, records[0].Revision)

	_, err = r.Revisions(ctx, doc, -1)
	require.ErrorIs(t, err, reconcile.ErrInvalidRevision)
	_, err = r.Revisions(ctx, "", 0)
	require.ErrorIs(t, err, reconcile.ErrInvalidDocument)

	rev, text := snapshot(t, seed(t, reconcile.ClientRebase))
	require.Equal(t, 0, rev)
	require.Equal(t, "", text)
}

func TestResubmitIsAcceptedOnce(t *testing.T) {
	for _, policy := range []reconcile.Policy{reconcile.ClientRebase, reconcile.ServerRebase} {
		t.Run(policy.String(), func(t *testing.T) {
			ctx := context.Background()
			r := seed(t, policy, `(0->5)["hello"]`)

			bang := ot.MustParse(`(5->6)[0-5,"!"]`)
			res, err := r.Submit(ctx, doc, "s1", 1, bang)
			require.NoError(t, err)
			require.Equal(t, 2, res.Revision)
			require.False(t, res.Duplicate)

			// Someone else appends before the same submission arrives again.
			res, err = r.Submit(ctx, doc, "s2", 2, ot.MustParse(`(6->7)[">",0-6]`))
			require.NoError(t, err)
			require.Equal(t, 3, res.Revision)

			res, err = r.Submit(ctx, doc, "s1", 1, bang)
			require.NoError(t, err)
			require.True(t, res.Accepted)
			require.True(t, res.Duplicate)
			require.Equal(t, 2, res.Revision)
			require.Empty(t, res.Missed)

			rev, text := snapshot(t, r)
			require.Equal(t, 3, rev)
			require.Equal(t, ">hello!", text)
		})
	}

	// Without an id a resend is a new submission.
	ctx := context.Background()
	r := seed(t, reconcile.ClientRebase, `(0->5)["hello"]`)
	_, err := r.Submit(ctx, doc, "", 1, ot.MustParse(`(5->6)[0-5,"!"]`))
	require.NoError(t, err)
	res, err := r.Submit(ctx, doc, "", 1, ot.MustParse(`(5->6)[0-5,"!"]`))
	require.NoError(t, err)
	require.False(t, res.Accepted)
}

// conflictStore reports a conflict on the first n appends, as if another
// process had appended concurrently.
type conflictStore struct {
	*store.Memory
	n int
}

func (s *conflictStore) AppendRevision(ctx context.Context, documentID string, base int, cs ot.Changeset, submissionID string) (int, error) {
	if s.n > 0 {
		s.n--
		return 0, store.ErrRevisionConflict
	}
	return s.Memory.AppendRevision(ctx, documentID, base, cs, submissionID)
}

func TestSubmitRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	st := &conflictStore{Memory: store.NewMemory(), n: 2}
	r := reconcile.New(st, reconcile.ClientRebase, nil)
	res, err := r.Submit(ctx, doc, "", 0, ot.FromText("a"))
	require.NoError(t, err)
	require.Equal(t, 1, res.Revision)

	st.n = 100
	_, err = r.Submit(ctx, doc, "", 1, ot.MustParse(`(1->2)[0-1,"b"]`))
	require.ErrorIs(t, err, store.ErrRevisionConflict)
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []reconcile.Policy{reconcile.ClientRebase, reconcile.ServerRebase} {
		got, err := reconcile.ParsePolicy(p.String())
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	_, err := reconcile.ParsePolicy("both")
	require.Error(t, err)
}
