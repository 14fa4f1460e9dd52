package store_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/knemerzitski/notes-sub015/server/ot"
	"github.com/knemerzitski/notes-sub015/server/store"
)

func testStore(t *testing.T, st store.Store, doc string) {
	ctx := context.Background()

	head, err := st.Head(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, store.Head{}, head)

	records, err := st.ReadRevisionsSince(ctx, doc, 0)
	require.NoError(t, err)
	require.Empty(t, records)

	first := ot.FromText("hello")
	second := ot.MustParse(`(5->11)[0-5," world"]`)

	rev, err := st.AppendRevision(ctx, doc, 0, first, "")
	require.NoError(t, err)
	require.Equal(t, 1, rev)

	_, err = st.AppendRevision(ctx, doc, 0, second, "s2")
	require.ErrorIs(t, err, store.ErrRevisionConflict)
	_, err = st.AppendRevision(ctx, doc, 2, second, "s2")
	require.ErrorIs(t, err, store.ErrRevisionConflict)

	rev, err = st.AppendRevision(ctx, doc, 1, second, "s2")
	require.NoError(t, err)
	require.Equal(t, 2, rev)

	head, err = st.Head(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, store.Head{Revision: 2, Length: 11}, head)

	records, err = st.ReadRevisionsSince(ctx, doc, 0)
	require.NoError(t, err)
	require.Equal(t, []store.Record{
		{Revision: 1, Changeset: first},
		{Revision: 2, Changeset: second, SubmissionID: "s2"},
	}, records)

	records, err = st.ReadRevisionsSince(ctx, doc, 1)
	require.NoError(t, err)
	require.Equal(t, []store.Record{{Revision: 2, Changeset: second, SubmissionID: "s2"}}, records)

	records, err = st.ReadRevisionsSince(ctx, doc, 2)
	require.NoError(t, err)
	require.Empty(t, records)

	// Documents are independent.
	head, err = st.Head(ctx, doc+"-other")
	require.NoError(t, err)
	require.Equal(t, store.Head{}, head)
}

func TestMemory(t *testing.T) {
	testStore(t, store.NewMemory(), "doc")
}

func TestBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revisions.db")
	st, err := store.OpenBolt(path)
	require.NoError(t, err)
	testStore(t, st, "doc")
	require.NoError(t, st.Close())

	// Revisions survive reopening.
	st, err = store.OpenBolt(path)
	require.NoError(t, err)
	defer st.Close()
	head, err := st.Head(context.Background(), "doc")
	require.NoError(t, err)
	require.Equal(t, store.Head{Revision: 2, Length: 11}, head)
}

func TestPostgres(t *testing.T) {
	url := os.Getenv("NOTES_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("NOTES_TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	st, err := store.OpenPostgres(ctx, url)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Migrate(ctx))
	testStore(t, st, fmt.Sprintf("doc-%d", time.Now().UnixNano()))
}
