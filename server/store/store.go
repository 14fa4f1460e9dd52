// Package store persists the revision log of each document.
//
// A document's log is an append-only list of changesets numbered from 1;
// revision 0 is the empty text. Every implementation appends atomically and
// rejects an append whose base revision is not the current head.
package store

import (
	"context"
	"errors"

	"github.com/knemerzitski/notes-sub015/server/ot"
)

// ErrRevisionConflict is returned by AppendRevision when the log has moved
// past the base revision.
var ErrRevisionConflict = errors.New("store: revision conflict")

// Record is a changeset together with the revision it produced.
type Record struct {
	Revision  int
	Changeset ot.Changeset
	// SubmissionID is the client's id for the submission that produced the
	// revision, or empty.
	SubmissionID string
}

// Head describes the latest revision of a document and the length of its text.
type Head struct {
	Revision int
	Length   int
}

type Store interface {
	// AppendRevision appends cs as revision baseRevision+1 and returns it.
	AppendRevision(ctx context.Context, documentID string, baseRevision int, cs ot.Changeset, submissionID string) (int, error)
	// ReadRevisionsSince returns every record after revision, in order.
	ReadRevisionsSince(ctx context.Context, documentID string, revision int) ([]Record, error)
	Head(ctx context.Context, documentID string) (Head, error)
	Close() error
}
