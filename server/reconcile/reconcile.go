// Package reconcile orders concurrent submissions of a document into a single
// linear revision log.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/knemerzitski/notes-sub015/server/ot"
	"github.com/knemerzitski/notes-sub015/server/store"
)

var (
	ErrInvalidDocument = errors.New("reconcile: invalid document id")
	ErrInvalidRevision = errors.New("reconcile: invalid base revision")
)

// maxAttempts bounds retries when another writer appends to a shared store
// between reading the head and appending.
const maxAttempts = 8

// Policy decides what happens to a submission made against an old revision.
type Policy int

const (
	// ClientRebase rejects the submission and returns the revisions it
	// missed, so that the client rebases and submits again.
	ClientRebase Policy = iota
	// ServerRebase follows the submission over the missed revisions and
	// appends the result.
	ServerRebase
)

func (p Policy) String() string {
	switch p {
	case ClientRebase:
		return "client"
	case ServerRebase:
		return "server"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "client", "":
		return ClientRebase, nil
	case "server":
		return ServerRebase, nil
	}
	return 0, fmt.Errorf("unknown rebase policy %q", s)
}

// Result is the outcome of a submission.
type Result struct {
	Accepted bool
	// Revision assigned to the submission, when accepted.
	Revision int
	// Changeset as appended. It differs from the submitted one only when the
	// server rebased it.
	Changeset ot.Changeset
	// Revisions after the base revision that the submission did not see. When
	// accepted they end at Revision-1.
	Missed []store.Record
	// Duplicate is set when the submission was already in the log and nothing
	// was appended.
	Duplicate bool
}

// MissedChangesets returns the changesets of r.Missed.
func (r Result) MissedChangesets() []ot.Changeset {
	changesets := make([]ot.Changeset, len(r.Missed))
	for i, rec := range r.Missed {
		changesets[i] = rec.Changeset
	}
	return changesets
}

type Reconciler struct {
	store  store.Store
	policy Policy
	logger *slog.Logger

	mu    sync.Mutex // protects locks
	locks map[string]*sync.Mutex
}

func New(st store.Store, policy Policy, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{
		store:  st,
		policy: policy,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (r *Reconciler) Policy() Policy {
	return r.policy
}

// lock serializes submissions to one document within this process.
func (r *Reconciler) lock(documentID string) func() {
	r.mu.Lock()
	l, ok := r.locks[documentID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[documentID] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Submit appends cs, made against baseRevision, to the log of documentID.
// A non-empty submissionID makes resending idempotent: a submission whose id
// is already in the log is accepted again at the revision it got.
func (r *Reconciler) Submit(ctx context.Context, documentID, submissionID string, baseRevision int, cs ot.Changeset) (Result, error) {
	if documentID == "" {
		return Result{}, ErrInvalidDocument
	}
	defer r.lock(documentID)()

	for attempt := 1; ; attempt++ {
		res, err := r.submit(ctx, documentID, submissionID, baseRevision, cs)
		if !errors.Is(err, store.ErrRevisionConflict) || attempt == maxAttempts {
			if err == nil {
				r.logger.Debug("submission reconciled",
					"document", documentID,
					"base", baseRevision,
					"accepted", res.Accepted,
					"revision", res.Revision,
					"missed", len(res.Missed),
					"duplicate", res.Duplicate)
			}
			return res, err
		}
		r.logger.Info("revision conflict, retrying", "document", documentID, "attempt", attempt)
	}
}

func (r *Reconciler) submit(ctx context.Context, documentID, submissionID string, baseRevision int, cs ot.Changeset) (Result, error) {
	head, err := r.store.Head(ctx, documentID)
	if err != nil {
		return Result{}, err
	}
	if baseRevision < 0 || baseRevision > head.Revision {
		return Result{}, fmt.Errorf("%w: %d, head is %d", ErrInvalidRevision, baseRevision, head.Revision)
	}

	if baseRevision == head.Revision {
		if cs.InputLength() != head.Length {
			return Result{}, fmt.Errorf("%w: changeset input length %d, document length %d",
				ot.ErrNotComposable, cs.InputLength(), head.Length)
		}
		rev, err := r.store.AppendRevision(ctx, documentID, baseRevision, cs, submissionID)
		if err != nil {
			return Result{}, err
		}
		return Result{Accepted: true, Revision: rev, Changeset: cs}, nil
	}

	missed, err := r.store.ReadRevisionsSince(ctx, documentID, baseRevision)
	if err != nil {
		return Result{}, err
	}
	if len(missed) == 0 {
		// The head moved backwards, which only a replaced store can do.
		return Result{}, store.ErrRevisionConflict
	}
	// A resent submission is after its base, so it is among the missed.
	if submissionID != "" {
		for i, rec := range missed {
			if rec.SubmissionID == submissionID {
				return Result{Accepted: true, Revision: rec.Revision, Changeset: rec.Changeset, Missed: missed[:i], Duplicate: true}, nil
			}
		}
	}
	if baseLength := missed[0].Changeset.InputLength(); cs.InputLength() != baseLength {
		return Result{}, fmt.Errorf("%w: changeset input length %d, length at revision %d is %d",
			ot.ErrNotComposable, cs.InputLength(), baseRevision, baseLength)
	}

	if r.policy == ClientRebase {
		return Result{Missed: missed}, nil
	}

	foreign, err := ot.ComposeAll(changesets(missed)...)
	if err != nil {
		return Result{}, err
	}
	rebased, err := ot.Follow(foreign, cs, true)
	if err != nil {
		return Result{}, err
	}
	rev, err := r.store.AppendRevision(ctx, documentID, missed[len(missed)-1].Revision, rebased, submissionID)
	if err != nil {
		return Result{}, err
	}
	return Result{Accepted: true, Revision: rev, Changeset: rebased, Missed: missed}, nil
}

func changesets(records []store.Record) []ot.Changeset {
	return Result{Missed: records}.MissedChangesets()
}

// Snapshot returns the latest revision of documentID and its text.
func (r *Reconciler) Snapshot(ctx context.Context, documentID string) (int, string, error) {
	if documentID == "" {
		return 0, "", ErrInvalidDocument
	}
	records, err := r.store.ReadRevisionsSince(ctx, documentID, 0)
	if err != nil {
		return 0, "", err
	}
	revision, text := 0, ""
	for _, rec := range records {
		if text, err = rec.Changeset.Apply(text); err != nil {
			return 0, "", fmt.Errorf("apply revision %d of %s: %w", rec.Revision, documentID, err)
		}
		revision = rec.Revision
	}
	return revision, text, nil
}

// Revisions returns the records of documentID after revision since.
func (r *Reconciler) Revisions(ctx context.Context, documentID string, since int) ([]store.Record, error) {
	if documentID == "" {
		return nil, ErrInvalidDocument
	}
	if since < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRevision, since)
	}
	return r.store.ReadRevisionsSince(ctx, documentID, since)
}
