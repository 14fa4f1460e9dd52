// Package collab keeps a client's copy of a shared document in step with the
// server's revision log.
//
// Local edits apply to the visible text at once and queue for submission. At
// most one submission is in flight; edits made meanwhile compose into the
// pending changeset. Remote revisions rebase both over themselves. Undo
// entries are recorded when an edit is made, not when the server accepts it.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/knemerzitski/notes-sub015/server/common"
	"github.com/knemerzitski/notes-sub015/server/ot"
)

var (
	// ErrSessionAbandoned is returned after Close.
	ErrSessionAbandoned = errors.New("collab: session abandoned")
	ErrNothingToUndo    = errors.New("collab: nothing to undo")
	ErrNothingToRedo    = errors.New("collab: nothing to redo")
	// ErrSubmissionRefused is returned when the server refuses a submission
	// outright, which leaves the session out of step with the server.
	ErrSubmissionRefused = errors.New("collab: submission refused")
)

// Transport submits changesets to the server. submissionID is the same
// every time one submission is sent.
type Transport interface {
	SubmitChangeset(ctx context.Context, documentID, submissionID string, baseRevision int, cs ot.Changeset) (common.SubmitResult, error)
}

type Options struct {
	// HistoryLimit bounds the undo stack. Defaults to 100.
	HistoryLimit int
	// MergeWindow is how close consecutive edits of one actor must be to share
	// an undo entry. Zero disables merging.
	MergeWindow time.Duration
	// ClientPriority puts local insertions before remote ones made at the
	// same position. Must be false against a server that rebases
	// submissions itself.
	ClientPriority bool
	Logger         *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Status reports where local edits are in the submission cycle.
type Status int

const (
	Idle Status = iota
	PendingLocal
	Submitting
	PendingLocalWhileSubmitting
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "Idle"
	case PendingLocal:
		return "PendingLocal"
	case Submitting:
		return "Submitting"
	case PendingLocalWhileSubmitting:
		return "PendingLocalWhileSubmitting"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// LocalChange is an edit made to the visible text.
type LocalChange struct {
	Changeset ot.Changeset
	// Selection after the edit. When nil the current selection follows the
	// changeset.
	Selection *ot.Selection
	// Actor identifies who made the edit, for undo merging.
	Actor string
}

type submission struct {
	id        string
	changeset ot.Changeset // rebased onto serverRevision
	sentBase  int          // serverRevision when last sent
	inFlight  bool
}

type Service struct {
	documentID string
	transport  Transport
	opts       Options
	logger     *slog.Logger

	mu             sync.Mutex // protects the fields below
	serverRevision int
	viewText       string
	submission     *submission
	pending        ot.Changeset // applies after submission, or to the server text
	selection      ot.Selection
	history        *History
	buffered       map[int]pushed // remote revisions past serverRevision+1
	closed         bool
	err            error // fatal, cleared by Resync

	wake chan struct{}
	done chan struct{}
}

// New starts a session on text at revision, as read from the server.
func New(documentID string, revision int, text string, t Transport, opts Options) *Service {
	if opts.HistoryLimit == 0 {
		opts.HistoryLimit = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		documentID:     documentID,
		transport:      t,
		opts:           opts,
		logger:         opts.Logger.With("document", documentID),
		serverRevision: revision,
		viewText:       text,
		pending:        ot.Identity(utf8.RuneCountInString(text)),
		history:        NewHistory(opts.HistoryLimit, opts.MergeWindow),
		buffered:       make(map[int]pushed),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

func (s *Service) DocumentID() string {
	return s.documentID
}

func (s *Service) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewText
}

func (s *Service) Selection() ot.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

// Revision returns the last revision known to be in the server log.
func (s *Service) Revision() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverRevision
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	hasPending := !s.pending.IsIdentity()
	switch {
	case s.submission != nil && hasPending:
		return PendingLocalWhileSubmitting
	case s.submission != nil:
		return Submitting
	case hasPending:
		return PendingLocal
	}
	return Idle
}

// Err returns the error that stopped the session, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Service) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanUndo()
}

func (s *Service) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanRedo()
}

func (s *Service) usable() error {
	if s.closed {
		return ErrSessionAbandoned
	}
	return s.err
}

func (s *Service) viewLength() int {
	return utf8.RuneCountInString(s.viewText)
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// fail stops the session until Resync.
func (s *Service) fail(err error) error {
	s.err = err
	s.logger.Error("session out of sync", "error", err)
	return err
}

func (s *Service) SetSelection(sel ot.Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = sel.Clamp(s.viewLength())
}

// Apply applies a local edit to the visible text and queues it for
// submission.
func (s *Service) Apply(change LocalChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(change)
}

func (s *Service) apply(change LocalChange) error {
	if err := s.usable(); err != nil {
		return err
	}
	cs := change.Changeset
	if cs.InputLength() != s.viewLength() {
		return fmt.Errorf("%w: changeset input length %d, text length %d",
			ot.ErrNotComposable, cs.InputLength(), s.viewLength())
	}
	sel := s.selection.Follow(cs, true)
	if change.Selection != nil {
		sel = *change.Selection
	}
	sel = sel.Clamp(cs.OutputLength())
	if cs.IsIdentity() {
		s.selection = sel
		return nil
	}
	inv, err := cs.Inverse(s.viewText)
	if err != nil {
		return err
	}
	e := Entry{Changeset: cs, Inverse: inv, Selection: sel, SelectionInverse: s.selection}
	if err := s.applyLocal(cs, sel); err != nil {
		return err
	}
	if err := s.history.Push(e, change.Actor, s.opts.Now()); err != nil {
		s.logger.Warn("dropping undo history", "error", err)
		s.history.clear()
	}
	return nil
}

// applyLocal composes cs into the pending changeset and updates the view.
func (s *Service) applyLocal(cs ot.Changeset, sel ot.Selection) error {
	text, err := cs.Apply(s.viewText)
	if err != nil {
		return err
	}
	pending, err := ot.Compose(s.pending, cs)
	if err != nil {
		return s.fail(err)
	}
	s.pending = pending
	s.viewText = text
	s.selection = sel.Clamp(cs.OutputLength())
	s.signal()
	return nil
}

// Insert replaces the selection with text and puts the caret after it.
func (s *Service) Insert(text, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel := s.selection
	caret := ot.Caret(sel.Start + utf8.RuneCountInString(text))
	return s.apply(LocalChange{Changeset: ot.Replace(s.viewLength(), sel, text), Selection: &caret, Actor: actor})
}

// Delete removes the selection, or the character before a collapsed caret.
func (s *Service) Delete(actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel := s.selection
	if sel.IsCollapsed() {
		if sel.Start == 0 {
			return s.usable()
		}
		sel = ot.NewSelection(sel.Start-1, sel.Start)
	}
	caret := ot.Caret(sel.Start)
	return s.apply(LocalChange{Changeset: ot.Replace(s.viewLength(), sel, ""), Selection: &caret, Actor: actor})
}

// SetText replaces the whole text, changing only the parts that differ.
func (s *Service) SetText(text, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(LocalChange{Changeset: ot.Diff(s.viewText, text), Actor: actor})
}

// Undo reverts the latest undo entry as a new local edit.
func (s *Service) Undo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	e, ok := s.history.popUndo()
	if !ok {
		return ErrNothingToUndo
	}
	text, sel := s.viewText, s.selection
	if err := s.applyLocal(e.Inverse, e.SelectionInverse); err != nil {
		return err
	}
	// Redo restores exactly this text, even if remote changes made
	// e.Changeset drift from e.Inverse.
	redo, err := e.Inverse.Inverse(text)
	if err != nil {
		return err
	}
	s.history.pushRedo(Entry{Changeset: redo, Inverse: e.Inverse, Selection: sel, SelectionInverse: e.SelectionInverse})
	return nil
}

// Redo reapplies the latest undone entry.
func (s *Service) Redo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	e, ok := s.history.popRedo()
	if !ok {
		return ErrNothingToRedo
	}
	text, sel := s.viewText, s.selection
	if err := s.applyLocal(e.Changeset, e.Selection); err != nil {
		return err
	}
	inv, err := e.Changeset.Inverse(text)
	if err != nil {
		return err
	}
	s.history.pushUndo(Entry{Changeset: e.Changeset, Inverse: inv, Selection: e.Selection, SelectionInverse: sel})
	return nil
}

// applyRemote applies x, a changeset on top of serverRevision made by someone
// else, rebasing local work over it.
func (s *Service) applyRemote(x ot.Changeset) error {
	remoteFirst := !s.opts.ClientPriority
	if s.submission != nil {
		sub, err := ot.Follow(x, s.submission.changeset, remoteFirst)
		if err != nil {
			return s.fail(err)
		}
		if x, err = ot.Follow(s.submission.changeset, x, !remoteFirst); err != nil {
			return s.fail(err)
		}
		s.submission.changeset = sub
	}
	pending, err := ot.Follow(x, s.pending, remoteFirst)
	if err != nil {
		return s.fail(err)
	}
	if x, err = ot.Follow(s.pending, x, !remoteFirst); err != nil {
		return s.fail(err)
	}
	s.pending = pending

	// x now applies to the visible text.
	text, err := x.Apply(s.viewText)
	if err != nil {
		return s.fail(err)
	}
	s.viewText = text
	s.selection = s.selection.Follow(x, remoteFirst).Clamp(x.OutputLength())
	if err := s.history.follow(x, remoteFirst); err != nil {
		s.logger.Warn("dropping undo history", "error", err)
		s.history.clear()
	}
	return nil
}

type pushed struct {
	changeset    ot.Changeset
	submissionID string
}

// ReceiveRevision applies a revision pushed by the server. Revisions that
// arrive early are held until the ones before them arrive. A revision made
// from the submission in flight acknowledges it.
func (s *Service) ReceiveRevision(revision int, cs ot.Changeset, submissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	switch {
	case revision <= s.serverRevision:
		return nil
	case revision > s.serverRevision+1:
		s.buffered[revision] = pushed{cs, submissionID}
		return nil
	}
	if err := s.receive(pushed{cs, submissionID}); err != nil {
		return err
	}
	return s.drainBuffered()
}

// receive applies p as revision serverRevision+1.
func (s *Service) receive(p pushed) error {
	if sub := s.submission; sub != nil && p.submissionID != "" && p.submissionID == sub.id {
		// Sent over an earlier connection; its response is not coming, or
		// will be ignored.
		s.serverRevision++
		s.submission = nil
		s.logger.Debug("submission acknowledged by push", "revision", s.serverRevision)
		if !s.pending.IsIdentity() {
			s.signal()
		}
		return nil
	}
	if err := s.applyRemote(p.changeset); err != nil {
		return err
	}
	s.serverRevision++
	return nil
}

func (s *Service) drainBuffered() error {
	for rev := range s.buffered {
		if rev <= s.serverRevision {
			delete(s.buffered, rev)
		}
	}
	for {
		p, ok := s.buffered[s.serverRevision+1]
		if !ok {
			return nil
		}
		delete(s.buffered, s.serverRevision+1)
		if err := s.receive(p); err != nil {
			return err
		}
	}
}

// unseen returns the missed changesets of a response to a submission sent at
// base that have not been applied yet, and the revision of the last one.
func (s *Service) unseen(base int, missed []ot.Changeset) ([]ot.Changeset, int) {
	last := base + len(missed)
	if skip := s.serverRevision - base; skip > 0 {
		if skip >= len(missed) {
			return nil, last
		}
		missed = missed[skip:]
	}
	return missed, last
}

// handleResult applies a response to sub and reports whether sub was
// accepted.
func (s *Service) handleResult(sub *submission, res common.SubmitResult) (bool, error) {
	if res.Error != "" {
		return false, s.fail(fmt.Errorf("%w: %s", ErrSubmissionRefused, res.Error))
	}
	missed, last := s.unseen(sub.sentBase, res.MissedChangesets)
	if res.Accepted {
		// The server rebased the submission over revisions up to Revision-1.
		if last != res.Revision-1 {
			return false, s.fail(fmt.Errorf("%w: accepted as revision %d after %d missed revisions from %d",
				ot.ErrNotComposable, res.Revision, len(res.MissedChangesets), sub.sentBase))
		}
		for _, cs := range missed {
			if err := s.applyRemote(cs); err != nil {
				return false, err
			}
		}
		s.serverRevision = res.Revision
		s.submission = nil
		s.logger.Debug("submission acknowledged", "revision", res.Revision)
		return true, s.drainBuffered()
	}

	foreign, err := ot.ComposeAll(missed...)
	if err != nil {
		return false, s.fail(err)
	}
	if len(missed) > 0 {
		if err := s.applyRemote(foreign); err != nil {
			return false, err
		}
	}
	if last > s.serverRevision {
		s.serverRevision = last
	}
	s.logger.Debug("submission rebased", "missed", len(res.MissedChangesets), "revision", s.serverRevision)
	return false, s.drainBuffered()
}

// SubmitPending submits local edits until the server has acknowledged all of
// them. It returns at once if a submission is already in flight.
func (s *Service) SubmitPending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := s.usable(); err != nil {
			return err
		}
		if s.submission == nil {
			if s.pending.IsIdentity() {
				return nil
			}
			s.submission = &submission{id: uuid.NewString(), changeset: s.pending}
			s.pending = ot.Identity(s.pending.OutputLength())
		} else if s.submission.inFlight {
			return nil
		}
		sub := s.submission
		sub.inFlight = true
		sub.sentBase = s.serverRevision
		cs := sub.changeset

		s.mu.Unlock()
		res, err := s.transport.SubmitChangeset(ctx, s.documentID, sub.id, sub.sentBase, cs)
		s.mu.Lock()

		if s.closed {
			return ErrSessionAbandoned
		}
		if s.submission != sub {
			// Acknowledged by a push, or replaced by Resync.
			return nil
		}
		sub.inFlight = false
		if err != nil {
			// The submission stays queued and is sent again as is. The server
			// recognizes its id if the first send got through.
			return fmt.Errorf("submit changeset: %w", err)
		}
		if _, err := s.handleResult(sub, res); err != nil {
			return err
		}
	}
}

// Run submits local edits as they are made until ctx is done, the session is
// closed or it fails. Transport errors are retried with exponential backoff.
func (s *Service) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	s.signal()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrSessionAbandoned
		case <-s.wake:
		}
		for {
			err := s.SubmitPending(ctx)
			if err == nil {
				b.Reset()
				break
			}
			if fatal := s.Err(); fatal != nil || errors.Is(err, ErrSessionAbandoned) || ctx.Err() != nil {
				return err
			}
			d := b.NextBackOff()
			s.logger.Warn("submit failed, retrying", "error", err, "delay", d)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.done:
				return ErrSessionAbandoned
			case <-time.After(d):
			}
		}
	}
}

// Resync restarts the session from text at revision after a failure. Unsent
// edits and undo history are discarded.
func (s *Service) Resync(revision int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionAbandoned
	}
	s.serverRevision = revision
	s.viewText = text
	s.submission = nil
	s.pending = ot.Identity(s.viewLength())
	s.selection = s.selection.Clamp(s.viewLength())
	s.history.clear()
	clear(s.buffered)
	s.err = nil
	s.logger.Info("resynced", "revision", revision)
	return nil
}

// Close abandons the session. Responses to submissions in flight are
// dropped.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}
