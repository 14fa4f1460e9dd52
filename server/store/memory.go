package store

import (
	"context"
	"sync"

	"github.com/knemerzitski/notes-sub015/server/ot"
)

// Memory keeps revision logs in memory.
type Memory struct {
	mu   sync.Mutex // protects the fields below
	docs map[string][]Record
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]Record)}
}

func (m *Memory) AppendRevision(ctx context.Context, documentID string, baseRevision int, cs ot.Changeset, submissionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.docs[documentID]
	if baseRevision != len(log) {
		return 0, ErrRevisionConflict
	}
	rec := Record{Revision: len(log) + 1, Changeset: cs, SubmissionID: submissionID}
	m.docs[documentID] = append(log, rec)
	return rec.Revision, nil
}

func (m *Memory) ReadRevisionsSince(ctx context.Context, documentID string, revision int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.docs[documentID]
	if revision < 0 {
		revision = 0
	}
	if revision >= len(log) {
		return nil, nil
	}
	return append([]Record(nil), log[revision:]...), nil
}

func (m *Memory) Head(ctx context.Context, documentID string) (Head, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.docs[documentID]
	if len(log) == 0 {
		return Head{}, nil
	}
	return Head{Revision: len(log), Length: log[len(log)-1].Changeset.OutputLength()}, nil
}

func (m *Memory) Close() error {
	return nil
}
