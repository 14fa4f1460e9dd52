package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knemerzitski/notes-sub015/server/ot"
)

var migrations = []string{`
CREATE TABLE IF NOT EXISTS revisions (
	document_id   TEXT        NOT NULL,
	revision      INTEGER     NOT NULL,
	changeset     TEXT        NOT NULL,
	output_length INTEGER     NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (document_id, revision)
)`,
	`ALTER TABLE revisions ADD COLUMN IF NOT EXISTS submission_id TEXT NOT NULL DEFAULT ''`,
}

const uniqueViolation = "23505"

// Postgres keeps revision logs in the revisions table. Concurrent appends of
// the same revision collide on the primary key.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates or upgrades the revisions table.
func (s *Postgres) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Postgres) AppendRevision(ctx context.Context, documentID string, baseRevision int, cs ot.Changeset, submissionID string) (int, error) {
	revision := baseRevision + 1
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var head int
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(revision), 0) FROM revisions WHERE document_id = $1`,
			documentID).Scan(&head)
		if err != nil {
			return err
		}
		if head != baseRevision {
			return ErrRevisionConflict
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO revisions (document_id, revision, changeset, output_length, submission_id) VALUES ($1, $2, $3, $4, $5)`,
			documentID, revision, cs.String(), cs.OutputLength(), submissionID)
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return 0, ErrRevisionConflict
	}
	if err != nil {
		return 0, err
	}
	return revision, nil
}

func (s *Postgres) ReadRevisionsSince(ctx context.Context, documentID string, revision int) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT revision, changeset, submission_id FROM revisions WHERE document_id = $1 AND revision > $2 ORDER BY revision`,
		documentID, revision)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			r       Record
			encoded string
		)
		if err := row.Scan(&r.Revision, &encoded, &r.SubmissionID); err != nil {
			return Record{}, err
		}
		cs, err := ot.Parse(encoded)
		if err != nil {
			return Record{}, err
		}
		r.Changeset = cs
		return r, nil
	})
}

func (s *Postgres) Head(ctx context.Context, documentID string) (Head, error) {
	var head Head
	err := s.pool.QueryRow(ctx,
		`SELECT revision, output_length FROM revisions WHERE document_id = $1 ORDER BY revision DESC LIMIT 1`,
		documentID).Scan(&head.Revision, &head.Length)
	if errors.Is(err, pgx.ErrNoRows) {
		return Head{}, nil
	}
	return head, err
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
