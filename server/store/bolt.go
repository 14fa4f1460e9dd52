package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/knemerzitski/notes-sub015/server/ot"
)

var documentsBucket = []byte("documents")

// Bolt keeps revision logs in a bbolt file, one nested bucket per document
// keyed by big-endian revision number.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func revisionKey(revision int) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(revision))
}

// boltValue is the stored form of a revision.
type boltValue struct {
	Changeset    ot.Changeset
	SubmissionId string `json:",omitempty"`
}

func decodeRecord(k, v []byte) (Record, error) {
	var bv boltValue
	if err := json.Unmarshal(v, &bv); err != nil {
		return Record{}, err
	}
	return Record{
		Revision:     int(binary.BigEndian.Uint64(k)),
		Changeset:    bv.Changeset,
		SubmissionID: bv.SubmissionId,
	}, nil
}

func (s *Bolt) AppendRevision(ctx context.Context, documentID string, baseRevision int, cs ot.Changeset, submissionID string) (int, error) {
	revision := baseRevision + 1
	v, err := json.Marshal(boltValue{Changeset: cs, SubmissionId: submissionID})
	if err != nil {
		return 0, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(documentsBucket).CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return err
		}
		head := 0
		if k, _ := b.Cursor().Last(); k != nil {
			head = int(binary.BigEndian.Uint64(k))
		}
		if head != baseRevision {
			return ErrRevisionConflict
		}
		return b.Put(revisionKey(revision), v)
	})
	if err != nil {
		return 0, err
	}
	return revision, nil
}

func (s *Bolt) ReadRevisionsSince(ctx context.Context, documentID string, revision int) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(documentsBucket).Bucket([]byte(documentID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(revisionKey(max(revision, 0) + 1)); k != nil; k, v = c.Next() {
			rec, err := decodeRecord(k, v)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func (s *Bolt) Head(ctx context.Context, documentID string) (Head, error) {
	var head Head
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(documentsBucket).Bucket([]byte(documentID))
		if b == nil {
			return nil
		}
		k, v := b.Cursor().Last()
		if k == nil {
			return nil
		}
		rec, err := decodeRecord(k, v)
		if err != nil {
			return err
		}
		head = Head{Revision: rec.Revision, Length: rec.Changeset.OutputLength()}
		return nil
	})
	return head, err
}

func (s *Bolt) Close() error {
	return s.db.Close()
}
