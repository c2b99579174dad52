package commitlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/graftdb/graft/internal/storage"
)

// BoltStore persists commit records in the repository database. Records live
// in the commits bucket by id; a per-branch index orders them by timestamp.
type BoltStore struct {
	db *storage.DB
}

// NewBoltStore wraps an open repository database.
func NewBoltStore(db *storage.DB) *BoltStore {
	return &BoltStore{db: db}
}

func indexKey(path string, ts int64) []byte {
	k := make([]byte, 0, len(path)+9)
	k = append(k, path...)
	k = append(k, 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	return append(k, buf[:]...)
}

// Put implements Store.Put.
func (s *BoltStore) Put(c *Commit) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode commit %s: %w", c.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(storage.BucketCommits).Put([]byte(c.ID), body); err != nil {
			return err
		}
		return tx.Bucket(storage.BucketCommitIx).Put(indexKey(c.Branch, c.Timestamp), []byte(c.ID))
	})
}

// Get implements Store.Get.
func (s *BoltStore) Get(id string) (*Commit, error) {
	var c *Commit
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(storage.BucketCommits).Get([]byte(id))
		if v == nil {
			return nil
		}
		c = new(Commit)
		return json.Unmarshal(v, c)
	})
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", id, err)
	}
	return c, nil
}

// ByBranch implements Store.ByBranch.
func (s *BoltStore) ByBranch(path string) ([]*Commit, error) {
	prefix := append([]byte(path), 0)
	var out []*Commit
	err := s.db.View(func(tx *bbolt.Tx) error {
		commits := tx.Bucket(storage.BucketCommits)
		cur := tx.Bucket(storage.BucketCommitIx).Cursor()
		for k, id := cur.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, id = cur.Next() {
			v := commits.Get(id)
			if v == nil {
				return fmt.Errorf("commit %s indexed but missing", id)
			}
			c := new(Commit)
			if err := json.Unmarshal(v, c); err != nil {
				return fmt.Errorf("decode commit %s: %w", id, err)
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
