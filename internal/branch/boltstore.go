package branch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.etcd.io/bbolt"

	"github.com/graftdb/graft/internal/storage"
)

// BoltStore persists branch documents in the repository database.
type BoltStore struct {
	db *storage.DB
}

// NewBoltStore wraps an open repository database.
func NewBoltStore(db *storage.DB) *BoltStore {
	return &BoltStore{db: db}
}

// Get implements Store.Get.
func (s *BoltStore) Get(path string) (*Branch, error) {
	var b *Branch
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(storage.BucketBranches).Get([]byte(path))
		if v == nil {
			return nil
		}
		b = new(Branch)
		return json.Unmarshal(v, b)
	})
	if err != nil {
		return nil, fmt.Errorf("load branch %s: %w", path, err)
	}
	return b, nil
}

// Put implements Store.Put.
func (s *BoltStore) Put(b *Branch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode branch %s: %w", b.Path, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(storage.BucketBranches).Put([]byte(b.Path), body)
	})
	if err != nil {
		return fmt.Errorf("store branch %s: %w", b.Path, err)
	}
	return nil
}

// Children implements Store.Children.
func (s *BoltStore) Children(parentPath string) ([]*Branch, error) {
	prefix := []byte(parentPath + Separator)
	var out []*Branch
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(storage.BucketBranches).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			b := new(Branch)
			if err := json.Unmarshal(v, b); err != nil {
				return fmt.Errorf("decode branch %s: %w", k, err)
			}
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// NextID implements Store.NextID using the branches bucket sequence.
func (s *BoltStore) NextID() (int64, error) {
	var id uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var e error
		id, e = tx.Bucket(storage.BucketBranches).NextSequence()
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("next branch id: %w", err)
	}
	return int64(id), nil
}
