package revision

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/graftdb/graft/internal/segment"
	"github.com/graftdb/graft/internal/storage"
)

// BoltStore persists versions in the repository database. Version lists live
// in the versions bucket keyed by object id; revision bodies are deduplicated
// in the content-addressed payload store.
type BoltStore struct {
	db *storage.DB
}

// NewBoltStore wraps an open repository database.
func NewBoltStore(db *storage.DB) *BoltStore {
	return &BoltStore{db: db}
}

// storedVersion is one entry of a persisted version list. The revision body
// lives in the payload store under Payload.
type storedVersion struct {
	BranchID  int64  `json:"branchId"`
	Timestamp int64  `json:"timestamp"`
	Deleted   bool   `json:"deleted,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

func versionKey(id ObjectID) []byte {
	k := make([]byte, 0, len(id.Type)+1+len(id.ID))
	k = append(k, id.Type...)
	k = append(k, 0)
	k = append(k, id.ID...)
	return k
}

func parseVersionKey(k []byte) (ObjectID, error) {
	i := bytes.IndexByte(k, 0)
	if i < 0 {
		return ObjectID{}, fmt.Errorf("malformed version key %q", k)
	}
	return ObjectID{Type: string(k[:i]), ID: string(k[i+1:])}, nil
}

// load materializes an object's full version history, resolving payloads.
func (s *BoltStore) load(id ObjectID, stored []storedVersion) ([]version, error) {
	out := make([]version, 0, len(stored))
	for _, sv := range stored {
		v := version{BranchID: sv.BranchID, Timestamp: sv.Timestamp, Deleted: sv.Deleted}
		if sv.Payload != "" {
			body, err := s.db.GetPayload(sv.Payload)
			if err != nil {
				return nil, fmt.Errorf("load revision %s@%d: %w", id, sv.Timestamp, err)
			}
			v.Revision = new(Revision)
			if err := json.Unmarshal(body, v.Revision); err != nil {
				return nil, fmt.Errorf("decode revision %s@%d: %w", id, sv.Timestamp, err)
			}
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *BoltStore) versionList(id ObjectID) ([]storedVersion, error) {
	var stored []storedVersion
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(storage.BucketVersions).Get(versionKey(id))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &stored)
	})
	if err != nil {
		return nil, fmt.Errorf("load versions of %s: %w", id, err)
	}
	return stored, nil
}

// VisibleAt implements Store.VisibleAt.
func (s *BoltStore) VisibleAt(view segment.Chain, id ObjectID) (*Revision, error) {
	stored, err := s.versionList(id)
	if err != nil {
		return nil, err
	}
	var best *storedVersion
	for i := range stored {
		sv := &stored[i]
		if !view.Contains(sv.BranchID, sv.Timestamp) {
			continue
		}
		if best == nil || sv.Timestamp > best.Timestamp {
			best = sv
		}
	}
	if best == nil || best.Deleted {
		return nil, nil
	}
	versions, err := s.load(id, []storedVersion{*best})
	if err != nil {
		return nil, err
	}
	return versions[0].Revision, nil
}

// Compare implements Store.Compare.
func (s *BoltStore) Compare(view segment.Chain, from int64) (*ChangeSet, error) {
	type entry struct {
		id     ObjectID
		stored []storedVersion
	}
	var entries []entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(storage.BucketVersions).ForEach(func(k, v []byte) error {
			id, err := parseVersionKey(k)
			if err != nil {
				return err
			}
			var stored []storedVersion
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("decode versions of %s: %w", id, err)
			}
			entries = append(entries, entry{id: id, stored: stored})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	cs := newChangeSet()
	for _, e := range entries {
		versions, err := s.load(e.id, e.stored)
		if err != nil {
			return nil, err
		}
		compareVersions(cs, e.id, versions, view, from)
	}
	return cs, nil
}

// Commit implements Store.Commit.
func (s *BoltStore) Commit(branchID, ts int64, changes []Staged) error {
	for _, c := range changes {
		if err := c.validate(); err != nil {
			return err
		}
	}
	// Payloads first so the version list never references a missing body.
	payloads := make(map[ObjectID]string, len(changes))
	for _, c := range changes {
		if c.Revision == nil {
			continue
		}
		body, err := json.Marshal(c.Revision)
		if err != nil {
			return fmt.Errorf("encode revision %s: %w", c.Object, err)
		}
		key, err := s.db.PutPayload(body)
		if err != nil {
			return err
		}
		payloads[c.Object] = key
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(storage.BucketVersions)
		for _, c := range changes {
			key := versionKey(c.Object)
			var stored []storedVersion
			if v := bucket.Get(key); v != nil {
				if err := json.Unmarshal(v, &stored); err != nil {
					return fmt.Errorf("decode versions of %s: %w", c.Object, err)
				}
			}
			stored = append(stored, storedVersion{
				BranchID:  branchID,
				Timestamp: ts,
				Deleted:   c.Revision == nil,
				Payload:   payloads[c.Object],
			})
			body, err := json.Marshal(stored)
			if err != nil {
				return fmt.Errorf("encode versions of %s: %w", c.Object, err)
			}
			if err := bucket.Put(key, body); err != nil {
				return err
			}
		}
		return nil
	})
}
