// Package storage opens the repository's bbolt database and provides the
// shared bucket layout plus the compressed, content-addressed payload store
// used for revision bodies.
package storage

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

// Buckets
var (
	BucketBranches = []byte("branches")  // branch path -> json branch document
	BucketCommits  = []byte("commits")   // commit id -> json commit record
	BucketCommitIx = []byte("commit-ix") // branchPath \x00 timestamp -> commit id
	BucketVersions = []byte("versions")  // objectType \x00 objectId -> json version list
	BucketPayloads = []byte("payloads")  // blake3 hex -> zstd-compressed body
	BucketConfig   = []byte("config")    // repository configuration
)

// ErrKeyNotFound is returned by lookups for missing keys.
var ErrKeyNotFound = errors.New("key not found")

type DB struct {
	*bbolt.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens (creating if necessary) the repository database at path and
// makes sure all buckets exist.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0666, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{
			BucketBranches, BucketCommits, BucketCommitIx,
			BucketVersions, BucketPayloads, BucketConfig,
		} {
			if _, e := tx.CreateBucketIfNotExists(bucket); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{DB: db, enc: enc, dec: dec}, nil
}

func (db *DB) Close() error {
	db.enc.Close()
	db.dec.Close()
	return db.DB.Close()
}

// PutPayload stores body compressed under its blake3 address and returns the
// address in hex.
func (db *DB) PutPayload(body []byte) (string, error) {
	sum := blake3.Sum256(body)
	key := hex.EncodeToString(sum[:])
	compressed := db.enc.EncodeAll(body, nil)
	err := db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketPayloads).Put([]byte(key), compressed)
	})
	if err != nil {
		return "", fmt.Errorf("put payload: %w", err)
	}
	return key, nil
}

// GetPayload loads and decompresses the body stored under the given blake3
// hex address.
func (db *DB) GetPayload(key string) ([]byte, error) {
	var compressed []byte
	err := db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(BucketPayloads).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		compressed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	body, err := db.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload %s: %w", key, err)
	}
	return body, nil
}

// PutConfig stores a configuration key-value pair.
func (db *DB) PutConfig(key, value string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketConfig).Put([]byte(key), []byte(value))
	})
}

// GetConfig retrieves a configuration value by key.
func (db *DB) GetConfig(key string) (string, error) {
	var value string
	err := db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(BucketConfig).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		value = string(v)
		return nil
	})
	return value, err
}
