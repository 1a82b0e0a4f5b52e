// Package apikeystore maps API keys to caller addresses (spec §3, §4.2,
// §9). It is a plain embedded KV file with serialized writes and an
// in-memory read cache, exactly as spec §9's design note prescribes.
package apikeystore

import (
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/cvm-network/cvmnode/internal/errors"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

var bucketName = []byte("api_keys")

// Store is the single-writer, many-reader API-key store.
type Store struct {
	db *bbolt.DB

	mu    sync.RWMutex
	cache map[string]txmodel.ApiKey
}

// Open opens (creating if absent) the bbolt file at path and hydrates the
// in-memory read cache from it.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Internal("open api-key store", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Internal("init api-key bucket", err)
	}

	s := &Store{db: db, cache: make(map[string]txmodel.ApiKey)}
	if err := s.reload(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	cache := make(map[string]txmodel.ApiKey)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(k, v []byte) error {
			key, err := decode(v)
			if err != nil {
				return err
			}
			cache[string(k)] = key
			return nil
		})
	})
	if err != nil {
		return errors.Internal("load api-key store", err)
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error { return s.db.Close() }

// Issue mints a fresh key for address and persists it.
func (s *Store) Issue(address string) (txmodel.ApiKey, error) {
	key := txmodel.ApiKey{
		Key:       txmodel.NewAPIKey(),
		Address:   address,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		data, err := encode(key)
		if err != nil {
			return err
		}
		return b.Put([]byte(key.Key), data)
	}); err != nil {
		return txmodel.ApiKey{}, errors.Internal("persist api key", err)
	}

	s.mu.Lock()
	s.cache[key.Key] = key
	s.mu.Unlock()
	return key, nil
}

// Lookup resolves a key to its ApiKey record, reading only the in-memory
// cache so the request path never touches disk. Revoked or unknown keys
// return NotFound.
func (s *Store) Lookup(key string) (txmodel.ApiKey, error) {
	s.mu.RLock()
	rec, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok || rec.Revoked {
		return txmodel.ApiKey{}, errors.NotFound("unknown api key")
	}
	return rec, nil
}

// Revoke soft-deletes a key.
func (s *Store) Revoke(key string) error {
	s.mu.RLock()
	rec, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok {
		return errors.NotFound("unknown api key")
	}
	rec.Revoked = true

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		data, err := encode(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	}); err != nil {
		return errors.Internal("persist key revocation", err)
	}

	s.mu.Lock()
	s.cache[key] = rec
	s.mu.Unlock()
	return nil
}

// List returns every non-revoked key.
func (s *Store) List() []txmodel.ApiKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]txmodel.ApiKey, 0, len(s.cache))
	for _, rec := range s.cache {
		if !rec.Revoked {
			out = append(out, rec)
		}
	}
	return out
}
