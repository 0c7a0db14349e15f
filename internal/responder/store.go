// Package responder implements the standalone http-01 responder: a bolt
// backed token store with TTLs and an echo server exposing the well-known
// path publicly and an HMAC-authenticated admin API.
package responder

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var tokensBucketName = []byte("http01_tokens")

var ErrNotFound = errors.New("not found")

func IsErrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type tokenEntry struct {
	KeyAuthorization string    `json:"key_authorization"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// BoltStore persists published tokens so proofs survive a responder
// restart mid-validation.
type BoltStore struct {
	db *bolt.DB

	// now is swappable for tests.
	now func() time.Time
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Seed() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokensBucketName)
		return err
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Put(token, keyAuthorization string, ttlSecs uint64) error {
	entry := tokenEntry{
		KeyAuthorization: keyAuthorization,
		ExpiresAt:        s.now().Add(time.Duration(ttlSecs) * time.Second),
	}
	v, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(tokensBucketName)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(token), v)
	})
}

func (s *BoltStore) Delete(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tokensBucketName)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(token))
	})
}

// Lookup returns the key authorization for a live token. Expired entries
// are dropped on the way out rather than waiting for the sweeper.
func (s *BoltStore) Lookup(token string) (string, error) {
	var keyAuthorization string

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tokensBucketName)
		if bucket == nil {
			return ErrNotFound
		}

		v := bucket.Get([]byte(token))
		if v == nil {
			return ErrNotFound
		}

		var entry tokenEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		if s.now().After(entry.ExpiresAt) {
			if err := bucket.Delete([]byte(token)); err != nil {
				return err
			}
			return ErrNotFound
		}

		keyAuthorization = entry.KeyAuthorization
		return nil
	})
	if err != nil {
		return "", err
	}
	return keyAuthorization, nil
}

// Sweep removes every expired entry and reports how many were dropped.
func (s *BoltStore) Sweep() (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tokensBucketName)
		if bucket == nil {
			return nil
		}

		var expired [][]byte
		now := s.now()
		err := bucket.ForEach(func(k, v []byte) error {
			var entry tokenEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				// Unparseable entries are garbage, sweep them too.
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if now.After(entry.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
