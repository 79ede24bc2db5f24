// Package store is the durable key-value store backing the cache, the
// pending mutation queue, and derived counters. Values live in bbolt and
// survive process restarts; a value that cannot be read back (truncated,
// bit-flipped, or sealed under a different secret) is treated as absent,
// never as a fatal condition. Each component writes only its own key
// prefix, so no cross-component locking is needed.
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.syncline/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	kvBucket   = []byte("kv")
	seqBucket  = []byte("seq")
	metaBucket = []byte("meta")

	sealSaltKey = []byte("seal_salt")
)

// ErrNotFound is returned by Get for keys that are absent or unreadable.
var ErrNotFound = errors.New("store: key not found")

// KV is one stored entry, returned by List in key order.
type KV struct {
	Key   string
	Value string
}

// Store wraps a bbolt database for all persistent engine state.
type Store struct {
	db     *bolt.DB
	sealer *sealer
}

// Open opens the store at the given path, creating it if it does not
// exist. A non-empty secret seals values at rest; the scrypt salt is
// generated on first sealed open and persisted alongside the data.
func Open(path, secret string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(kvBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(seqBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(metaBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	s := &Store{db: db}

	if secret != "" {
		salt, err := s.loadOrCreateSalt()
		if err != nil {
			db.Close()
			return nil, err
		}

		sl, err := newSealer(secret, salt)
		if err != nil {
			db.Close()
			return nil, err
		}

		s.sealer = sl
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key. Absent keys and values that
// fail to unseal return ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	var raw []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(kvBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}

		raw = append([]byte(nil), v...)

		return nil
	})
	if err != nil {
		return "", err
	}

	value, err := s.decodeValue(raw)
	if err != nil {
		return "", ErrNotFound
	}

	return value, nil
}

// Set stores value under key, sealing it when a secret is configured.
func (s *Store) Set(key, value string) error {
	raw, err := s.encodeValue(value)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}

	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}

	return nil
}

// List returns all entries whose key starts with prefix, in byte order of
// keys. Callers that write zero-padded sequence keys get durable FIFO from
// this ordering. Values that fail to unseal are skipped.
func (s *Store) List(prefix string) ([]KV, error) {
	var entries []KV

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()
		p := []byte(prefix)

		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			value, err := s.decodeValue(v)
			if err != nil {
				continue
			}

			entries = append(entries, KV{Key: string(k), Value: value})
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}

	return entries, nil
}

// NextSeq returns the next value of the named monotonic counter, starting
// at 1. Counters survive restarts so sequence keys never collide with
// entries written in a previous run.
func (s *Store) NextSeq(name string) (uint64, error) {
	var next uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(seqBucket)

		cur := b.Get([]byte(name))
		if cur != nil {
			next = binary.BigEndian.Uint64(cur)
		}

		next++

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)

		return b.Put([]byte(name), buf)
	})
	if err != nil {
		return 0, fmt.Errorf("advancing sequence %s: %w", name, err)
	}

	return next, nil
}

// SeqKey formats a sequence number as a fixed-width key segment so that
// byte order matches numeric order.
func SeqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func (s *Store) encodeValue(value string) ([]byte, error) {
	if s.sealer == nil {
		return []byte(value), nil
	}

	return s.sealer.seal([]byte(value))
}

func (s *Store) decodeValue(raw []byte) (string, error) {
	if s.sealer == nil {
		return string(raw), nil
	}

	plain, err := s.sealer.open(raw)
	if err != nil {
		return "", err
	}

	return string(plain), nil
}

func (s *Store) loadOrCreateSalt() ([]byte, error) {
	var salt []byte

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)

		if existing := b.Get(sealSaltKey); existing != nil {
			salt = append([]byte(nil), existing...)
			return nil
		}

		fresh, err := newSealSalt()
		if err != nil {
			return err
		}

		salt = fresh

		return b.Put(sealSaltKey, fresh)
	})
	if err != nil {
		return nil, fmt.Errorf("loading seal salt: %w", err)
	}

	return salt, nil
}
