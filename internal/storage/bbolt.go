package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Compile-time proof that BoltStore satisfies the Store interface.
var _ Store = (*BoltStore)(nil)

// coreNamespaces are pre-created at Open so that reads against a fresh
// database never race bucket creation.
var coreNamespaces = []string{
	NamespaceSession,
	NamespaceCounter,
	NamespaceAttempt,
	NamespaceMeta,
}

// BoltStore is an ACID bbolt-backed implementation of Store. Each namespace
// maps to one bucket. It is safe for concurrent use.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (or creates) a bbolt database at path and initialises the
// buckets for the core namespaces.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, ns := range coreNamespaces {
			if _, err := tx.CreateBucketIfNotExists([]byte(ns)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(id, namespace string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(id)); v != nil {
			out = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, fail(fmt.Sprintf("get %s/%s", namespace, id), err)
	}
	return out, nil
}

func (s *BoltStore) GetAll(namespace string) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out = append(out, Record{
				ID:    string(k),
				Value: append([]byte{}, v...),
			})
			return nil
		})
	})
	if err != nil {
		return nil, fail(fmt.Sprintf("get all %s", namespace), err)
	}
	return out, nil
}

func (s *BoltStore) Save(id string, value []byte, namespace string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), value)
	})
	if err != nil {
		return fail(fmt.Sprintf("save %s/%s", namespace, id), err)
	}
	return nil
}

func (s *BoltStore) Delete(id, namespace string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return fail(fmt.Sprintf("delete %s/%s", namespace, id), err)
	}
	return nil
}

// Rebuild drops the given namespaces by deleting and recreating their
// buckets. With no arguments every bucket in the database is dropped.
func (s *BoltStore) Rebuild(namespaces ...string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		targets := namespaces
		if len(targets) == 0 {
			targets = nil
			if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
				targets = append(targets, string(name))
				return nil
			}); err != nil {
				return err
			}
		}
		for _, ns := range targets {
			if tx.Bucket([]byte(ns)) == nil {
				continue
			}
			if err := tx.DeleteBucket([]byte(ns)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket([]byte(ns)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fail("rebuild", err)
	}
	return nil
}

// IncrWindow performs the increment inside a single bolt.Update so parallel
// requests for the same key never lose updates.
func (s *BoltStore) IncrWindow(id, namespace string, windowStart int64) (int64, error) {
	var count int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		rec := decodeCounter(b.Get([]byte(id)))
		if rec.WindowStart != windowStart {
			rec = counterRecord{WindowStart: windowStart}
		}
		rec.Count++
		count = rec.Count

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return 0, fail(fmt.Sprintf("incr %s/%s", namespace, id), err)
	}
	return count, nil
}

func decodeCounter(data []byte) counterRecord {
	if len(data) == 0 {
		return counterRecord{}
	}
	var rec counterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return counterRecord{}
	}
	return rec
}

// DBPath returns the filesystem path of the database file.
func (s *BoltStore) DBPath() string { return s.db.Path() }

// Close cleanly closes the underlying bbolt database.
func (s *BoltStore) Close() error { return s.db.Close() }
