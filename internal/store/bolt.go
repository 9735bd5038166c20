package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns = []byte("runs")
	bucketData = []byte("data")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketData} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetRun(script string) (*RunRecord, error) {
	var rec RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRuns)
		}
		data := b.Get([]byte(script))
		if data == nil {
			return fmt.Errorf("run record %s: %w", script, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListRuns() ([]*RunRecord, error) {
	var runs []*RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return nil
		}
		runs = make([]*RunRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			runs = append(runs, &rec)
			return nil
		})
	})
	return runs, err
}

func (s *BoltStore) UpdateRun(script string, fn func(rec *RunRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRuns)
		}
		rec := RunRecord{Script: script}
		if data := b.Get([]byte(script)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode run record %s: %w", script, err)
			}
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.Script = script
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(script), data)
	})
}

func (s *BoltStore) GetData(script, key string) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := scriptBucket(tx, script)
		if sb == nil {
			return fmt.Errorf("data %s/%s: %w", script, key, ErrNotFound)
		}
		data := sb.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("data %s/%s: %w", script, key, ErrNotFound)
		}
		// bolt memory is only valid inside the transaction.
		out = append(json.RawMessage(nil), data...)
		return nil
	})
	return out, err
}

func (s *BoltStore) SetData(script, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("data %s/%s: invalid json", script, key)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketData)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketData)
		}
		sb, err := b.CreateBucketIfNotExists([]byte(script))
		if err != nil {
			return err
		}
		return sb.Put([]byte(key), value)
	})
}

func (s *BoltStore) DeleteData(script, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := scriptBucket(tx, script)
		if sb == nil {
			return nil
		}
		return sb.Delete([]byte(key))
	})
}

func (s *BoltStore) DataKeys(script string) ([]string, error) {
	keys := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := scriptBucket(tx, script)
		if sb == nil {
			return nil
		}
		return sb.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func scriptBucket(tx *bolt.Tx, script string) *bolt.Bucket {
	b := tx.Bucket(bucketData)
	if b == nil {
		return nil
	}
	return b.Bucket([]byte(script))
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
