package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aluiziolira/go-scrape-museums/models"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta      = []byte("meta")
	bucketProcessed = []byte("processed")
	bucketFailed    = []byte("failed")

	keyNextOffset = []byte("next_offset")
	keySource     = []byte("source")
	keyUpdated    = []byte("updated_at")
)

// CrawlState is the resumable progress of a crawl.
type CrawlState struct {
	Source     string
	NextOffset int
	Processed  []string
	Failed     []models.SourceItem
	UpdatedAt  time.Time
}

// StateStore persists crawl progress in a bbolt file.
type StateStore struct {
	db *bolt.DB
}

// OpenStateStore opens or creates the state file at path.
func OpenStateStore(path string) (*StateStore, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketProcessed, bucketFailed} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create state buckets: %w", err)
	}
	return &StateStore{db: db}, nil
}

// Checkpoint records the next page offset, adds processed ids and replaces
// the failed set, all in one transaction.
func (s *StateStore) Checkpoint(source string, nextOffset int, processed []string, failed []models.SourceItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keySource, []byte(source)); err != nil {
			return err
		}
		if err := meta.Put(keyNextOffset, []byte(strconv.Itoa(nextOffset))); err != nil {
			return err
		}
		if err := meta.Put(keyUpdated, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
			return err
		}

		done := tx.Bucket(bucketProcessed)
		for _, id := range processed {
			if err := done.Put([]byte(id), nil); err != nil {
				return err
			}
		}

		if err := tx.DeleteBucket(bucketFailed); err != nil {
			return err
		}
		pending, err := tx.CreateBucket(bucketFailed)
		if err != nil {
			return err
		}
		for _, item := range failed {
			data, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("encode failed item %s: %w", item.ID, err)
			}
			if err := pending.Put([]byte(item.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns the stored progress. A fresh store yields a zero state.
func (s *StateStore) Load() (*CrawlState, error) {
	state := &CrawlState{}
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		state.Source = string(meta.Get(keySource))
		if raw := meta.Get(keyNextOffset); raw != nil {
			offset, err := strconv.Atoi(string(raw))
			if err != nil {
				return fmt.Errorf("parse next offset: %w", err)
			}
			state.NextOffset = offset
		}
		if raw := meta.Get(keyUpdated); raw != nil {
			if ts, err := time.Parse(time.RFC3339, string(raw)); err == nil {
				state.UpdatedAt = ts
			}
		}

		if err := tx.Bucket(bucketProcessed).ForEach(func(k, _ []byte) error {
			state.Processed = append(state.Processed, string(k))
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketFailed).ForEach(func(k, v []byte) error {
			var item models.SourceItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode failed item %s: %w", k, err)
			}
			state.Failed = append(state.Failed, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Reset clears all stored progress.
func (s *StateStore) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketProcessed, bucketFailed} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the state file.
func (s *StateStore) Close() error {
	return s.db.Close()
}
