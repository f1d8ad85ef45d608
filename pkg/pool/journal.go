package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketClaimed = []byte("claimed")

// JournalRecord is one entry a worker claimed and has not finished yet
type JournalRecord struct {
	ID        string    `json:"id"`
	TaskID    uint64    `json:"task_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Journal is the worker-local record of claimed entries. A worker that
// restarts finds in it the entries it abandoned.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens or creates the journal file
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClaimed)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Add records a claimed entry
func (j *Journal) Add(e *Entry) error {
	data, err := json.Marshal(JournalRecord{ID: e.ID, TaskID: e.TaskID, ClaimedAt: e.ClaimedAt})
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClaimed).Put([]byte(e.ID), data)
	})
}

// Remove forgets an entry once it is finished
func (j *Journal) Remove(id string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClaimed).Delete([]byte(id))
	})
}

// List returns every recorded entry
func (j *Journal) List() ([]JournalRecord, error) {
	var out []JournalRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClaimed).ForEach(func(_, v []byte) error {
			var rec JournalRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return out, nil
}

// Close closes the journal file
func (j *Journal) Close() error {
	return j.db.Close()
}
