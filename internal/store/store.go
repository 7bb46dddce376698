package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks        = []byte("tasks")
	bucketSubTasks     = []byte("subtasks")
	bucketPending      = []byte("subtasks_pending")
	bucketByContact    = []byte("subtasks_by_contact")
	bucketServices     = []byte("services")
	bucketSenders      = []byte("senders")
	bucketContacts     = []byte("contacts")
	bucketTemplateSets = []byte("template_sets")
	bucketQuotaAudit   = []byte("quota_audit")
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional update loses the race:
	// the record is no longer in the state the caller required.
	ErrConflict = errors.New("conflict")
)

// Store is the durable state store backed by BoltDB. All racy state
// changes (subtask claims, quota reservations, failure counters) happen
// as conditional updates inside a single write transaction.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store at the given path
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks, bucketSubTasks, bucketPending, bucketByContact,
			bucketServices, bucketSenders, bucketContacts,
			bucketTemplateSets, bucketQuotaAudit,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *Store) DB() *bolt.DB {
	return s.db
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + ":" + id)
}

// parseTimestampFromKey extracts the timestamp from an index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}

// contactKey builds the (task, contact) uniqueness key for fan-out
func contactKey(taskID, contactID string) []byte {
	return []byte(taskID + "/" + contactID)
}
