// Package faststore implements the low-latency, TTL-agnostic task-record
// store and the TTL-backed worker-presence store, both on top of BadgerDB.
package faststore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/models"
)

const (
	workerKeyPrefix = "worker:"

	retryInitialBackoff = 50 * time.Millisecond
	retryMaxBackoff     = 2 * time.Second
)

// Store implements interfaces.FastTaskStorage and interfaces.WorkerStorage
// over a single BadgerDB handle: task records go through badgerhold
// (grounded on internal/storage/badger/kv_storage.go's kvStorage wrapper),
// worker presence keys go through the raw *badger.DB so they can carry a
// native TTL.
type Store struct {
	db     *badgerhold.Store
	bdb    *badger.DB
	logger *common.Logger
}

// NewStore opens (creating if absent) a BadgerDB at path.
func NewStore(logger *common.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create badger dir: %w", err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.Logger = nil
	opts.Encoder = json.Marshal
	opts.Decoder = json.Unmarshal

	store, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badgerhold store: %w", err)
	}

	return &Store{db: store, bdb: store.Badger(), logger: logger}, nil
}

// Close releases the underlying BadgerDB handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTask writes the record, creating or overwriting the existing entry
// (idempotent on correlation_id collision, per the gateway's retry policy).
func (s *Store) CreateTask(ctx context.Context, rec models.TaskRecord) error {
	return s.db.Upsert(rec.CorrelationID, rec)
}

// GetTask returns the record for id, or ok=false if absent.
func (s *Store) GetTask(ctx context.Context, correlationID string) (models.TaskRecord, bool, error) {
	var rec models.TaskRecord
	err := s.db.Get(correlationID, &rec)
	if err == badgerhold.ErrNotFound {
		return models.TaskRecord{}, false, nil
	}
	if err != nil {
		return models.TaskRecord{}, false, fmt.Errorf("get task %s: %w", correlationID, err)
	}
	return rec, true, nil
}

// UpdateTask merges a sparse update over the existing record. It does not
// create a record that doesn't already exist.
func (s *Store) UpdateTask(ctx context.Context, correlationID string, update models.TaskUpdate) error {
	var rec models.TaskRecord
	if err := s.db.Get(correlationID, &rec); err != nil {
		if err == badgerhold.ErrNotFound {
			return common.ErrNotFound
		}
		return fmt.Errorf("get task %s: %w", correlationID, err)
	}

	update.ApplyTo(&rec, time.Now().UTC())

	if err := s.db.Update(correlationID, rec); err != nil {
		return fmt.Errorf("update task %s: %w", correlationID, err)
	}
	return nil
}

// UpdateTaskResilient retries UpdateTask with bounded exponential backoff
// until it succeeds or maxWait elapses.
func (s *Store) UpdateTaskResilient(ctx context.Context, correlationID string, update models.TaskUpdate, maxWait time.Duration) (bool, error) {
	var lastErr error
	deadline := time.Now().Add(maxWait)
	backoff := retryInitialBackoff

	for {
		if err := s.UpdateTask(ctx, correlationID, update); err == nil {
			return true, nil
		} else {
			lastErr = err
		}

		if time.Now().After(deadline) {
			return false, lastErr
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > retryMaxBackoff {
			backoff = retryMaxBackoff
		}
	}
}

// DeleteTask removes the task record, returning false if it was absent.
func (s *Store) DeleteTask(ctx context.Context, correlationID string) (bool, error) {
	err := s.db.Delete(correlationID, models.TaskRecord{})
	if err == badgerhold.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", correlationID, err)
	}
	return true, nil
}

// ListTasks returns every task record currently in the fast store.
func (s *Store) ListTasks(ctx context.Context) ([]models.TaskRecord, error) {
	var records []models.TaskRecord
	if err := s.db.Find(&records, nil); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return records, nil
}

// PublishWorkerStatus writes a TTL-backed presence key for workerID.
func (s *Store) PublishWorkerStatus(ctx context.Context, workerID string, status models.WorkerStatusType, metadata map[string]interface{}, ttl time.Duration) error {
	entry := models.WorkerEntry{
		WorkerID:  workerID,
		Status:    status,
		Metadata:  metadata,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal worker entry: %w", err)
	}

	return s.bdb.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(workerKeyPrefix+workerID), data).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// PublishWorkerStatusResilient retries PublishWorkerStatus with bounded
// exponential backoff until it succeeds or maxWait elapses.
func (s *Store) PublishWorkerStatusResilient(ctx context.Context, workerID string, status models.WorkerStatusType, metadata map[string]interface{}, ttl, maxWait time.Duration) (bool, error) {
	var lastErr error
	deadline := time.Now().Add(maxWait)
	backoff := retryInitialBackoff

	for {
		if err := s.PublishWorkerStatus(ctx, workerID, status, metadata, ttl); err == nil {
			return true, nil
		} else {
			lastErr = err
		}

		if time.Now().After(deadline) {
			return false, lastErr
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > retryMaxBackoff {
			backoff = retryMaxBackoff
		}
	}
}

// GetWorkerCount returns the number of currently-live worker presence keys.
// Badger's iterator skips expired entries automatically, so this reflects
// liveness without an explicit TTL check.
func (s *Store) GetWorkerCount(ctx context.Context) (int, error) {
	count := 0
	err := s.bdb.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(workerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count workers: %w", err)
	}
	return count, nil
}

// GetActiveWorkers returns every currently-live worker presence entry.
func (s *Store) GetActiveWorkers(ctx context.Context) ([]models.WorkerEntry, error) {
	var entries []models.WorkerEntry
	err := s.bdb.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(workerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var entry models.WorkerEntry
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				continue
			}
			if entry.WorkerID == "" {
				entry.WorkerID = strings.TrimPrefix(string(item.Key()), workerKeyPrefix)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list active workers: %w", err)
	}
	return entries, nil
}
