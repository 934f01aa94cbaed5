// Package durablestore implements the authoritative, per-user task record
// store on top of SurrealDB.
package durablestore

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/models"
)

const (
	taskTable        = "tasks"
	upsertRetries    = 3
	upsertRetryDelay = 100 * time.Millisecond
)

// Store implements interfaces.DurableTaskStorage over a SurrealDB
// connection: one record per task, scoped by the caller's user via a
// row-level user_id column and an authenticated access token.
type Store struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewStore connects to SurrealDB, signs in with the configured root
// credentials (used for schema setup only; per-request scoping is enforced
// by authenticating with the caller's own access token), selects the
// configured namespace/database, and defines the tasks table.
func NewStore(ctx context.Context, logger *common.Logger, cfg common.SurrealArea) (*Store, error) {
	db, err := surrealdb.New(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("connect surrealdb: %w", err)
	}

	if cfg.User != "" {
		if _, err := db.SignIn(ctx, map[string]interface{}{
			"user": cfg.User,
			"pass": cfg.Pass,
		}); err != nil {
			return nil, fmt.Errorf("surrealdb sign in: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return nil, fmt.Errorf("surrealdb use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", taskTable)
	_, err := surrealdb.Query[[]models.TaskRecord](ctx, s.db, sql, nil)
	if err != nil {
		return fmt.Errorf("define table %s: %w", taskTable, err)
	}
	return nil
}

// Close disconnects from SurrealDB.
func (s *Store) Close() error {
	s.db.Close(context.Background())
	return nil
}

func (s *Store) authenticate(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	if err := s.db.Authenticate(ctx, accessToken); err != nil {
		return fmt.Errorf("surrealdb authenticate: %w", err)
	}
	return nil
}

func recordID(correlationID string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID(taskTable, correlationID)
}

// upsert writes rec idempotently under correlationID, retrying up to
// upsertRetries times (grounded on userstore.go's UPSERT-retry-3 pattern).
func (s *Store) upsert(ctx context.Context, correlationID string, rec models.TaskRecord) error {
	vars := map[string]any{
		"rid":    recordID(correlationID),
		"record": rec,
	}

	var lastErr error
	for attempt := 1; attempt <= upsertRetries; attempt++ {
		_, err := surrealdb.Query[[]models.TaskRecord](ctx, s.db, "UPSERT $rid CONTENT $record", vars)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * upsertRetryDelay):
		}
	}
	return fmt.Errorf("upsert task %s after %d attempts: %w", correlationID, upsertRetries, lastErr)
}

// CreateTask writes rec, scoped to userID, idempotent on collision.
func (s *Store) CreateTask(ctx context.Context, rec models.TaskRecord, userID, accessToken string) error {
	if err := s.authenticate(ctx, accessToken); err != nil {
		return err
	}
	if rec.UserID == "" {
		rec.UserID = userID
	}
	return s.upsert(ctx, rec.CorrelationID, rec)
}

// GetTask returns the record for correlationID, scoped to the caller's
// access token, or ok=false if absent or inaccessible.
func (s *Store) GetTask(ctx context.Context, correlationID, accessToken string) (models.TaskRecord, bool, error) {
	if err := s.authenticate(ctx, accessToken); err != nil {
		return models.TaskRecord{}, false, err
	}

	rec, err := surrealdb.Select[models.TaskRecord](ctx, s.db, recordID(correlationID))
	if err != nil || rec == nil {
		return models.TaskRecord{}, false, nil
	}
	return *rec, true, nil
}

// UpdateTask merges a sparse update over the existing record, scoped to the
// caller's access token.
func (s *Store) UpdateTask(ctx context.Context, correlationID string, update models.TaskUpdate, accessToken string) error {
	existing, ok, err := s.GetTask(ctx, correlationID, accessToken)
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrNotFound
	}

	update.ApplyTo(&existing, time.Now().UTC())
	return s.upsert(ctx, correlationID, existing)
}

// ListTasks returns every record visible to userID, ordered by updated_at
// descending.
func (s *Store) ListTasks(ctx context.Context, userID, accessToken string) ([]models.TaskRecord, error) {
	if err := s.authenticate(ctx, accessToken); err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("SELECT * FROM %s WHERE user_id = $user_id ORDER BY updated_at DESC", taskTable)
	vars := map[string]any{"user_id": userID}

	results, err := surrealdb.Query[[]models.TaskRecord](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list durable tasks for %s: %w", userID, err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	return (*results)[0].Result, nil
}
