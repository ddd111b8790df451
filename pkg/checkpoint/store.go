// Package checkpoint persists the per-table last-synced timestamps
// that bound incremental fetches.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one persisted checkpoint: a table name, the timestamp of
// the most recently synchronized row, and when the record was written.
type Record struct {
	Table        string    `bson:"table_name" json:"table_name"`
	LastSyncTime time.Time `bson:"last_sync_time" json:"last_sync_time"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
}

// Backend defines the durable operations the store needs. The MongoDB
// implementation lives in mongo.go; tests substitute a fake.
type Backend interface {
	EnsureIndexes(ctx context.Context) error
	LoadAll(ctx context.Context) ([]Record, error)
	Get(ctx context.Context, table string) (*Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, table string) error
	DeleteAll(ctx context.Context) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Store is a durable, cached mapping from table name to checkpoint.
// The cache is loaded eagerly so reads never block on the backend
// during normal operation.
type Store struct {
	backend Backend
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[string]Record
}

// NewStore creates a checkpoint store over the given backend.
func NewStore(backend Backend, logger *zap.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger,
		cache:   make(map[string]Record),
	}
}

// Init ensures backend indexes and warms the cache with every
// persisted checkpoint.
func (s *Store) Init(ctx context.Context) error {
	if err := s.backend.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure checkpoint indexes: %w", err)
	}

	records, err := s.backend.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}

	s.mu.Lock()
	s.cache = make(map[string]Record, len(records))
	for _, rec := range records {
		s.cache[rec.Table] = rec
	}
	s.mu.Unlock()

	s.logger.Info("Checkpoint store initialized", zap.Int("checkpoints", len(records)))
	return nil
}

// LastSyncTime returns the checkpoint for a table, or nil if the table
// has never been synced. The cache answers first; a miss falls through
// to the backend and populates the cache.
func (s *Store) LastSyncTime(ctx context.Context, table string) (*time.Time, error) {
	s.mu.RLock()
	rec, ok := s.cache[table]
	s.mu.RUnlock()
	if ok {
		t := rec.LastSyncTime
		return &t, nil
	}

	fetched, err := s.backend.Get(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("get checkpoint for %s: %w", table, err)
	}
	if fetched == nil {
		return nil, nil
	}

	s.mu.Lock()
	s.cache[table] = *fetched
	s.mu.Unlock()

	t := fetched.LastSyncTime
	return &t, nil
}

// SetLastSyncTime replaces the persisted checkpoint for a table and
// updates the cache. A zero ts means "now".
func (s *Store) SetLastSyncTime(ctx context.Context, table string, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	rec := Record{
		Table:        table,
		LastSyncTime: ts,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.backend.Put(ctx, rec); err != nil {
		return fmt.Errorf("persist checkpoint for %s: %w", table, err)
	}

	s.mu.Lock()
	s.cache[table] = rec
	s.mu.Unlock()

	s.logger.Debug("Checkpoint advanced",
		zap.String("table", table), zap.Time("last_sync_time", ts))
	return nil
}

// Reset deletes the checkpoint for a table, forcing the next sync of
// that table to be a full sync.
func (s *Store) Reset(ctx context.Context, table string) error {
	if err := s.backend.Delete(ctx, table); err != nil {
		return fmt.Errorf("reset checkpoint for %s: %w", table, err)
	}

	s.mu.Lock()
	delete(s.cache, table)
	s.mu.Unlock()

	s.logger.Info("Checkpoint reset", zap.String("table", table))
	return nil
}

// ResetAll deletes every checkpoint.
func (s *Store) ResetAll(ctx context.Context) error {
	if err := s.backend.DeleteAll(ctx); err != nil {
		return fmt.Errorf("reset all checkpoints: %w", err)
	}

	s.mu.Lock()
	s.cache = make(map[string]Record)
	s.mu.Unlock()

	s.logger.Info("All checkpoints reset")
	return nil
}

// CleanupOlderThan removes checkpoints whose last sync is older than
// the given number of days.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	removed, err := s.backend.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup checkpoints: %w", err)
	}

	s.mu.Lock()
	for _, table := range removed {
		delete(s.cache, table)
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		s.logger.Info("Cleaned up stale checkpoints", zap.Int("removed", len(removed)))
	}
	return len(removed), nil
}

// CachedTimes returns a snapshot of the cached checkpoints.
func (s *Store) CachedTimes() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.cache))
	for table, rec := range s.cache {
		out[table] = rec.LastSyncTime
	}
	return out
}
