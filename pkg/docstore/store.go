// Package docstore wraps the MongoDB target store used for replicated
// documents and sync checkpoints.
package docstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/syncforge/mirrorsync/pkg/config"
)

// UpsertResult aggregates the outcome of one bulk upsert batch.
type UpsertResult struct {
	Created int
	Updated int
	Errors  int
}

// Store provides access to the target MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// NewStore connects to the target database and verifies it responds.
func NewStore(ctx context.Context, cfg *config.TargetConfig, logger *zap.Logger) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to target store: %w", err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping target store: %w", err)
	}

	logger.Info("Target store connection established", zap.String("database", cfg.Database))
	return &Store{
		client: client,
		db:     client.Database(cfg.Database),
		logger: logger,
	}, nil
}

// Close disconnects from the target store.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Collection returns a handle to a named collection.
func (s *Store) Collection(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// Ping verifies the target store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// BulkUpsert applies the given write models to a collection unordered,
// so one failing document does not abort the rest of the batch.
// Upserts must replace, never increment, so retries stay idempotent.
func (s *Store) BulkUpsert(ctx context.Context, collection string, models []mongo.WriteModel) (*UpsertResult, error) {
	if len(models) == 0 {
		return &UpsertResult{}, nil
	}

	opts := options.BulkWrite().SetOrdered(false)
	res, err := s.db.Collection(collection).BulkWrite(ctx, models, opts)

	result := &UpsertResult{}
	if res != nil {
		result.Created = int(res.UpsertedCount)
		result.Updated = int(res.ModifiedCount)
	}

	if err != nil {
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) {
			// Partial failure: surviving writes already counted above.
			result.Errors = len(bwe.WriteErrors)
			for _, we := range bwe.WriteErrors {
				s.logger.Error("Upsert failed for document",
					zap.String("collection", collection),
					zap.Int("index", we.Index),
					zap.String("error", we.Message))
			}
			return result, nil
		}
		return result, fmt.Errorf("bulk upsert failed: %w", err)
	}

	return result, nil
}
