package checkpoint

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionName is the target-store collection holding checkpoints.
const CollectionName = "sync_metadata"

type mongoBackend struct {
	coll *mongo.Collection
}

// NewMongoBackend creates the MongoDB implementation of Backend.
func NewMongoBackend(coll *mongo.Collection) Backend {
	return &mongoBackend{coll: coll}
}

func (b *mongoBackend) EnsureIndexes(ctx context.Context) error {
	_, err := b.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "table_name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (b *mongoBackend) LoadAll(ctx context.Context) ([]Record, error) {
	cursor, err := b.coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (b *mongoBackend) Get(ctx context.Context, table string) (*Record, error) {
	var rec Record
	err := b.coll.FindOne(ctx, bson.D{{Key: "table_name", Value: table}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *mongoBackend) Put(ctx context.Context, rec Record) error {
	_, err := b.coll.ReplaceOne(ctx,
		bson.D{{Key: "table_name", Value: rec.Table}},
		rec,
		options.Replace().SetUpsert(true))
	return err
}

func (b *mongoBackend) Delete(ctx context.Context, table string) error {
	_, err := b.coll.DeleteOne(ctx, bson.D{{Key: "table_name", Value: table}})
	return err
}

func (b *mongoBackend) DeleteAll(ctx context.Context) error {
	_, err := b.coll.DeleteMany(ctx, bson.D{})
	return err
}

func (b *mongoBackend) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	filter := bson.D{{Key: "last_sync_time", Value: bson.D{{Key: "$lt", Value: cutoff}}}}

	cursor, err := b.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var stale []Record
	if err := cursor.All(ctx, &stale); err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	if _, err := b.coll.DeleteMany(ctx, filter); err != nil {
		return nil, err
	}

	tables := make([]string, len(stale))
	for i, rec := range stale {
		tables[i] = rec.Table
	}
	return tables, nil
}
