package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/kodustech/kodus-flow/pkg/snapshot"
)

type snapshotDoc struct {
	TenantID           string          `bson:"tenant_id"`
	ExecutionContextID string          `bson:"execution_context_id"`
	Hash               string          `bson:"hash"`
	BaseHash           string          `bson:"base_hash"`
	State              map[string]any  `bson:"state,omitempty"`
	Patch              *snapshot.Patch `bson:"patch,omitempty"`
	Timestamp          time.Time       `bson:"timestamp"`
}

// MongoSnapshotStore persists snapshots in the kernel_snapshots
// collection.
type MongoSnapshotStore struct {
	coll *mongo.Collection
}

// NewMongoSnapshotStore creates a snapshot store over the database.
func NewMongoSnapshotStore(ctx context.Context, db *mongo.Database) (*MongoSnapshotStore, error) {
	coll := db.Collection(snapshotsCollection)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "execution_context_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "hash", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot indexes: %w", err)
	}
	return &MongoSnapshotStore{coll: coll}, nil
}

// Append durably persists the snapshot.
func (s *MongoSnapshotStore) Append(ctx context.Context, snap *snapshot.Snapshot) error {
	_, err := s.coll.InsertOne(ctx, snapshotDoc{
		TenantID:           snap.TenantID,
		ExecutionContextID: snap.ExecutionContextID,
		Hash:               snap.Hash,
		BaseHash:           snap.BaseHash,
		State:              snap.State,
		Patch:              snap.Patch,
		Timestamp:          snap.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	return nil
}

// GetByHash retrieves a snapshot by its content hash.
func (s *MongoSnapshotStore) GetByHash(ctx context.Context, tenantID, hash string) (*snapshot.Snapshot, error) {
	return s.findOne(ctx, bson.M{"tenant_id": tenantID, "hash": hash})
}

// Latest returns the most recent snapshot for an execution context.
func (s *MongoSnapshotStore) Latest(ctx context.Context, tenantID, executionContextID string) (*snapshot.Snapshot, error) {
	return s.findOne(ctx, bson.M{"tenant_id": tenantID, "execution_context_id": executionContextID})
}

// LatestFull returns the most recent non-delta snapshot for an
// execution context.
func (s *MongoSnapshotStore) LatestFull(ctx context.Context, tenantID, executionContextID string) (*snapshot.Snapshot, error) {
	return s.findOne(ctx, bson.M{"tenant_id": tenantID, "execution_context_id": executionContextID, "base_hash": ""})
}

// CleanupOldSnapshots removes all but the newest keep snapshots of an
// execution context.
func (s *MongoSnapshotStore) CleanupOldSnapshots(ctx context.Context, tenantID, executionContextID string, keep int) (int, error) {
	filter := bson.M{"tenant_id": tenantID, "execution_context_id": executionContextID}
	cursor, err := s.coll.Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
			SetSkip(int64(keep)).
			SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var stale []bson.M
	if err := cursor.All(ctx, &stale); err != nil {
		return 0, fmt.Errorf("failed to read snapshot ids: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]any, 0, len(stale))
	for _, doc := range stale {
		ids = append(ids, doc["_id"])
	}
	res, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up snapshots: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *MongoSnapshotStore) findOne(ctx context.Context, filter bson.M) (*snapshot.Snapshot, error) {
	var doc snapshotDoc
	err := s.coll.FindOne(ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &snapshot.Snapshot{
		TenantID:           doc.TenantID,
		ExecutionContextID: doc.ExecutionContextID,
		Hash:               doc.Hash,
		BaseHash:           doc.BaseHash,
		State:              doc.State,
		Patch:              doc.Patch,
		Timestamp:          doc.Timestamp,
	}, nil
}
