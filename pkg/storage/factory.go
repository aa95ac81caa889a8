package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/kodustech/kodus-flow/pkg/agent"
	"github.com/kodustech/kodus-flow/pkg/database"
	"github.com/kodustech/kodus-flow/pkg/snapshot"
)

// Kind selects the storage backend.
type Kind string

const (
	KindInMemory Kind = "inmemory"
	KindPostgres Kind = "postgres"
	KindMongoDB  Kind = "mongodb"
)

// Config selects and configures a backend.
type Config struct {
	Kind Kind

	// Postgres settings, used when Kind is postgres.
	Postgres database.Config

	// Mongo settings, used when Kind is mongodb.
	MongoURI      string
	MongoDatabase string
}

// Backends bundles the opened session and snapshot stores with their
// shared connection teardown.
type Backends struct {
	Sessions  agent.SessionStore
	Snapshots snapshot.Store

	closeFn func(ctx context.Context) error
}

// Close releases the backend connections.
func (b *Backends) Close(ctx context.Context) error {
	if b.closeFn == nil {
		return nil
	}
	return b.closeFn(ctx)
}

// Open connects the configured backend and returns ready stores. An
// empty kind defaults to in-memory.
func Open(ctx context.Context, cfg Config) (*Backends, error) {
	switch cfg.Kind {
	case KindInMemory, "":
		return &Backends{
			Sessions:  agent.NewMemorySessionStore(),
			Snapshots: snapshot.NewMemoryStore(),
		}, nil

	case KindPostgres:
		client, err := database.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres backend: %w", err)
		}
		return &Backends{
			Sessions:  NewPostgresSessionStore(client.Pool()),
			Snapshots: NewPostgresSnapshotStore(client.Pool()),
			closeFn: func(context.Context) error {
				client.Close()
				return nil
			},
		}, nil

	case KindMongoDB:
		if cfg.MongoURI == "" {
			return nil, fmt.Errorf("mongodb backend requires a connection URI")
		}
		dbName := cfg.MongoDatabase
		if dbName == "" {
			dbName = "kodusflow"
		}
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("failed to ping mongodb: %w", err)
		}
		db := client.Database(dbName)
		sessions, err := NewMongoSessionStore(ctx, db)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		snapshots, err := NewMongoSnapshotStore(ctx, db)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		return &Backends{
			Sessions:  sessions,
			Snapshots: snapshots,
			closeFn:   client.Disconnect,
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage kind: %q", cfg.Kind)
	}
}
