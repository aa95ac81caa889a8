package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/kodustech/kodus-flow/pkg/agent"
	"github.com/kodustech/kodus-flow/pkg/database"
	"github.com/kodustech/kodus-flow/pkg/snapshot"
)

// newTestPool brings up a migrated PostgreSQL instance, preferring an
// external one via CI_DATABASE_URL.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	require.NoError(t, database.RunMigrations(connStr, "test"))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresSessionStoreRoundTrip(t *testing.T) {
	pool := newTestPool(t)
	store := NewPostgresSessionStore(pool)
	ctx := context.Background()

	sess, err := store.GetOrCreate(ctx, "tenant-a", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", sess.TenantID)
	assert.Equal(t, "thread-1", sess.ThreadID)
	assert.Empty(t, sess.Messages)

	// Same thread resolves to the same session.
	again, err := store.GetOrCreate(ctx, "tenant-a", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)

	// Different tenant gets its own session.
	other, err := store.GetOrCreate(ctx, "tenant-b", "thread-1")
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, other.ID)

	// Append, update, and read back.
	userID, err := store.AppendMessage(ctx, sess.ID, agent.Message{Role: agent.RoleUser, Content: "hello"})
	require.NoError(t, err)
	placeholderID, err := store.AppendMessage(ctx, sess.ID, agent.Message{
		Role: agent.RoleAssistant, Content: "Processing your request...", Status: agent.StatusProcessing,
	})
	require.NoError(t, err)

	require.NoError(t, store.UpdateMessage(ctx, sess.ID, placeholderID, agent.MessageUpdate{
		Content: "done", Status: agent.StatusCompleted,
	}))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, userID, got.Messages[0].ID)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.Equal(t, "done", got.Messages[1].Content)
	assert.Equal(t, agent.StatusCompleted, got.Messages[1].Status)

	// State keys merge instead of replacing the whole document.
	require.NoError(t, store.SetState(ctx, sess.ID, "step", 3))
	require.NoError(t, store.SetState(ctx, sess.ID, "phase", "review"))
	got, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(3), got.State["step"])
	assert.Equal(t, "review", got.State["phase"])

	// Unknown IDs surface the sentinel errors.
	err = store.UpdateMessage(ctx, sess.ID, "00000000-0000-0000-0000-0000000000ff", agent.MessageUpdate{})
	assert.ErrorIs(t, err, agent.ErrMessageNotFound)
	_, err = store.Get(ctx, "00000000-0000-0000-0000-0000000000ff")
	assert.ErrorIs(t, err, agent.ErrSessionNotFound)
}

func TestPostgresSnapshotStoreRoundTrip(t *testing.T) {
	pool := newTestPool(t)
	store := NewPostgresSnapshotStore(pool)
	ctx := context.Background()

	base := &snapshot.Snapshot{
		TenantID:           "tenant-a",
		ExecutionContextID: "exec-1",
		Hash:               "hash-full",
		State:              map[string]any{"counter": float64(1)},
		Timestamp:          time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, store.Append(ctx, base))

	delta := &snapshot.Snapshot{
		TenantID:           "tenant-a",
		ExecutionContextID: "exec-1",
		Hash:               "hash-delta",
		BaseHash:           "hash-full",
		Patch:              &snapshot.Patch{Set: map[string]any{"counter": float64(2)}},
		Timestamp:          time.Now().UTC(),
	}
	require.NoError(t, store.Append(ctx, delta))

	got, err := store.GetByHash(ctx, "tenant-a", "hash-full")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"counter": float64(1)}, got.State)

	latest, err := store.Latest(ctx, "tenant-a", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-delta", latest.Hash)
	assert.True(t, latest.IsDelta())

	full, err := store.LatestFull(ctx, "tenant-a", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-full", full.Hash)

	// Tenant isolation.
	_, err = store.GetByHash(ctx, "tenant-b", "hash-full")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	removed, err := store.CleanupOldSnapshots(ctx, "tenant-a", "exec-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	latest, err = store.Latest(ctx, "tenant-a", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-delta", latest.Hash)
}

// newTestMongo connects to the instance named by MONGO_URL. These tests
// need a running MongoDB and skip without one.
func newTestMongo(t *testing.T) *mongo.Database {
	t.Helper()
	uri := os.Getenv("MONGO_URL")
	if uri == "" {
		t.Skip("MONGO_URL not set")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := client.Database("kodusflow_test")
	t.Cleanup(func() { _ = db.Drop(context.Background()) })
	return db
}

func TestMongoSessionStoreRoundTrip(t *testing.T) {
	db := newTestMongo(t)
	ctx := context.Background()
	store, err := NewMongoSessionStore(ctx, db)
	require.NoError(t, err)

	sess, err := store.GetOrCreate(ctx, "tenant-a", "thread-1")
	require.NoError(t, err)
	again, err := store.GetOrCreate(ctx, "tenant-a", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)

	id, err := store.AppendMessage(ctx, sess.ID, agent.Message{Role: agent.RoleUser, Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, store.UpdateMessage(ctx, sess.ID, id, agent.MessageUpdate{Content: "edited", Status: agent.StatusCompleted}))
	require.NoError(t, store.SetState(ctx, sess.ID, "step", int32(2)))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "edited", got.Messages[0].Content)
	assert.EqualValues(t, 2, got.State["step"])

	err = store.UpdateMessage(ctx, sess.ID, "missing", agent.MessageUpdate{})
	assert.ErrorIs(t, err, agent.ErrMessageNotFound)
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, agent.ErrSessionNotFound)
}

func TestMongoSnapshotStoreRoundTrip(t *testing.T) {
	db := newTestMongo(t)
	ctx := context.Background()
	store, err := NewMongoSnapshotStore(ctx, db)
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, &snapshot.Snapshot{
		TenantID:           "tenant-a",
		ExecutionContextID: "exec-1",
		Hash:               "h1",
		State:              map[string]any{"k": "v"},
		Timestamp:          time.Now().UTC().Add(-time.Minute),
	}))
	require.NoError(t, store.Append(ctx, &snapshot.Snapshot{
		TenantID:           "tenant-a",
		ExecutionContextID: "exec-1",
		Hash:               "h2",
		BaseHash:           "h1",
		Patch:              &snapshot.Patch{Set: map[string]any{"k": "v2"}},
		Timestamp:          time.Now().UTC(),
	}))

	latest, err := store.Latest(ctx, "tenant-a", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "h2", latest.Hash)

	full, err := store.LatestFull(ctx, "tenant-a", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "h1", full.Hash)

	removed, err := store.CleanupOldSnapshots(ctx, "tenant-a", "exec-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetByHash(ctx, "tenant-a", "h1")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestOpenInMemoryAndUnknownKind(t *testing.T) {
	backends, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, backends.Sessions)
	require.NotNil(t, backends.Snapshots)
	assert.NoError(t, backends.Close(context.Background()))

	_, err = Open(context.Background(), Config{Kind: "cassandra"})
	assert.Error(t, err)
}
