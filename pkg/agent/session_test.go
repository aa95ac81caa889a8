package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateBindsThread(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, "tenant-a", "thread-1")
	require.NoError(t, err)
	again, err := store.GetOrCreate(ctx, "tenant-a", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// Same thread under another tenant is a different session.
	other, err := store.GetOrCreate(ctx, "tenant-b", "thread-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestAppendAndUpdateMessage(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	sess, err := store.GetOrCreate(ctx, "tenant-a", "thread-1")
	require.NoError(t, err)

	id, err := store.AppendMessage(ctx, sess.ID, Message{Role: RoleAssistant, Content: placeholderContent, Status: StatusProcessing})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, store.UpdateMessage(ctx, sess.ID, id, MessageUpdate{Content: "done", Status: StatusCompleted}))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "done", got.Messages[0].Content)
	assert.Equal(t, StatusCompleted, got.Messages[0].Status)
	assert.False(t, got.Messages[0].Timestamp.IsZero())

	err = store.UpdateMessage(ctx, sess.ID, "missing", MessageUpdate{})
	assert.ErrorIs(t, err, ErrMessageNotFound)

	_, err = store.AppendMessage(ctx, "no-such-session", Message{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionCopiesDoNotAliasStore(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	sess, err := store.GetOrCreate(ctx, "tenant-a", "thread-1")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, sess.ID, Message{Role: RoleUser, Content: "original"})
	require.NoError(t, err)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	got.Messages[0].Content = "mutated"
	got.State["k"] = "v"

	fresh, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", fresh.Messages[0].Content)
	assert.Empty(t, fresh.State)
}

func TestSetState(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	sess, err := store.GetOrCreate(ctx, "tenant-a", "thread-1")
	require.NoError(t, err)

	require.NoError(t, store.SetState(ctx, sess.ID, "step", 3))
	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.State["step"])
}
