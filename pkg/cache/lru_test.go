package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name     string
		tenantID string
		threadID string
		ns       string
		key      string
		want     string
	}{
		{
			name:     "tenant scoped",
			tenantID: "acme",
			ns:       "workflow",
			key:      "cursor",
			want:     "acme:workflow:cursor",
		},
		{
			name:     "thread scoped",
			tenantID: "acme",
			threadID: "thread-1",
			ns:       "workflow",
			key:      "cursor",
			want:     "acme:thread-1:workflow:cursor",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.tenantID, tt.threadID, tt.ns, tt.key))
		})
	}
}

func TestGetSetDelete(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.True(t, c.Has("a"))
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.False(t, c.Has("a"))
}

func TestEvictsLeastRecentlyAccessed(t *testing.T) {
	c, err := New(3)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes the least recently accessed entry.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4)

	assert.False(t, c.Has("b"), "least recently accessed entry should be evicted")
	assert.True(t, c.Has("a"))
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))
}

func TestSetExistingKeyDoesNotEvict(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10) // overwrite, cache is full but no eviction needed

	assert.True(t, c.Has("a"))
	assert.True(t, c.Has("b"))

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestStats(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Get("a")
	c.Get("nope")
	c.Set("b", 2)
	c.Set("c", 3) // evicts

	s := c.Stats()
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, 2, s.MaxSize)
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Evictions)
}

func TestClearResetsCounters(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	c.Get("k0")
	c.Clear()

	s := c.Stats()
	assert.Equal(t, 0, s.Size)
	assert.Zero(t, s.Hits)
	assert.Zero(t, s.Misses)
	assert.Zero(t, s.Evictions)
}
