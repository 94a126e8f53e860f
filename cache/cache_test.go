package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	c := New()

	c.Set("k1", []byte("v1"), 0)
	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	// overwrite
	c.Set("k1", []byte("v2"), 0)
	got, _ = c.Get("k1")
	assert.Equal(t, []byte("v2"), got)

	assert.True(t, c.Delete("k1"))
	assert.False(t, c.Delete("k1"))
	_, ok = c.Get("k1")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New()
	c.Set("gone", []byte("v"), time.Now().Add(-time.Second).Unix())
	c.Set("kept", []byte("v"), time.Now().Add(time.Hour).Unix())

	_, ok := c.Get("gone")
	assert.False(t, ok)
	_, ok = c.Get("kept")
	assert.True(t, ok)
}

func TestFlushAllAndLen(t *testing.T) {
	c := New()
	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("key-%d", i), []byte("v"), 0)
	}
	assert.Equal(t, 100, c.Len())
	c.FlushAll()
	assert.Equal(t, 0, c.Len())
}

func TestSnapshotSkipsExpired(t *testing.T) {
	c := New()
	c.Set("live", []byte("v"), 0)
	c.Set("dead", []byte("v"), time.Now().Add(-time.Second).Unix())

	seen := map[string]Item{}
	c.Snapshot(func(key string, it Item) {
		seen[key] = it
	})
	require.Len(t, seen, 1)
	assert.Contains(t, seen, "live")
}
