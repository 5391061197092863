package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k"))
	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestLedger(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryCache(), 0)

	const uid = "1.2.3.4.5"
	assert.False(t, l.AlreadyRetrieved(ctx, uid))

	require.NoError(t, l.MarkRetrieved(ctx, uid, "success"))
	assert.True(t, l.AlreadyRetrieved(ctx, uid))

	require.NoError(t, l.Forget(ctx, uid))
	assert.False(t, l.AlreadyRetrieved(ctx, uid))
}

type failingCache struct{ Cache }

func (failingCache) Exists(ctx context.Context, key string) (bool, error) {
	return false, assert.AnError
}

func TestLedgerDegradesOpen(t *testing.T) {
	l := NewLedger(failingCache{}, 0)
	assert.False(t, l.AlreadyRetrieved(context.Background(), "1.2.3"))
}
