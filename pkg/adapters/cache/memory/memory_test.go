package memory

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	c := NewCache()
	ctx := context.Background()

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	value, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), value)

	require.NoError(t, c.Delete(ctx, "k"))
	_, found, _ = c.Get(ctx, "k")
	assert.False(t, found)
}

func TestEntriesExpire(t *testing.T) {
	mock := clock.NewMock()
	c := NewCacheWithClock(mock)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))

	_, found, _ := c.Get(ctx, "k")
	assert.True(t, found)

	mock.Add(time.Second + time.Millisecond)
	_, found, _ = c.Get(ctx, "k")
	assert.False(t, found)
	assert.Zero(t, c.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	c := NewCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("abc"), time.Minute))

	value, _, _ := c.Get(ctx, "k")
	value[0] = 'x'

	fresh, _, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), fresh)
}
