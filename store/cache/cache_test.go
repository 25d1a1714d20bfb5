package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, "test:", nil), mr
}

func TestSetGetDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, c.Set(ctx, "k1", record{Name: "openai", Count: 2}, time.Minute))

	var got record
	found, err := c.Get(ctx, "k1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, record{Name: "openai", Count: 2}, got)

	require.NoError(t, c.Delete(ctx, "k1"))
	found, err = c.Get(ctx, "k1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetMissing(t *testing.T) {
	c, _ := newTestCache(t)

	var dest string
	found, err := c.Get(context.Background(), "absent", &dest)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "value", 10*time.Second))
	mr.FastForward(11 * time.Second)

	var dest string
	found, err := c.Get(ctx, "short", &dest)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPubSub(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ch, cancel, err := c.Subscribe(ctx, "job:abc")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, c.Publish(ctx, "job:abc", []byte(`{"seq":0}`)))

	select {
	case payload := <-ch:
		assert.JSONEq(t, `{"seq":0}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
