package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore_SetGet(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "alert_above", "42")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "alert_above", "42", `{"BTCUSDT":50000}`))
	assert.Equal(t, `{"BTCUSDT":50000}`, mr.HGet("alert_above", "42"))

	value, ok, err := s.Get(ctx, "alert_above", "42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"BTCUSDT":50000}`, value)
}

func TestRedisStore_GetAll(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	entries, err := s.GetAll(ctx, "alert_below")
	require.NoError(t, err)
	assert.Empty(t, entries)

	mr.HSet("alert_below", "1", `{"ETHUSDT":2000}`)
	mr.HSet("alert_below", "2", `{}`)
	mr.HSet("alert_above", "3", `{"BTCUSDT":1}`)

	entries, err = s.GetAll(ctx, "alert_below")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": `{"ETHUSDT":2000}`, "2": `{}`}, entries)
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	mr.Close()

	_, err := s.GetAll(ctx, "alert_above")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, _, err = s.Get(ctx, "alert_above", "1")
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.ErrorIs(t, s.Set(ctx, "alert_above", "1", "{}"), ErrUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), ErrUnavailable)
}
