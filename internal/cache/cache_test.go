package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := InitRedis(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")
}

func TestInitRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := InitRedis(context.Background(), Options{Addr: addr})
	assert.Error(t, err)
}

func TestPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := InitRedis(ctx, Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	sub, err := NewRedisSubscriber(ctx, client, AlertsChannel)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, NewPublisher(client).Publish(ctx, AlertsChannel, []byte(`{"symbol":"BTCUSDT"}`)))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, AlertsChannel, msg.Channel)
	assert.Equal(t, `{"symbol":"BTCUSDT"}`, msg.Payload)
}

func TestCommandLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := InitRedis(ctx, Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	l := NewCommandLimiter(client, 2)
	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "42")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ok)

	// Limits are per user.
	ok, err = l.Allow(ctx, "43")
	require.NoError(t, err)
	assert.True(t, ok)
}
