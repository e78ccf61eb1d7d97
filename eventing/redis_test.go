package eventing

import (
	"context"
	"testing"
	"time"

	"github.com/agentuity/go-query/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:     mr.Addr(),
		Protocol: 2,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewRedisClientRequiresClient(t *testing.T) {
	_, err := NewRedisClient(context.Background(), logger.NewTestLogger(), nil)
	assert.Error(t, err)
}

func TestRedisPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	client, err := NewRedisClient(ctx, logger.NewTestLogger(), newTestRedis(t))
	require.NoError(t, err)
	defer client.Close()

	received := make(chan Message, 1)
	sub, err := client.Subscribe(ctx, "updates", func(ctx context.Context, msg Message) {
		received <- msg
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, client.Publish(ctx, "updates", []byte("hello"), WithHeader("key", "K")))

	select {
	case msg := <-received:
		assert.Equal(t, "updates", msg.Subject())
		assert.Equal(t, []byte("hello"), msg.Data())
		assert.Equal(t, "K", msg.Headers().Get("key"))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRedisSubscriberClose(t *testing.T) {
	ctx := context.Background()
	client, err := NewRedisClient(ctx, logger.NewTestLogger(), newTestRedis(t))
	require.NoError(t, err)
	defer client.Close()

	received := make(chan Message, 1)
	sub, err := client.Subscribe(ctx, "updates", func(ctx context.Context, msg Message) {
		received <- msg
	})
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	require.NoError(t, client.Publish(ctx, "updates", []byte("ignored")))
	select {
	case <-received:
		t.Fatal("closed subscriber received a message")
	case <-time.After(100 * time.Millisecond):
	}
}
