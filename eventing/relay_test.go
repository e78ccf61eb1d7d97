package eventing

import (
	"context"
	"testing"
	"time"

	"github.com/agentuity/go-query/logger"
	"github.com/agentuity/go-query/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestRelayForwardsBroadcasts(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	rdb := newTestRedis(t)

	pubClient, err := NewRedisClient(ctx, log, rdb)
	require.NoError(t, err)
	defer pubClient.Close()
	subClient, err := NewRedisClient(ctx, log, rdb)
	require.NoError(t, err)
	defer subClient.Close()

	q := query.New(ctx, query.WithLogger(log))
	defer q.Close()
	other := query.New(ctx, query.WithLogger(log))
	defer other.Close()

	source := NewRelay(ctx, log, pubClient, q, "cache-updates")
	defer source.Close()
	sink := NewRelay(ctx, log, subClient, other, "cache-updates")
	defer sink.Close()

	updates := make(chan Update, 4)
	require.NoError(t, sink.Listen(ctx, func(ctx context.Context, u Update) {
		updates <- u
	}))
	source.Watch("users|42")
	assert.True(t, q.HasSubscribers("users|42"))

	_, err = query.Query(ctx, q, "users|42", func(ctx context.Context) (string, error) {
		return "alice", nil
	})
	require.NoError(t, err)

	select {
	case u := <-updates:
		assert.Equal(t, source.ID(), u.Origin)
		assert.Equal(t, "users|42", u.Key)
		assert.Equal(t, "alice", u.Value)
		assert.False(t, u.FetchedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	// notification only: the receiving cache is untouched
	assert.Equal(t, 0, other.Len())
}

func TestRelaySkipsOwnUpdates(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	client, err := NewRedisClient(ctx, log, newTestRedis(t))
	require.NoError(t, err)
	defer client.Close()

	q := query.New(ctx, query.WithLogger(log))
	defer q.Close()
	relay := NewRelay(ctx, log, client, q, "cache-updates")
	defer relay.Close()

	updates := make(chan Update, 1)
	require.NoError(t, relay.Listen(ctx, func(ctx context.Context, u Update) {
		updates <- u
	}))
	relay.Watch("K")

	_, err = query.Query(ctx, q, "K", func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)

	select {
	case u := <-updates:
		t.Fatalf("received own update %+v", u)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRelayUnwatchAndClose(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	client, err := NewRedisClient(ctx, log, newTestRedis(t))
	require.NoError(t, err)
	defer client.Close()

	q := query.New(ctx, query.WithLogger(log))
	defer q.Close()
	relay := NewRelay(ctx, log, client, q, "cache-updates")

	relay.Watch("a", "b", "a")
	assert.True(t, q.HasSubscribers("a"))
	assert.True(t, q.HasSubscribers("b"))

	relay.Unwatch("a")
	assert.False(t, q.HasSubscribers("a"))

	require.NoError(t, relay.Close())
	require.NoError(t, relay.Close())
	assert.False(t, q.HasSubscribers("b"))
}

func TestRelayTagsUpdatesWithKeyHeader(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	client, err := NewRedisClient(ctx, log, newTestRedis(t))
	require.NoError(t, err)
	defer client.Close()

	raw := make(chan Message, 1)
	sub, err := client.Subscribe(ctx, "cache-updates", func(ctx context.Context, msg Message) {
		raw <- msg
	})
	require.NoError(t, err)
	defer sub.Close()

	q := query.New(ctx, query.WithLogger(log))
	defer q.Close()
	relay := NewRelay(ctx, log, client, q, "cache-updates")
	defer relay.Close()
	relay.Watch("users|42")

	_, err = query.Query(ctx, q, "users|42", func(ctx context.Context) (string, error) {
		return "alice", nil
	})
	require.NoError(t, err)

	select {
	case msg := <-raw:
		assert.Equal(t, "users|42", msg.Headers().Get("key"))
		var u Update
		require.NoError(t, msgpack.Unmarshal(msg.Data(), &u))
		assert.Equal(t, relay.ID(), u.Origin)
		assert.Equal(t, "alice", u.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
}
