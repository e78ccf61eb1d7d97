package eventing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentuity/go-query/logger"
	"github.com/agentuity/go-query/messenger"
	"github.com/agentuity/go-query/query"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultRelayBuffer is the number of pending updates a Relay holds before
// dropping new ones.
const DefaultRelayBuffer = 256

// DefaultPublishTimeout bounds a single publish.
const DefaultPublishTimeout = 5 * time.Second

// Update is a cache broadcast as carried between processes. Value is
// msgpack-encoded, so receivers see it in its generic decoded form
// (strings, numbers, maps, slices).
type Update struct {
	Origin    string    `msgpack:"origin"`
	Key       string    `msgpack:"key"`
	Value     any       `msgpack:"value"`
	FetchedAt time.Time `msgpack:"fetched_at"`
}

// Relay publishes the broadcasts of watched keys on a query.Client to a
// subject. Publishing happens on a background goroutine so broadcasts never
// wait on the network; when the buffer is full updates are dropped.
type Relay struct {
	id        string
	client    Client
	query     *query.Client
	subject   string
	logger    logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	pending   chan Update

	mu       sync.Mutex
	watched  map[string]*messenger.Subscriber
	listener []Subscriber
}

// NewRelay returns a Relay for q publishing on subject through client.
func NewRelay(ctx context.Context, log logger.Logger, client Client, q *query.Client, subject string) *Relay {
	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	r := &Relay{
		id:      id,
		client:  client,
		query:   q,
		subject: subject,
		logger:  log.With(map[string]interface{}{"component": "relay", "relay": id}),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(chan Update, DefaultRelayBuffer),
		watched: make(map[string]*messenger.Subscriber),
	}
	r.waitGroup.Add(1)
	go r.run()
	return r
}

// ID identifies this relay as the Origin of the updates it publishes.
func (r *Relay) ID() string {
	return r.id
}

// Watch starts forwarding broadcasts for keys. Watching a key twice is a no-op.
func (r *Relay) Watch(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		if _, ok := r.watched[key]; ok {
			continue
		}
		sub := messenger.NewSubscriber(r.enqueue)
		r.watched[key] = sub
		r.query.Subscribe(key, sub)
	}
}

// Unwatch stops forwarding broadcasts for keys.
func (r *Relay) Unwatch(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		if sub, ok := r.watched[key]; ok {
			r.query.Unsubscribe(key, sub)
			delete(r.watched, key)
		}
	}
}

func (r *Relay) enqueue(key string, value any) {
	u := Update{Origin: r.id, Key: key, Value: value, FetchedAt: time.Now()}
	if _, at, ok := r.query.Peek(key); ok {
		u.FetchedAt = at
	}
	select {
	case r.pending <- u:
	default:
		r.logger.Warn("relay buffer full, dropping update for %s", key)
	}
}

func (r *Relay) run() {
	defer r.waitGroup.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case u := <-r.pending:
			if err := r.publish(u); err != nil {
				r.logger.Warn("failed to publish update for %s: %s", u.Key, err)
			}
		}
	}
}

func (r *Relay) publish(u Update) error {
	data, err := msgpack.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}
	ctx, cancel := context.WithTimeout(r.ctx, DefaultPublishTimeout)
	defer cancel()
	return r.client.Publish(ctx, r.subject, data, WithHeader("key", u.Key))
}

// Listen delivers updates published by other relays on the subject to fn.
// Updates from this relay are skipped.
func (r *Relay) Listen(ctx context.Context, fn func(ctx context.Context, u Update)) error {
	sub, err := r.client.Subscribe(ctx, r.subject, func(ctx context.Context, msg Message) {
		var u Update
		if err := msgpack.Unmarshal(msg.Data(), &u); err != nil {
			r.logger.Error("failed to decode update on %s: %s", msg.Subject(), err)
			return
		}
		if u.Origin == r.id {
			return
		}
		fn(ctx, u)
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.listener = append(r.listener, sub)
	r.mu.Unlock()
	return nil
}

// Close unwatches every key, stops listeners and the publisher. Pending
// updates are discarded.
func (r *Relay) Close() error {
	var firstErr error
	r.once.Do(func() {
		r.mu.Lock()
		for key, sub := range r.watched {
			r.query.Unsubscribe(key, sub)
		}
		clear(r.watched)
		listeners := r.listener
		r.listener = nil
		r.mu.Unlock()
		for _, sub := range listeners {
			if err := sub.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		r.cancel()
		r.waitGroup.Wait()
	})
	return firstErr
}
