package query

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-query/logger"
	"github.com/agentuity/go-query/messenger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Fetcher produces the value for a key.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Client is the cache and query coordinator. It is safe for concurrent use.
type Client struct {
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	closed    atomic.Bool
	cfg       config
	store     *store
	flights   singleflight.Group
	messenger *messenger.Messenger
	logger    logger.Logger
}

// New returns a Client and starts its background sweeper. Call Close to stop
// the sweeper.
func New(parent context.Context, opts ...Option) *Client {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		store:     newStore(cfg.shards),
		messenger: cfg.messenger,
		logger:    cfg.logger.With(map[string]interface{}{"component": "query"}),
	}
	c.waitGroup.Add(1)
	go c.run()
	return c
}

// Query returns the value for key, calling fetch when the store cannot answer.
//
// A hit younger than the cache lifetime is returned immediately and broadcast
// to the key's subscribers; if it is also older than the stale time a
// background refetch is started. Otherwise the caller waits for the key's
// single in-flight fetch, which stores and broadcasts its result.
func Query[T any](ctx context.Context, c *Client, key string, fetch Fetcher[T]) (T, error) {
	var zero T
	if err := validateKey(key); err != nil {
		return zero, err
	}
	if fetch == nil {
		return zero, ErrNilFetcher
	}
	if c.closed.Load() {
		return zero, ErrClosed
	}
	fn := erase(fetch)

	if e, ok := c.store.get(key); ok {
		age := c.cfg.now().Sub(e.fetchedAt)
		if age < c.cfg.cacheLifetime {
			val, err := convert[T](key, e.value)
			if err != nil {
				return zero, err
			}
			c.store.register(key, fn)
			c.messenger.Send(key, e.value)
			if age >= c.cfg.staleTime {
				c.refreshAsync(key, fn)
			}
			return val, nil
		}
		c.store.remove(key, e.fetchedAt)
	}

	c.store.register(key, fn)
	select {
	case res := <-c.fetch(ctx, key, fn, reasonMiss):
		if res.Err != nil {
			return zero, res.Err
		}
		return convert[T](key, res.Val)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// QueryKeys joins parts with Key and calls Query.
func QueryKeys[T any](ctx context.Context, c *Client, parts []string, fetch Fetcher[T]) (T, error) {
	key, err := Key(parts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return Query(ctx, c, key, fetch)
}

// fetch joins or starts the single in-flight fetch for key. The fetch runs on
// a context detached from ctx's cancellation so that one waiter giving up
// does not fail the others.
func (c *Client) fetch(ctx context.Context, key string, fn fetchFunc, reason string) <-chan singleflight.Result {
	fctx := context.WithoutCancel(ctx)
	return c.flights.DoChan(key, func() (any, error) {
		return c.execute(fctx, key, fn, reason)
	})
}

func (c *Client) execute(ctx context.Context, key string, fn fetchFunc, reason string) (val any, err error) {
	ctx, span := tracer.Start(ctx, "query.fetch", trace.WithAttributes(
		attribute.String("query.key", key),
		attribute.String("query.reason", reason),
	))
	defer span.End()

	started := time.Now()
	c.logger.Debug("fetching %s (%s)", key, reason)
	val, err = call(ctx, fn)
	if err != nil {
		err = fetchFailed(key, err)
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}
	c.store.set(key, val, c.cfg.now())
	c.messenger.Send(key, val)
	span.SetStatus(codes.Ok, "fetched")
	c.logger.Trace("fetched %s in %v", key, time.Since(started))
	return val, nil
}

// call runs fn, turning a panic into an error so it reaches every waiter.
func call(ctx context.Context, fn fetchFunc) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("fetcher panicked: %s", fmt.Sprint(r))
		}
	}()
	return fn(ctx)
}

// refreshAsync refetches key in the background. Failures are logged only.
func (c *Client) refreshAsync(key string, fn fetchFunc) {
	ch := c.fetch(c.ctx, key, fn, reasonStale)
	go func() {
		if res := <-ch; res.Err != nil {
			c.logger.Warn("background refresh of %s failed: %s", key, res.Err)
		}
	}()
}

// refetch runs the registered fetcher for key and waits for the result. It
// is a no-op when no fetcher was ever registered.
func (c *Client) refetch(ctx context.Context, key, reason string) error {
	fn, ok := c.store.fetcher(key)
	if !ok {
		c.logger.Debug("no fetcher registered for %s, skipping %s", key, reason)
		return nil
	}
	select {
	case res := <-c.fetch(ctx, key, fn, reason):
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invalidate refetches each key with its registered fetcher, replacing the
// cached value and broadcasting it. Keys that were never queried are skipped.
// The errors of failed keys are joined.
func (c *Client) Invalidate(ctx context.Context, keys ...string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	var errs []error
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.refetch(ctx, key, reasonInvalidate); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InvalidateKeys invalidates the composite key formed by parts.
func (c *Client) InvalidateKeys(ctx context.Context, parts ...string) error {
	key, err := Key(parts...)
	if err != nil {
		return err
	}
	return c.Invalidate(ctx, key)
}

// Subscribe registers sub for broadcasts on key. The registration is weak:
// keep sub reachable for as long as it should receive values.
func (c *Client) Subscribe(key string, sub *messenger.Subscriber) {
	c.messenger.Subscribe(key, sub)
}

// Unsubscribe removes sub from key.
func (c *Client) Unsubscribe(key string, sub *messenger.Subscriber) {
	c.messenger.Unsubscribe(key, sub)
}

// HasSubscribers reports whether key has live subscribers.
func (c *Client) HasSubscribers(key string) bool {
	return c.messenger.HasSubscribers(key)
}

// Messenger returns the subscription registry used by the Client.
func (c *Client) Messenger() *messenger.Messenger {
	return c.messenger
}

// Peek returns the stored value for key without broadcasting or refreshing.
func (c *Client) Peek(key string) (any, time.Time, bool) {
	e, ok := c.store.get(key)
	return e.value, e.fetchedAt, ok
}

// Len returns the number of cached entries.
func (c *Client) Len() int {
	return c.store.len()
}

// Close stops the background sweeper and waits for it to exit. In-flight
// fetches are left to finish.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}
