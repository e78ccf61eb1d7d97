package query

import "github.com/agentuity/go-query/messenger"

// Handler adapts a typed callback to a messenger.Handler. A broadcast value
// that is not a T panics with an ErrTypeMismatch error; the messenger
// recovers and logs it without affecting other subscribers.
func Handler[T any](fn func(key string, value T)) messenger.Handler {
	return func(key string, value any) {
		typed, err := convert[T](key, value)
		if err != nil {
			panic(err)
		}
		fn(key, typed)
	}
}

// Watch subscribes a typed callback to key and returns the subscriber. The
// subscription stays active only while the returned value is reachable; pass
// it to Client.Unsubscribe to end it explicitly.
func Watch[T any](c *Client, key string, fn func(key string, value T)) *messenger.Subscriber {
	sub := messenger.NewSubscriber(Handler(fn))
	c.Subscribe(key, sub)
	return sub
}
