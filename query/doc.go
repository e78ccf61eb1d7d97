// Package query provides a keyed data-fetch cache with stale-while-revalidate
// semantics.
//
// A [Client] answers "give me the value for key K" from its store when it can
// and calls the caller-supplied [Fetcher] when it must:
//
//	user, err := query.Query(ctx, client, "user:42", func(ctx context.Context) (User, error) {
//	    return api.GetUser(ctx, 42)
//	})
//
// Entries younger than the stale time are served as-is. Entries between the
// stale time and the cache lifetime are served immediately while a background
// refetch refreshes them. Entries older than the cache lifetime are refetched
// before returning. Concurrent requests for a key share a single in-flight
// fetch, and a failed fetch is never cached.
//
// Every successful fetch and every cache hit is broadcast to the key's
// subscribers through a [messenger.Messenger]. Subscriptions are weak: they
// last only as long as the caller keeps the [messenger.Subscriber] reachable.
//
// A background sweeper runs every cleanup interval. Expired keys that still
// have subscribers are refetched using the most recently registered fetcher;
// the rest are evicted.
//
// # Keys
//
// Keys form a flat namespace shared by every value type. [Key] joins composite
// parts with [KeySeparator] and rejects parts that would make two different
// part lists collide. Requesting a key with a type that does not match the
// stored value fails with [ErrTypeMismatch] rather than coercing.
package query
