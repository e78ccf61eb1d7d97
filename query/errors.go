package query

import (
	"reflect"
	"strconv"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidKey is returned for an empty key or a composite key part
	// that is empty or contains KeySeparator.
	ErrInvalidKey = errors.New("query: invalid key")
	// ErrNilFetcher is returned when Query is called without a fetch function.
	ErrNilFetcher = errors.New("query: nil fetcher")
	// ErrTypeMismatch is returned when the value stored for a key is not of
	// the type requested by the caller.
	ErrTypeMismatch = errors.New("query: type mismatch")
	// ErrFetchFailed matches every *FetchError.
	ErrFetchFailed = errors.New("query: fetch failed")
	// ErrClosed is returned by operations on a closed Client.
	ErrClosed = errors.New("query: client closed")
)

// FetchError is returned when the fetch function for Key fails. It matches
// ErrFetchFailed and unwraps to the fetch function's error.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return "query: fetch " + strconv.Quote(e.Key) + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

func fetchFailed(key string, err error) error {
	return &FetchError{Key: key, Err: err}
}

// convert asserts v to T, failing loudly instead of coercing.
func convert[T any](key string, v any) (T, error) {
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	var zero T
	if v == nil && any(zero) == nil {
		// T is an interface type and the fetcher produced nil.
		return zero, nil
	}
	return zero, errors.Wrapf(ErrTypeMismatch, "key %q: cannot convert value of type %T to %s", key, v, reflect.TypeFor[T]())
}
