package query

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-query/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sequence returns a fetcher cycling through values and a counter of calls.
func sequence(values ...string) (Fetcher[string], *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		return values[int(n-1)%len(values)], nil
	}, &calls
}

// recorder collects broadcast values for a key.
type recorder struct {
	mu     sync.Mutex
	values []string
}

func (r *recorder) handle(_ string, v string) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.values...)
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return ""
	}
	return r.values[len(r.values)-1]
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *logger.TestLogger) {
	t.Helper()
	log := logger.NewTestLogger()
	opts = append([]Option{WithLogger(log)}, opts...)
	c := New(context.Background(), opts...)
	t.Cleanup(func() { c.Close() })
	return c, log
}
