package query

import (
	"time"

	"github.com/agentuity/go-query/logger"
	"github.com/agentuity/go-query/messenger"
)

const (
	// DefaultCacheLifetime is the maximum age at which an entry is served.
	DefaultCacheLifetime = 5 * time.Minute
	// DefaultStaleTime is the age after which a hit triggers a background refetch.
	DefaultStaleTime = time.Second
	// DefaultCleanupInterval is the period of the background sweeper.
	DefaultCleanupInterval = time.Minute
	// DefaultShards is the number of lock shards in the store.
	DefaultShards = 32
)

// config holds the resolved configuration for a Client.
type config struct {
	cacheLifetime   time.Duration
	staleTime       time.Duration
	cleanupInterval time.Duration
	shards          int
	logger          logger.Logger
	messenger       *messenger.Messenger
	now             func() time.Time
}

// Option configures a Client.
type Option func(*config)

func defaultConfig() config {
	return config{
		cacheLifetime:   DefaultCacheLifetime,
		staleTime:       DefaultStaleTime,
		cleanupInterval: DefaultCleanupInterval,
		shards:          DefaultShards,
		now:             time.Now,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cleanupInterval <= 0 {
		cfg.cleanupInterval = DefaultCleanupInterval
	}
	if cfg.shards <= 0 {
		cfg.shards = DefaultShards
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	if cfg.messenger == nil {
		cfg.messenger = messenger.New(messenger.WithLogger(cfg.logger))
	}
	return cfg
}

// WithCacheLifetime sets how long an entry may be served. Defaults to
// DefaultCacheLifetime (5 minutes).
func WithCacheLifetime(d time.Duration) Option {
	return func(c *config) { c.cacheLifetime = d }
}

// WithStaleTime sets the age after which a hit also starts a background
// refetch. Defaults to DefaultStaleTime (1 second). A stale time at or above
// the cache lifetime is not corrected: every hit past the lifetime then takes
// the miss path.
func WithStaleTime(d time.Duration) Option {
	return func(c *config) { c.staleTime = d }
}

// WithCleanupInterval sets the period of the background sweeper. Defaults to
// DefaultCleanupInterval (1 minute).
func WithCleanupInterval(d time.Duration) Option {
	return func(c *config) { c.cleanupInterval = d }
}

// WithShards sets the number of lock shards in the store.
func WithShards(n int) Option {
	return func(c *config) { c.shards = n }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMessenger shares an existing subscription registry with the Client.
func WithMessenger(m *messenger.Messenger) Option {
	return func(c *config) { c.messenger = m }
}

// WithClock replaces time.Now for age computations.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}
