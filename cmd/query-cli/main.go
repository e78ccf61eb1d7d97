package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentuity/go-query/config"
	"github.com/agentuity/go-query/eventing"
	"github.com/agentuity/go-query/logger"
	"github.com/agentuity/go-query/messenger"
	"github.com/agentuity/go-query/query"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "query-cli",
		Short:        "Exercise a stale-while-revalidate query cache",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCommand())
	return root
}

type runFlags struct {
	configPath   string
	lifetime     time.Duration
	stale        time.Duration
	cleanup      time.Duration
	keys         []string
	iterations   int
	interval     time.Duration
	invalidate   int
	fetchDelay   time.Duration
	redisURL     string
	redisSubject string
}

func newRunCommand() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Query keys in a loop against a simulated producer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("lifetime") {
				cfg.CacheLifetime = config.Duration(flags.lifetime)
			}
			if cmd.Flags().Changed("stale") {
				cfg.StaleTime = config.Duration(flags.stale)
			}
			if cmd.Flags().Changed("cleanup") {
				cfg.CleanupInterval = config.Duration(flags.cleanup)
			}
			if cmd.Flags().Changed("redis") {
				cfg.Redis.URL = flags.redisURL
			}
			if cmd.Flags().Changed("subject") {
				cfg.Redis.Subject = flags.redisSubject
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, flags)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "query.yaml", "path to a YAML config file")
	cmd.Flags().DurationVar(&flags.lifetime, "lifetime", query.DefaultCacheLifetime, "cache lifetime")
	cmd.Flags().DurationVar(&flags.stale, "stale", query.DefaultStaleTime, "stale time")
	cmd.Flags().DurationVar(&flags.cleanup, "cleanup", query.DefaultCleanupInterval, "sweeper interval")
	cmd.Flags().StringSliceVar(&flags.keys, "keys", []string{"users|1", "users|2"}, "keys to query")
	cmd.Flags().IntVar(&flags.iterations, "iterations", 10, "number of query rounds (0 runs until interrupted)")
	cmd.Flags().DurationVar(&flags.interval, "interval", time.Second, "delay between rounds")
	cmd.Flags().IntVar(&flags.invalidate, "invalidate-every", 5, "invalidate all keys every N rounds (0 disables)")
	cmd.Flags().DurationVar(&flags.fetchDelay, "fetch-delay", 50*time.Millisecond, "simulated producer latency")
	cmd.Flags().StringVar(&flags.redisURL, "redis", "", "relay updates to this redis URL")
	cmd.Flags().StringVar(&flags.redisSubject, "subject", config.DefaultSubject, "relay subject")
	return cmd
}

// producer simulates a slow data source returning a new version per call.
type producer struct {
	mu       sync.Mutex
	versions map[string]int
	delay    time.Duration
}

func (p *producer) fetcher(key string) query.Fetcher[string] {
	return func(ctx context.Context) (string, error) {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.versions[key]++
		return fmt.Sprintf("%s@v%d", key, p.versions[key]), nil
	}
}

func run(ctx context.Context, cfg config.Config, flags runFlags) error {
	log := logger.NewConsoleLogger(cfg.Level())
	client := query.New(ctx, append(cfg.Options(), query.WithLogger(log))...)
	defer client.Close()

	if cfg.Redis.URL != "" {
		relay, shutdown, err := startRelay(ctx, log, client, cfg.Redis)
		if err != nil {
			return err
		}
		defer shutdown()
		relay.Watch(flags.keys...)
	}

	subs := make([]*messenger.Subscriber, 0, len(flags.keys))
	for _, key := range flags.keys {
		subs = append(subs, query.Watch(client, key, func(key string, value string) {
			fmt.Printf("  notify %-12s %s\n", key, value)
		}))
	}
	// registrations are weak; keep the subscribers reachable until we return
	defer runtime.KeepAlive(subs)

	p := &producer{versions: make(map[string]int), delay: flags.fetchDelay}
	ticker := time.NewTicker(flags.interval)
	defer ticker.Stop()

	for round := 1; flags.iterations == 0 || round <= flags.iterations; round++ {
		fmt.Printf("round %d\n", round)
		for _, key := range flags.keys {
			val, err := query.Query(ctx, client, key, p.fetcher(key))
			if err != nil {
				log.Error("query %s failed: %s", key, err)
				continue
			}
			fmt.Printf("  query  %-12s %s\n", key, val)
		}
		if flags.invalidate > 0 && round%flags.invalidate == 0 {
			if err := client.Invalidate(ctx, flags.keys...); err != nil {
				log.Error("invalidate failed: %s", err)
			}
		}
		select {
		case <-ctx.Done():
			fmt.Println("interrupted")
			return nil
		case <-ticker.C:
		}
	}
	fmt.Printf("done: %d cached keys (%s)\n", client.Len(), strings.Join(flags.keys, ", "))
	return nil
}

func startRelay(ctx context.Context, log logger.Logger, client *query.Client, cfg config.Redis) (*eventing.Relay, func(), error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	events, err := eventing.NewRedisClient(ctx, log, rdb)
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	relay := eventing.NewRelay(ctx, log, events, client, cfg.Subject)
	shutdown := func() {
		relay.Close()
		events.Close()
		rdb.Close()
	}
	if err := relay.Listen(ctx, func(ctx context.Context, u eventing.Update) {
		fmt.Printf("  remote %-12s %v (from %s)\n", u.Key, u.Value, u.Origin)
	}); err != nil {
		shutdown()
		return nil, nil, err
	}
	log.Info("relaying updates to %s on %s", cfg.URL, cfg.Subject)
	return relay, shutdown, nil
}
