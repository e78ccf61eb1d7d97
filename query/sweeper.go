package query

import (
	"context"
	"time"
)

func (c *Client) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			// a pass runs to completion even if Close is called meanwhile
			c.Sweep(context.WithoutCancel(c.ctx))
		}
	}
}

// SweepStats reports the outcome of one sweep.
type SweepStats struct {
	Refreshed int
	Evicted   int
	Failed    int
}

// Sweep runs one expiry pass. Expired keys with live subscribers and a
// registered fetcher are refetched and broadcast; the rest are evicted along
// with their fetcher. A failed refetch leaves the entry for the next pass.
func (c *Client) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	expired := c.store.expired(c.cfg.now(), c.cfg.cacheLifetime)
	for _, e := range expired {
		if c.messenger.HasSubscribers(e.key) {
			if _, ok := c.store.fetcher(e.key); ok {
				if err := c.refetch(ctx, e.key, reasonSweep); err != nil {
					stats.Failed++
					c.logger.Warn("refresh of expired %s failed: %s", e.key, err)
				} else {
					stats.Refreshed++
				}
				continue
			}
		}
		if c.store.evict(e.key, e.fetchedAt) {
			stats.Evicted++
			c.logger.Debug("removed %s", e.key)
		}
	}
	if len(expired) > 0 {
		c.logger.Debug("sweep: %d refreshed, %d evicted, %d failed", stats.Refreshed, stats.Evicted, stats.Failed)
	}
	return stats
}
