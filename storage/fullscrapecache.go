package storage

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/torshare/torshare-tracker/bittorrent"
)

// FullScrapeCache serves BEP 48 "full scrape" responses (a dump of every
// torrent the tracker knows about) from a single cached snapshot, refreshed
// at most once per TTL. A full scrape is far too expensive to compute per
// request on a tracker with any meaningful number of torrents; concurrent
// requests during a refresh share a single in-flight walk via singleflight
// rather than each re-walking storage.
type FullScrapeCache struct {
	store PeerStorage
	ttl   time.Duration

	mu        sync.RWMutex
	snapshot  []bittorrent.Scrape
	fetchedAt time.Time

	group singleflight.Group
}

// NewFullScrapeCache builds a cache drawing from store, treating a snapshot
// older than ttl as stale.
func NewFullScrapeCache(store PeerStorage, ttl time.Duration) *FullScrapeCache {
	return &FullScrapeCache{store: store, ttl: ttl}
}

// Get returns the current full-scrape snapshot, refreshing it first if it is
// missing or older than the cache's TTL.
func (c *FullScrapeCache) Get(ctx context.Context) ([]bittorrent.Scrape, error) {
	c.mu.RLock()
	fresh := !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl
	snapshot := c.snapshot
	c.mu.RUnlock()
	if fresh {
		return snapshot, nil
	}

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		c.mu.RLock()
		stillFresh := !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl
		current := c.snapshot
		c.mu.RUnlock()
		if stillFresh {
			return current, nil
		}
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]bittorrent.Scrape), nil
}

func (c *FullScrapeCache) refresh(ctx context.Context) ([]bittorrent.Scrape, error) {
	snapshot := make([]bittorrent.Scrape, 0, 1024)
	if err := c.store.FullScrape(ctx, func(s bittorrent.Scrape) bool {
		snapshot = append(snapshot, s)
		return true
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.snapshot = snapshot
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	return snapshot, nil
}

// Invalidate forces the next Get to refresh, regardless of TTL.
func (c *FullScrapeCache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
