// Package memory implements an in-memory, sharded storage.PeerStorage. It is
// the default backend: no external dependency, bounded by process memory,
// lost on restart.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/pkg/conf"
	"github.com/torshare/torshare-tracker/pkg/log"
	"github.com/torshare/torshare-tracker/pkg/stop"
	"github.com/torshare/torshare-tracker/storage"
)

func init() {
	storage.RegisterBuilder("memory", builder)
}

func builder(cfg conf.MapConfig) (storage.Storage, error) {
	var c Config
	if err := cfg.Unmarshal(&c); err != nil {
		return nil, err
	}
	return New(c)
}

// ErrInvalidGCInterval is returned by New for a non-positive GCInterval.
var ErrInvalidGCInterval = errors.New("memory: gc_interval must be greater than zero")

// Config holds the configuration of the in-memory store.
type Config struct {
	ShardCount  int           `cfg:"shard_count"`
	GCInterval  time.Duration `cfg:"gc_interval"`
	PeerLifetime time.Duration `cfg:"peer_lifetime"`
}

var logger = log.NewLogger("storage/memory")

type peerRecord struct {
	lastSeen int64
}

type swarm struct {
	seeders  map[string]peerRecord
	leechers map[string]peerRecord
	snatches uint32
}

type shard struct {
	sync.RWMutex
	swarms map[bittorrent.InfoHash]*swarm
}

type peerStore struct {
	shards       []*shard
	peerLifetime time.Duration

	stopper *stop.Group
}

var _ storage.Storage = (*peerStore)(nil)

// New builds an in-memory peer store and starts its background garbage
// collector.
func New(cfg Config) (storage.Storage, error) {
	shardCount := cfg.ShardCount
	if shardCount <= 0 {
		shardCount = 1
	}
	if cfg.GCInterval <= 0 {
		return nil, ErrInvalidGCInterval
	}

	ps := &peerStore{
		shards:       make([]*shard, shardCount),
		peerLifetime: cfg.PeerLifetime,
		stopper:      stop.NewGroup(),
	}
	for i := range ps.shards {
		ps.shards[i] = &shard{swarms: make(map[bittorrent.InfoHash]*swarm)}
	}

	ps.stopper.Add(ps.runGC(cfg.GCInterval))

	return ps, nil
}

func (s *peerStore) runGC(interval time.Duration) stop.Stopper {
	closing := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-closing:
				return
			case <-t.C:
				s.collectGarbage(time.Now().Add(-s.peerLifetime))
			}
		}
	}()

	return stop.FuncStopper(func() stop.Result {
		close(closing)
		<-done
		c := make(stop.Channel)
		close(c)
		return c.Result()
	})
}

func (s *peerStore) shardFor(ih bittorrent.InfoHash) *shard {
	h := xxhash.Sum64String(ih.RawString())
	return s.shards[h%uint64(len(s.shards))]
}

func (s *peerStore) PutSeeder(_ context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error {
	sh := s.shardFor(ih)
	sh.Lock()
	defer sh.Unlock()
	sw := s.swarmLocked(sh, ih)
	sw.seeders[p.RawString()] = peerRecord{lastSeen: time.Now().UnixNano()}
	return nil
}

func (s *peerStore) DeleteSeeder(_ context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error {
	sh := s.shardFor(ih)
	sh.Lock()
	defer sh.Unlock()
	sw, ok := sh.swarms[ih]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}
	key := p.RawString()
	if _, ok := sw.seeders[key]; !ok {
		return storage.ErrResourceDoesNotExist
	}
	delete(sw.seeders, key)
	s.maybeDropSwarmLocked(sh, ih, sw)
	return nil
}

func (s *peerStore) PutLeecher(_ context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error {
	sh := s.shardFor(ih)
	sh.Lock()
	defer sh.Unlock()
	sw := s.swarmLocked(sh, ih)
	sw.leechers[p.RawString()] = peerRecord{lastSeen: time.Now().UnixNano()}
	return nil
}

func (s *peerStore) DeleteLeecher(_ context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error {
	sh := s.shardFor(ih)
	sh.Lock()
	defer sh.Unlock()
	sw, ok := sh.swarms[ih]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}
	key := p.RawString()
	if _, ok := sw.leechers[key]; !ok {
		return storage.ErrResourceDoesNotExist
	}
	delete(sw.leechers, key)
	s.maybeDropSwarmLocked(sh, ih, sw)
	return nil
}

func (s *peerStore) GraduateLeecher(_ context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error {
	sh := s.shardFor(ih)
	sh.Lock()
	defer sh.Unlock()
	sw := s.swarmLocked(sh, ih)

	key := p.RawString()
	if _, wasLeecher := sw.leechers[key]; wasLeecher {
		delete(sw.leechers, key)
		sw.snatches++
	}
	sw.seeders[key] = peerRecord{lastSeen: time.Now().UnixNano()}
	return nil
}

func (s *peerStore) AnnouncePeers(_ context.Context, ih bittorrent.InfoHash, requesterIsSeeder bool, numWant int, v6 bool, exclude bittorrent.Peer) ([]bittorrent.Peer, error) {
	sh := s.shardFor(ih)
	sh.RLock()
	defer sh.RUnlock()

	sw, ok := sh.swarms[ih]
	if !ok || numWant == 0 {
		return nil, nil
	}

	peers := make([]bittorrent.Peer, 0, numWant)
	add := func(raw string) bool {
		if len(peers) >= numWant {
			return false
		}
		p, err := bittorrent.NewPeer(raw)
		if err != nil {
			return true
		}
		if p.Addr().Is6() != v6 {
			return true
		}
		if p.EqualEndpoint(exclude) {
			return true
		}
		peers = append(peers, p)
		return true
	}

	if !requesterIsSeeder {
		for raw := range sw.seeders {
			if !add(raw) {
				return peers, nil
			}
		}
	}
	for raw := range sw.leechers {
		if !add(raw) {
			return peers, nil
		}
	}
	return peers, nil
}

func (s *peerStore) ScrapeSwarm(_ context.Context, ih bittorrent.InfoHash) (leechers, seeders, snatches uint32, err error) {
	sh := s.shardFor(ih)
	sh.RLock()
	defer sh.RUnlock()
	sw, ok := sh.swarms[ih]
	if !ok {
		return 0, 0, 0, nil
	}
	return uint32(len(sw.leechers)), uint32(len(sw.seeders)), sw.snatches, nil
}

func (s *peerStore) HasSwarm(_ context.Context, ih bittorrent.InfoHash) (bool, error) {
	sh := s.shardFor(ih)
	sh.RLock()
	defer sh.RUnlock()
	_, ok := sh.swarms[ih]
	return ok, nil
}

func (s *peerStore) GetStats(ctx context.Context, ihs []bittorrent.InfoHash) (map[bittorrent.InfoHash]bittorrent.Scrape, error) {
	out := make(map[bittorrent.InfoHash]bittorrent.Scrape, len(ihs))
	for _, ih := range ihs {
		l, se, sn, err := s.ScrapeSwarm(ctx, ih)
		if err != nil {
			return nil, err
		}
		if l == 0 && se == 0 && sn == 0 {
			continue
		}
		out[ih] = bittorrent.Scrape{InfoHash: ih, Incomplete: l, Complete: se, Snatches: sn}
	}
	return out, nil
}

// FullScrape walks every shard in turn, holding each shard's lock only for
// the duration of copying its torrent list, never across the whole walk.
func (s *peerStore) FullScrape(_ context.Context, yield func(bittorrent.Scrape) bool) error {
	for _, sh := range s.shards {
		sh.RLock()
		snapshot := make([]bittorrent.Scrape, 0, len(sh.swarms))
		for ih, sw := range sh.swarms {
			snapshot = append(snapshot, bittorrent.Scrape{
				InfoHash:   ih,
				Incomplete: uint32(len(sw.leechers)),
				Complete:   uint32(len(sw.seeders)),
				Snatches:   sw.snatches,
			})
		}
		sh.RUnlock()

		for _, sc := range snapshot {
			if !yield(sc) {
				return nil
			}
		}
	}
	return nil
}

func (s *peerStore) Register(_ context.Context, ih bittorrent.InfoHash) error {
	sh := s.shardFor(ih)
	sh.Lock()
	defer sh.Unlock()
	s.swarmLocked(sh, ih)
	return nil
}

func (s *peerStore) Ping(context.Context) error { return nil }

func (s *peerStore) Put(context.Context, string, ...storage.Entry) error { return storage.ErrBackendDoesNotExist }
func (s *peerStore) Contains(context.Context, string, string) (bool, error) {
	return false, storage.ErrBackendDoesNotExist
}
func (s *peerStore) Load(context.Context, string, string) ([]byte, error) {
	return nil, storage.ErrBackendDoesNotExist
}
func (s *peerStore) Delete(context.Context, string, ...string) error { return storage.ErrBackendDoesNotExist }
func (s *peerStore) Preservable() bool                               { return false }

func (s *peerStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		for err := range s.stopper.Stop() {
			c <- err
		}
		close(c)
	}()
	return c.Result()
}

// swarmLocked returns sh's swarm entry for ih, creating it (and updating the
// infohash gauge) if absent. Callers must hold sh's write lock.
func (s *peerStore) swarmLocked(sh *shard, ih bittorrent.InfoHash) *swarm {
	sw, ok := sh.swarms[ih]
	if !ok {
		sw = &swarm{
			seeders:  make(map[string]peerRecord),
			leechers: make(map[string]peerRecord),
		}
		sh.swarms[ih] = sw
		storage.PromInfoHashesCount.Inc()
	}
	return sw
}

// maybeDropSwarmLocked removes ih's swarm entry once it holds no peers.
// Callers must hold sh's write lock.
func (s *peerStore) maybeDropSwarmLocked(sh *shard, ih bittorrent.InfoHash, sw *swarm) {
	if len(sw.seeders) == 0 && len(sw.leechers) == 0 {
		delete(sh.swarms, ih)
		storage.PromInfoHashesCount.Dec()
	}
}

// collectGarbage removes peers whose last announce predates cutoff,
// shard by shard, taking each shard's lock only for its own sweep.
func (s *peerStore) collectGarbage(cutoff time.Time) {
	start := time.Now()
	cutoffNano := cutoff.UnixNano()

	for _, sh := range s.shards {
		sh.Lock()
		var leechersGone, seedersGone uint32
		for ih, sw := range sh.swarms {
			for k, r := range sw.leechers {
				if r.lastSeen <= cutoffNano {
					delete(sw.leechers, k)
					leechersGone++
				}
			}
			for k, r := range sw.seeders {
				if r.lastSeen <= cutoffNano {
					delete(sw.seeders, k)
					seedersGone++
				}
			}
			s.maybeDropSwarmLocked(sh, ih, sw)
		}
		sh.Unlock()

		if leechersGone > 0 {
			storage.PromLeechersCount.Sub(float64(leechersGone))
		}
		if seedersGone > 0 {
			storage.PromSeedersCount.Sub(float64(seedersGone))
		}
	}

	storage.PromGCDurationMilliseconds.Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))
	logger.Debug().Dur("took", time.Since(start)).Msg("collected garbage")
}
