// Package redis implements storage.Storage backed by Redis, keeping peer
// data in per-(infohash, family, role) hashes so swarms are shared by every
// tracker process talking to the same Redis.
//
// Three categories of key are used:
//
//   - CHI_{L,S}{4,6}_<infohash> (hash): peer ID -> last-seen unix nanos, one
//     hash per (infohash, role, address family) tuple.
//   - CHI_I (set): every populated key above, used for garbage collection
//     and statistics aggregation.
//   - CHI_D (hash): infohash -> completed-download (snatch) count.
//
// Two scalar keys record aggregate counts across every swarm:
//
//   - CHI_C_S: total seeders.
//   - CHI_C_L: total leechers.
package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/pkg/conf"
	"github.com/torshare/torshare-tracker/pkg/log"
	"github.com/torshare/torshare-tracker/pkg/metrics"
	"github.com/torshare/torshare-tracker/pkg/stop"
	"github.com/torshare/torshare-tracker/pkg/timecache"
	"github.com/torshare/torshare-tracker/storage"
)

const (
	// Name is the name this backend is registered under.
	Name = "redis"

	defaultReadTimeout    = 15 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultConnectTimeout = 15 * time.Second
	defaultGCInterval     = time.Minute
	defaultPeerLifetime   = 30 * time.Minute
	defaultStatsInterval  = 30 * time.Second

	// PrefixKey is prepended to every DataStorage namespace.
	PrefixKey = "CHI_"
	// IHKey is the set of every populated per-swarm hash key.
	IHKey = "CHI_I"
	// IH4SeederKey prefixes IPv4 seeder hashes.
	IH4SeederKey = "CHI_S4_"
	// IH6SeederKey prefixes IPv6 seeder hashes.
	IH6SeederKey = "CHI_S6_"
	// IH4LeecherKey prefixes IPv4 leecher hashes.
	IH4LeecherKey = "CHI_L4_"
	// IH6LeecherKey prefixes IPv6 leecher hashes.
	IH6LeecherKey = "CHI_L6_"
	// CountSeederKey is the aggregate seeder counter.
	CountSeederKey = "CHI_C_S"
	// CountLeecherKey is the aggregate leecher counter.
	CountLeecherKey = "CHI_C_L"
	// CountDownloadsKey is the per-infohash snatch-count hash.
	CountDownloadsKey = "CHI_D"
)

var (
	logger                       = log.NewLogger(Name)
	errSentinelAndClusterChecked = errors.New("redis: cannot use both cluster and sentinel mode")
)

func init() {
	storage.RegisterBuilder(Name, builder)
}

func builder(cfg conf.MapConfig) (storage.Storage, error) {
	var c Config
	if err := cfg.Unmarshal(&c); err != nil {
		return nil, err
	}
	return New(c)
}

// Config holds the configuration of the Redis backend.
type Config struct {
	Addresses      []string
	DB             int
	PoolSize       int           `cfg:"pool_size"`
	Login          string
	Password       string
	Sentinel       bool
	SentinelMaster string        `cfg:"sentinel_master"`
	Cluster        bool
	ReadTimeout    time.Duration `cfg:"read_timeout"`
	WriteTimeout   time.Duration `cfg:"write_timeout"`
	ConnectTimeout time.Duration `cfg:"connect_timeout"`
	GCInterval     time.Duration `cfg:"gc_interval"`
	PeerLifetime   time.Duration `cfg:"peer_lifetime"`
	StatsInterval  time.Duration `cfg:"stats_interval"`
}

// validate sanity-checks cfg, substituting defaults for anything invalid and
// warning about the substitution.
func (cfg Config) validate() (Config, error) {
	if cfg.Sentinel && cfg.Cluster {
		return cfg, errSentinelAndClusterChecked
	}

	v := cfg

	addrs := make([]string, 0, len(cfg.Addresses))
	for _, a := range cfg.Addresses {
		if s := strings.TrimSpace(a); s != "" {
			addrs = append(addrs, s)
		}
	}
	v.Addresses = addrs
	if len(v.Addresses) == 0 {
		v.Addresses = []string{"127.0.0.1:6379"}
		logger.Warn().Strs("provided", cfg.Addresses).Strs("default", v.Addresses).Msg("falling back to default configuration")
	}
	if cfg.ReadTimeout <= 0 {
		v.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		v.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		v.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.GCInterval <= 0 {
		v.GCInterval = defaultGCInterval
	}
	if cfg.PeerLifetime <= 0 {
		v.PeerLifetime = defaultPeerLifetime
	}
	if cfg.StatsInterval <= 0 {
		v.StatsInterval = defaultStatsInterval
	}
	return v, nil
}

func (cfg Config) connect() (redis.UniversalClient, error) {
	var rs redis.UniversalClient
	switch {
	case cfg.Cluster:
		rs = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Username:     cfg.Login,
			Password:     cfg.Password,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
		})
	case cfg.Sentinel:
		rs = redis.NewFailoverClient(&redis.FailoverOptions{
			SentinelAddrs:    cfg.Addresses,
			SentinelUsername: cfg.Login,
			SentinelPassword: cfg.Password,
			MasterName:       cfg.SentinelMaster,
			DialTimeout:      cfg.ConnectTimeout,
			ReadTimeout:      cfg.ReadTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			PoolSize:         cfg.PoolSize,
			DB:               cfg.DB,
		})
	default:
		rs = redis.NewClient(&redis.Options{
			Addr:         cfg.Addresses[0],
			Username:     cfg.Login,
			Password:     cfg.Password,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			DB:           cfg.DB,
		})
	}

	if err := rs.Ping(context.Background()).Err(); err != nil {
		_ = rs.Close()
		return nil, err
	}
	return rs, nil
}

type store struct {
	redis.UniversalClient
	closed chan struct{}
	wg     sync.WaitGroup
}

// New connects to Redis per cfg and starts its background GC and statistics
// collection loops.
func New(cfg Config) (storage.Storage, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	rs, err := cfg.connect()
	if err != nil {
		return nil, err
	}

	s := &store{UniversalClient: rs, closed: make(chan struct{})}
	s.scheduleGC(cfg.GCInterval, cfg.PeerLifetime)
	s.scheduleStats(cfg.StatsInterval)
	return s, nil
}

var _ storage.Storage = (*store)(nil)

func (s *store) scheduleGC(interval, peerLifetime time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.closed:
				return
			case <-t.C:
				start := time.Now()
				s.gc(time.Now().Add(-peerLifetime))
				storage.PromGCDurationMilliseconds.Observe(float64(time.Since(start).Milliseconds()))
			}
		}
	}()
}

func (s *store) scheduleStats(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.closed:
				return
			case <-t.C:
				if !metrics.Enabled() {
					continue
				}
				storage.PromInfoHashesCount.Set(float64(s.count(context.Background(), IHKey, true)))
				storage.PromSeedersCount.Set(float64(s.count(context.Background(), CountSeederKey, false)))
				storage.PromLeechersCount.Set(float64(s.count(context.Background(), CountLeecherKey, false)))
			}
		}
	}()
}

func (s *store) count(ctx context.Context, key string, isSet bool) uint64 {
	var n uint64
	var err error
	if isSet {
		n, err = s.SCard(ctx, key).Uint64()
	} else {
		n, err = s.Get(ctx, key).Uint64()
	}
	if err = asNil(err); err != nil {
		logger.Error().Err(err).Str("key", key).Msg("unable to read counter")
	}
	return n
}

func (s *store) tx(ctx context.Context, fn func(redis.Pipeliner) error) error {
	cmds, err := s.TxPipelined(ctx, fn)
	if err != nil {
		return err
	}
	var errs []string
	for _, c := range cmds {
		if err := c.Err(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// asNil collapses redis.Nil (key not found) to nil; every other error is
// passed through unchanged.
func asNil(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// infoHashKey returns the hash key for ih's (role, address family) bucket.
func infoHashKey(ih string, seeder, v6 bool) string {
	var prefix string
	switch {
	case seeder && v6:
		prefix = IH6SeederKey
	case seeder:
		prefix = IH4SeederKey
	case v6:
		prefix = IH6LeecherKey
	default:
		prefix = IH4LeecherKey
	}
	return prefix + ih
}

func (s *store) putPeer(ctx context.Context, ihKey, countKey, peerID string) error {
	return s.tx(ctx, func(tx redis.Pipeliner) error {
		if err := tx.HSet(ctx, ihKey, peerID, timecache.NowUnixNano()).Err(); err != nil {
			return err
		}
		if err := tx.Incr(ctx, countKey).Err(); err != nil {
			return err
		}
		return tx.SAdd(ctx, IHKey, ihKey).Err()
	})
}

func (s *store) delPeer(ctx context.Context, ihKey, countKey, peerID string) error {
	deleted, err := s.HDel(ctx, ihKey, peerID).Uint64()
	if err = asNil(err); err != nil {
		return err
	}
	if deleted == 0 {
		return storage.ErrResourceDoesNotExist
	}
	return s.Decr(ctx, countKey).Err()
}

func (s *store) PutSeeder(ctx context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error {
	return s.putPeer(ctx, infoHashKey(ih.RawString(), true, p.Addr().Is6()), CountSeederKey, p.RawString())
}

func (s *store) DeleteSeeder(ctx context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error {
	return s.delPeer(ctx, infoHashKey(ih.RawString(), true, p.Addr().Is6()), CountSeederKey, p.RawString())
}

func (s *store) PutLeecher(ctx context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error {
	return s.putPeer(ctx, infoHashKey(ih.RawString(), false, p.Addr().Is6()), CountLeecherKey, p.RawString())
}

func (s *store) DeleteLeecher(ctx context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error {
	return s.delPeer(ctx, infoHashKey(ih.RawString(), false, p.Addr().Is6()), CountLeecherKey, p.RawString())
}

func (s *store) GraduateLeecher(ctx context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error {
	infoHash, peerID, v6 := ih.RawString(), p.RawString(), p.Addr().Is6()
	seederKey, leecherKey := infoHashKey(infoHash, true, v6), infoHashKey(infoHash, false, v6)

	return s.tx(ctx, func(tx redis.Pipeliner) error {
		deleted, err := tx.HDel(ctx, leecherKey, peerID).Uint64()
		if err = asNil(err); err != nil {
			return err
		}
		wasLeecher := deleted > 0
		if wasLeecher {
			if err := tx.Decr(ctx, CountLeecherKey).Err(); err != nil {
				return err
			}
		}
		if err := tx.HSet(ctx, seederKey, peerID, timecache.NowUnixNano()).Err(); err != nil {
			return err
		}
		if err := tx.Incr(ctx, CountSeederKey).Err(); err != nil {
			return err
		}
		if err := tx.SAdd(ctx, IHKey, seederKey).Err(); err != nil {
			return err
		}
		if wasLeecher {
			return tx.HIncrBy(ctx, CountDownloadsKey, infoHash, 1).Err()
		}
		return nil
	})
}

func parsePeersList(res *redis.StringSliceCmd) ([]bittorrent.Peer, error) {
	ids, err := res.Result()
	if err = asNil(err); err != nil {
		return nil, err
	}
	peers := make([]bittorrent.Peer, 0, len(ids))
	for _, id := range ids {
		p, err := bittorrent.NewPeer(id)
		if err != nil {
			logger.Error().Err(err).Str("peerID", id).Msg("unable to decode peer")
			continue
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func (s *store) AnnouncePeers(ctx context.Context, ih bittorrent.InfoHash, requesterIsSeeder bool, numWant int, v6 bool, exclude bittorrent.Peer) ([]bittorrent.Peer, error) {
	infoHash := ih.RawString()

	keys := make([]string, 0, 2)
	if requesterIsSeeder {
		keys = append(keys, infoHashKey(infoHash, false, v6))
	} else {
		keys = append(keys, infoHashKey(infoHash, true, v6), infoHashKey(infoHash, false, v6))
	}

	out := make([]bittorrent.Peer, 0, numWant)
	remaining := numWant + 1 // fetch one extra in case the requester itself is sampled
	for _, key := range keys {
		if remaining <= 0 {
			break
		}
		peers, err := parsePeersList(s.HRandField(ctx, key, remaining, false))
		if err != nil {
			return nil, err
		}
		for _, p := range peers {
			if p.EqualEndpoint(exclude) {
				continue
			}
			if len(out) >= numWant {
				break
			}
			out = append(out, p)
		}
		remaining = numWant - len(out) + 1
	}
	return out, nil
}

func (s *store) countPeers(ctx context.Context, ihKey string) uint32 {
	n, err := s.HLen(ctx, ihKey).Result()
	if err = asNil(err); err != nil {
		logger.Error().Err(err).Str("key", ihKey).Msg("unable to count peers")
	}
	return uint32(n)
}

func (s *store) scrape(ctx context.Context, ih bittorrent.InfoHash) (leechers, seeders, snatches uint32) {
	infoHash := ih.RawString()
	leechers = s.countPeers(ctx, infoHashKey(infoHash, false, false)) + s.countPeers(ctx, infoHashKey(infoHash, false, true))
	seeders = s.countPeers(ctx, infoHashKey(infoHash, true, false)) + s.countPeers(ctx, infoHashKey(infoHash, true, true))
	d, err := s.HGet(ctx, CountDownloadsKey, infoHash).Uint64()
	if err = asNil(err); err != nil {
		logger.Error().Err(err).Str("infoHash", infoHash).Msg("unable to read snatch count")
	}
	snatches = uint32(d)
	return
}

func (s *store) ScrapeSwarm(ctx context.Context, ih bittorrent.InfoHash) (leechers, seeders, snatches uint32, err error) {
	l, se, sn := s.scrape(ctx, ih)
	return l, se, sn, nil
}

// HasSwarm reports whether any of ih's four (role, address family) hash
// keys currently exist. A torrent registered only via Register (a no-op
// on this backend) is indistinguishable from an unknown one, since Redis
// swarm hashes are created lazily by the first PutSeeder/PutLeecher call.
func (s *store) HasSwarm(ctx context.Context, ih bittorrent.InfoHash) (bool, error) {
	infoHash := ih.RawString()
	n, err := s.Exists(ctx,
		infoHashKey(infoHash, true, false),
		infoHashKey(infoHash, true, true),
		infoHashKey(infoHash, false, false),
		infoHashKey(infoHash, false, true),
	).Result()
	if err = asNil(err); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *store) GetStats(ctx context.Context, ihs []bittorrent.InfoHash) (map[bittorrent.InfoHash]bittorrent.Scrape, error) {
	out := make(map[bittorrent.InfoHash]bittorrent.Scrape, len(ihs))
	for _, ih := range ihs {
		l, se, sn := s.scrape(ctx, ih)
		if l == 0 && se == 0 && sn == 0 {
			continue
		}
		out[ih] = bittorrent.Scrape{InfoHash: ih, Incomplete: l, Complete: se, Snatches: sn}
	}
	return out, nil
}

// FullScrape walks CHI_I, the set of every populated swarm key, aggregating
// per-infohash counts as it goes. It is a best-effort approximation: it does
// not hold any cross-key lock, so counts for a torrent mutated mid-walk may
// be momentarily inconsistent, resolving on the next full-scrape refresh.
func (s *store) FullScrape(ctx context.Context, yield func(bittorrent.Scrape) bool) error {
	keys, err := s.SMembers(ctx, IHKey).Result()
	if err = asNil(err); err != nil {
		return err
	}

	seen := make(map[string]struct{})
	order := make([]string, 0, len(keys))
	for _, key := range keys {
		infoHash, cut := cutAnyPrefix(key, IH4SeederKey, IH6SeederKey, IH4LeecherKey, IH6LeecherKey)
		if !cut {
			continue
		}
		if _, ok := seen[infoHash]; !ok {
			order = append(order, infoHash)
			seen[infoHash] = struct{}{}
		}
	}

	for _, infoHash := range order {
		ih := bittorrent.InfoHash(infoHash)
		l, se, sn := s.scrape(ctx, ih)
		if !yield(bittorrent.Scrape{InfoHash: ih, Incomplete: l, Complete: se, Snatches: sn}) {
			return nil
		}
	}
	return nil
}

func cutAnyPrefix(s string, prefixes ...string) (rest string, ok bool) {
	for _, p := range prefixes {
		if r, found := strings.CutPrefix(s, p); found {
			return r, true
		}
	}
	return s, false
}

// Register is a no-op: Redis swarm hashes are created lazily by the first
// PutSeeder/PutLeecher call, and an infohash with no peers has nothing to
// persist.
func (s *store) Register(context.Context, bittorrent.InfoHash) error { return nil }

func (s *store) Ping(ctx context.Context) error {
	return s.UniversalClient.Ping(ctx).Err()
}

const argNumErrorMsg = "ERR wrong number of arguments"

func (s *store) Put(ctx context.Context, namespace string, values ...storage.Entry) error {
	if len(values) == 0 {
		return nil
	}
	if len(values) == 1 {
		return s.HSet(ctx, PrefixKey+namespace, values[0].Key, values[0].Value).Err()
	}
	args := make([]any, 0, len(values)*2)
	for _, v := range values {
		args = append(args, v.Key, v.Value)
	}
	err := s.HSet(ctx, PrefixKey+namespace, args...).Err()
	if err != nil && strings.Contains(err.Error(), argNumErrorMsg) {
		for _, v := range values {
			if err = s.HSet(ctx, PrefixKey+namespace, v.Key, v.Value).Err(); err != nil {
				return err
			}
		}
		return nil
	}
	return err
}

func (s *store) Contains(ctx context.Context, namespace, key string) (bool, error) {
	exists, err := s.HExists(ctx, PrefixKey+namespace, key).Result()
	return exists, asNil(err)
}

func (s *store) Load(ctx context.Context, namespace, key string) ([]byte, error) {
	v, err := s.HGet(ctx, PrefixKey+namespace, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, err
}

func (s *store) Delete(ctx context.Context, namespace string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := asNil(s.HDel(ctx, PrefixKey+namespace, keys...).Err())
	if err != nil && strings.Contains(err.Error(), argNumErrorMsg) {
		for _, k := range keys {
			if err = asNil(s.HDel(ctx, PrefixKey+namespace, k).Err()); err != nil {
				return err
			}
		}
		return nil
	}
	return err
}

func (s *store) Preservable() bool { return true }

// gc deletes peers whose last announce predates cutoff, decrementing the
// aggregate counters, then prunes any swarm hash that HLEN reports as empty
// from IHKey inside a WATCH/MULTI/EXEC block.
//
// The split between "delete peers + decrement counters" and "prune the
// now-maybe-empty key from IHKey" matters: Put*/GraduateLeecher only ever
// add keys to IHKey and increment counters, and Delete*/GraduateLeecher
// never remove a key from IHKey nor decrement the infohash count. Only gc
// removes from IHKey, and only after confirming (via WATCH) that the hash
// is still empty at EXEC time. A WATCH...MULTI...EXEC block fails if any
// watched key changed between the WATCH and the EXEC, regardless of where
// MULTI sits in between — so a peer that gets added to an apparently-empty
// swarm between this gc's HLEN check and its EXEC simply survives to be
// reconsidered on the next gc run, never lost.
func (s *store) gc(cutoff time.Time) {
	ctx := context.Background()
	cutoffNanos := cutoff.UnixNano()

	keys, err := s.SMembers(ctx, IHKey).Result()
	if err = asNil(err); err != nil {
		logger.Error().Err(err).Str("key", IHKey).Msg("unable to list swarm keys")
		return
	}

	for _, key := range keys {
		var countKey string
		switch {
		case strings.HasPrefix(key, IH4SeederKey), strings.HasPrefix(key, IH6SeederKey):
			countKey = CountSeederKey
		case strings.HasPrefix(key, IH4LeecherKey), strings.HasPrefix(key, IH6LeecherKey):
			countKey = CountLeecherKey
		default:
			logger.Warn().Str("key", key).Msg("unexpected entry in swarm key set")
			continue
		}

		peers, err := s.HGetAll(ctx, key).Result()
		if err = asNil(err); err != nil {
			logger.Error().Err(err).Str("key", key).Msg("unable to fetch swarm peers")
			continue
		}

		var stale []string
		for peerID, ts := range peers {
			mtime, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				logger.Error().Err(err).Str("key", key).Str("peerID", peerID).Msg("unable to decode peer timestamp")
				continue
			}
			if mtime <= cutoffNanos {
				stale = append(stale, peerID)
			}
		}

		if len(stale) > 0 {
			removed, err := s.HDel(ctx, key, stale...).Result()
			if err != nil {
				logger.Error().Err(err).Str("key", key).Msg("unable to delete stale peers")
			} else if removed > 0 {
				if err := s.DecrBy(ctx, countKey, removed).Err(); err != nil {
					logger.Error().Err(err).Str("countKey", countKey).Msg("unable to decrement peer count")
				}
			}
		}

		err = asNil(s.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.HLen(ctx, key).Uint64()
			if err = asNil(err); err != nil || n != 0 {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				return p.SRem(ctx, IHKey, key).Err()
			})
			return err
		}, key))
		if err != nil {
			logger.Error().Err(err).Str("key", key).Msg("unable to prune swarm key set")
		}
	}
}

func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closed)
		s.wg.Wait()
		err := s.UniversalClient.Close()
		c.Done(err)
	}()
	return c.Result()
}
