// Package storage defines the contract a peer store backend must satisfy,
// plus the registry pluggable backends (storage/memory, storage/redis)
// register themselves under.
package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/pkg/conf"
	"github.com/torshare/torshare-tracker/pkg/stop"
)

// ErrResourceDoesNotExist is returned by operations that look up a swarm or
// peer which isn't present. Callers generally treat this as "zero", not as
// a hard failure.
var ErrResourceDoesNotExist = errors.New("storage: resource does not exist")

// PeerStorage is the contract the announce/scrape engine uses to mutate and
// query peer state. Every method is a single atomic action scoped to one
// torrent; there are no cross-torrent transactions.
type PeerStorage interface {
	// PutSeeder registers p as a seeder of ih, creating the swarm if
	// necessary, and refreshes its last-seen time if it already exists.
	PutSeeder(ctx context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error
	// DeleteSeeder removes p from ih's seeder set. Returns
	// ErrResourceDoesNotExist if it wasn't present.
	DeleteSeeder(ctx context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error
	// PutLeecher registers p as a leecher of ih, creating the swarm if
	// necessary, and refreshes its last-seen time if it already exists.
	PutLeecher(ctx context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error
	// DeleteLeecher removes p from ih's leecher set. Returns
	// ErrResourceDoesNotExist if it wasn't present.
	DeleteLeecher(ctx context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error
	// GraduateLeecher moves p from ih's leecher set to its seeder set and
	// increments the swarm's snatch (completed-download) counter. If p was
	// not already a leecher, it is simply registered as a seeder without
	// incrementing the snatch counter.
	GraduateLeecher(ctx context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error

	// AnnouncePeers returns up to numWant peers of ih, excluding exclude.
	// When requesterIsSeeder is true, only leechers are returned (a seeder
	// has nothing to give another seeder); otherwise seeders are preferred
	// and leechers fill any remaining want. v6 selects which address
	// family's swarm partition to sample from.
	AnnouncePeers(ctx context.Context, ih bittorrent.InfoHash, requesterIsSeeder bool, numWant int, v6 bool, exclude bittorrent.Peer) ([]bittorrent.Peer, error)

	// ScrapeSwarm returns the current leecher, seeder and snatch counts for
	// ih. All-zero, nil-error is a valid answer for an unknown or empty
	// torrent.
	ScrapeSwarm(ctx context.Context, ih bittorrent.InfoHash) (leechers, seeders, snatches uint32, err error)

	// HasSwarm reports whether ih has a registered swarm entry, without
	// creating one. Used when auto_register_torrent is disabled to tell an
	// unknown torrent apart from one that is merely empty.
	HasSwarm(ctx context.Context, ih bittorrent.InfoHash) (bool, error)

	// GetStats is a bulk form of ScrapeSwarm for multi-scrape requests.
	// Torrents that don't exist are simply absent from the result map.
	GetStats(ctx context.Context, ihs []bittorrent.InfoHash) (map[bittorrent.InfoHash]bittorrent.Scrape, error)

	// FullScrape invokes yield once per known torrent, stopping early if
	// yield returns false. Implementations must not hold any single lock
	// for the whole walk; the in-memory backend walks shard by shard.
	FullScrape(ctx context.Context, yield func(bittorrent.Scrape) bool) error

	// Register idempotently creates an empty torrent entry, used when
	// auto_register_torrent is disabled and torrents must be provisioned
	// out of band (e.g. via an admin API).
	Register(ctx context.Context, ih bittorrent.InfoHash) error

	// Ping reports whether the backend is reachable, used by the dispatch
	// façade's health surface.
	Ping(ctx context.Context) error

	stop.Stopper
}

// DataStorage is a secondary, generic key-value contract some backends also
// expose, used by components that need small amounts of durable shared
// state (e.g. the connection-id secret, an admin approval list) without
// introducing a second storage dependency.
type DataStorage interface {
	Put(ctx context.Context, namespace string, values ...Entry) error
	Contains(ctx context.Context, namespace, key string) (bool, error)
	Load(ctx context.Context, namespace, key string) ([]byte, error)
	Delete(ctx context.Context, namespace string, keys ...string) error
	// Preservable reports whether data survives process restarts.
	Preservable() bool
}

// Storage is the full capability set a backend may implement. Backends that
// don't offer auxiliary key-value storage may embed NoDataStorage.
type Storage interface {
	PeerStorage
	DataStorage
}

// Entry is one key/value pair passed to DataStorage.Put.
type Entry struct {
	Key   string
	Value []byte
}

// Builder constructs a Storage instance from its configuration section.
type Builder func(conf.MapConfig) (Storage, error)

var (
	buildersMu sync.Mutex
	builders   = make(map[string]Builder)
)

// RegisterBuilder registers a storage backend under name so it can be
// selected from the top-level configuration file.
func RegisterBuilder(name string, b Builder) {
	if name == "" {
		panic("storage: cannot register a backend with an empty name")
	}
	if b == nil {
		panic("storage: cannot register a nil builder")
	}
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[name] = b
}

// ErrBackendDoesNotExist is returned by NewStorage for an unregistered name.
var ErrBackendDoesNotExist = errors.New("storage: backend with that name is not registered")

// NewStorage builds the named backend with the given configuration.
func NewStorage(name string, cfg conf.MapConfig) (Storage, error) {
	buildersMu.Lock()
	b, ok := builders[name]
	buildersMu.Unlock()
	if !ok {
		return nil, ErrBackendDoesNotExist
	}
	return b(cfg)
}

// Prometheus metrics shared across storage backend implementations.
var (
	PromGCDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_storage_gc_duration_milliseconds",
		Help:    "The time it takes to perform storage garbage collection.",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	})
	PromInfoHashesCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_storage_infohashes_count",
		Help: "The number of InfoHashes tracked.",
	})
	PromSeedersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_storage_seeders_count",
		Help: "The number of seeders tracked.",
	})
	PromLeechersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_storage_leechers_count",
		Help: "The number of leechers tracked.",
	})
)

func init() {
	prometheus.MustRegister(
		PromGCDurationMilliseconds,
		PromInfoHashesCount,
		PromSeedersCount,
		PromLeechersCount,
	)
}
