package container

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/pkg/conf"
	"github.com/torshare/torshare-tracker/pkg/log"
	"github.com/torshare/torshare-tracker/pkg/stop"
	"github.com/torshare/torshare-tracker/storage"
)

func init() {
	Register("postgres", buildPostgres)
}

var logger = log.NewLogger("middleware/torrentapproval/container")

// postgresConfig configures the "postgres" container: a table of approved
// infohashes, polled into an in-memory set on an interval so Approved
// never blocks an announce/scrape on a database round-trip.
type postgresConfig struct {
	DSN             string        `cfg:"dsn"`
	Table           string        `cfg:"table"`
	InfoHashColumn  string        `cfg:"info_hash_column"`
	RefreshInterval time.Duration `cfg:"refresh_interval"`
}

// postgres is a Container backed by a Postgres table, reachable via
// Ping and shut down cleanly via Stop.
type postgres struct {
	pool   *pgxpool.Pool
	table  string
	column string

	mu       sync.RWMutex
	approved map[bittorrent.InfoHash]struct{}

	closing chan struct{}
	done    chan struct{}
}

func buildPostgres(cfg conf.MapConfig, _ storage.Storage) (Container, error) {
	var c postgresConfig
	if err := cfg.Unmarshal(&c); err != nil {
		return nil, err
	}
	if c.Table == "" {
		c.Table = "approved_torrents"
	}
	if c.InfoHashColumn == "" {
		c.InfoHashColumn = "info_hash"
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}

	pool, err := pgxpool.New(context.Background(), c.DSN)
	if err != nil {
		return nil, err
	}

	p := &postgres{
		pool:     pool,
		table:    c.Table,
		column:   c.InfoHashColumn,
		approved: make(map[bittorrent.InfoHash]struct{}),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := p.refresh(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	go p.loop(c.RefreshInterval)
	return p, nil
}

// Approved implements Container.
func (p *postgres) Approved(ih bittorrent.InfoHash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.approved[ih]
	return ok
}

func (p *postgres) refresh(ctx context.Context) error {
	rows, err := p.pool.Query(ctx, "SELECT "+p.column+" FROM "+p.table)
	if err != nil {
		return err
	}
	defer rows.Close()

	next := make(map[bittorrent.InfoHash]struct{})
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		ih, err := bittorrent.NewInfoHash(raw)
		if err != nil {
			logger.Warn().Err(err).Msg("skipping malformed info_hash row")
			continue
		}
		next[ih] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.approved = next
	p.mu.Unlock()
	return nil
}

func (p *postgres) loop(interval time.Duration) {
	defer close(p.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.closing:
			return
		case <-t.C:
			if err := p.refresh(context.Background()); err != nil {
				logger.Error().Err(err).Msg("refreshing approved torrent list")
			}
		}
	}
}

// Ping reports whether the database is reachable.
func (p *postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Stop stops the refresh loop and closes the connection pool.
func (p *postgres) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(p.closing)
		<-p.done
		p.pool.Close()
		c.Done(nil)
	}()
	return c.Result()
}
