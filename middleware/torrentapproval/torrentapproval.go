// Package torrentapproval implements a pre-hook that rejects any
// announce or scrape whose infohash a pluggable container.Container does
// not approve, before the store is touched.
package torrentapproval

import (
	"context"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/middleware"
	"github.com/torshare/torshare-tracker/middleware/torrentapproval/container"
	"github.com/torshare/torshare-tracker/pkg/conf"
	"github.com/torshare/torshare-tracker/pkg/stop"
	"github.com/torshare/torshare-tracker/storage"
)

func init() {
	middleware.RegisterBuilder("torrentapproval", build)
}

// ErrTorrentUnapproved is returned for any infohash container.Container
// rejects. The dispatch façade maps it onto the Blocked error kind.
var ErrTorrentUnapproved = bittorrent.ClientError("unapproved torrent")

// Config selects and configures the backing container.Container.
type Config struct {
	// Name is the registered container implementation, e.g. "list" or
	// "postgres".
	Name string `cfg:"name"`
	// Options is passed through to that container's builder unmodified.
	Options conf.MapConfig `cfg:"options"`
}

type hook struct {
	approval container.Container
}

func build(cfg conf.MapConfig, store storage.Storage) (middleware.Hook, error) {
	var c Config
	if err := cfg.Unmarshal(&c); err != nil {
		return nil, err
	}
	return New(c, store)
}

// New builds the hook directly from an already-decoded Config, for callers
// that don't go through the middleware.NewHook registry.
func New(cfg Config, store storage.Storage) (*hook, error) {
	approval, err := container.GetContainer(cfg.Name, cfg.Options, store)
	if err != nil {
		return nil, err
	}
	return &hook{approval: approval}, nil
}

// HandleAnnounce implements middleware.Hook.
func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	if !h.approval.Approved(req.InfoHash) {
		return ctx, ErrTorrentUnapproved
	}
	return ctx, nil
}

// HandleScrape implements middleware.Hook. A multi-scrape naming any
// unapproved infohash is rejected outright rather than having that one
// entry silently dropped, matching the announce path's all-or-nothing
// behavior.
func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	for _, ih := range req.InfoHashes {
		if !h.approval.Approved(ih) {
			return ctx, ErrTorrentUnapproved
		}
	}
	return ctx, nil
}

// Ping forwards to the backing container when it is itself pingable (e.g.
// the Postgres container).
func (h *hook) Ping(ctx context.Context) error {
	if p, ok := h.approval.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Stop forwards to the backing container when it needs a clean shutdown
// (e.g. the Postgres container's refresh loop).
func (h *hook) Stop() stop.Result {
	if s, ok := h.approval.(stop.Stopper); ok {
		return s.Stop()
	}
	return stop.AlreadyStopped
}
