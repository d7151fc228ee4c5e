// Package middleware wires storage.PeerStorage into frontend.TrackerLogic
// through an ordered chain of hooks.
//
// Unlike the teacher, every hook in the main chain runs synchronously,
// in order, before HandleAnnounce/HandleScrape return: swarm state is
// mutated, then the response is built from the now-current state, all
// before a byte goes back to the client. A second, separate chain of
// after-hooks runs once the response has already been written, reserved
// for side effects (stats, access logging) that only observe the
// response and must never mutate it or the swarm.
package middleware

import (
	"context"
	"time"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/frontend"
	"github.com/torshare/torshare-tracker/pkg/log"
	"github.com/torshare/torshare-tracker/pkg/stop"
	"github.com/torshare/torshare-tracker/storage"
)

var logger = log.NewLogger("middleware")

var _ frontend.TrackerLogic = (*Logic)(nil)

// defaultFullScrapeCacheTTL is used when NewLogic is given a non-positive
// fullScrapeCacheTTL.
const defaultFullScrapeCacheTTL = 60 * time.Second

// NewLogic builds a Logic backed by peerStore. approvalHooks run first, in
// order, and may reject the request outright (e.g. torrent approval);
// swarm-interaction and response-construction then always run, in that
// order, so every configured hook sees already-mutated, pre-response
// state. afterHooks run once HandleAnnounce/HandleScrape has already
// returned, and must not mutate resp.
//
// autoRegisterTorrent mirrors the auto_register_torrent config option and
// fullScrapeCacheTTL the full_scrape_cache_ttl option; both are spec-level
// config, not hook-level, so they're threaded straight through rather than
// routed via a pluggable Hook.
func NewLogic(annInterval, minAnnInterval time.Duration, peerStore storage.PeerStorage, autoRegisterTorrent bool, fullScrapeCacheTTL time.Duration, approvalHooks, afterHooks []Hook) *Logic {
	if fullScrapeCacheTTL <= 0 {
		fullScrapeCacheTTL = defaultFullScrapeCacheTTL
	}

	hooks := make([]Hook, 0, len(approvalHooks)+2)
	hooks = append(hooks, approvalHooks...)
	hooks = append(hooks,
		&swarmInteractionHook{store: peerStore, autoRegister: autoRegisterTorrent},
		&responseHook{store: peerStore, fullScrape: storage.NewFullScrapeCache(peerStore, fullScrapeCacheTTL)},
	)
	return &Logic{
		announceInterval:    annInterval,
		minAnnounceInterval: minAnnInterval,
		hooks:               hooks,
		afterHooks:          afterHooks,
	}
}

// Logic implements frontend.TrackerLogic over a fixed, ordered chain of
// Hooks.
type Logic struct {
	announceInterval    time.Duration
	minAnnounceInterval time.Duration
	hooks               []Hook
	afterHooks          []Hook
}

// HandleAnnounce mutates swarm state and builds the response for req, in
// one synchronous pass through l.hooks.
func (l *Logic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (_ context.Context, resp *bittorrent.AnnounceResponse, err error) {
	resp = &bittorrent.AnnounceResponse{
		Interval:    l.announceInterval,
		MinInterval: l.minAnnounceInterval,
		Compact:     req.Compact,
	}
	for _, h := range l.hooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			return nil, nil, err
		}
	}

	logger.Debug().Fields(resp.LogFields()).Msg("generated announce response")
	return ctx, resp, nil
}

// AfterAnnounce runs side effects that only observe the already-built
// response.
func (l *Logic) AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	var err error
	for _, h := range l.afterHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			logger.Error().Err(err).Msg("after-announce hook failed")
			return
		}
	}
}

// HandleScrape builds the response for req.
func (l *Logic) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (_ context.Context, resp *bittorrent.ScrapeResponse, err error) {
	resp = &bittorrent.ScrapeResponse{
		Files: make([]bittorrent.Scrape, 0, len(req.InfoHashes)),
	}
	for _, h := range l.hooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			return nil, nil, err
		}
	}

	logger.Debug().Int("files", len(resp.Files)).Msg("generated scrape response")
	return ctx, resp, nil
}

// AfterScrape is the scrape analogue of AfterAnnounce.
func (l *Logic) AfterScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) {
	var err error
	for _, h := range l.afterHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			logger.Error().Err(err).Msg("after-scrape hook failed")
			return
		}
	}
}

// Stop stops every hook (in both chains) that implements stop.Stopper.
func (l *Logic) Stop() stop.Result {
	g := stop.NewGroup()
	for _, h := range l.hooks {
		if s, ok := h.(stop.Stopper); ok {
			g.Add(s)
		}
	}
	for _, h := range l.afterHooks {
		if s, ok := h.(stop.Stopper); ok {
			g.Add(s)
		}
	}
	return g.Stop()
}

// Ping reports whether every hook that implements Pinger (in either
// chain) is reachable, aggregating the first failure encountered.
func (l *Logic) Ping(ctx context.Context) error {
	for _, h := range l.hooks {
		if p, ok := h.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return err
			}
		}
	}
	for _, h := range l.afterHooks {
		if p, ok := h.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
