// Package frontend defines the contract a wire-protocol listener (HTTP,
// UDP) implements, plus the shared listener options and registry every
// frontend builder hangs off of.
package frontend

import (
	"context"
	"io"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/pkg/conf"
	"github.com/torshare/torshare-tracker/pkg/stop"
)

// TrackerLogic is the announce/scrape engine a Frontend dispatches decoded
// requests to. middleware.Logic is the only implementation.
type TrackerLogic interface {
	// HandleAnnounce synchronously mutates swarm state and builds the
	// response for req.
	HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (context.Context, *bittorrent.AnnounceResponse, error)
	// AfterAnnounce runs side effects (stats, logging) that only observe
	// the already-built response. It never mutates resp or swarm state,
	// so frontends may call it after the response has been written.
	AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse)
	// HandleScrape synchronously builds the response for req.
	HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (context.Context, *bittorrent.ScrapeResponse, error)
	// AfterScrape is the scrape analogue of AfterAnnounce.
	AfterScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse)

	stop.Stopper
}

// Frontend is a running wire-protocol listener.
type Frontend interface {
	// Close shuts the frontend down, unblocking any goroutines serving its
	// listener(s).
	Close() error
}

// Builder constructs and starts a Frontend from its configuration section
// and the shared tracker logic it dispatches to.
type Builder func(conf.MapConfig, TrackerLogic) (Frontend, error)

var builders = map[string]Builder{}

// RegisterBuilder registers a frontend under name so it can be selected
// from the top-level configuration file.
func RegisterBuilder(name string, b Builder) {
	builders[name] = b
}

// NewFrontend builds and starts the named frontend.
func NewFrontend(name string, cfg conf.MapConfig, logic TrackerLogic) (Frontend, error) {
	b, ok := builders[name]
	if !ok {
		return nil, ErrFrontendDoesNotExist
	}
	return b(cfg, logic)
}

// ErrFrontendDoesNotExist is returned by NewFrontend for an unregistered
// name.
var ErrFrontendDoesNotExist = frontendError("frontend: backend with that name is not registered")

type frontendError string

func (e frontendError) Error() string { return string(e) }

// CloseGroup closes every Closer in cls, returning the first non-nil error
// encountered (after attempting to close all of them).
func CloseGroup(cls []io.Closer) error {
	var first error
	for _, c := range cls {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
