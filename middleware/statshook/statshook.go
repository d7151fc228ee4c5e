// Package statshook implements an after-hook that records every completed
// announce/scrape into pkg/stats, so the tracker_announces_total and
// tracker_scrapes_total counters (and the event breakdown around them)
// reflect real traffic instead of sitting unregistered and unexercised.
package statshook

import (
	"context"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/middleware"
	"github.com/torshare/torshare-tracker/pkg/conf"
	"github.com/torshare/torshare-tracker/pkg/stats"
	"github.com/torshare/torshare-tracker/pkg/stop"
	"github.com/torshare/torshare-tracker/storage"
)

func init() {
	middleware.RegisterBuilder("stats", build)
}

// Config configures the recorder's internal ring-buffer size.
type Config struct {
	// BufferSize is the number of pending events the diode can hold before
	// the oldest unconsumed one is dropped. Defaults to 4096.
	BufferSize int `cfg:"buffer_size"`
}

const defaultBufferSize = 4096

type hook struct {
	rec *stats.Recorder
}

func build(c conf.MapConfig, _ storage.Storage) (middleware.Hook, error) {
	var cfg Config
	if err := c.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	return &hook{rec: stats.NewRecorder(size)}, nil
}

// HandleAnnounce implements middleware.Hook. It runs as an after-hook, once
// the response is already built, and only observes it.
func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	h.rec.Record(stats.EventAnnounce)
	switch req.Event {
	case bittorrent.Started:
		h.rec.Record(stats.EventNewLeecher)
	case bittorrent.Stopped:
		h.rec.Record(stats.EventDeletedLeecher)
	case bittorrent.Completed:
		h.rec.Record(stats.EventGraduated)
	}
	return ctx, nil
}

// HandleScrape implements middleware.Hook.
func (h *hook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	h.rec.Record(stats.EventScrape)
	return ctx, nil
}

// Stop implements stop.Stopper, drained via middleware.Logic.Stop.
func (h *hook) Stop() stop.Result {
	h.rec.Close()
	return stop.AlreadyStopped
}
