// Package dispatch implements the policy layer between a wire frontend and
// the announce/scrape engine: per-transport admission, an infohash
// blocklist, a per-request deadline, and a system-wide concurrency cap. It
// wraps a frontend.TrackerLogic and is itself one, so a frontend never
// needs to know the façade is there.
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/frontend"
	"github.com/torshare/torshare-tracker/pkg/log"
	"github.com/torshare/torshare-tracker/pkg/stop"
)

var logger = log.NewLogger("dispatch")

// Errors surfaced to clients, per spec §7. Internal and StorageUnavailable
// are deliberately not bittorrent.ClientError: they are logged in detail
// and shown to the client only as a generic internal error (see
// frontend/udp's writeErrorResponse and frontend/http's writer, both of
// which branch on errors.As(err, *bittorrent.ClientError)).
var (
	ErrTransportDisabled  = bittorrent.ClientError("this transport/operation is disabled")
	ErrBlocked            = bittorrent.ClientError("torrent is blocked")
	ErrFullScrapeDisabled = bittorrent.ClientError("full scrape is disabled")
	ErrTorrentNotFound    = bittorrent.ClientError("torrent not found")
	ErrRequestTooLarge    = bittorrent.ClientError("request too large")
	ErrOverloaded         = bittorrent.ClientError("tracker overloaded, try again later")
	ErrTimeout            = bittorrent.ClientError("request timed out")
)

// Config configures the façade. Fields are grouped by the four concerns
// spec §4.7 enumerates: per-transport admission, full-scrape admission,
// the blocklist, and resource ceilings.
type Config struct {
	AllowHTTPAnnounce bool `cfg:"allow_http_announce"`
	AllowHTTPScrape   bool `cfg:"allow_http_scrape"`
	AllowUDPAnnounce  bool `cfg:"allow_udp_announce"`
	AllowUDPScrape    bool `cfg:"allow_udp_scrape"`
	AllowFullScrape   bool `cfg:"allow_full_scrape"`

	InfoHashBlocklistFile string `cfg:"infohash_blocklist_file"`

	RequestTimeout        time.Duration `cfg:"request_timeout"`
	MaxConcurrentRequests int           `cfg:"max_concurrent_requests"`
}

// Validate returns a corrected copy of cfg, defaulting resource ceilings
// that would otherwise make the façade a no-op (an unset timeout would
// never cancel anything; an unset concurrency cap would never reject
// anything).
func (cfg Config) Validate() Config {
	v := cfg
	if v.RequestTimeout <= 0 {
		v.RequestTimeout = 10 * time.Second
	}
	if v.MaxConcurrentRequests <= 0 {
		v.MaxConcurrentRequests = 4096
	}
	return v
}

// Facade is the dispatch façade described in spec §4.7. It implements
// frontend.TrackerLogic by delegating to an inner TrackerLogic after
// enforcing policy.
type Facade struct {
	cfg   Config
	inner frontend.TrackerLogic
	sem   chan struct{}

	blocklistMu sync.RWMutex
	blocklist   map[bittorrent.InfoHash]struct{}
}

var _ frontend.TrackerLogic = (*Facade)(nil)

// New builds a Facade wrapping inner. If cfg.InfoHashBlocklistFile is set,
// it is loaded immediately; a load failure is returned rather than
// silently running with an empty blocklist.
func New(cfg Config, inner frontend.TrackerLogic) (*Facade, error) {
	cfg = cfg.Validate()
	f := &Facade{
		cfg:       cfg,
		inner:     inner,
		sem:       make(chan struct{}, cfg.MaxConcurrentRequests),
		blocklist: map[bittorrent.InfoHash]struct{}{},
	}
	if cfg.InfoHashBlocklistFile != "" {
		if err := f.ReloadBlocklist(cfg.InfoHashBlocklistFile); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// ReloadBlocklist replaces the blocklist set with the hex-encoded infohashes
// (one per line, blank lines and "#"-prefixed comments ignored) found in
// path. Safe to call concurrently with HandleAnnounce/HandleScrape.
func (f *Facade) ReloadBlocklist(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	next := map[bittorrent.InfoHash]struct{}{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ih, err := bittorrent.NewInfoHashFromHex(line)
		if err != nil {
			return err
		}
		next[ih] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	f.blocklistMu.Lock()
	f.blocklist = next
	f.blocklistMu.Unlock()

	logger.Info().Str("path", path).Int("count", len(next)).Msg("reloaded infohash blocklist")
	return nil
}

func (f *Facade) blocked(ih bittorrent.InfoHash) bool {
	f.blocklistMu.RLock()
	defer f.blocklistMu.RUnlock()
	if _, ok := f.blocklist[ih]; ok {
		return true
	}
	if len(ih) == bittorrent.InfoHashV2Len {
		_, ok := f.blocklist[ih.TruncateV1()]
		return ok
	}
	return false
}

func (f *Facade) acquire(ctx context.Context) (release func(), err error) {
	select {
	case f.sem <- struct{}{}:
		return func() { <-f.sem }, nil
	default:
		return nil, ErrOverloaded
	}
}

func transportOf(ctx context.Context) string {
	if rp, ok := bittorrent.RouteParamsFromContext(ctx); ok {
		return rp.Transport
	}
	return ""
}

func (f *Facade) announceAllowed(transport string) bool {
	switch transport {
	case "http":
		return f.cfg.AllowHTTPAnnounce
	case "udp":
		return f.cfg.AllowUDPAnnounce
	default:
		return true
	}
}

func (f *Facade) scrapeAllowed(transport string) bool {
	switch transport {
	case "http":
		return f.cfg.AllowHTTPScrape
	case "udp":
		return f.cfg.AllowUDPScrape
	default:
		return true
	}
}

// HandleAnnounce implements frontend.TrackerLogic.
func (f *Facade) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (context.Context, *bittorrent.AnnounceResponse, error) {
	if !f.announceAllowed(transportOf(ctx)) {
		return ctx, nil, ErrTransportDisabled
	}
	if f.blocked(req.InfoHash) {
		return ctx, nil, ErrBlocked
	}

	release, err := f.acquire(ctx)
	if err != nil {
		return ctx, nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	ctx, resp, err := f.inner.HandleAnnounce(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ctx, nil, ErrTimeout
		}
		return ctx, nil, err
	}
	return ctx, resp, nil
}

// AfterAnnounce implements frontend.TrackerLogic.
func (f *Facade) AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	f.inner.AfterAnnounce(ctx, req, resp)
}

// HandleScrape implements frontend.TrackerLogic.
func (f *Facade) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (context.Context, *bittorrent.ScrapeResponse, error) {
	if !f.scrapeAllowed(transportOf(ctx)) {
		return ctx, nil, ErrTransportDisabled
	}
	if len(req.InfoHashes) == 0 && !f.cfg.AllowFullScrape {
		return ctx, nil, ErrFullScrapeDisabled
	}
	for _, ih := range req.InfoHashes {
		if f.blocked(ih) {
			return ctx, nil, ErrBlocked
		}
	}

	release, err := f.acquire(ctx)
	if err != nil {
		return ctx, nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	ctx, resp, err := f.inner.HandleScrape(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ctx, nil, ErrTimeout
		}
		return ctx, nil, err
	}
	return ctx, resp, nil
}

// AfterScrape implements frontend.TrackerLogic.
func (f *Facade) AfterScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) {
	f.inner.AfterScrape(ctx, req, resp)
}

// pinger is implemented by an inner TrackerLogic (middleware.Logic does)
// that can aggregate its hooks'/storage's own reachability checks.
type pinger interface {
	Ping(ctx context.Context) error
}

// Ping reports whether the wrapped engine (and everything it depends on)
// is reachable, for an admin /healthz surface.
func (f *Facade) Ping(ctx context.Context) error {
	if p, ok := f.inner.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Stop implements stop.Stopper by delegating to the wrapped engine.
func (f *Facade) Stop() stop.Result {
	return f.inner.Stop()
}
