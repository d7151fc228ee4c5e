// Package http implements a BitTorrent tracker via the HTTP protocol:
// bencoded announce/scrape responses over a fasthttp server, per BEP 3
// and the compact extensions of BEP 23/7.
package http

import (
	"context"
	"net"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/frontend"
	"github.com/torshare/torshare-tracker/pkg/conf"
	"github.com/torshare/torshare-tracker/pkg/log"
	"github.com/torshare/torshare-tracker/pkg/metrics"
)

// Name is the registered name of this frontend.
const Name = "http"

var logger = log.NewLogger("frontend/http")

func init() {
	frontend.RegisterBuilder(Name, NewFrontend)
}

// Config represents all the configurable options for an HTTP BitTorrent
// tracker frontend.
type Config struct {
	frontend.ListenOptions
	frontend.ParseOptions

	// GzipScrape gzip-compresses a response body over gzipThreshold bytes
	// when the client sent Accept-Encoding: gzip.
	GzipScrape bool `cfg:"gzip_scrape"`
	// APIKey, if set, gates the admin endpoints under /api/ behind an
	// "X-Api-Key" header matching this value. Leaving it empty disables
	// the admin surface entirely.
	APIKey string `cfg:"api_key"`
	// MaxReadBufferSize bounds the per-connection header+request-line
	// buffer; requests larger than this fail before reaching the tracker
	// core (RequestTooLarge, spec §5).
	MaxReadBufferSize int `cfg:"max_read_buffer_size"`
}

const defaultMaxReadBufferSize = 4096

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything invalid.
func (cfg Config) Validate() (validCfg Config) {
	validCfg = cfg
	validCfg.ListenOptions = cfg.ListenOptions.Validate(logger)
	validCfg.ParseOptions = cfg.ParseOptions.Validate(logger)
	if validCfg.MaxReadBufferSize <= 0 {
		validCfg.MaxReadBufferSize = defaultMaxReadBufferSize
	}
	return
}

// httpFE holds the state of an HTTP BitTorrent frontend.
type httpFE struct {
	srv            *fasthttp.Server
	ln             net.Listener
	logic          frontend.TrackerLogic
	cfg            Config
	collectTimings bool
}

// NewFrontend builds and starts the HTTP bittorrent frontend from the
// provided configuration.
func NewFrontend(c conf.MapConfig, logic frontend.TrackerLogic) (frontend.Frontend, error) {
	var cfg Config
	if err := c.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg = cfg.Validate()

	f := &httpFE{
		logic:          logic,
		cfg:            cfg,
		collectTimings: cfg.EnableRequestTiming,
	}

	f.srv = &fasthttp.Server{
		Handler:               f.handler,
		Name:                  "torshare-tracker",
		NoDefaultServerHeader: true,
		ReadBufferSize:        cfg.MaxReadBufferSize,
	}

	ln, err := cfg.Listen()
	if err != nil {
		return nil, err
	}
	f.ln = ln

	go func() {
		if err := f.srv.Serve(ln); err != nil {
			logger.Fatal().Str("addr", cfg.Addr).Err(err).Msg("listener failed")
		} else {
			logger.Info().Str("addr", cfg.Addr).Msg("listener stopped")
		}
	}()

	logger.Debug().Str("addr", cfg.Addr).Msg("starting listener")
	return f, nil
}

// Close shuts the frontend down.
func (f *httpFE) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.srv.ShutdownWithContext(ctx); err != nil {
		return err
	}
	return nil
}

func (f *httpFE) handler(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())

	var start time.Time
	if f.collectTimings && metrics.Enabled() {
		start = time.Now()
	}

	var action string
	switch path {
	case "/announce":
		action = "announce"
		f.serveAnnounce(ctx)
	case "/scrape":
		action = "scrape"
		f.serveScrape(ctx)
	case "/healthz":
		action = "healthz"
		f.serveHealthz(ctx)
	default:
		if f.cfg.APIKey != "" && len(path) >= 5 && path[:5] == "/api/" {
			action = "admin"
			f.serveAdmin(ctx)
		} else {
			action = "notfound"
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}

	if f.collectTimings && metrics.Enabled() {
		recordResponseDuration(action, time.Since(start))
	}
}

func routeParamsContext(transport string) context.Context {
	return bittorrent.InjectRouteParamsToContext(context.Background(), bittorrent.RouteParams{Transport: transport})
}
