// Command tracker boots a torshare-tracker process: it loads a YAML
// configuration file, wires a storage backend, middleware hooks, the
// dispatch façade and one or more wire frontends together, then runs
// until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/torshare/torshare-tracker/dispatch"
	"github.com/torshare/torshare-tracker/frontend"
	"github.com/torshare/torshare-tracker/middleware"
	"github.com/torshare/torshare-tracker/pkg/conf"
	"github.com/torshare/torshare-tracker/pkg/log"
	"github.com/torshare/torshare-tracker/pkg/metrics"
	"github.com/torshare/torshare-tracker/storage"

	_ "github.com/torshare/torshare-tracker/frontend/http"
	_ "github.com/torshare/torshare-tracker/frontend/udp"
	_ "github.com/torshare/torshare-tracker/middleware/statshook"
	_ "github.com/torshare/torshare-tracker/middleware/torrentapproval"
	_ "github.com/torshare/torshare-tracker/middleware/varinterval"
	_ "github.com/torshare/torshare-tracker/storage/memory"
	_ "github.com/torshare/torshare-tracker/storage/redis"
)

var logger = log.NewLogger("cmd/tracker")

// Config is the top-level shape of the YAML configuration file.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`

	AnnounceInterval    time.Duration `yaml:"announce_interval"`
	MinAnnounceInterval time.Duration `yaml:"min_announce_interval"`

	AutoRegisterTorrent bool          `yaml:"auto_register_torrent"`
	FullScrapeCacheTTL  time.Duration `yaml:"full_scrape_cache_ttl"`

	Storage conf.Named `yaml:"storage"`

	PreHooks   []conf.Named   `yaml:"pre_hooks"`
	AfterHooks []conf.Named   `yaml:"after_hooks"`
	Dispatch   conf.MapConfig `yaml:"dispatch"`

	Frontends []conf.Named `yaml:"frontends"`
}

const (
	defaultAnnounceInterval    = 30 * time.Minute
	defaultMinAnnounceInterval = 15 * time.Minute
	defaultFullScrapeCacheTTL  = 60 * time.Second
)

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "", "path to the YAML configuration file")
}

func loadConfig(path string) (Config, error) {
	cfg := Config{
		AnnounceInterval:    defaultAnnounceInterval,
		MinAnnounceInterval: defaultMinAnnounceInterval,
		AutoRegisterTorrent: true,
		FullScrapeCacheTTL:  defaultFullScrapeCacheTTL,
	}
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func buildHooks(named []conf.Named, store storage.Storage) ([]middleware.Hook, error) {
	hooks := make([]middleware.Hook, 0, len(named))
	for _, n := range named {
		h, err := middleware.NewHook(n.Name, n.Options, store)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}

func main() {
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", configPath).Msg("failed to load configuration")
	}

	if cfg.LogLevel != "" {
		lvl, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("invalid log_level")
		}
		log.SetLevel(lvl)
	}
	log.SetJSON(cfg.LogJSON)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics listener failed")
			}
		}()
		metrics.Enable()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
	}

	store, err := storage.NewStorage(cfg.Storage.Name, cfg.Storage.Options)
	if err != nil {
		logger.Fatal().Err(err).Str("name", cfg.Storage.Name).Msg("failed to build storage backend")
	}

	preHooks, err := buildHooks(cfg.PreHooks, store)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pre-hooks")
	}
	afterHooks, err := buildHooks(cfg.AfterHooks, store)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build after-hooks")
	}

	logic := middleware.NewLogic(cfg.AnnounceInterval, cfg.MinAnnounceInterval, store, cfg.AutoRegisterTorrent, cfg.FullScrapeCacheTTL, preHooks, afterHooks)

	var dispatchCfg dispatch.Config
	if cfg.Dispatch != nil {
		if err := cfg.Dispatch.Unmarshal(&dispatchCfg); err != nil {
			logger.Fatal().Err(err).Msg("failed to parse dispatch configuration")
		}
	}
	facade, err := dispatch.New(dispatchCfg, logic)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build dispatch façade")
	}

	if len(cfg.Frontends) == 0 {
		logger.Fatal().Msg("no frontends configured")
	}

	frontends := make([]frontend.Frontend, 0, len(cfg.Frontends))
	for _, n := range cfg.Frontends {
		fe, err := frontend.NewFrontend(n.Name, n.Options, facade)
		if err != nil {
			logger.Fatal().Err(err).Str("name", n.Name).Msg("failed to start frontend")
		}
		frontends = append(frontends, fe)
		logger.Info().Str("name", n.Name).Msg("frontend started")
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	logger.Info().Msg("shutting down")

	var closers []func() error
	for _, fe := range frontends {
		closers = append(closers, fe.Close)
	}
	for _, err := range closeAll(closers) {
		logger.Error().Err(err).Msg("error while closing frontend")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	select {
	case err, ok := <-facade.Stop():
		if ok && err != nil {
			logger.Error().Err(err).Msg("error while stopping tracker logic")
		}
	case <-stopCtx.Done():
		logger.Error().Msg("timed out waiting for tracker logic to stop")
	}

	select {
	case err, ok := <-store.Stop():
		if ok && err != nil {
			logger.Error().Err(err).Msg("error while stopping storage backend")
		}
	case <-stopCtx.Done():
		logger.Error().Msg("timed out waiting for storage backend to stop")
	}
}

func closeAll(closers []func() error) []error {
	var errs []error
	for _, c := range closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
