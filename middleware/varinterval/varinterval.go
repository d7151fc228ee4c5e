// Package varinterval implements a hook that jitters an announce
// response's interval and min-interval, to spread out the thundering herd
// of re-announces that would otherwise occur when many clients receive
// the same interval at the same time.
package varinterval

import (
	"context"
	"errors"
	"math/bits"
	"math/rand"
	"sync"
	"time"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/middleware"
	"github.com/torshare/torshare-tracker/pkg/conf"
	"github.com/torshare/torshare-tracker/storage"
)

func init() {
	middleware.RegisterBuilder("varinterval", build)
}

// Config configures the jitter applied to each response.
type Config struct {
	// ModifyResponseProbability is the probability, in (0, 1], that any
	// given response is jittered at all.
	ModifyResponseProbability float64 `cfg:"modify_response_probability"`
	// MaxIncreaseDelta is the maximum number of seconds added to Interval
	// (and, if ModifyMinInterval, to MinInterval) on a jittered response.
	MaxIncreaseDelta int `cfg:"max_increase_delta"`
	// ModifyMinInterval also jitters MinInterval by the same delta as
	// Interval; otherwise only Interval is touched.
	ModifyMinInterval bool `cfg:"modify_min_interval"`
}

// Errors returned by checkConfig.
var (
	ErrInvalidModifyResponseProbability = errors.New("varinterval: modify_response_probability must be in (0, 1]")
	ErrInvalidMaxIncreaseDelta          = errors.New("varinterval: max_increase_delta must be > 0")
)

func checkConfig(cfg Config) error {
	if cfg.ModifyResponseProbability <= 0 || cfg.ModifyResponseProbability > 1 {
		return ErrInvalidModifyResponseProbability
	}
	if cfg.MaxIncreaseDelta <= 0 {
		return ErrInvalidMaxIncreaseDelta
	}
	return nil
}

type hook struct {
	cfg Config

	mu     sync.Mutex
	s0, s1 uint64
}

func build(c conf.MapConfig, _ storage.Storage) (middleware.Hook, error) {
	var cfg Config
	if err := c.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	return &hook{cfg: cfg, s0: rand.Uint64(), s1: rand.Uint64()}, nil
}

// xoroshiro128p is the Blackman & Vigna xoroshiro128+ generator: a
// non-cryptographic PRNG that's considerably cheaper per call than the
// global, mutex-guarded math/rand source under announce-rate load.
func xoroshiro128p(s0, s1 uint64) (result, ns0, ns1 uint64) {
	result = s0 + s1
	s1 ^= s0
	ns0 = bits.RotateLeft64(s0, 55) ^ s1 ^ (s1 << 14)
	ns1 = bits.RotateLeft64(s1, 36)
	return
}

func (h *hook) next() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var v uint64
	v, h.s0, h.s1 = xoroshiro128p(h.s0, h.s1)
	return v
}

// HandleAnnounce implements middleware.Hook.
func (h *hook) HandleAnnounce(ctx context.Context, _ *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	roll := float64(h.next()%1_000_000) / 1_000_000
	if roll < h.cfg.ModifyResponseProbability {
		delta := time.Duration(h.next()%uint64(h.cfg.MaxIncreaseDelta)+1) * time.Second
		resp.Interval += delta
		if h.cfg.ModifyMinInterval {
			resp.MinInterval += delta
		}
	}
	return ctx, nil
}

// HandleScrape implements middleware.Hook. Scrapes carry no interval to
// jitter.
func (h *hook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}
