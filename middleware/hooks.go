package middleware

import (
	"context"
	"errors"
	"sync"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/dispatch"
	"github.com/torshare/torshare-tracker/pkg/conf"
	"github.com/torshare/torshare-tracker/pkg/log"
	"github.com/torshare/torshare-tracker/storage"
)

var hookLogger = log.NewLogger("middleware/hook")

// Hook abstracts the concept of anything that needs to interact with a
// BitTorrent client's request and response to a BitTorrent tracker, used
// both for the mandatory swarm-interaction/response-construction steps and
// for configurable pre/after hooks.
//
// A Hook can implement stop.Stopper if clean shutdown is required, and
// Pinger if it can report its own reachability.
type Hook interface {
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse) (context.Context, error)
	HandleScrape(context.Context, *bittorrent.ScrapeRequest, *bittorrent.ScrapeResponse) (context.Context, error)
}

// Pinger is an optional interface a Hook may implement to report whether
// it (and whatever external resource it depends on) is reachable. Used by
// Logic.Ping, which the dispatch façade aggregates into a health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Builder constructs a configured Hook. store is passed through for hooks
// that consult or manage durable state (e.g. torrentapproval's
// Postgres-backed container); hooks that don't need it ignore it.
type Builder func(conf.MapConfig, storage.Storage) (Hook, error)

var (
	buildersMu sync.Mutex
	builders   = map[string]Builder{}
)

// RegisterBuilder registers a hook under name so it can be selected from
// the top-level configuration file's middleware list.
func RegisterBuilder(name string, b Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[name] = b
}

// NewHook builds the named hook.
func NewHook(name string, cfg conf.MapConfig, store storage.Storage) (Hook, error) {
	buildersMu.Lock()
	b, ok := builders[name]
	buildersMu.Unlock()
	if !ok {
		return nil, ErrHookDoesNotExist
	}
	return b(cfg, store)
}

// ErrHookDoesNotExist is returned by NewHook for an unregistered name.
var ErrHookDoesNotExist = errors.New("middleware: hook with that name is not registered")

type skipSwarmInteraction struct{}

// SkipSwarmInteractionKey is a context key that, when set to any non-nil
// value, makes swarmInteractionHook a no-op for that request. Used by
// tests and by callers re-delivering a request that already mutated the
// swarm once.
var SkipSwarmInteractionKey = skipSwarmInteraction{}

// swarmInteractionHook mutates peerStore according to req.Event, always
// the first of the two mandatory hooks. It runs before responseHook so
// that the response it builds reflects this request's own effect on the
// swarm (and so responseHook can exclude the requester from its own peer
// list by construction, rather than by a post hoc compensation).
type swarmInteractionHook struct {
	store storage.PeerStorage
	// autoRegister mirrors the auto_register_torrent config option: when
	// false, an announce for a torrent the store has never seen is
	// rejected with dispatch.ErrTorrentNotFound instead of implicitly
	// creating it (spec §4.4 step 3).
	autoRegister bool
}

func (h *swarmInteractionHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	if ctx.Value(SkipSwarmInteractionKey) != nil {
		return ctx, nil
	}

	if !h.autoRegister {
		exists, err := h.store.HasSwarm(ctx, req.InfoHash)
		if err != nil {
			return ctx, err
		}
		if !exists {
			return ctx, dispatch.ErrTorrentNotFound
		}
	}

	var storeFn func(context.Context, bittorrent.InfoHash, bittorrent.Peer) error

	switch {
	case req.Event == bittorrent.Stopped:
		storeFn = func(ctx context.Context, ih bittorrent.InfoHash, p bittorrent.Peer) error {
			if err := h.store.DeleteSeeder(ctx, ih, p); err != nil && !errors.Is(err, storage.ErrResourceDoesNotExist) {
				return err
			}
			if err := h.store.DeleteLeecher(ctx, ih, p); err != nil && !errors.Is(err, storage.ErrResourceDoesNotExist) {
				return err
			}
			return nil
		}
	case req.Event == bittorrent.Completed:
		storeFn = h.store.GraduateLeecher
	case req.Left == 0:
		// Completed events also have Left == 0, but keeping this its own
		// case lets an "old" seeder's re-announce take the cheaper
		// PutSeeder path instead of GraduateLeecher.
		storeFn = h.store.PutSeeder
	default:
		storeFn = h.store.PutLeecher
	}

	for _, p := range req.Peers() {
		if err := storeFn(ctx, req.InfoHash, p); err != nil {
			return ctx, err
		}
		if len(req.InfoHash) == bittorrent.InfoHashV2Len {
			if err := storeFn(ctx, req.InfoHash.TruncateV1(), p); err != nil {
				return ctx, err
			}
		}
	}

	return ctx, nil
}

func (h *swarmInteractionHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes have no effect on the swarm.
	return ctx, nil
}

type skipResponseHook struct{}

// SkipResponseHookKey is the responseHook analogue of
// SkipSwarmInteractionKey.
var SkipResponseHookKey = skipResponseHook{}

// responseHook fills in the scrape counts and peer lists of a response. It
// always runs last of the two mandatory hooks, so it observes this
// request's own swarm mutation and must explicitly exclude the requester
// from the peer lists it builds (the requester is otherwise indistinguishable
// from any other peer already in the store).
type responseHook struct {
	store      storage.PeerStorage
	fullScrape *storage.FullScrapeCache
}

func (h *responseHook) scrape(ctx context.Context, ih bittorrent.InfoHash) (leechers, seeders, snatched uint32, err error) {
	leechers, seeders, snatched, err = h.store.ScrapeSwarm(ctx, ih)
	if err != nil {
		return
	}
	if len(ih) == bittorrent.InfoHashV2Len {
		var l, s, n uint32
		l, s, n, err = h.store.ScrapeSwarm(ctx, ih.TruncateV1())
		if err != nil {
			return
		}
		leechers, seeders, snatched = leechers+l, seeders+s, snatched+n
	}
	return
}

func (h *responseHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if ctx.Value(SkipResponseHookKey) != nil {
		return ctx, nil
	}

	incomplete, complete, _, err := h.scrape(ctx, req.InfoHash)
	if err != nil {
		return ctx, err
	}
	resp.Incomplete, resp.Complete = incomplete, complete

	if req.Event == bittorrent.Stopped {
		// A peer that just left never gets a peer list.
		return ctx, nil
	}

	return ctx, h.appendPeers(ctx, req, resp)
}

type fetchArgs struct {
	ih bittorrent.InfoHash
	v6 bool
}

// excludeFor returns the endpoint req announced for address family v6, so
// AnnouncePeers can omit it from the sample it draws for that family. The
// requester was already written into the store by swarmInteractionHook
// before this hook runs, so without this it would be eligible to appear
// in its own peer list.
func excludeFor(req *bittorrent.AnnounceRequest, v6 bool) bittorrent.Peer {
	for _, p := range req.Peers() {
		if p.Addr().Is6() == v6 {
			return p
		}
	}
	return bittorrent.Peer{}
}

func (h *responseHook) appendPeers(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) error {
	seeding := req.Left == 0
	maxPeers := int(req.NumWant)
	if maxPeers <= 0 {
		return nil
	}

	primary := req.GetFirst()
	v6First := primary.Addr().Is6()

	args := []fetchArgs{{req.InfoHash, v6First}, {req.InfoHash, !v6First}}
	if len(req.InfoHash) == bittorrent.InfoHashV2Len {
		ih := req.InfoHash.TruncateV1()
		args = append(args, fetchArgs{ih, v6First}, fetchArgs{ih, !v6First})
	}

	peers := make([]bittorrent.Peer, 0, maxPeers)
	for _, a := range args {
		if maxPeers <= 0 {
			break
		}
		storePeers, err := h.store.AnnouncePeers(ctx, a.ih, seeding, maxPeers, a.v6, excludeFor(req, a.v6))
		if err != nil && !errors.Is(err, storage.ErrResourceDoesNotExist) {
			return err
		}
		peers = append(peers, storePeers...)
		maxPeers -= len(storePeers)
	}

	unique := make(map[bittorrent.Peer]struct{}, len(peers))
	resp.IPv4Peers = make([]bittorrent.Peer, 0, len(peers))
	resp.IPv6Peers = make([]bittorrent.Peer, 0, len(peers))
	for _, p := range peers {
		if _, seen := unique[p]; seen {
			continue
		}
		unique[p] = struct{}{}
		switch {
		case p.Addr().Is6():
			resp.IPv6Peers = append(resp.IPv6Peers, p)
		case p.Addr().Is4():
			resp.IPv4Peers = append(resp.IPv4Peers, p)
		default:
			hookLogger.Warn().Str("peer", p.String()).Msg("received invalid peer from storage")
		}
	}

	return nil
}

func (h *responseHook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	if ctx.Value(SkipResponseHookKey) != nil {
		return ctx, nil
	}

	// An empty InfoHashes list is a full scrape (spec §4.6): every known
	// torrent's stats, served from the single-flighted cache rather than
	// walked fresh per request.
	if len(req.InfoHashes) == 0 {
		snapshot, err := h.fullScrape.Get(ctx)
		if err != nil {
			return ctx, err
		}
		resp.Files = append(resp.Files, snapshot...)
		return ctx, nil
	}

	for _, ih := range req.InfoHashes {
		scr := bittorrent.Scrape{InfoHash: ih}
		var err error
		if scr.Incomplete, scr.Complete, scr.Snatches, err = h.scrape(ctx, ih); err != nil {
			return ctx, err
		}
		resp.Files = append(resp.Files, scr)
	}

	return ctx, nil
}

func (h *responseHook) Ping(ctx context.Context) error {
	return h.store.Ping(ctx)
}
