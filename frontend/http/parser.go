package http

import (
	"net/netip"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/frontend"
)

var (
	errMissingInfoHash = bittorrent.ClientError("missing info_hash")
	errMissingPeerID   = bittorrent.ClientError("missing peer_id")
	errMissingPort     = bittorrent.ClientError("missing port")
	errMalformedIP     = bittorrent.ClientError("malformed IP address")
)

// queryParams adapts fasthttp.Args to bittorrent.Params, so middleware can
// inspect arbitrary query parameters without this package exposing
// fasthttp types outside the frontend.
type queryParams struct {
	args *fasthttp.Args
}

func (q queryParams) Get(key string) (string, bool) {
	if !q.args.Has(key) {
		return "", false
	}
	return string(q.args.Peek(key)), true
}

// peerEndpointIP resolves the announcing peer's address: the request's
// own source IP, unless AllowIPSpoofing is set and the client supplied an
// explicit "ip" override, or RealIPHeader is configured for a reverse
// proxy deployment and the header is present.
func peerEndpointIP(ctx *fasthttp.RequestCtx, q *fasthttp.Args, opts frontend.ParseOptions) (ip netip.Addr, provided bool, err error) {
	if opts.AllowIPSpoofing && q.Has("ip") {
		addr, perr := netip.ParseAddr(string(q.Peek("ip")))
		if perr != nil {
			return netip.Addr{}, false, errMalformedIP
		}
		return addr, true, nil
	}

	if opts.RealIPHeader != "" {
		if raw := ctx.Request.Header.Peek(opts.RealIPHeader); len(raw) > 0 {
			value := string(raw)
			if idx := strings.IndexByte(value, ','); idx >= 0 {
				value = value[:idx]
			}
			addr, perr := netip.ParseAddr(strings.TrimSpace(value))
			if perr == nil {
				return addr.Unmap(), false, nil
			}
		}
	}

	addr, ok := netip.AddrFromSlice(ctx.RemoteIP())
	if !ok {
		return netip.Addr{}, false, errMalformedIP
	}
	return addr.Unmap(), false, nil
}

// parseAnnounce parses an AnnounceRequest from an HTTP announce query
// string, per spec §4.1.
func parseAnnounce(ctx *fasthttp.RequestCtx, opts frontend.ParseOptions) (*bittorrent.AnnounceRequest, error) {
	q := ctx.QueryArgs()

	ihBytes := q.Peek("info_hash")
	if len(ihBytes) == 0 {
		return nil, errMissingInfoHash
	}
	ih, err := bittorrent.NewInfoHash(ihBytes)
	if err != nil {
		return nil, bittorrent.ClientError(err.Error())
	}

	peerIDBytes := q.Peek("peer_id")
	if len(peerIDBytes) == 0 {
		return nil, errMissingPeerID
	}
	peerID, err := bittorrent.NewPeerID(peerIDBytes)
	if err != nil {
		return nil, bittorrent.ClientError(err.Error())
	}

	if !q.Has("port") {
		return nil, errMissingPort
	}
	port := q.GetUintOrZero("port")

	event := bittorrent.None
	eventProvided := q.Has("event")
	if eventProvided {
		if event, err = bittorrent.NewEvent(string(q.Peek("event"))); err != nil {
			return nil, bittorrent.ClientError(err.Error())
		}
	}

	ip, ipProvided, err := peerEndpointIP(ctx, q, opts)
	if err != nil {
		return nil, err
	}

	numWant := opts.DefaultNumWant
	numWantProvided := q.Has("numwant")
	if numWantProvided {
		numWant = uint32(q.GetUintOrZero("numwant"))
	}
	if numWant > opts.MaxNumWant {
		numWant = opts.MaxNumWant
	}

	compact := true
	if q.Has("compact") {
		compact = q.GetUintOrZero("compact") != 0
	}

	req := &bittorrent.AnnounceRequest{
		InfoHash:        ih,
		PeerID:          peerID,
		Event:           event,
		EventProvided:   eventProvided,
		NumWant:         numWant,
		NumWantProvided: numWantProvided,
		Left:            uint64(q.GetUintOrZero("left")),
		Downloaded:      uint64(q.GetUintOrZero("downloaded")),
		Uploaded:        uint64(q.GetUintOrZero("uploaded")),
		Compact:         compact,
		Key:             string(q.Peek("key")),
		IPProvided:      ipProvided,
		Params:          queryParams{args: q},
	}
	req.SetEndpoint(bittorrent.NewPeerFromParts(peerID, ip, uint16(port)))

	return req, nil
}

// parseScrape parses a ScrapeRequest from an HTTP scrape query string.
// Absent info_hash parameters mean a full scrape.
func parseScrape(ctx *fasthttp.RequestCtx, opts frontend.ParseOptions) (*bittorrent.ScrapeRequest, error) {
	q := ctx.QueryArgs()

	var infoHashes []bittorrent.InfoHash
	q.VisitAll(func(key, value []byte) {
		if string(key) != "info_hash" {
			return
		}
		if uint32(len(infoHashes)) >= opts.MaxScrapeInfoHashes {
			return
		}
		ih, err := bittorrent.NewInfoHash(value)
		if err != nil {
			return
		}
		infoHashes = append(infoHashes, ih)
	})

	return &bittorrent.ScrapeRequest{InfoHashes: infoHashes, Params: queryParams{args: q}}, nil
}
