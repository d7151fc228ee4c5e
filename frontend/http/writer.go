package http

import (
	"bytes"
	"compress/gzip"
	"errors"

	"github.com/chihaya/bencode"
	"github.com/valyala/fasthttp"

	"github.com/torshare/torshare-tracker/bittorrent"
)

// gzipThreshold is the minimum encoded body size, per spec §6, below which
// a response is sent uncompressed even when gzip_scrape is enabled and the
// client advertised Accept-Encoding: gzip.
const gzipThreshold = 2 * 1024

// writeBencode encodes v and writes it as the response body, gzip
// compressing it first if cfg.GzipScrape is set, the client accepts gzip,
// and the encoded body exceeds gzipThreshold.
func writeBencode(ctx *fasthttp.RequestCtx, cfg Config, v any) {
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode bencode response")
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("text/plain; charset=utf-8")

	if cfg.GzipScrape && buf.Len() > gzipThreshold && ctx.Request.Header.HasAcceptEncoding("gzip") {
		ctx.Response.Header.Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(ctx)
		_, _ = gz.Write(buf.Bytes())
		_ = gz.Close()
		return
	}

	_, _ = ctx.Write(buf.Bytes())
}

// writeError encodes err as a bencoded failure-reason dictionary, per spec
// §4.1. A non-bittorrent.ClientError is logged in full but shown to the
// client only as a generic message, matching frontend/udp's
// writeErrorResponse.
func writeError(ctx *fasthttp.RequestCtx, cfg Config, err error) {
	reason := err.Error()
	var ce bittorrent.ClientError
	if !errors.As(err, &ce) {
		logger.Error().Err(err).Msg("internal error handling HTTP request")
		reason = "internal error occurred"
	}

	dict := bencode.Dict{"failure reason": reason}
	writeBencode(ctx, cfg, dict)
}

// writeAnnounceResponse encodes resp as a bencoded announce response.
func writeAnnounceResponse(ctx *fasthttp.RequestCtx, cfg Config, resp *bittorrent.AnnounceResponse) {
	dict := bencode.Dict{
		"complete":     int64(resp.Complete),
		"incomplete":   int64(resp.Incomplete),
		"interval":     int64(resp.Interval.Seconds()),
		"min interval": int64(resp.MinInterval.Seconds()),
	}

	if resp.Compact {
		dict["peers"] = compactPeers(resp.IPv4Peers)
		if len(resp.IPv6Peers) > 0 {
			dict["peers6"] = compactPeers(resp.IPv6Peers)
		}
	} else {
		peers := bencode.List{}
		for _, p := range append(append([]bittorrent.Peer{}, resp.IPv4Peers...), resp.IPv6Peers...) {
			peers = append(peers, peerDict(p))
		}
		dict["peers"] = peers
	}

	writeBencode(ctx, cfg, dict)
}

// compactPeers encodes peers as the BEP 23/7 compact byte string: each
// peer is its raw address bytes (4 for IPv4, 16 for IPv6) followed by a
// 2-byte big-endian port.
func compactPeers(peers []bittorrent.Peer) []byte {
	var buf bytes.Buffer
	for _, p := range peers {
		buf.Write(p.Addr().AsSlice())
		port := p.Port()
		buf.WriteByte(byte(port >> 8))
		buf.WriteByte(byte(port & 0xff))
	}
	return buf.Bytes()
}

func peerDict(p bittorrent.Peer) bencode.Dict {
	id := p.ID()
	return bencode.Dict{
		"peer id": string(id[:]),
		"ip":      p.Addr().String(),
		"port":    int64(p.Port()),
	}
}

// writeScrapeResponse encodes resp as a bencoded scrape response, per spec
// §4.1: {"files": {<infohash>: {"complete":…, "downloaded":…, "incomplete":…}}}.
func writeScrapeResponse(ctx *fasthttp.RequestCtx, cfg Config, resp *bittorrent.ScrapeResponse) {
	files := bencode.Dict{}
	for _, s := range resp.Files {
		files[s.InfoHash.RawString()] = bencode.Dict{
			"complete":   int64(s.Complete),
			"downloaded": int64(s.Snatches),
			"incomplete": int64(s.Incomplete),
		}
	}
	writeBencode(ctx, cfg, bencode.Dict{"files": files})
}
