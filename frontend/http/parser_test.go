package http

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/torshare/torshare-tracker/frontend"
)

func newRequestCtx(uri string, remoteIP string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	var req fasthttp.Request
	req.SetRequestURI(uri)
	ctx.Init(&req, mustResolveTCPAddr(remoteIP), nil)
	return &ctx
}

func mustResolveTCPAddr(ip string) *net.TCPAddr {
	addr, err := net.ResolveTCPAddr("tcp", ip+":0")
	if err != nil {
		panic(err)
	}
	return addr
}

func defaultParseOptions() frontend.ParseOptions {
	return frontend.ParseOptions{
		MaxNumWant:          frontend.DefaultMaxNumWant,
		DefaultNumWant:      frontend.DefaultDefaultNumWant,
		MaxScrapeInfoHashes: frontend.DefaultMaxScrapeInfoHashes,
	}
}

func TestParseAnnounceMissingInfoHash(t *testing.T) {
	ctx := newRequestCtx("/announce?peer_id=aaaaaaaaaaaaaaaaaaaa&port=6881", "203.0.113.1")
	_, err := parseAnnounce(ctx, defaultParseOptions())
	require.Equal(t, errMissingInfoHash, err)
}

func TestParseAnnounceMissingPeerID(t *testing.T) {
	ctx := newRequestCtx("/announce?info_hash=%01%02%03%04%05%06%07%08%09%10%01%02%03%04%05%06%07%08%09%10&port=6881", "203.0.113.1")
	_, err := parseAnnounce(ctx, defaultParseOptions())
	require.Equal(t, errMissingPeerID, err)
}

func TestParseAnnounceMissingPort(t *testing.T) {
	ctx := newRequestCtx("/announce?info_hash=%01%02%03%04%05%06%07%08%09%10%01%02%03%04%05%06%07%08%09%10&peer_id=aaaaaaaaaaaaaaaaaaaa", "203.0.113.1")
	_, err := parseAnnounce(ctx, defaultParseOptions())
	require.Equal(t, errMissingPort, err)
}

func TestParseAnnounceUsesRemoteIP(t *testing.T) {
	ctx := newRequestCtx("/announce?info_hash=%01%02%03%04%05%06%07%08%09%10%01%02%03%04%05%06%07%08%09%10&peer_id=aaaaaaaaaaaaaaaaaaaa&port=6881", "203.0.113.7")
	req, err := parseAnnounce(ctx, defaultParseOptions())
	require.Nil(t, err)
	require.False(t, req.IPProvided)
	require.Equal(t, "203.0.113.7", req.GetFirst().Addr().String())
}

func TestParseAnnounceNumWantClamped(t *testing.T) {
	opts := defaultParseOptions()
	opts.MaxNumWant = 10
	ctx := newRequestCtx("/announce?info_hash=%01%02%03%04%05%06%07%08%09%10%01%02%03%04%05%06%07%08%09%10&peer_id=aaaaaaaaaaaaaaaaaaaa&port=6881&numwant=500", "203.0.113.1")
	req, err := parseAnnounce(ctx, opts)
	require.Nil(t, err)
	require.Equal(t, uint32(10), req.NumWant)
}

func TestParseAnnounceIPSpoofing(t *testing.T) {
	opts := defaultParseOptions()
	opts.AllowIPSpoofing = true
	ctx := newRequestCtx("/announce?info_hash=%01%02%03%04%05%06%07%08%09%10%01%02%03%04%05%06%07%08%09%10&peer_id=aaaaaaaaaaaaaaaaaaaa&port=6881&ip=198.51.100.9", "203.0.113.1")
	req, err := parseAnnounce(ctx, opts)
	require.Nil(t, err)
	require.True(t, req.IPProvided)
	require.Equal(t, "198.51.100.9", req.GetFirst().Addr().String())
}

func TestParseAnnounceRealIPHeader(t *testing.T) {
	opts := defaultParseOptions()
	opts.RealIPHeader = "X-Forwarded-For"
	ctx := newRequestCtx("/announce?info_hash=%01%02%03%04%05%06%07%08%09%10%01%02%03%04%05%06%07%08%09%10&peer_id=aaaaaaaaaaaaaaaaaaaa&port=6881", "203.0.113.1")
	ctx.Request.Header.Set("X-Forwarded-For", "198.51.100.9, 203.0.113.1")
	req, err := parseAnnounce(ctx, opts)
	require.Nil(t, err)
	require.Equal(t, "198.51.100.9", req.GetFirst().Addr().String())
}

func TestParseScrapeFullScrape(t *testing.T) {
	ctx := newRequestCtx("/scrape", "203.0.113.1")
	req, err := parseScrape(ctx, defaultParseOptions())
	require.Nil(t, err)
	require.Empty(t, req.InfoHashes)
}

func TestParseScrapeMultipleInfoHashes(t *testing.T) {
	ctx := newRequestCtx("/scrape?info_hash=%01%02%03%04%05%06%07%08%09%10%01%02%03%04%05%06%07%08%09%10&info_hash=%10%09%08%07%06%05%04%03%02%01%10%09%08%07%06%05%04%03%02%01", "203.0.113.1")
	req, err := parseScrape(ctx, defaultParseOptions())
	require.Nil(t, err)
	require.Len(t, req.InfoHashes, 2)
}
