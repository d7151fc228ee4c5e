package http

import (
	"net/netip"
	"testing"

	"github.com/chihaya/bencode"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/torshare/torshare-tracker/bittorrent"
)

func TestWriteAnnounceResponseCompact(t *testing.T) {
	var ctx fasthttp.RequestCtx
	ip, err := netip.ParseAddr("203.0.113.1")
	require.Nil(t, err)
	peerID, err := bittorrent.NewPeerID([]byte("-TS0001-aaaaaaaaaaaa"))
	require.Nil(t, err)

	resp := &bittorrent.AnnounceResponse{
		Compact:    true,
		Complete:   1,
		Incomplete: 2,
		IPv4Peers:  []bittorrent.Peer{bittorrent.NewPeerFromParts(peerID, ip, 6881)},
	}

	writeAnnounceResponse(&ctx, Config{}, resp)

	var dict bencode.Dict
	require.Nil(t, bencode.Unmarshal(ctx.Response.Body(), &dict))
	require.Equal(t, int64(1), dict["complete"])
	require.Equal(t, int64(2), dict["incomplete"])

	peers, ok := dict["peers"].(string)
	require.True(t, ok)
	require.Len(t, peers, 6)
}

func TestWriteScrapeResponse(t *testing.T) {
	var ctx fasthttp.RequestCtx
	ih, err := bittorrent.NewInfoHashFromHex("3532cf2d327fad8448c075b4cb42c8136964a435")
	require.Nil(t, err)

	resp := &bittorrent.ScrapeResponse{
		Files: []bittorrent.Scrape{{InfoHash: ih, Complete: 3, Incomplete: 1, Snatches: 7}},
	}
	writeScrapeResponse(&ctx, Config{}, resp)

	var dict bencode.Dict
	require.Nil(t, bencode.Unmarshal(ctx.Response.Body(), &dict))
	files, ok := dict["files"].(bencode.Dict)
	require.True(t, ok)
	entry, ok := files[ih.RawString()].(bencode.Dict)
	require.True(t, ok)
	require.Equal(t, int64(3), entry["complete"])
	require.Equal(t, int64(7), entry["downloaded"])
	require.Equal(t, int64(1), entry["incomplete"])
}

func TestWriteErrorClientVsInternal(t *testing.T) {
	var ctx fasthttp.RequestCtx
	writeError(&ctx, Config{}, bittorrent.ClientError("bad request"))

	var dict bencode.Dict
	require.Nil(t, bencode.Unmarshal(ctx.Response.Body(), &dict))
	require.Equal(t, "bad request", dict["failure reason"])
}
