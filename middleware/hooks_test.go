package middleware

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/dispatch"
	"github.com/torshare/torshare-tracker/storage"
	"github.com/torshare/torshare-tracker/storage/memory"
)

func newTestPeerStore(t *testing.T) storage.PeerStorage {
	t.Helper()
	s, err := memory.New(memory.Config{ShardCount: 1, GCInterval: time.Hour, PeerLifetime: time.Hour})
	require.Nil(t, err)
	t.Cleanup(func() { <-s.Stop() })
	return s
}

func testAnnounceRequest(t *testing.T, ihByte byte) *bittorrent.AnnounceRequest {
	t.Helper()
	raw := make([]byte, 20)
	raw[19] = ihByte
	ih, err := bittorrent.NewInfoHash(raw)
	require.Nil(t, err)
	id, err := bittorrent.NewPeerID(raw)
	require.Nil(t, err)

	req := &bittorrent.AnnounceRequest{
		InfoHash: ih,
		Left:     1,
		Event:    bittorrent.Started,
	}
	req.SetEndpoint(bittorrent.NewPeerFromParts(id, netip.MustParseAddr("203.0.113.1"), 6881))
	return req
}

func TestSwarmInteractionHookRejectsUnknownTorrentWhenAutoRegisterDisabled(t *testing.T) {
	store := newTestPeerStore(t)
	h := &swarmInteractionHook{store: store, autoRegister: false}

	req := testAnnounceRequest(t, 1)
	resp := &bittorrent.AnnounceResponse{}

	_, err := h.HandleAnnounce(context.Background(), req, resp)
	require.Equal(t, dispatch.ErrTorrentNotFound, err)
}

func TestSwarmInteractionHookAllowsKnownTorrentWhenAutoRegisterDisabled(t *testing.T) {
	store := newTestPeerStore(t)
	ctx := context.Background()
	req := testAnnounceRequest(t, 2)
	require.Nil(t, store.Register(ctx, req.InfoHash))

	h := &swarmInteractionHook{store: store, autoRegister: false}
	resp := &bittorrent.AnnounceResponse{}

	_, err := h.HandleAnnounce(ctx, req, resp)
	require.Nil(t, err)
}

func TestSwarmInteractionHookAutoRegisterCreatesSwarm(t *testing.T) {
	store := newTestPeerStore(t)
	ctx := context.Background()
	req := testAnnounceRequest(t, 3)

	h := &swarmInteractionHook{store: store, autoRegister: true}
	resp := &bittorrent.AnnounceResponse{}

	_, err := h.HandleAnnounce(ctx, req, resp)
	require.Nil(t, err)

	exists, err := store.HasSwarm(ctx, req.InfoHash)
	require.Nil(t, err)
	require.True(t, exists)
}

func TestResponseHookFullScrapeUsesCache(t *testing.T) {
	store := newTestPeerStore(t)
	ctx := context.Background()

	ih1 := testAnnounceRequest(t, 4).InfoHash
	ih2 := testAnnounceRequest(t, 5).InfoHash
	require.Nil(t, store.Register(ctx, ih1))
	require.Nil(t, store.Register(ctx, ih2))

	h := &responseHook{store: store, fullScrape: storage.NewFullScrapeCache(store, time.Minute)}
	resp := &bittorrent.ScrapeResponse{}

	_, err := h.HandleScrape(ctx, &bittorrent.ScrapeRequest{}, resp)
	require.Nil(t, err)
	require.Len(t, resp.Files, 2)
}
