package redis

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/torshare/torshare-tracker/bittorrent"
)

// newTestStore starts an in-process miniredis server and a store backed by
// it, matching how uber-kraken's Redis-backed peer store is tested without a
// live Redis instance.
func newTestStore(t *testing.T) *store {
	t.Helper()
	mr, err := miniredis.Run()
	require.Nil(t, err)
	t.Cleanup(mr.Close)

	s, err := New(Config{
		Addresses:     []string{mr.Addr()},
		GCInterval:    time.Hour,
		PeerLifetime:  time.Hour,
		StatsInterval: time.Hour,
	})
	require.Nil(t, err)
	t.Cleanup(func() { <-s.Stop() })
	return s.(*store)
}

func testInfoHash(t *testing.T, b byte) bittorrent.InfoHash {
	t.Helper()
	raw := make([]byte, 20)
	raw[19] = b
	ih, err := bittorrent.NewInfoHash(raw)
	require.Nil(t, err)
	return ih
}

func testPeer(t *testing.T, b byte, port uint16) bittorrent.Peer {
	t.Helper()
	raw := make([]byte, 20)
	raw[19] = b
	id, err := bittorrent.NewPeerID(raw)
	require.Nil(t, err)
	return bittorrent.NewPeerFromParts(id, netip.MustParseAddr("203.0.113.1"), port)
}

func TestHasSwarmReflectsPeerPresence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ih := testInfoHash(t, 1)

	exists, err := s.HasSwarm(ctx, ih)
	require.Nil(t, err)
	require.False(t, exists)

	require.Nil(t, s.PutSeeder(ctx, ih, testPeer(t, 1, 6881)))

	exists, err = s.HasSwarm(ctx, ih)
	require.Nil(t, err)
	require.True(t, exists)
}

func TestPutSeederThenScrapeSwarm(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ih := testInfoHash(t, 2)

	require.Nil(t, s.PutSeeder(ctx, ih, testPeer(t, 1, 6881)))

	leechers, seeders, snatches, err := s.ScrapeSwarm(ctx, ih)
	require.Nil(t, err)
	require.Equal(t, uint32(0), leechers)
	require.Equal(t, uint32(1), seeders)
	require.Equal(t, uint32(0), snatches)
}

func TestGraduateLeecherIncrementsSnatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ih := testInfoHash(t, 3)
	p := testPeer(t, 1, 6881)

	require.Nil(t, s.PutLeecher(ctx, ih, p))
	require.Nil(t, s.GraduateLeecher(ctx, ih, p))

	leechers, seeders, snatches, err := s.ScrapeSwarm(ctx, ih)
	require.Nil(t, err)
	require.Equal(t, uint32(0), leechers)
	require.Equal(t, uint32(1), seeders)
	require.Equal(t, uint32(1), snatches)
}

func TestDeleteSeederNotPresent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.DeleteSeeder(ctx, testInfoHash(t, 4), testPeer(t, 1, 6881))
	require.NotNil(t, err)
}

func TestFullScrapeWalksEverySwarm(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ihs := []bittorrent.InfoHash{testInfoHash(t, 10), testInfoHash(t, 11)}
	for i, ih := range ihs {
		require.Nil(t, s.PutSeeder(ctx, ih, testPeer(t, byte(i+1), 6881)))
	}

	seen := map[bittorrent.InfoHash]bool{}
	require.Nil(t, s.FullScrape(ctx, func(scr bittorrent.Scrape) bool {
		seen[scr.InfoHash] = true
		return true
	}))
	for _, ih := range ihs {
		require.True(t, seen[ih])
	}
}

func TestRegisterIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ih := testInfoHash(t, 20)

	require.Nil(t, s.Register(ctx, ih))

	exists, err := s.HasSwarm(ctx, ih)
	require.Nil(t, err)
	require.False(t, exists)
}
