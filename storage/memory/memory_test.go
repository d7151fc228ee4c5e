package memory

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/storage"
)

func testInfoHash(t *testing.T, b byte) bittorrent.InfoHash {
	t.Helper()
	raw := make([]byte, 20)
	raw[19] = b
	ih, err := bittorrent.NewInfoHash(raw)
	require.Nil(t, err)
	return ih
}

func testPeer(t *testing.T, b byte, v6 bool, port uint16) bittorrent.Peer {
	t.Helper()
	raw := make([]byte, 20)
	raw[19] = b
	id, err := bittorrent.NewPeerID(raw)
	require.Nil(t, err)

	addr := netip.MustParseAddr("203.0.113.1")
	if v6 {
		addr = netip.MustParseAddr("2001:db8::1")
	}
	return bittorrent.NewPeerFromParts(id, addr, port)
}

func newTestStore(t *testing.T) *peerStore {
	t.Helper()
	s, err := New(Config{ShardCount: 2, GCInterval: time.Hour, PeerLifetime: time.Hour})
	require.Nil(t, err)
	t.Cleanup(func() { <-s.Stop() })
	return s.(*peerStore)
}

func TestHasSwarmReflectsRegistration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ih := testInfoHash(t, 1)

	exists, err := s.HasSwarm(ctx, ih)
	require.Nil(t, err)
	require.False(t, exists)

	require.Nil(t, s.Register(ctx, ih))

	exists, err = s.HasSwarm(ctx, ih)
	require.Nil(t, err)
	require.True(t, exists)
}

func TestPutSeederThenScrapeSwarm(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ih := testInfoHash(t, 2)
	p := testPeer(t, 1, false, 6881)

	require.Nil(t, s.PutSeeder(ctx, ih, p))

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
	p := testPeer(t, 1, false, 6881)

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
	ih := testInfoHash(t, 4)
	p := testPeer(t, 1, false, 6881)

	err := s.DeleteSeeder(ctx, ih, p)
	require.ErrorIs(t, err, storage.ErrResourceDoesNotExist)
}

func TestAnnouncePeersExcludesRequesterAndFamily(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ih := testInfoHash(t, 5)

	requester := testPeer(t, 1, false, 6881)
	otherV4 := testPeer(t, 2, false, 6882)
	otherV6 := testPeer(t, 3, true, 6883)

	require.Nil(t, s.PutLeecher(ctx, ih, requester))
	require.Nil(t, s.PutLeecher(ctx, ih, otherV4))
	require.Nil(t, s.PutLeecher(ctx, ih, otherV6))

	peers, err := s.AnnouncePeers(ctx, ih, false, 10, false, requester)
	require.Nil(t, err)
	require.Len(t, peers, 1)
	require.True(t, peers[0].EqualEndpoint(otherV4))
}

func TestFullScrapeWalksEveryShard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ihs := []bittorrent.InfoHash{testInfoHash(t, 10), testInfoHash(t, 11), testInfoHash(t, 12)}
	for i, ih := range ihs {
		require.Nil(t, s.PutSeeder(ctx, ih, testPeer(t, byte(i+1), false, 6881)))
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

func TestCollectGarbageExpiresStalePeers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ih := testInfoHash(t, 20)
	p := testPeer(t, 1, false, 6881)

	require.Nil(t, s.PutSeeder(ctx, ih, p))

	sh := s.shardFor(ih)
	sh.Lock()
	sh.swarms[ih].seeders[p.RawString()] = peerRecord{lastSeen: time.Now().Add(-time.Hour).UnixNano()}
	sh.Unlock()

	s.collectGarbage(time.Now())

	exists, err := s.HasSwarm(ctx, ih)
	require.Nil(t, err)
	require.False(t, exists)
}
