package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/pkg/stop"
)

// blockingLogic lets tests control exactly when HandleAnnounce returns, to
// exercise the façade's concurrency cap and timeout behavior deterministically.
type blockingLogic struct {
	release chan struct{}
}

func (b *blockingLogic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (context.Context, *bittorrent.AnnounceResponse, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx, nil, ctx.Err()
	}
	return ctx, &bittorrent.AnnounceResponse{}, nil
}
func (b *blockingLogic) AfterAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse) {
}
func (b *blockingLogic) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (context.Context, *bittorrent.ScrapeResponse, error) {
	return ctx, &bittorrent.ScrapeResponse{}, nil
}
func (b *blockingLogic) AfterScrape(context.Context, *bittorrent.ScrapeRequest, *bittorrent.ScrapeResponse) {
}
func (b *blockingLogic) Stop() stop.Result { return stop.AlreadyStopped }

func TestOverloaded(t *testing.T) {
	inner := &blockingLogic{release: make(chan struct{})}
	f, err := New(Config{MaxConcurrentRequests: 1, RequestTimeout: time.Second}, inner)
	require.Nil(t, err)

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		_, _, _ = f.HandleAnnounce(context.Background(), &bittorrent.AnnounceRequest{})
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the first request acquire the slot

	_, _, err = f.HandleAnnounce(context.Background(), &bittorrent.AnnounceRequest{})
	require.Equal(t, ErrOverloaded, err)

	close(inner.release)
	wg.Wait()
}

func TestTimeout(t *testing.T) {
	inner := &blockingLogic{release: make(chan struct{})}
	defer close(inner.release)

	f, err := New(Config{MaxConcurrentRequests: 10, RequestTimeout: 10 * time.Millisecond}, inner)
	require.Nil(t, err)

	_, _, err = f.HandleAnnounce(context.Background(), &bittorrent.AnnounceRequest{})
	require.Equal(t, ErrTimeout, err)
}

func TestTransportDisabled(t *testing.T) {
	inner := &blockingLogic{release: make(chan struct{})}
	close(inner.release)

	f, err := New(Config{MaxConcurrentRequests: 10, RequestTimeout: time.Second, AllowHTTPAnnounce: false}, inner)
	require.Nil(t, err)

	ctx := bittorrent.InjectRouteParamsToContext(context.Background(), bittorrent.RouteParams{Transport: "http"})
	_, _, err = f.HandleAnnounce(ctx, &bittorrent.AnnounceRequest{})
	require.Equal(t, ErrTransportDisabled, err)
}

func TestBlocklist(t *testing.T) {
	inner := &blockingLogic{release: make(chan struct{})}
	close(inner.release)

	f, err := New(Config{MaxConcurrentRequests: 10, RequestTimeout: time.Second}, inner)
	require.Nil(t, err)

	ih, err := bittorrent.NewInfoHashFromHex("3532cf2d327fad8448c075b4cb42c8136964a435")
	require.Nil(t, err)
	f.blocklist[ih] = struct{}{}

	_, _, err = f.HandleAnnounce(context.Background(), &bittorrent.AnnounceRequest{InfoHash: ih})
	require.Equal(t, ErrBlocked, err)
}

func TestFullScrapeDisabled(t *testing.T) {
	inner := &blockingLogic{release: make(chan struct{})}
	close(inner.release)

	f, err := New(Config{MaxConcurrentRequests: 10, RequestTimeout: time.Second, AllowFullScrape: false}, inner)
	require.Nil(t, err)

	_, _, err = f.HandleScrape(context.Background(), &bittorrent.ScrapeRequest{})
	require.Equal(t, ErrFullScrapeDisabled, err)
}
