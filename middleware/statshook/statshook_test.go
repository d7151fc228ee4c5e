package statshook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/pkg/conf"
)

func TestBuildDefaultsBufferSize(t *testing.T) {
	h, err := build(conf.MapConfig{}, nil)
	require.Nil(t, err)
	require.NotNil(t, h)
}

func TestHandleAnnounceDoesNotMutateResponse(t *testing.T) {
	h, err := build(conf.MapConfig{"buffer_size": 8}, nil)
	require.Nil(t, err)

	ctx := context.Background()
	req := &bittorrent.AnnounceRequest{Event: bittorrent.Started}
	resp := &bittorrent.AnnounceResponse{Complete: 3}

	nCtx, err := h.HandleAnnounce(ctx, req, resp)
	require.Nil(t, err)
	require.Equal(t, ctx, nCtx)
	require.Equal(t, uint32(3), resp.Complete)
}

func TestHandleScrapeDoesNotMutateResponse(t *testing.T) {
	h, err := build(conf.MapConfig{"buffer_size": 8}, nil)
	require.Nil(t, err)

	ctx := context.Background()
	req := &bittorrent.ScrapeRequest{}
	resp := &bittorrent.ScrapeResponse{}

	nCtx, err := h.HandleScrape(ctx, req, resp)
	require.Nil(t, err)
	require.Equal(t, ctx, nCtx)
}

func TestStop(t *testing.T) {
	hk, err := build(conf.MapConfig{"buffer_size": 8}, nil)
	require.Nil(t, err)
	h := hk.(*hook)
	res := h.Stop()
	_, ok := <-res
	require.False(t, ok)
}
