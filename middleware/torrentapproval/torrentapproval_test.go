package torrentapproval

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/pkg/conf"
)

var cases = []struct {
	cfg      Config
	ih       string
	approved bool
}{
	{
		Config{Name: "list", Options: conf.MapConfig{
			"whitelist": []string{"3532cf2d327fad8448c075b4cb42c8136964a435"},
		}},
		"3532cf2d327fad8448c075b4cb42c8136964a435",
		true,
	},
	{
		Config{Name: "list", Options: conf.MapConfig{
			"whitelist": []string{"3532cf2d327fad8448c075b4cb42c8136964a435"},
		}},
		"4532cf2d327fad8448c075b4cb42c8136964a435",
		false,
	},
	{
		Config{Name: "list", Options: conf.MapConfig{
			"blacklist": []string{"3532cf2d327fad8448c075b4cb42c8136964a435"},
		}},
		"4532cf2d327fad8448c075b4cb42c8136964a435",
		true,
	},
	{
		Config{Name: "list", Options: conf.MapConfig{
			"blacklist": []string{"3532cf2d327fad8448c075b4cb42c8136964a435"},
		}},
		"3532cf2d327fad8448c075b4cb42c8136964a435",
		false,
	},
}

func TestHandleAnnounce(t *testing.T) {
	for _, tt := range cases {
		t.Run(fmt.Sprintf("testing hash %s", tt.ih), func(t *testing.T) {
			h, err := New(tt.cfg, nil)
			require.Nil(t, err)

			ih, err := bittorrent.NewInfoHashFromHex(tt.ih)
			require.Nil(t, err)

			ctx := context.Background()
			req := &bittorrent.AnnounceRequest{InfoHash: ih}
			resp := &bittorrent.AnnounceResponse{}

			nctx, err := h.HandleAnnounce(ctx, req, resp)
			require.Equal(t, ctx, nctx)
			if tt.approved {
				require.NotEqual(t, err, ErrTorrentUnapproved)
			} else {
				require.Equal(t, ErrTorrentUnapproved, err)
			}
		})
	}
}
