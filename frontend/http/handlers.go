package http

import (
	"github.com/valyala/fasthttp"

	"github.com/torshare/torshare-tracker/bittorrent"
)

func (f *httpFE) serveAnnounce(ctx *fasthttp.RequestCtx) {
	req, err := parseAnnounce(ctx, f.cfg.ParseOptions)
	if err != nil {
		writeError(ctx, f.cfg, err)
		return
	}

	reqCtx, resp, err := f.logic.HandleAnnounce(routeParamsContext("http"), req)
	if err != nil {
		writeError(ctx, f.cfg, err)
		return
	}

	writeAnnounceResponse(ctx, f.cfg, resp)

	bgCtx := bittorrent.RemapRouteParamsToBgContext(reqCtx)
	go f.logic.AfterAnnounce(bgCtx, req, resp)
}

func (f *httpFE) serveScrape(ctx *fasthttp.RequestCtx) {
	req, err := parseScrape(ctx, f.cfg.ParseOptions)
	if err != nil {
		writeError(ctx, f.cfg, err)
		return
	}

	reqCtx, resp, err := f.logic.HandleScrape(routeParamsContext("http"), req)
	if err != nil {
		writeError(ctx, f.cfg, err)
		return
	}

	writeScrapeResponse(ctx, f.cfg, resp)

	bgCtx := bittorrent.RemapRouteParamsToBgContext(reqCtx)
	go f.logic.AfterScrape(bgCtx, req, resp)
}
