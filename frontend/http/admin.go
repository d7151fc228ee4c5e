package http

import (
	"context"
	"time"

	"github.com/chihaya/bencode"
	"github.com/valyala/fasthttp"
)

// pinger is implemented by a frontend.TrackerLogic (dispatch.Facade does)
// that can aggregate the reachability of everything it depends on.
type pinger interface {
	Ping(ctx context.Context) error
}

// serveHealthz reports whether the wrapped tracker logic (and whatever
// storage/middleware it depends on) is reachable, per the ping surface
// SPEC_FULL.md adds. Always available, never gated by APIKey: operators
// need it reachable even when the admin surface is locked down.
func (f *httpFE) serveHealthz(ctx *fasthttp.RequestCtx) {
	p, ok := f.logic.(pinger)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusOK)
		_, _ = ctx.WriteString("ok")
		return
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Ping(pingCtx); err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		_, _ = ctx.WriteString(err.Error())
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	_, _ = ctx.WriteString("ok")
}

// serveAdmin gates the "/api/" prefix behind an exact "X-Api-Key" header
// match. Per spec §6 the admin surface itself ("POST /api/torrents etc.")
// is explicitly "not part of the core" — this package only enforces the
// access boundary the core requires; the request handling behind it is
// an external collaborator's responsibility.
func (f *httpFE) serveAdmin(ctx *fasthttp.RequestCtx) {
	if string(ctx.Request.Header.Peek("X-Api-Key")) != f.cfg.APIKey {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNotImplemented)
	_, _ = ctx.Write(bencodeMustEncode(bencode.Dict{"failure reason": "admin surface not implemented by the core"}))
}

func bencodeMustEncode(v any) []byte {
	b, err := bencode.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
