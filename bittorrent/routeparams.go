package bittorrent

import "context"

// RouteParams carries request-scoped metadata (e.g. which listener accepted
// the request) from a frontend through the middleware chain without every
// Hook needing its own parameter. It is deliberately small: the core never
// branches on transport, only optional post-hooks that want to log it do.
type RouteParams struct {
	// Transport is a short name of the frontend that produced the request,
	// e.g. "http" or "udp".
	Transport string
}

type routeParamsKey struct{}

// InjectRouteParamsToContext attaches RouteParams to ctx.
func InjectRouteParamsToContext(ctx context.Context, rp RouteParams) context.Context {
	return context.WithValue(ctx, routeParamsKey{}, rp)
}

// RouteParamsFromContext retrieves RouteParams previously attached with
// InjectRouteParamsToContext.
func RouteParamsFromContext(ctx context.Context) (RouteParams, bool) {
	rp, ok := ctx.Value(routeParamsKey{}).(RouteParams)
	return rp, ok
}

// RemapRouteParamsToBgContext carries RouteParams (and nothing else) over
// to a fresh, non-cancellable context. Frontends use this for the
// fire-and-forget AfterAnnounce/AfterScrape post-hook call, so that
// post-hooks keep running to completion even after the per-request
// deadline that bounded the main response has expired.
func RemapRouteParamsToBgContext(ctx context.Context) context.Context {
	bg := context.Background()
	if rp, ok := RouteParamsFromContext(ctx); ok {
		bg = InjectRouteParamsToContext(bg, rp)
	}
	return bg
}
