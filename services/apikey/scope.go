package apikey

import "context"

type scopeCtx struct{}

// WithAllowedMarkets attaches a validated key's market allow-list to ctx
func WithAllowedMarkets(ctx context.Context, markets []string) context.Context {
	return context.WithValue(ctx, scopeCtx{}, markets)
}

// MarketAllowed reports whether the caller on ctx may read market. Callers
// without a key, or with an unrestricted key, may read any market.
func MarketAllowed(ctx context.Context, market string) bool {
	allowed, _ := ctx.Value(scopeCtx{}).([]string)
	return len(allowed) == 0 || contains(allowed, market)
}

// AllowedMarkets returns the allow-list on ctx, nil when unrestricted
func AllowedMarkets(ctx context.Context) []string {
	allowed, _ := ctx.Value(scopeCtx{}).([]string)
	return allowed
}
