package gateway

import "context"

type clientKeyCtx struct{}

// WithClientKey tags upstream request-log entries with the calling client
func WithClientKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, clientKeyCtx{}, key)
}

// ClientKey returns the key set by WithClientKey, or ""
func ClientKey(ctx context.Context) string {
	if v, ok := ctx.Value(clientKeyCtx{}).(string); ok {
		return v
	}
	return ""
}
