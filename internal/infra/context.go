package infra

import "context"

type contextKey string

const clientIPKey contextKey = "client_ip"

// WithClientIP stamps the caller's IP on the context so downstream code
// (usage tagging, locale fallback) can read it without an HTTP dependency.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromContext returns the client IP stamped by WithClientIP.
func ClientIPFromContext(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPKey).(string)
	return ip, ok && ip != ""
}
