package dashboard

import "context"

type contextKey string

const clientContextKey contextKey = "client"

// withClient records the authenticated caller's address in the context.
func withClient(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientContextKey, ip)
}

// clientFromContext retrieves the caller's address from the context.
func clientFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientContextKey).(string)
	return ip
}
