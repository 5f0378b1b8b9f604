package http

import "context"

// contextKey is a typed context key.
type contextKey string

const (
	// claimsContextKey holds the verified token claims (JWT or OIDC).
	claimsContextKey contextKey = "claims"
	// accountIDContextKey holds the token subject, which is the account id.
	accountIDContextKey contextKey = "account_id"
)

// AccountIDFromContext returns the authenticated account id.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(accountIDContextKey).(string)
	return id, ok && id != ""
}

// ClaimsFromContext returns the verified token claims.
func ClaimsFromContext(ctx context.Context) (map[string]any, bool) {
	claims, ok := ctx.Value(claimsContextKey).(map[string]any)
	return claims, ok
}

// WithAccountID returns a context carrying an authenticated account id.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDContextKey, accountID)
}

func withPrincipal(ctx context.Context, accountID string, claims map[string]any) context.Context {
	ctx = context.WithValue(ctx, claimsContextKey, claims)
	return WithAccountID(ctx, accountID)
}
