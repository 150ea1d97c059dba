// ABOUTME: Request identity propagation via context.Context
// ABOUTME: Provides WithUser/UserFromContext for handlers downstream of the middleware

package auth

import "context"

// userKey is the key type for storing the authenticated user ID in context
type userKey struct{}

// WithUser returns a new context with the authenticated user ID attached
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext retrieves the authenticated user ID, returning false if absent
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
