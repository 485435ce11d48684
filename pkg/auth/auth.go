// Package auth carries the authenticated caller identity through request
// contexts. The service does not authenticate by itself: deployments wrap its
// HTTP surfaces with middleware that validates credentials and stamps the
// caller here.
package auth

import (
	"context"
	"net/http"
)

type contextKey struct{}

// WithUserID returns a child context carrying the authenticated user ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserIDFromContext extracts the user ID stamped by middleware.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)
	return userID, ok && userID != ""
}

// TrustHeader builds middleware that takes the given header as the
// authenticated user ID. Meant for development and for deployments where a
// gateway in front of the service has already verified the caller.
func TrustHeader(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get(header)
			if userID == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
