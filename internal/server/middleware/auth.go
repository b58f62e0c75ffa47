package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ParkerDaudt/Watercooler-sub000/internal/auth"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/store"
)

// UserLookup loads the persisted user row a resolved identity points at.
type UserLookup func(ctx context.Context, userID string) (*store.User, error)

// NewAuthMiddleware gates the websocket upgrade on a valid session token.
// Browser websocket clients cannot set headers, so the token travels either
// as a ?token= query parameter or in the session cookie; the query parameter
// wins when both are present. A token minted before the user's credential
// version was bumped is rejected even though its signature still verifies.
func NewAuthMiddleware(logger *slog.Logger, verifier *auth.Verifier, lookup UserLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := r.URL.Query().Get("token")
			if tokenString == "" {
				if cookie, err := r.Cookie("session-token"); err == nil {
					tokenString = cookie.Value
				}
			}
			if tokenString == "" {
				logger.Warn("handshake without credential", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			identity, err := verifier.Resolve(tokenString)
			if err != nil {
				logger.Warn("invalid session token presented", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			user, err := lookup(r.Context(), identity.UserID)
			if err != nil {
				logger.Warn("token subject does not resolve to a user",
					slog.String("ip", reqMeta.IP),
					slog.String("userID", identity.UserID),
				)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if user.TokenVersion != identity.TokenVersion {
				logger.Warn("revoked session token presented",
					slog.String("ip", reqMeta.IP),
					slog.String("userID", identity.UserID),
				)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.User = user
			next.ServeHTTP(w, r)
		})
	}
}
