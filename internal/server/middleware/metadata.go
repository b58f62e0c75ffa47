package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/ParkerDaudt/Watercooler-sub000/internal/store"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

// RequestMetadata accumulates what the handshake middlewares learn about a
// request. User is populated by the auth middleware; handlers behind it may
// assume it is set.
type RequestMetadata struct {
	IP   string
	User *store.User
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// RequestMetadataMiddleware creates and injects the RequestMetadata struct.
// It must run before every middleware that reads it.
func RequestMetadataMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{}

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			reqMeta.IP = ip
			ctx := context.WithValue(r.Context(), reqMetaKey, reqMeta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
