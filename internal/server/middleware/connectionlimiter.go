package middleware

import (
	"log/slog"
	"net/http"

	"github.com/ParkerDaudt/Watercooler-sub000/pkg/config"
)

type UserConnectionCounter func(userID string) int
type UserConnectionCycler func(userID string)

// NewConnectionLimiter enforces the per-user live connection cap. It must
// run after auth; the user is already known here. Mode "reject" turns the
// excess handshake away, mode "cycle" closes the user's oldest connection
// to make room.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter UserConnectionCounter,
	cycler UserConnectionCycler,
	cfg config.ConnectionLimitConfig,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerUser <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok || reqMeta.User == nil {
				logger.Error("connection limiter ran before auth; check middleware order")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			count := counter(reqMeta.User.ID)
			if count < cfg.MaxPerUser {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("user connection limit reached",
				slog.String("userID", reqMeta.User.ID),
				slog.Int("count", count),
			)
			switch cfg.Mode {
			case "reject":
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			case "cycle":
				cycler(reqMeta.User.ID)
				next.ServeHTTP(w, r)
			default:
				logger.Error("invalid connection limit mode configured", slog.String("mode", cfg.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}
