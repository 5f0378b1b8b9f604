package http

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"mystery-box-service/internal/core/ports"
)

// RateLimiterMiddleware limits request frequency per account, or per client
// IP when the request is not authenticated.
type RateLimiterMiddleware struct {
	repo   ports.RateLimiterRepository
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewRateLimiterMiddleware creates a new middleware instance.
func NewRateLimiterMiddleware(repo ports.RateLimiterRepository, limit int, window time.Duration, logger *slog.Logger) *RateLimiterMiddleware {
	return &RateLimiterMiddleware{
		repo:   repo,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Handler is the middleware function.
func (m *RateLimiterMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := m.key(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := m.repo.IsAllowed(r.Context(), key, m.limit, m.window)
		if err != nil {
			// Fail open: a broken limiter must not take purchases down with it.
			m.logger.Error("rate limit check failed", "key", key, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(m.window.Seconds())))
			writeJSONError(w, "Too Many Requests", http.StatusTooManyRequests, m.logger)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *RateLimiterMiddleware) key(r *http.Request) (string, bool) {
	if accountID, ok := AccountIDFromContext(r.Context()); ok {
		return "account:" + accountID, true
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		m.logger.Error("failed to get client IP address", "remote_addr", r.RemoteAddr, "error", err)
		return "", false
	}
	return "ip:" + ip, true
}
