package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/conduit-lang/fhirrouter/internal/web/middleware"
	"github.com/conduit-lang/fhirrouter/internal/web/response"
	"go.uber.org/zap"
)

// KeyFunc picks the budget a request is charged to
type KeyFunc func(r *http.Request) string

// ClientIP charges requests to the remote host
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over budget with 429 and an OperationOutcome.
// Limiter failures let the request through.
func Middleware(l Limiter, key KeyFunc, logger *zap.Logger) middleware.Middleware {
	if key == nil {
		key = ClientIP
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := l.Allow(r.Context(), key(r))
			if err != nil {
				logger.Warn("rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))

			if !info.Allowed {
				retry := max(int(time.Until(info.ResetAt).Seconds()+0.5), 1)
				h.Set("Retry-After", strconv.Itoa(retry))
				response.RenderError(w, http.StatusTooManyRequests, errTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var errTooManyRequests = response.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
