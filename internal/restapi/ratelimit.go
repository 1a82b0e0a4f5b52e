package restapi

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/cvm-network/cvmnode/internal/errors"
)

// keyedRateLimiter hands out one token-bucket rate.Limiter per key (a
// caller's resolved sender address, or its client IP pre-auth), created
// lazily and kept for the life of the process.
type keyedRateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newKeyedRateLimiter(perSecond float64, burst int) *keyedRateLimiter {
	return &keyedRateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (k *keyedRateLimiter) allow(key string) bool {
	k.mu.Lock()
	lim, ok := k.limiters[key]
	if !ok {
		lim = rate.NewLimiter(k.limit, k.burst)
		k.limiters[key] = lim
	}
	k.mu.Unlock()
	return lim.Allow()
}

// rateLimitMiddleware rejects a request with 429 once keyFn's bucket is
// empty. keyFn extracts the bucket key from the request: the resolved
// sender address for already-authenticated routes, or the client IP for
// routes reachable without a key.
func rateLimitMiddleware(limiter *keyedRateLimiter, keyFn func(*http.Request) string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(keyFn(r)) {
				writeError(w, errors.QuotaExceeded("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the caller's address for pre-auth rate limiting,
// preferring X-Forwarded-For's first hop since the node typically sits
// behind a reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// senderRateLimitKey keys the limiter on the already-resolved sender
// address, falling back to the client IP if none was attached (should not
// happen behind requireAPIKey, but keeps an empty key from sharing one
// global bucket across every unauthenticated caller).
func senderRateLimitKey(r *http.Request) string {
	if sender := senderFromContext(r.Context()); sender != "" {
		return sender
	}
	return clientIP(r)
}
