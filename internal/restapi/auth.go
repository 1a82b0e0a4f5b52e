package restapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/cvm-network/cvmnode/internal/errors"
	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

// KeyResolver is the subset of apikeystore.Store the ingress depends on.
type KeyResolver interface {
	Lookup(key string) (txmodel.ApiKey, error)
}

type senderContextKey struct{}

// extractAPIKey resolves the caller's credential using the precedence
// spec §9 settles for the ambiguous "both headers present" case:
// X-API-Key, then Authorization: Bearer, then ?api_key=, first match
// wins, the rest ignored.
func extractAPIKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("api_key")
}

// requireAPIKey resolves the caller's key against keys and attaches the
// resolved address to the request context as the transaction's sender.
// Missing or unknown keys fail the request with 401 (spec §4.1).
func requireAPIKey(keys KeyResolver, logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractAPIKey(r)
			if key == "" {
				logger.LogSecurityEvent(r.Context(), "missing_api_key", map[string]interface{}{"path": r.URL.Path})
				writeError(w, errors.Unauthorized("missing api key"))
				return
			}
			rec, err := keys.Lookup(key)
			if err != nil {
				logger.LogSecurityEvent(r.Context(), "invalid_api_key", map[string]interface{}{"path": r.URL.Path})
				writeError(w, errors.Unauthorized("invalid or revoked api key"))
				return
			}
			ctx := context.WithValue(r.Context(), senderContextKey{}, rec.Address)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func senderFromContext(ctx context.Context) string {
	sender, _ := ctx.Value(senderContextKey{}).(string)
	return sender
}
