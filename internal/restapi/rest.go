// Package restapi implements the node's two HTTP surfaces: the REST
// ingress that authenticates callers and forwards contract-addressed
// requests through the mempool (spec §4.1, component G), and the admin
// ingress for API-key and container management (spec §4.2, component H).
package restapi

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cvm-network/cvmnode/internal/errors"
	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/metrics"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

// Submitter is the subset of the mempool's contract the REST ingress
// drives.
type Submitter interface {
	SubmitAndWait(ctx context.Context, tx *txmodel.Transaction, timeout time.Duration) (*txmodel.ExecutionResult, error)
}

// RestConfig controls the REST listener (from the `[rest_api]` TOML
// section).
type RestConfig struct {
	BindAddress string
	TxTimeout   time.Duration

	// RateLimitPerSecond and RateLimitBurst size the per-sender token
	// bucket applied to authenticated dispatch requests.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// RestServer is the public-facing contract-dispatch listener.
type RestServer struct {
	cfg       RestConfig
	submitter Submitter
	keys      KeyResolver
	logger    *logging.Logger
	metrics   *metrics.Registry
	srv       *http.Server
}

// NewRestServer builds the REST ingress's router and HTTP server (not yet
// listening).
func NewRestServer(cfg RestConfig, submitter Submitter, keys KeyResolver, logger *logging.Logger, m *metrics.Registry) *RestServer {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 30 * time.Second
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	s := &RestServer{cfg: cfg, submitter: submitter, keys: keys, logger: logger, metrics: m}

	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger, m))
	router.HandleFunc("/health", s.health).Methods(http.MethodGet)

	limiter := newKeyedRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	protected := router.PathPrefix("/").Subrouter()
	protected.Use(requireAPIKey(keys, logger))
	protected.Use(rateLimitMiddleware(limiter, senderRateLimitKey))
	protected.PathPrefix("/").HandlerFunc(s.dispatch)

	s.srv = &http.Server{Addr: cfg.BindAddress, Handler: router}
	return s
}

func (s *RestServer) Name() string { return "rest-ingress" }

// Start begins accepting connections in the background; a failure to bind
// is reported asynchronously via the logger, matching the rest of the
// node's fire-and-forget listener goroutines.
func (s *RestServer) Start(ctx context.Context) error {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("rest ingress listener stopped")
		}
	}()
	return nil
}

func (s *RestServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *RestServer) Health(ctx context.Context) error { return nil }

func (s *RestServer) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// dispatch handles every non-health request: `/<0xADDR>/<rest...>` is
// decomposed into an ExecutionRequest, wrapped in an ApiRequest
// Transaction, and handed to the mempool (spec §4.1).
func (s *RestServer) dispatch(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(r.URL.Path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	addr := parts[0]
	subPath := "/"
	if len(parts) == 2 {
		subPath = "/" + parts[1]
	}

	if !txmodel.IsValidAddress(addr) {
		writeError(w, errors.BadRequest("malformed contract address"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errors.BadRequest("read request body"))
		return
	}

	tx := &txmodel.Transaction{
		ID:        txmodel.NewTransactionID(),
		Kind:      txmodel.KindAPIRequest,
		CreatedAt: time.Now().UTC(),
		Sender:    senderFromContext(r.Context()),
	}
	tx.Payload = txmodel.ExecutionRequest{
		TxID:         tx.ID,
		ContractAddr: addr,
		Method:       r.Method,
		Path:         subPath,
		Headers:      forwardedHeaders(r.Header),
		Body:         body,
	}

	result, err := s.submitter.SubmitAndWait(r.Context(), tx, s.cfg.TxTimeout)
	if err != nil {
		writeError(w, err)
		return
	}

	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(result.Body)
}

// forwardedHeaders copies r's headers minus the API-key credential, which
// the contract container has no business seeing.
func forwardedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if strings.EqualFold(k, "X-Api-Key") || strings.EqualFold(k, "Authorization") {
			continue
		}
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
