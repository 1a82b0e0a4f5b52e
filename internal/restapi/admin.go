package restapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cvm-network/cvmnode/internal/containermgr"
	"github.com/cvm-network/cvmnode/internal/errors"
	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/metrics"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

// KeyStore is the subset of apikeystore.Store the admin ingress drives.
type KeyStore interface {
	KeyResolver
	Issue(address string) (txmodel.ApiKey, error)
	Revoke(key string) error
	List() []txmodel.ApiKey
}

// ContainerManager is the subset of containermgr.Manager the admin
// ingress drives.
type ContainerManager interface {
	Create(ctx context.Context, spec containermgr.ContainerSpec) (*txmodel.ContractContainer, error)
	List() []txmodel.ContractContainer
	Remove(ctx context.Context, address string) error
}

// AdminConfig controls the admin listener (from the `[rest_api]` TOML
// section's admin_bind_address).
type AdminConfig struct {
	BindAddress string

	// RateLimitPerSecond and RateLimitBurst size the token buckets applied
	// to the admin listener: per-sender for authenticated routes, per-IP
	// for the open bootstrap /api-keys issuance.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// AdminServer is the operator-facing API-key and container management
// listener (spec §4.2, component H).
type AdminServer struct {
	cfg        AdminConfig
	keys       KeyStore
	containers ContainerManager
	logger     *logging.Logger
	metrics    *metrics.Registry
	srv        *http.Server
}

// NewAdminServer builds the admin ingress's router and HTTP server (not yet
// listening).
func NewAdminServer(cfg AdminConfig, keys KeyStore, containers ContainerManager, logger *logging.Logger, m *metrics.Registry) *AdminServer {
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	s := &AdminServer{cfg: cfg, keys: keys, containers: containers, logger: logger, metrics: m}

	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger, m))

	// Bootstrap issuance is the one admin endpoint open on the admin-only
	// port without an existing key (spec §4.2), so it is rate-limited by
	// caller IP rather than by the resolved sender address.
	bootstrapLimiter := newKeyedRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	router.Handle("/api-keys", rateLimitMiddleware(bootstrapLimiter, clientIP)(http.HandlerFunc(s.createKey))).Methods(http.MethodPost)

	protected := router.NewRoute().Subrouter()
	protected.Use(requireAPIKey(keys, logger))
	protected.Use(rateLimitMiddleware(newKeyedRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst), senderRateLimitKey))
	protected.HandleFunc("/api-keys", s.listKeys).Methods(http.MethodGet)
	protected.HandleFunc("/api-keys/{key}", s.revokeKey).Methods(http.MethodDelete)
	protected.HandleFunc("/cvm/create_container", s.createContainer).Methods(http.MethodPost)
	protected.HandleFunc("/cvm/list_containers", s.listContainers).Methods(http.MethodGet)
	protected.HandleFunc("/cvm/remove_container", s.removeContainer).Methods(http.MethodDelete)
	if m != nil {
		protected.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	s.srv = &http.Server{Addr: cfg.BindAddress, Handler: router}
	return s
}

func (s *AdminServer) Name() string { return "admin-ingress" }

func (s *AdminServer) Start(ctx context.Context) error {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("admin ingress listener stopped")
		}
	}()
	return nil
}

func (s *AdminServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *AdminServer) Health(ctx context.Context) error { return nil }

func decodeJSON(body io.ReadCloser, v any) error {
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return errors.BadRequest("malformed request body: " + err.Error())
	}
	return nil
}

func (s *AdminServer) createKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Address string `json:"address"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	if payload.Address == "" {
		writeError(w, errors.BadRequest("address is required"))
		return
	}

	key, err := s.keys.Issue(payload.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"api_key": key.Key})
}

func (s *AdminServer) listKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.keys.List())
}

func (s *AdminServer) revokeKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.keys.Revoke(key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createContainerRequest mirrors the wire field names spec §6 documents
// for POST /cvm/create_container, including its "daily_call_quote" typo.
type createContainerRequest struct {
	AgentName         string `json:"agent_name"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	AuthorizationType string `json:"authorization_type"`
	Path              string `json:"path"`
	DailyCallQuota    int    `json:"daily_call_quote"`
	DockerCompose     string `json:"docker_compose"`
}

func (s *AdminServer) createContainer(w http.ResponseWriter, r *http.Request) {
	var payload createContainerRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	if payload.Name == "" {
		writeError(w, errors.BadRequest("name is required"))
		return
	}

	spec := containermgr.ContainerSpec{
		AgentName:         payload.AgentName,
		Name:              payload.Name,
		Description:       payload.Description,
		AuthorizationType: payload.AuthorizationType,
		PathPrefix:        payload.Path,
		DailyCallQuota:    payload.DailyCallQuota,
		DockerCompose:     payload.DockerCompose,
	}

	container, err := s.containers.Create(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"address": container.Address,
		"state":   container.State.String(),
	})
}

func (s *AdminServer) listContainers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.containers.List())
}

func (s *AdminServer) removeContainer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	if err := s.containers.Remove(r.Context(), payload.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
