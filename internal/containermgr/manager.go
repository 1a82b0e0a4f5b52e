// Package containermgr owns contract container lifecycle: create, list,
// remove, and resolve address -> endpoint (spec §4.3, component C).
package containermgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvm-network/cvmnode/internal/errors"
	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

// Config controls Manager behaviour (derived from the `[container]` TOML
// section).
type Config struct {
	LeaderID          string
	MaxContainers     int
	ProbeTimeout      time.Duration
	ProbeInterval     time.Duration
	MaxProbeFailures  int
}

// Manager maintains the address -> ContractContainer map and is the sole
// writer of container-state transitions (spec §3's ownership rule).
type Manager struct {
	cfg    Config
	driver Driver
	logger *logging.Logger

	mu         sync.RWMutex
	containers map[string]*txmodel.ContractContainer
	quota      map[string]*dailyCounter
	probeFails map[string]int

	counter  uint64
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Manager. driver is either a SimulatedDriver or a
// CVMDriver, selected by the caller from `container.container_mode`.
func New(cfg Config, driver Driver, logger *logging.Logger) *Manager {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.MaxProbeFailures <= 0 {
		cfg.MaxProbeFailures = 3
	}
	return &Manager{
		cfg:        cfg,
		driver:     driver,
		logger:     logger,
		containers: make(map[string]*txmodel.ContractContainer),
		quota:      make(map[string]*dailyCounter),
		probeFails: make(map[string]int),
		stopCh:     make(chan struct{}),
	}
}

func (m *Manager) Name() string { return "container-manager" }

// Start begins the background health-probe loop (SPEC_FULL supplement).
func (m *Manager) Start(ctx context.Context) error {
	go m.probeLoop(ctx)
	return nil
}

func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}

func (m *Manager) Health(ctx context.Context) error { return nil }

// Create launches a new container and blocks until its readiness probe
// succeeds or cfg.ProbeTimeout elapses.
func (m *Manager) Create(ctx context.Context, spec ContainerSpec) (*txmodel.ContractContainer, error) {
	m.mu.Lock()
	if m.cfg.MaxContainers > 0 && len(m.containers) >= m.cfg.MaxContainers {
		m.mu.Unlock()
		return nil, errors.BadRequest("max_containers reached")
	}
	count := atomic.AddUint64(&m.counter, 1)
	address := txmodel.NewContractAddress(m.cfg.LeaderID, count, spec.Name)

	c := &txmodel.ContractContainer{
		Address:           address,
		Name:              spec.Name,
		Description:       spec.Description,
		DockerCompose:     spec.DockerCompose,
		AuthorizationType: txmodel.AuthorizationType(spec.AuthorizationType),
		PathPrefix:        spec.PathPrefix,
		DailyCallQuota:    spec.DailyCallQuota,
		State:             txmodel.ContainerStarting,
		CreatedAt:         time.Now().UTC(),
	}
	m.containers[address] = c
	m.quota[address] = newDailyCounter(spec.DailyCallQuota)
	m.mu.Unlock()

	endpoint, err := m.driver.Launch(ctx, address, spec)
	if err != nil {
		m.markFailed(address, err.Error())
		return c, errors.ContainerUnavailable(err.Error())
	}

	m.mu.Lock()
	c.Endpoint = endpoint
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout())
	defer cancel()
	ok := m.waitForReady(probeCtx, endpoint)

	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		c.State = txmodel.ContainerRunning
	} else {
		c.State = txmodel.ContainerFailed
		c.Error = "readiness probe timed out"
	}
	return c, nil
}

func (m *Manager) probeTimeout() time.Duration {
	if m.cfg.ProbeTimeout > 0 {
		return m.cfg.ProbeTimeout
	}
	return 30 * time.Second
}

func (m *Manager) waitForReady(ctx context.Context, endpoint string) bool {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.driver.Probe(ctx, endpoint) == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (m *Manager) markFailed(address, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[address]; ok {
		c.State = txmodel.ContainerFailed
		c.Error = reason
	}
}

// List returns a snapshot of every known container.
func (m *Manager) List() []txmodel.ContractContainer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]txmodel.ContractContainer, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, *c)
	}
	return out
}

// Remove transitions a container to Stopped, tears it down via the driver,
// and forgets it.
func (m *Manager) Remove(ctx context.Context, address string) error {
	m.mu.Lock()
	c, ok := m.containers[address]
	if !ok {
		m.mu.Unlock()
		return errors.NotFound("no such contract container")
	}
	endpoint := c.Endpoint
	m.mu.Unlock()

	if err := m.driver.Teardown(ctx, endpoint); err != nil {
		return errors.ContainerUnavailable(err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c.State = txmodel.ContainerStopped
	delete(m.containers, address)
	delete(m.quota, address)
	delete(m.probeFails, address)
	return nil
}

// Resolve returns the endpoint for a Running container, used by the
// executor.
func (m *Manager) Resolve(address string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[address]
	if !ok {
		return "", errors.NotFound("no such contract container")
	}
	if c.State != txmodel.ContainerRunning {
		return "", errors.ContainerUnavailable("container is not running: " + c.State.String())
	}
	return c.Endpoint, nil
}

// TryConsume enforces the per-UTC-day call quota (spec §4.3). Containers
// with a zero quota are unmetered.
func (m *Manager) TryConsume(address string) error {
	m.mu.RLock()
	c, ok := m.containers[address]
	counter := m.quota[address]
	m.mu.RUnlock()
	if !ok {
		return errors.NotFound("no such contract container")
	}
	if c.State != txmodel.ContainerRunning {
		return errors.ContainerUnavailable("container is not running")
	}
	if counter == nil || !counter.tryConsume() {
		return errors.QuotaExceeded("daily_call_quota exceeded")
	}
	return nil
}

// probeLoop periodically re-probes every Running container, moving it to
// Failed after cfg.MaxProbeFailures consecutive misses (SPEC_FULL
// supplement grounded on spec §4.3's "any -> Failed on repeated probe
// failure").
func (m *Manager) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Manager) probeOnce(ctx context.Context) {
	m.mu.RLock()
	type target struct {
		addr, endpoint string
	}
	var targets []target
	for addr, c := range m.containers {
		if c.State == txmodel.ContainerRunning {
			targets = append(targets, target{addr, c.Endpoint})
		}
	}
	m.mu.RUnlock()

	for _, t := range targets {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout())
		err := m.driver.Probe(probeCtx, t.endpoint)
		cancel()

		m.mu.Lock()
		if err != nil {
			m.probeFails[t.addr]++
			if m.probeFails[t.addr] >= m.cfg.MaxProbeFailures {
				if c, ok := m.containers[t.addr]; ok {
					c.State = txmodel.ContainerFailed
					c.Error = "repeated health probe failure"
				}
			}
		} else {
			m.probeFails[t.addr] = 0
		}
		m.mu.Unlock()
	}
}
