package containermgr

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ContainerSpec is what a caller supplies to create a new contract
// container (spec §4.2's `create_container` body).
type ContainerSpec struct {
	AgentName         string
	Name              string
	Description       string
	AuthorizationType string
	PathPrefix        string
	DailyCallQuota    int
	DockerCompose     string
}

// Driver is the capability set spec §9 calls "trait-like": create, remove,
// resolve, probe. The container manager is the only caller; the executor
// never reaches into a driver directly.
type Driver interface {
	// Launch starts the container described by spec and returns its
	// resolved host:port endpoint.
	Launch(ctx context.Context, address string, spec ContainerSpec) (endpoint string, err error)
	// Teardown stops and removes the container at endpoint.
	Teardown(ctx context.Context, endpoint string) error
	// Probe issues a health check against endpoint, returning nil on
	// success.
	Probe(ctx context.Context, endpoint string) error
}

// SimulatedDriver is an in-process stub used in development and tests: it
// never actually spawns an OS process, just fabricates a local endpoint and
// always reports healthy. Grounded on the node's "in-process simulator"
// requirement in spec §9.
type SimulatedDriver struct {
	nextPort int
}

func NewSimulatedDriver() *SimulatedDriver {
	return &SimulatedDriver{nextPort: 20000}
}

func (d *SimulatedDriver) Launch(_ context.Context, address string, _ ContainerSpec) (string, error) {
	d.nextPort++
	return fmt.Sprintf("127.0.0.1:%d", d.nextPort), nil
}

func (d *SimulatedDriver) Teardown(_ context.Context, _ string) error { return nil }

func (d *SimulatedDriver) Probe(_ context.Context, _ string) error { return nil }

// CVMDriver launches containers via a remote `cvm` control-plane host
// (teepod/tappd in config) over plain HTTP, per spec §6's
// `container_mode=cvm`.
type CVMDriver struct {
	TeepodHost string
	TappdHost  string
	httpClient *http.Client
}

func NewCVMDriver(teepodHost, tappdHost string) *CVMDriver {
	return &CVMDriver{
		TeepodHost: teepodHost,
		TappdHost:  tappdHost,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *CVMDriver) Launch(ctx context.Context, address string, spec ContainerSpec) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+d.TeepodHost+"/containers", nil)
	if err != nil {
		return "", fmt.Errorf("build launch request: %w", err)
	}
	req.Header.Set("X-Contract-Address", address)
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("launch container via teepod: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("teepod launch failed: status %d", resp.StatusCode)
	}
	endpoint := resp.Header.Get("X-Container-Endpoint")
	if endpoint == "" {
		return "", fmt.Errorf("teepod response missing endpoint header")
	}
	return endpoint, nil
}

func (d *CVMDriver) Teardown(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, "http://"+d.TeepodHost+"/containers/"+endpoint, nil)
	if err != nil {
		return fmt.Errorf("build teardown request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("teardown container via teepod: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("teepod teardown failed: status %d", resp.StatusCode)
	}
	return nil
}

func (d *CVMDriver) Probe(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe container: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}
