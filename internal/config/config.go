// Package config loads the node's TOML configuration file (spec §6) into a
// validated Config struct, applying the documented defaults for any key the
// file omits.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/cvm-network/cvmnode/internal/errors"
)

// NodeConfig is the `[node]` section.
type NodeConfig struct {
	NodeID   string `toml:"node_id"`
	LogLevel string `toml:"log_level"`
}

// RaftPeer is one entry of `[consensus].nodes`.
type RaftPeer struct {
	ID      string `toml:"id"`
	Address string `toml:"address"`
}

// ConsensusConfig is the `[consensus]` section.
type ConsensusConfig struct {
	EngineType string     `toml:"engine_type"`
	Nodes      []RaftPeer `toml:"nodes"`
	Raft       RaftConfig `toml:"raft"`
}

// RaftConfig is the `[consensus.raft]` section.
type RaftConfig struct {
	HeartbeatIntervalMS   int    `toml:"heartbeat_interval"`
	ElectionTimeoutMinMS  int    `toml:"election_timeout_min"`
	ElectionTimeoutMaxMS  int    `toml:"election_timeout_max"`
	SnapshotInterval      int    `toml:"snapshot_interval"`
	LogPath               string `toml:"log_path"`
}

// MempoolConfig is the `[mempool]` section.
type MempoolConfig struct {
	MaxTransactions  int    `toml:"max_transactions"`
	APIAddress       string `toml:"api_address"`
	MaxTxSize        int    `toml:"max_tx_size"`
	TxTimeoutSeconds int    `toml:"tx_timeout"`
	// ResultRetention is how long a terminal transaction stays queryable
	// after completion (SPEC_FULL supplement, not in spec.md's table).
	ResultRetention string `toml:"result_retention"`
}

// ContainerConfig is the `[container]` section.
type ContainerConfig struct {
	ContainerMode        string `toml:"container_mode"`
	MaxContainers        int    `toml:"max_containers"`
	ContainerTimeoutSecs int    `toml:"container_timeout"`
	TeepodHost           string `toml:"teepod_host"`
	TappdHost            string `toml:"tappd_host"`
}

// ExecutorConfig is the `[executor]` section.
type ExecutorConfig struct {
	WorkerThreads         int `toml:"worker_threads"`
	MaxQueueSize          int `toml:"max_queue_size"`
	ExecutionTimeoutSecs  int `toml:"execution_timeout"`
	MaxConcurrentRequests int `toml:"max_concurrent_requests"`
}

// StateConfig is the `[state]` section.
type StateConfig struct {
	DBType         string `toml:"db_type"`
	DBConnection   string `toml:"db_connection"`
	StateRootPath  string `toml:"state_root_path"`
}

// RestAPIConfig is the `[rest_api]` section.
type RestAPIConfig struct {
	KeyStorePath      string `toml:"key_store_path"`
	RestBindAddress   string `toml:"rest_bind_address"`
	AdminBindAddress  string `toml:"admin_bind_address"`
	TxTimeoutSeconds  int    `toml:"tx_timeout"`
	RateLimitPerSecond float64 `toml:"rate_limit_per_second"`
	RateLimitBurst     int     `toml:"rate_limit_burst"`
}

// Config is the fully-decoded node configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Consensus ConsensusConfig `toml:"consensus"`
	Mempool   MempoolConfig   `toml:"mempool"`
	Container ContainerConfig `toml:"container"`
	Executor  ExecutorConfig  `toml:"executor"`
	State     StateConfig     `toml:"state"`
	RestAPI   RestAPIConfig   `toml:"rest_api"`

	// Reserved flags from the sample config (spec §9 Open Question):
	// parsed and stored, never consulted by any in-scope component.
	EnablePOC bool `toml:"enable_poc"`
	EnablePOM bool `toml:"enable_pom"`
}

// Default returns a Config populated with every default value spec §6
// documents.
func Default() Config {
	return Config{
		Node: NodeConfig{LogLevel: "info"},
		Consensus: ConsensusConfig{
			EngineType: "raft",
			Raft: RaftConfig{
				HeartbeatIntervalMS:  500,
				ElectionTimeoutMinMS: 1500,
				ElectionTimeoutMaxMS: 3000,
				SnapshotInterval:     10000,
			},
		},
		Mempool: MempoolConfig{
			MaxTransactions:  10000,
			MaxTxSize:        1048576,
			TxTimeoutSeconds: 60,
			ResultRetention:  "5m",
		},
		Container: ContainerConfig{
			ContainerMode:        "simulated",
			MaxContainers:        10,
			ContainerTimeoutSecs: 30,
		},
		Executor: ExecutorConfig{
			WorkerThreads:         4,
			MaxQueueSize:          1000,
			ExecutionTimeoutSecs:  30,
			MaxConcurrentRequests: 10,
		},
		State: StateConfig{
			DBType: "sqlite",
		},
		RestAPI: RestAPIConfig{
			RestBindAddress:    "0.0.0.0:3000",
			AdminBindAddress:   "0.0.0.0:3001",
			TxTimeoutSeconds:   30,
			RateLimitPerSecond: 50,
			RateLimitBurst:     100,
		},
	}
}

// Load reads and decodes the TOML file at path on top of Default(), then
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.ConfigInvalid(fmt.Sprintf("parse config %q: %v", path, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural invariants Load's caller depends on,
// returning the first problem found wrapped as ConfigInvalid.
func (c *Config) Validate() error {
	if c.Node.NodeID == "" {
		return errors.ConfigInvalid("node.node_id is required")
	}
	if c.Consensus.EngineType != "raft" {
		return errors.ConfigInvalid(fmt.Sprintf("consensus.engine_type %q is not supported", c.Consensus.EngineType))
	}
	switch c.Container.ContainerMode {
	case "simulated", "cvm":
	default:
		return errors.ConfigInvalid(fmt.Sprintf("container.container_mode %q must be simulated or cvm", c.Container.ContainerMode))
	}
	switch c.State.DBType {
	case "sqlite", "postgres":
	default:
		return errors.ConfigInvalid(fmt.Sprintf("state.db_type %q must be sqlite or postgres", c.State.DBType))
	}
	if c.Mempool.TxTimeoutSeconds <= 0 {
		return errors.ConfigInvalid("mempool.tx_timeout must be positive")
	}
	if c.Executor.ExecutionTimeoutSecs <= 0 {
		return errors.ConfigInvalid("executor.execution_timeout must be positive")
	}
	if c.RestAPI.TxTimeoutSeconds <= 0 {
		return errors.ConfigInvalid("rest_api.tx_timeout must be positive")
	}
	if c.Executor.WorkerThreads <= 0 {
		return errors.ConfigInvalid("executor.worker_threads must be positive")
	}
	if c.Mempool.MaxTransactions <= 0 {
		return errors.ConfigInvalid("mempool.max_transactions must be positive")
	}
	return nil
}
