// Package node wires every component (A-H) into a running node and owns
// their combined start/stop sequence (spec §2, component I: "Coordinator /
// wiring").
package node

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cvm-network/cvmnode/internal/apikeystore"
	"github.com/cvm-network/cvmnode/internal/config"
	"github.com/cvm-network/cvmnode/internal/consensus"
	"github.com/cvm-network/cvmnode/internal/containermgr"
	"github.com/cvm-network/cvmnode/internal/errors"
	"github.com/cvm-network/cvmnode/internal/executor"
	"github.com/cvm-network/cvmnode/internal/lifecycle"
	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/mempool"
	"github.com/cvm-network/cvmnode/internal/metrics"
	"github.com/cvm-network/cvmnode/internal/restapi"
	"github.com/cvm-network/cvmnode/internal/statestore"
)

// Node owns every long-lived component and brings them up/down through a
// single lifecycle.Registry.
type Node struct {
	cfg     config.Config
	logger  *logging.Logger
	metrics *metrics.Registry

	registry *lifecycle.Registry

	keys       *apikeystore.Store
	store      *statestore.Store
	containers *containermgr.Manager
	exec       *executor.Executor
	mp         *mempool.Mempool
	cons       *consensus.Consensus
	rest       *restapi.RestServer
	admin      *restapi.AdminServer
}

// New constructs and wires every component from cfg, but starts none of
// them. withRestAPI gates both HTTP surfaces (REST ingress and admin
// ingress): a node running purely as a consensus replica has no need to
// accept inbound API traffic, and both surfaces share the `[rest_api]`
// config section, so one flag governs both (an Open Question decision —
// see DESIGN.md).
func New(cfg config.Config, withRestAPI bool, logOutput io.Writer) (*Node, error) {
	logger := logging.New(cfg.Node.LogLevel, logOutput)
	m := metrics.New()
	registry := lifecycle.NewRegistry()

	keys, err := apikeystore.Open(cfg.RestAPI.KeyStorePath)
	if err != nil {
		return nil, fmt.Errorf("open api-key store: %w", err)
	}

	store, err := statestore.Open(cfg.State.DBType, cfg.State.DBConnection, logger, m)
	if err != nil {
		keys.Close()
		return nil, fmt.Errorf("open state store: %w", err)
	}

	driver, err := buildContainerDriver(cfg.Container)
	if err != nil {
		return nil, err
	}
	containers := containermgr.New(containermgr.Config{
		LeaderID:      cfg.Node.NodeID,
		MaxContainers: cfg.Container.MaxContainers,
		ProbeTimeout:  time.Duration(cfg.Container.ContainerTimeoutSecs) * time.Second,
	}, driver, logger)

	exec := executor.New(executor.Config{
		WorkerThreads:         cfg.Executor.WorkerThreads,
		MaxQueueSize:          cfg.Executor.MaxQueueSize,
		ExecutionTimeout:      time.Duration(cfg.Executor.ExecutionTimeoutSecs) * time.Second,
		MaxConcurrentRequests: cfg.Executor.MaxConcurrentRequests,
	}, containers, logger)

	retention, err := parseDurationOr(cfg.Mempool.ResultRetention, 5*time.Minute)
	if err != nil {
		return nil, errors.ConfigInvalid("mempool.result_retention: " + err.Error())
	}

	// Mempool and Consensus are each other's constructor argument: build
	// the Mempool with no consensus yet, build Consensus against it (the
	// Mempool already satisfies MempoolCallback), then close the loop.
	mp := mempool.New(mempool.Config{
		MaxTransactions: cfg.Mempool.MaxTransactions,
		ResultRetention: retention,
	}, exec, nil, logger, m)

	consensusBind, err := raftBindAddress(cfg.Node.NodeID, cfg.Consensus.Nodes)
	if err != nil {
		return nil, err
	}
	peers := make([]consensus.Peer, 0, len(cfg.Consensus.Nodes))
	for _, n := range cfg.Consensus.Nodes {
		peers = append(peers, consensus.Peer{ID: n.ID, Address: n.Address})
	}

	dataDir := cfg.Consensus.Raft.LogPath
	if dataDir == "" {
		dataDir = "data/raft"
	}

	cons, err := consensus.New(consensus.Config{
		NodeID:             cfg.Node.NodeID,
		BindAddress:        consensusBind,
		Peers:              peers,
		DataDir:            dataDir,
		HeartbeatInterval:  time.Duration(cfg.Consensus.Raft.HeartbeatIntervalMS) * time.Millisecond,
		ElectionTimeoutMin: time.Duration(cfg.Consensus.Raft.ElectionTimeoutMinMS) * time.Millisecond,
		ElectionTimeoutMax: time.Duration(cfg.Consensus.Raft.ElectionTimeoutMaxMS) * time.Millisecond,
		SnapshotInterval:   uint64(cfg.Consensus.Raft.SnapshotInterval),
	}, store, mp, logger)
	if err != nil {
		return nil, fmt.Errorf("build consensus: %w", err)
	}
	mp.SetConsensus(cons)

	n := &Node{
		cfg: cfg, logger: logger, metrics: m, registry: registry,
		keys: keys, store: store, containers: containers, exec: exec, mp: mp, cons: cons,
	}

	// Start order: leaf dependencies first, ingress last, so nothing
	// accepts traffic until the pipeline behind it is up. Stopped in the
	// opposite order (lifecycle.Registry.StopAll).
	registry.Register(store)
	registry.Register(containers)
	registry.Register(exec)
	registry.Register(cons)
	registry.Register(mp)

	if withRestAPI {
		n.rest = restapi.NewRestServer(restapi.RestConfig{
			BindAddress:        cfg.RestAPI.RestBindAddress,
			TxTimeout:          time.Duration(cfg.RestAPI.TxTimeoutSeconds) * time.Second,
			RateLimitPerSecond: cfg.RestAPI.RateLimitPerSecond,
			RateLimitBurst:     cfg.RestAPI.RateLimitBurst,
		}, mp, keys, logger, m)
		n.admin = restapi.NewAdminServer(restapi.AdminConfig{
			BindAddress:        cfg.RestAPI.AdminBindAddress,
			RateLimitPerSecond: cfg.RestAPI.RateLimitPerSecond,
			RateLimitBurst:     cfg.RestAPI.RateLimitBurst,
		}, keys, containers, logger, m)

		registry.Register(n.rest)
		registry.Register(n.admin)
	}

	return n, nil
}

// Start brings up every registered component in dependency order.
func (n *Node) Start(ctx context.Context) error {
	return n.registry.StartAll(ctx)
}

// Stop tears down every registered component in reverse order, then
// closes the api-key store (which owns no background goroutine and so is
// not itself a lifecycle.Component).
func (n *Node) Stop(ctx context.Context) error {
	errs := n.registry.StopAll(ctx)
	if cerr := n.keys.Close(); cerr != nil {
		errs = append(errs, cerr)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("node shutdown errors: %v", errs)
}

// Health reports every component's latest health check, keyed by name.
func (n *Node) Health(ctx context.Context) map[string]error {
	return n.registry.HealthAll(ctx)
}

// Logger exposes the node's structured logger for the CLI entrypoint.
func (n *Node) Logger() *logging.Logger { return n.logger }

func buildContainerDriver(cfg config.ContainerConfig) (containermgr.Driver, error) {
	switch cfg.ContainerMode {
	case "simulated", "":
		return containermgr.NewSimulatedDriver(), nil
	case "cvm":
		return containermgr.NewCVMDriver(cfg.TeepodHost, cfg.TappdHost), nil
	default:
		return nil, errors.ConfigInvalid(fmt.Sprintf("container.container_mode %q must be simulated or cvm", cfg.ContainerMode))
	}
}

// raftBindAddress finds this node's own address in the configured peer
// list, which also doubles as the Raft transport's bind address.
func raftBindAddress(nodeID string, nodes []config.RaftPeer) (string, error) {
	for _, n := range nodes {
		if n.ID == nodeID {
			return n.Address, nil
		}
	}
	if len(nodes) == 0 {
		return "127.0.0.1:7000", nil
	}
	return "", errors.ConfigInvalid(fmt.Sprintf("node_id %q not found in consensus.nodes", nodeID))
}

func parseDurationOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d, nil
}
