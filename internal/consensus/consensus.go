// Package consensus replicates committed (transaction, result) pairs
// across the cluster using a Raft-shaped single-leader log (spec §4.6,
// component F).
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cvm-network/cvmnode/internal/errors"
	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

// Peer is one member of the Raft cluster.
type Peer struct {
	ID      string
	Address string
}

// Config controls the Raft node (derived from `[consensus]`/
// `[consensus.raft]`).
type Config struct {
	NodeID              string
	BindAddress         string
	Peers               []Peer
	DataDir             string
	HeartbeatInterval   time.Duration
	ElectionTimeoutMin  time.Duration
	ElectionTimeoutMax  time.Duration
	SnapshotInterval    uint64
	ApplyTimeout        time.Duration
}

// Consensus wraps a *raft.Raft node and its on-disk log/snapshot stores.
type Consensus struct {
	cfg Config

	raft      *raft.Raft
	fsm       *fsm
	transport *raft.NetworkTransport
	logStore  *raftboltdb.BoltStore
	logger    *logging.Logger

	onFatal func(error)
}

// New builds (but does not start) a Consensus node. store is the state
// store the FSM applies committed diffs into; mempool receives on_committed
// callbacks.
func New(cfg Config, store StateApplier, mempool MempoolCallback, logger *logging.Logger) (*Consensus, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 500 * time.Millisecond
	}
	if cfg.ElectionTimeoutMin <= 0 {
		cfg.ElectionTimeoutMin = 1500 * time.Millisecond
	}
	if cfg.ElectionTimeoutMax <= 0 {
		cfg.ElectionTimeoutMax = 3000 * time.Millisecond
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 10000
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Internal("create raft data dir", err)
	}

	c := &Consensus{cfg: cfg, logger: logger}
	c.fsm = newFSM(store, mempool, logger, func(err error) { c.handleFatal(err) })
	return c, nil
}

// handleFatal is the FSM's onFatal callback. Per spec §7, StateApplyFailed
// must abort the node: the replicated log can never be allowed to diverge
// from applied state, so the process exits rather than keeps serving with
// local state behind the log.
func (c *Consensus) handleFatal(err error) {
	if se := errors.GetServiceError(err); se == nil || !se.IsFatal() {
		c.logger.WithError(err).Error("consensus: fsm apply error")
		return
	}
	c.logger.WithError(err).Error("consensus: fatal state apply failure, aborting node")
	os.Exit(1)
}

func (c *Consensus) Name() string { return "consensus" }

// Start opens the bolt-backed log/stable stores and file snapshot store,
// brings up the TCP transport, constructs the raft.Raft node, and
// bootstraps the cluster on first run.
func (c *Consensus) Start(ctx context.Context) error {
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(c.cfg.NodeID)
	raftConfig.HeartbeatTimeout = c.cfg.HeartbeatInterval
	raftConfig.ElectionTimeout = c.cfg.ElectionTimeoutMin
	raftConfig.LeaderLeaseTimeout = c.cfg.HeartbeatInterval
	raftConfig.SnapshotThreshold = c.cfg.SnapshotInterval
	raftConfig.Logger = newHCLogAdapter(c.logger)

	logStorePath := filepath.Join(c.cfg.DataDir, "raft-log.bolt")
	logStore, err := raftboltdb.NewBoltStore(logStorePath)
	if err != nil {
		return errors.Internal("open raft log store", err)
	}
	c.logStore = logStore

	snapshotStore, err := raft.NewFileSnapshotStore(c.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return errors.Internal("open raft snapshot store", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", c.cfg.BindAddress)
	if err != nil {
		return errors.ConfigInvalid(fmt.Sprintf("invalid consensus bind address %q: %v", c.cfg.BindAddress, err))
	}
	transport, err := raft.NewTCPTransport(c.cfg.BindAddress, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return errors.Internal("open raft transport", err)
	}
	c.transport = transport

	hasState, err := raft.HasExistingState(logStore, logStore, snapshotStore)
	if err != nil {
		return errors.Internal("inspect raft state", err)
	}

	node, err := raft.NewRaft(raftConfig, c.fsm, logStore, logStore, snapshotStore, transport)
	if err != nil {
		return errors.Internal("start raft node", err)
	}
	c.raft = node

	if !hasState {
		configuration := raft.Configuration{Servers: make([]raft.Server, 0, len(c.cfg.Peers))}
		if len(c.cfg.Peers) == 0 {
			configuration.Servers = append(configuration.Servers, raft.Server{
				ID:      raft.ServerID(c.cfg.NodeID),
				Address: raft.ServerAddress(c.cfg.BindAddress),
			})
		} else {
			for _, p := range c.cfg.Peers {
				configuration.Servers = append(configuration.Servers, raft.Server{
					ID:      raft.ServerID(p.ID),
					Address: raft.ServerAddress(p.Address),
				})
			}
		}
		future := node.BootstrapCluster(configuration)
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return errors.Internal("bootstrap raft cluster", err)
		}
	}

	return nil
}

// Stop shuts down the raft node and closes its log store.
func (c *Consensus) Stop(ctx context.Context) error {
	if c.raft == nil {
		return nil
	}
	if err := c.raft.Shutdown().Error(); err != nil {
		c.logger.WithError(err).Warn("raft shutdown")
	}
	if c.logStore != nil {
		_ = c.logStore.Close()
	}
	return nil
}

func (c *Consensus) Health(ctx context.Context) error {
	if c.raft == nil {
		return errors.Internal("consensus not started", nil)
	}
	return nil
}

// SubmitWithResult is the mempool-facing half of the leader's commit duty
// (spec §4.6): append the (tx, result) entry and block until it is
// replicated to a majority or the apply times out.
func (c *Consensus) SubmitWithResult(ctx context.Context, tx *txmodel.Transaction, result *txmodel.ExecutionResult) error {
	if c.raft.State() != raft.Leader {
		return errors.ConsensusRejected("not the leader")
	}

	data, err := json.Marshal(logEntry{Tx: tx, Result: result})
	if err != nil {
		return errors.Internal("encode raft log entry", err)
	}

	future := c.raft.Apply(data, c.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		return errors.ConsensusRejected(err.Error())
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return errors.StateApplyFailed("fsm apply returned error", applyErr)
	}
	return nil
}

// IsLeader reports whether this node currently holds leadership.
func (c *Consensus) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// LeaderAddress returns the address of the current leader, or "" if none
// is known.
func (c *Consensus) LeaderAddress() string {
	if c.raft == nil {
		return ""
	}
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}
