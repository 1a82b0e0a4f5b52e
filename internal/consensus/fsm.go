package consensus

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

// logEntry is the command appended to the Raft log for one committed
// transaction outcome (spec §4.6: "Log entries are (tx, result) records").
type logEntry struct {
	Tx     *txmodel.Transaction     `json:"tx"`
	Result *txmodel.ExecutionResult `json:"result"`
}

// MempoolCallback is the subset of the mempool's contract the FSM drives on
// apply.
type MempoolCallback interface {
	OnCommitted(txID string, logIndex uint64, result *txmodel.ExecutionResult)
}

// StateApplier is the subset of the state store's contract the FSM drives.
type StateApplier interface {
	Apply(ctx context.Context, txID string, ops []txmodel.StateOp) (string, error)
	Snapshot() map[string][]byte
	Restore(ctx context.Context, entries map[string][]byte) error
}

// fsm implements raft.FSM. It is the only thing both leader and followers
// run: applying a committed entry means handing its state_diffs to the
// state store, never re-executing the transaction (spec §4.6's
// determinism requirement).
type fsm struct {
	store   StateApplier
	mempool MempoolCallback
	logger  *logging.Logger

	mu      sync.Mutex
	onFatal func(error)
}

func newFSM(store StateApplier, mempool MempoolCallback, logger *logging.Logger, onFatal func(error)) *fsm {
	return &fsm{store: store, mempool: mempool, logger: logger, onFatal: onFatal}
}

// Apply is invoked once per committed log entry, in log order, on every
// replica (leader included).
func (f *fsm) Apply(l *raft.Log) interface{} {
	var entry logEntry
	if err := json.Unmarshal(l.Data, &entry); err != nil {
		f.logger.WithError(err).Error("decode raft log entry")
		return err
	}

	ctx := context.Background()
	newRoot, err := f.store.Apply(ctx, entry.Tx.ID, entry.Result.StateDiffs)
	if err != nil {
		// Per spec §7, StateApplyFailed is fatal: the replicated log must
		// never diverge from applied state.
		f.logger.WithError(err).Error("fatal: state apply failed for committed entry")
		f.mu.Lock()
		onFatal := f.onFatal
		f.mu.Unlock()
		if onFatal != nil {
			onFatal(err)
		}
		return err
	}

	if f.mempool != nil {
		f.mempool.OnCommitted(entry.Tx.ID, l.Index, entry.Result)
	}

	return newRoot
}

// Snapshot requests a consistent copy of the state store's full keyset so
// Raft can compact the log past snapshot_interval committed entries.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{entries: f.store.Snapshot()}, nil
}

// Restore replaces the state store's entire keyset from a Raft snapshot —
// used when a follower catches up past a point where the log was already
// truncated.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var entries map[string][]byte
	if err := json.NewDecoder(rc).Decode(&entries); err != nil {
		return err
	}
	return f.store.Restore(context.Background(), entries)
}

type fsmSnapshot struct {
	entries map[string][]byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	enc := json.NewEncoder(sink)
	if err := enc.Encode(s.entries); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
