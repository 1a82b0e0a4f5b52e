package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

// fakeSnapshotSink is a minimal in-memory raft.SnapshotSink for testing
// fsmSnapshot.Persist/Release without a real snapshot store on disk.
type fakeSnapshotSink struct {
	buf bytes.Buffer
}

func (s *fakeSnapshotSink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *fakeSnapshotSink) Close() error                { return nil }
func (s *fakeSnapshotSink) ID() string                  { return "test-snapshot" }
func (s *fakeSnapshotSink) Cancel() error               { return nil }
func (s *fakeSnapshotSink) reader() io.Reader            { return bytes.NewReader(s.buf.Bytes()) }

type fakeStateApplier struct {
	applyErr error
	applied  []txmodel.StateOp
	entries  map[string][]byte
}

func (f *fakeStateApplier) Apply(ctx context.Context, txID string, ops []txmodel.StateOp) (string, error) {
	if f.applyErr != nil {
		return "", f.applyErr
	}
	f.applied = append(f.applied, ops...)
	return "deadbeef", nil
}

func (f *fakeStateApplier) Snapshot() map[string][]byte { return f.entries }

func (f *fakeStateApplier) Restore(ctx context.Context, entries map[string][]byte) error {
	f.entries = entries
	return nil
}

type fakeMempoolCallback struct {
	committedTxID string
	committedIdx  uint64
}

func (f *fakeMempoolCallback) OnCommitted(txID string, logIndex uint64, result *txmodel.ExecutionResult) {
	f.committedTxID = txID
	f.committedIdx = logIndex
}

func TestFSMApply_AppliesDiffsAndNotifiesMempool(t *testing.T) {
	store := &fakeStateApplier{}
	mp := &fakeMempoolCallback{}
	f := newFSM(store, mp, logging.New("error", io.Discard), nil)

	entry := logEntry{
		Tx: &txmodel.Transaction{ID: "tx1"},
		Result: &txmodel.ExecutionResult{
			TxID:       "tx1",
			StatusCode: 200,
			StateDiffs: []txmodel.StateOp{{Kind: txmodel.OpPut, Key: "k", Value: []byte("v")}},
		},
	}
	data, err := json.Marshal(entry)
	require.NoError(t, err)

	result := f.Apply(&raft.Log{Index: 7, Data: data})
	root, ok := result.(string)
	require.True(t, ok)
	assert.Equal(t, "deadbeef", root)

	require.Len(t, store.applied, 1)
	assert.Equal(t, "k", store.applied[0].Key)
	assert.Equal(t, "tx1", mp.committedTxID)
	assert.Equal(t, uint64(7), mp.committedIdx)
}

func TestFSMApply_FatalOnStateApplyFailure(t *testing.T) {
	store := &fakeStateApplier{applyErr: assertableErr{}}
	mp := &fakeMempoolCallback{}

	var fatalErr error
	f := newFSM(store, mp, logging.New("error", io.Discard), func(err error) { fatalErr = err })

	entry := logEntry{Tx: &txmodel.Transaction{ID: "tx1"}, Result: &txmodel.ExecutionResult{TxID: "tx1"}}
	data, err := json.Marshal(entry)
	require.NoError(t, err)

	result := f.Apply(&raft.Log{Index: 1, Data: data})
	_, isErr := result.(error)
	assert.True(t, isErr)
	assert.Error(t, fatalErr)
	assert.Empty(t, mp.committedTxID, "mempool must not be notified of a commit that failed to apply")
}

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	store := &fakeStateApplier{entries: map[string][]byte{"a": []byte("1")}}
	f := newFSM(store, nil, logging.New("error", io.Discard), nil)

	snap, err := f.Snapshot()
	require.NoError(t, err)

	sink := &fakeSnapshotSink{}
	require.NoError(t, snap.Persist(sink))

	restoreStore := &fakeStateApplier{}
	restoreFSM := newFSM(restoreStore, nil, logging.New("error", io.Discard), nil)
	require.NoError(t, restoreFSM.Restore(io.NopCloser(sink.reader())))

	assert.Equal(t, store.entries, restoreStore.entries)
}

type assertableErr struct{}

func (assertableErr) Error() string { return "apply failed" }
