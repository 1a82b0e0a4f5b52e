package statestore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvm-network/cvmnode/internal/errors"
	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/metrics"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logging.New("error", io.Discard)
	s, err := Open("sqlite", ":memory:", logger, metrics.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestApplyPutThenGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, "tx1", []txmodel.StateOp{
		{Kind: txmodel.OpPut, Key: "users/u1/name", Value: []byte("T")},
	})
	require.NoError(t, err)

	v, err := s.Get("users/u1/name")
	require.NoError(t, err)
	assert.Equal(t, []byte("T"), v)
}

func TestApplyDeleteRemovesKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, "tx1", []txmodel.StateOp{{Kind: txmodel.OpPut, Key: "k", Value: []byte("v")}})
	require.NoError(t, err)

	_, err = s.Apply(ctx, "tx2", []txmodel.StateOp{{Kind: txmodel.OpDelete, Key: "k"}})
	require.NoError(t, err)

	_, err = s.Get("k")
	se := errors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, errors.CodeNotFound, se.Code)
}

func TestApplyChangesRootHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before := s.Root()
	_, err := s.Apply(ctx, "tx1", []txmodel.StateOp{{Kind: txmodel.OpPut, Key: "k", Value: []byte("v")}})
	require.NoError(t, err)
	after := s.Root()

	assert.NotEqual(t, before, after)
}

func TestApplyTwiceWithSameOpsConvergesToSameRoot(t *testing.T) {
	s1 := newTestStore(t)
	s2 := newTestStore(t)
	ctx := context.Background()

	ops := []txmodel.StateOp{
		{Kind: txmodel.OpPut, Key: "a", Value: []byte("1")},
		{Kind: txmodel.OpPut, Key: "b", Value: []byte("2")},
	}

	_, err := s1.Apply(ctx, "tx1", ops)
	require.NoError(t, err)
	_, err = s2.Apply(ctx, "tx1", ops)
	require.NoError(t, err)

	assert.Equal(t, s1.Root(), s2.Root(), "identical applied diffs must produce byte-equal roots across replicas")
}

func TestScanReturnsPrefixMatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, "tx1", []txmodel.StateOp{
		{Kind: txmodel.OpPut, Key: "users/u1/name", Value: []byte("A")},
		{Kind: txmodel.OpPut, Key: "users/u1/email", Value: []byte("a@x")},
		{Kind: txmodel.OpPut, Key: "users/u2/name", Value: []byte("B")},
	})
	require.NoError(t, err)

	got := s.Scan("users/u1/")
	assert.Len(t, got, 2)
}

func TestHistoryRecordsAppliedDiffsInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, "tx1", []txmodel.StateOp{{Kind: txmodel.OpPut, Key: "a", Value: []byte("1")}})
	require.NoError(t, err)
	_, err = s.Apply(ctx, "tx2", []txmodel.StateOp{{Kind: txmodel.OpPut, Key: "b", Value: []byte("2")}})
	require.NoError(t, err)

	history, err := s.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "a", history[0].Ops[0].Key)
	assert.Equal(t, "b", history[1].Ops[0].Key)
	assert.Equal(t, history[0].NewRootHash, history[1].PrevRootHash)
}
