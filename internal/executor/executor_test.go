package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

type fakeResolver struct {
	endpoint   string
	resolveErr error
	consumeErr error
}

func (f *fakeResolver) Resolve(address string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.endpoint, nil
}

func (f *fakeResolver) TryConsume(address string) error { return f.consumeErr }

func testLogger() *logging.Logger { return logging.New("error", io.Discard) }

func startExecutor(t *testing.T, resolver Resolver) *Executor {
	t.Helper()
	e := New(Config{WorkerThreads: 2, MaxQueueSize: 10, ExecutionTimeout: time.Second}, resolver, testLogger())
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e
}

func apiRequestTx(addr string) *txmodel.Transaction {
	return &txmodel.Transaction{
		ID:   "tx-1",
		Kind: txmodel.KindAPIRequest,
		Payload: txmodel.ExecutionRequest{
			TxID: "tx-1", ContractAddr: addr, Method: http.MethodPost, Path: "/users",
		},
	}
}

func TestExecute_StateChangeAppliesDiffsWithoutCallingAContainer(t *testing.T) {
	e := startExecutor(t, &fakeResolver{})

	tx := &txmodel.Transaction{
		ID:      "tx-1",
		Kind:    txmodel.KindStateChange,
		Payload: []txmodel.StateOp{{Kind: txmodel.OpPut, Key: "k", Value: []byte(`"v"`)}},
	}

	result, err := e.Execute(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
	require.Len(t, result.StateDiffs, 1)
	assert.Equal(t, "k", result.StateDiffs[0].Key)
}

func TestExecute_APIRequestCallsContainerAndTranslatesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status_code": 201,
			"state_diffs": []map[string]any{{"key": "user:1", "new_value": "u1"}},
		})
	}))
	defer srv.Close()

	resolver := &fakeResolver{endpoint: strings.TrimPrefix(srv.URL, "http://")}
	e := startExecutor(t, resolver)

	result, err := e.Execute(context.Background(), apiRequestTx("0xaddr"))
	require.NoError(t, err)
	assert.Equal(t, 201, result.StatusCode)
	require.Len(t, result.StateDiffs, 1)
	assert.Equal(t, txmodel.OpPut, result.StateDiffs[0].Kind)
}

func TestExecute_QuotaExceededNeverReachesTheContainer(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	resolver := &fakeResolver{endpoint: strings.TrimPrefix(srv.URL, "http://"), consumeErr: assertableErr{"quota exceeded"}}
	e := startExecutor(t, resolver)

	_, err := e.Execute(context.Background(), apiRequestTx("0xaddr"))
	require.Error(t, err)
	assert.False(t, called)
}

func TestExecute_UnresolvableContractReturnsResolverError(t *testing.T) {
	resolver := &fakeResolver{resolveErr: assertableErr{"no such contract"}}
	e := startExecutor(t, resolver)

	_, err := e.Execute(context.Background(), apiRequestTx("0xaddr"))
	assert.Error(t, err)
}

func TestExecute_DispatchFailureIsARecordedResultNotALocalError(t *testing.T) {
	resolver := &fakeResolver{endpoint: "127.0.0.1:1"} // nothing listening
	e := startExecutor(t, resolver)

	result, err := e.Execute(context.Background(), apiRequestTx("0xaddr"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.StatusCode, 500)
	assert.NotEmpty(t, result.Error)
}

func TestExecute_FullQueueReturnsQueueFullWithoutBlocking(t *testing.T) {
	e := New(Config{WorkerThreads: 0, MaxQueueSize: 1}, &fakeResolver{}, testLogger())
	// No Start: nothing drains e.jobs, so the first submission fills the
	// buffered channel and the second must fail fast.
	tx := apiRequestTx("0xaddr")

	fillerCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go func() { _, _ = e.Execute(fillerCtx, tx) }()
	time.Sleep(20 * time.Millisecond)

	_, err := e.Execute(context.Background(), tx)
	assert.Error(t, err)
}

type assertableErr struct{ msg string }

func (e assertableErr) Error() string { return e.msg }
