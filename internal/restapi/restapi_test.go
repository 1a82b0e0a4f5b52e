package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvm-network/cvmnode/internal/containermgr"
	"github.com/cvm-network/cvmnode/internal/errors"
	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/metrics"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

const testAddr = "0x683a000000000000000000000000c0a9"

type fakeSubmitter struct {
	result *txmodel.ExecutionResult
	err    error
	gotTx  *txmodel.Transaction
}

func (f *fakeSubmitter) SubmitAndWait(ctx context.Context, tx *txmodel.Transaction, timeout time.Duration) (*txmodel.ExecutionResult, error) {
	f.gotTx = tx
	return f.result, f.err
}

type fakeKeys struct {
	byKey map[string]txmodel.ApiKey
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{byKey: map[string]txmodel.ApiKey{
		"valid-key": {Key: "valid-key", Address: "caller-1"},
	}}
}

func (f *fakeKeys) Lookup(key string) (txmodel.ApiKey, error) {
	rec, ok := f.byKey[key]
	if !ok {
		return txmodel.ApiKey{}, errors.NotFound("unknown api key")
	}
	return rec, nil
}

func (f *fakeKeys) Issue(address string) (txmodel.ApiKey, error) {
	key := txmodel.ApiKey{Key: "issued-" + address, Address: address}
	f.byKey[key.Key] = key
	return key, nil
}

func (f *fakeKeys) Revoke(key string) error {
	if _, ok := f.byKey[key]; !ok {
		return errors.NotFound("unknown api key")
	}
	delete(f.byKey, key)
	return nil
}

func (f *fakeKeys) List() []txmodel.ApiKey {
	out := make([]txmodel.ApiKey, 0, len(f.byKey))
	for _, k := range f.byKey {
		out = append(out, k)
	}
	return out
}

type fakeContainers struct {
	createSpec   containermgr.ContainerSpec
	createResult *txmodel.ContractContainer
	createErr    error
	list         []txmodel.ContractContainer
	removeAddr   string
	removeErr    error
}

func (f *fakeContainers) Create(ctx context.Context, spec containermgr.ContainerSpec) (*txmodel.ContractContainer, error) {
	f.createSpec = spec
	return f.createResult, f.createErr
}

func (f *fakeContainers) List() []txmodel.ContractContainer { return f.list }

func (f *fakeContainers) Remove(ctx context.Context, address string) error {
	f.removeAddr = address
	return f.removeErr
}

func testLogger() *logging.Logger { return logging.New("error", io.Discard) }

func TestRestHealth_NoAuthRequired(t *testing.T) {
	s := NewRestServer(RestConfig{}, &fakeSubmitter{}, newFakeKeys(), testLogger(), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRestDispatch_MissingAPIKeyReturns401(t *testing.T) {
	s := NewRestServer(RestConfig{}, &fakeSubmitter{}, newFakeKeys(), testLogger(), nil)

	req := httptest.NewRequest(http.MethodGet, "/"+testAddr+"/users", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRestDispatch_MalformedAddressReturns400(t *testing.T) {
	s := NewRestServer(RestConfig{}, &fakeSubmitter{}, newFakeKeys(), testLogger(), nil)

	req := httptest.NewRequest(http.MethodGet, "/not-an-address/users", nil)
	req.Header.Set("X-API-Key", "valid-key")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRestDispatch_SubmitsTransactionAndTranslatesResult(t *testing.T) {
	sub := &fakeSubmitter{result: &txmodel.ExecutionResult{StatusCode: 201, Body: []byte(`{"user":"u1"}`)}}
	s := NewRestServer(RestConfig{}, sub, newFakeKeys(), testLogger(), nil)

	req := httptest.NewRequest(http.MethodPost, "/"+testAddr+"/users", bytes.NewBufferString(`{"id":"u1"}`))
	req.Header.Set("X-API-Key", "valid-key")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"user":"u1"}`, rec.Body.String())

	require.NotNil(t, sub.gotTx)
	ereq, ok := sub.gotTx.Payload.(txmodel.ExecutionRequest)
	require.True(t, ok)
	assert.Equal(t, testAddr, ereq.ContractAddr)
	assert.Equal(t, "/users", ereq.Path)
	assert.Equal(t, "caller-1", sub.gotTx.Sender)
	_, hasAPIKeyHeader := ereq.Headers["X-Api-Key"]
	assert.False(t, hasAPIKeyHeader, "the api-key header must not be forwarded to the contract")
}

func TestRestDispatch_UnknownContractReturns404(t *testing.T) {
	sub := &fakeSubmitter{err: errors.NotFound("no such contract container")}
	s := NewRestServer(RestConfig{}, sub, newFakeKeys(), testLogger(), nil)

	req := httptest.NewRequest(http.MethodGet, "/"+testAddr+"/users", nil)
	req.Header.Set("X-API-Key", "valid-key")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestDispatch_QuotaExceededReturns429(t *testing.T) {
	sub := &fakeSubmitter{err: errors.QuotaExceeded("daily_call_quota exceeded")}
	s := NewRestServer(RestConfig{}, sub, newFakeKeys(), testLogger(), nil)

	req := httptest.NewRequest(http.MethodPost, "/"+testAddr+"/users", nil)
	req.Header.Set("X-API-Key", "valid-key")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRestDispatch_ConsensusRejectionReturns503(t *testing.T) {
	sub := &fakeSubmitter{err: errors.ConsensusRejected("leadership lost")}
	s := NewRestServer(RestConfig{}, sub, newFakeKeys(), testLogger(), nil)

	req := httptest.NewRequest(http.MethodPost, "/"+testAddr+"/users", nil)
	req.Header.Set("X-API-Key", "valid-key")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRestDispatch_TimeoutReturns504(t *testing.T) {
	sub := &fakeSubmitter{err: errors.Timeout("transaction result not available before tx_timeout")}
	s := NewRestServer(RestConfig{}, sub, newFakeKeys(), testLogger(), nil)

	req := httptest.NewRequest(http.MethodPost, "/"+testAddr+"/users", nil)
	req.Header.Set("X-API-Key", "valid-key")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestAdminCreateKey_NoAuthRequired(t *testing.T) {
	s := NewAdminServer(AdminConfig{}, newFakeKeys(), &fakeContainers{}, testLogger(), nil)

	req := httptest.NewRequest(http.MethodPost, "/api-keys", bytes.NewBufferString(`{"address":"addr-1"}`))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "issued-addr-1", body["api_key"])
}

func TestAdminListKeys_RequiresAuth(t *testing.T) {
	s := NewAdminServer(AdminConfig{}, newFakeKeys(), &fakeContainers{}, testLogger(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api-keys", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api-keys", nil)
	req2.Header.Set("Authorization", "Bearer valid-key")
	rec2 := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestAdminCreateContainer_DelegatesToManager(t *testing.T) {
	containers := &fakeContainers{createResult: &txmodel.ContractContainer{
		Address: testAddr, State: txmodel.ContainerRunning,
	}}
	s := NewAdminServer(AdminConfig{}, newFakeKeys(), containers, testLogger(), nil)

	req := httptest.NewRequest(http.MethodPost, "/cvm/create_container", bytes.NewBufferString(
		`{"name":"svc","authorization_type":"ApiKey","path":"/v1","daily_call_quote":5}`))
	req.Header.Set("X-API-Key", "valid-key")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "svc", containers.createSpec.Name)
	assert.Equal(t, 5, containers.createSpec.DailyCallQuota)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, testAddr, body["address"])
	assert.Equal(t, "Running", body["state"])
}

func TestRestDispatch_RateLimitExceededReturns429(t *testing.T) {
	sub := &fakeSubmitter{result: &txmodel.ExecutionResult{StatusCode: 200, Body: []byte("{}")}}
	s := NewRestServer(RestConfig{RateLimitPerSecond: 0.0001, RateLimitBurst: 1}, sub, newFakeKeys(), testLogger(), nil)

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/"+testAddr+"/users", nil)
		r.Header.Set("X-API-Key", "valid-key")
		return r
	}

	rec1 := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec1, req())
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec2, req())
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestAdminCreateKey_RateLimitExceededReturns429(t *testing.T) {
	s := NewAdminServer(AdminConfig{RateLimitPerSecond: 0.0001, RateLimitBurst: 1}, newFakeKeys(), &fakeContainers{}, testLogger(), nil)

	req := func() *http.Request {
		return httptest.NewRequest(http.MethodPost, "/api-keys", bytes.NewBufferString(`{"address":"addr-1"}`))
	}

	rec1 := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec1, req())
	require.Equal(t, http.StatusCreated, rec1.Code)

	rec2 := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec2, req())
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestAdminMetrics_ServesPrometheusExposition(t *testing.T) {
	s := NewAdminServer(AdminConfig{}, newFakeKeys(), &fakeContainers{}, testLogger(), metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-API-Key", "valid-key")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cvmnode_")
}

func TestAdminRemoveContainer_NotFoundReturns404(t *testing.T) {
	containers := &fakeContainers{removeErr: errors.NotFound("no such contract container")}
	s := NewAdminServer(AdminConfig{}, newFakeKeys(), containers, testLogger(), nil)

	req := httptest.NewRequest(http.MethodDelete, "/cvm/remove_container", bytes.NewBufferString(`{"id":"`+testAddr+`"}`))
	req.Header.Set("X-API-Key", "valid-key")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, testAddr, containers.removeAddr)
}
