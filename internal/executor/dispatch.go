package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cvm-network/cvmnode/internal/txmodel"
)

// Dispatcher issues the outbound HTTP call to a contract container and
// decodes its contract envelope response (spec §6's wire contract). It is
// the executor-side half of the retry-free request/decode shape the
// node's service-to-service client uses, stripped of the service-mesh
// auth headers a plain container endpoint has no use for.
type Dispatcher struct {
	httpClient *http.Client
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{httpClient: &http.Client{}}
}

// contractEnvelope is the JSON shape every contract container must return
// (spec §6).
type contractEnvelope struct {
	StatusCode    int               `json:"status_code"`
	TransactionID string            `json:"transaction_id"`
	StateDiffs    []envelopeDiff    `json:"state_diffs"`
	EntityDiffs   []any             `json:"entity_diffs"`
}

type envelopeDiff struct {
	Key      string `json:"key"`
	NewValue any    `json:"new_value"`
	OldValue any    `json:"old_value"`
}

// toExecutionResult translates the wire envelope into the node's internal
// ExecutionResult, applying spec §4.4's rule: new_value = null is a
// Delete, otherwise a Put.
func (e *contractEnvelope) toExecutionResult(txID string) *txmodel.ExecutionResult {
	diffs := make([]txmodel.StateOp, 0, len(e.StateDiffs))
	for _, d := range e.StateDiffs {
		if d.NewValue == nil {
			diffs = append(diffs, txmodel.StateOp{Kind: txmodel.OpDelete, Key: d.Key})
			continue
		}
		value, _ := json.Marshal(d.NewValue)
		diffs = append(diffs, txmodel.StateOp{Kind: txmodel.OpPut, Key: d.Key, Value: value})
	}

	body, _ := json.Marshal(e)
	return &txmodel.ExecutionResult{
		TxID:        txID,
		StatusCode:  e.StatusCode,
		Body:        body,
		StateDiffs:  diffs,
		EntityDiffs: e.EntityDiffs,
	}
}

// Call issues req against the container at endpoint and decodes its
// contract envelope.
func (d *Dispatcher) Call(ctx context.Context, endpoint string, req txmodel.ExecutionRequest) (*contractEnvelope, error) {
	url := fmt.Sprintf("http://%s%s", endpoint, req.Path)

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build container request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("X-Transaction-ID", req.TxID)

	start := time.Now()
	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("container request failed after %s: %w", time.Since(start), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read container response: %w", err)
	}

	var envelope contractEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode contract envelope: %w", err)
	}
	if envelope.StatusCode == 0 {
		envelope.StatusCode = resp.StatusCode
	}
	return &envelope, nil
}
