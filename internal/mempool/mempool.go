// Package mempool assigns transaction identity, tracks per-transaction
// lifecycle status, and brokers between the REST ingress, the executor,
// and consensus (spec §4.5, component E).
package mempool

import (
	"context"
	"sync"
	"time"

	"github.com/cvm-network/cvmnode/internal/errors"
	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/metrics"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

// Executor is the subset of the executor's contract the mempool drives.
type Executor interface {
	Execute(ctx context.Context, tx *txmodel.Transaction) (*txmodel.ExecutionResult, error)
}

// Consensus is the subset of the consensus layer's contract the mempool
// drives: submit an executed (tx, result) pair for replication.
type Consensus interface {
	SubmitWithResult(ctx context.Context, tx *txmodel.Transaction, result *txmodel.ExecutionResult) error
}

// Config controls capacity and retention (from the `[mempool]` TOML
// section).
type Config struct {
	MaxTransactions  int
	ResultRetention  time.Duration
}

type record struct {
	tx         *txmodel.Transaction
	status     txmodel.Status
	result     *txmodel.ExecutionResult
	rejectMsg  string
	execErr    error
	waiter     chan struct{}
	woken      bool
	terminalAt time.Time
}

// Mempool owns every in-flight transaction record (spec §3's ownership
// rule: only its executor-callback and consensus-callback may transition
// status).
type Mempool struct {
	cfg       Config
	executor  Executor
	consensus Consensus
	logger    *logging.Logger
	metrics   *metrics.Registry

	mu      sync.Mutex
	records map[string]*record

	pending  chan string
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Mempool. consensus may be nil until SetConsensus binds
// it; while it is nil, every transaction that executes successfully is
// marked RejectedByConsensus ("consensus not configured") and its waiter
// receives a ConsensusRejected error.
func New(cfg Config, executor Executor, consensus Consensus, logger *logging.Logger, m *metrics.Registry) *Mempool {
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = 10000
	}
	if cfg.ResultRetention <= 0 {
		cfg.ResultRetention = 5 * time.Minute
	}
	return &Mempool{
		cfg:       cfg,
		executor:  executor,
		consensus: consensus,
		logger:    logger,
		metrics:   m,
		records:   make(map[string]*record),
		pending:   make(chan string, cfg.MaxTransactions),
		stopCh:    make(chan struct{}),
	}
}

// SetConsensus binds the consensus layer after construction. The node
// coordinator needs this because Mempool and Consensus are each other's
// constructor argument (consensus.New takes a MempoolCallback, and
// Mempool satisfies it before its own consensus field is set): the
// coordinator builds the Mempool with a nil consensus, builds Consensus
// against it, then closes the loop with SetConsensus.
func (mp *Mempool) SetConsensus(consensus Consensus) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.consensus = consensus
}

func (mp *Mempool) Name() string { return "mempool" }

// Start launches the dispatcher loop (process_next) and the retention GC.
func (mp *Mempool) Start(ctx context.Context) error {
	mp.wg.Add(2)
	go mp.dispatchLoop(ctx)
	go mp.gcLoop(ctx)
	return nil
}

func (mp *Mempool) Stop(ctx context.Context) error {
	mp.stopOnce.Do(func() { close(mp.stopCh) })
	done := make(chan struct{})
	go func() { mp.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mp *Mempool) Health(ctx context.Context) error { return nil }

// SubmitAndWait inserts tx as Pending, enqueues it, and blocks the caller
// up to timeout for a terminal outcome (spec §4.5).
func (mp *Mempool) SubmitAndWait(ctx context.Context, tx *txmodel.Transaction, timeout time.Duration) (*txmodel.ExecutionResult, error) {
	mp.mu.Lock()
	if len(mp.records) >= mp.cfg.MaxTransactions {
		mp.mu.Unlock()
		return nil, errors.QueueFull()
	}

	rec := &record{tx: tx, status: txmodel.StatusPending, waiter: make(chan struct{})}
	mp.records[tx.ID] = rec
	mp.mu.Unlock()

	select {
	case mp.pending <- tx.ID:
	default:
		mp.mu.Lock()
		delete(mp.records, tx.ID)
		mp.mu.Unlock()
		return nil, errors.QueueFull()
	}

	if mp.metrics != nil {
		mp.metrics.MempoolQueueDepth.Set(float64(len(mp.pending)))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rec.waiter:
		return mp.terminalResult(tx.ID)
	case <-timer.C:
		return nil, errors.Timeout("transaction result not available before tx_timeout")
	case <-ctx.Done():
		return nil, errors.Timeout("caller cancelled")
	}
}

func (mp *Mempool) terminalResult(txID string) (*txmodel.ExecutionResult, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	rec, ok := mp.records[txID]
	if !ok {
		return nil, errors.NotFound("transaction result no longer available")
	}
	switch rec.status {
	case txmodel.StatusCommitted:
		return rec.result, nil
	case txmodel.StatusRejectedByConsensus:
		return nil, errors.ConsensusRejected(rec.rejectMsg)
	case txmodel.StatusExecFailed:
		// A local exec failure (container not found, quota exceeded,
		// queue full) carries its own ServiceError code from Execute;
		// preserve it so the ingress can map it to its documented HTTP
		// status instead of a generic ExecFailed/502.
		if rec.execErr != nil {
			return rec.result, rec.execErr
		}
		return rec.result, errors.ExecFailed("contract execution failed", nil)
	default:
		return nil, errors.Internal("transaction in unexpected state "+rec.status.String(), nil)
	}
}

// GetStatus supports polling callers.
func (mp *Mempool) GetStatus(txID string) (txmodel.Status, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	rec, ok := mp.records[txID]
	if !ok {
		return txmodel.StatusUnknown, errors.NotFound("unknown transaction")
	}
	return rec.status, nil
}

// GetResult supports polling callers once a transaction is terminal.
func (mp *Mempool) GetResult(txID string) (*txmodel.ExecutionResult, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	rec, ok := mp.records[txID]
	if !ok {
		return nil, errors.NotFound("unknown transaction")
	}
	if !rec.status.IsTerminal() {
		return nil, errors.BadRequest("transaction not yet terminal")
	}
	return rec.result, nil
}

func (mp *Mempool) wake(rec *record) {
	if !rec.woken {
		rec.woken = true
		close(rec.waiter)
	}
}

// dispatchLoop is process_next: pop the next pending id, hand it to the
// executor, and route the outcome.
func (mp *Mempool) dispatchLoop(ctx context.Context) {
	defer mp.wg.Done()
	for {
		select {
		case <-mp.stopCh:
			return
		case <-ctx.Done():
			return
		case txID := <-mp.pending:
			mp.processNext(ctx, txID)
		}
	}
}

func (mp *Mempool) processNext(ctx context.Context, txID string) {
	mp.mu.Lock()
	rec, ok := mp.records[txID]
	mp.mu.Unlock()
	if !ok {
		return
	}

	result, err := mp.executor.Execute(ctx, rec.tx)

	if err != nil {
		mp.mu.Lock()
		rec.status = txmodel.StatusExecFailed
		rec.result = result
		rec.execErr = err
		mp.wake(rec)
		rec.terminalAt = time.Now()
		mp.mu.Unlock()
		if mp.metrics != nil {
			mp.metrics.MempoolSubmitTotal.WithLabelValues("exec_failed_local").Inc()
		}
		return
	}

	mp.mu.Lock()
	rec.status = txmodel.StatusExecuted
	rec.result = result
	mp.mu.Unlock()

	if mp.consensus == nil {
		mp.OnRejected(rec.tx.ID, "consensus not configured")
		return
	}

	if err := mp.consensus.SubmitWithResult(ctx, rec.tx, result); err != nil {
		mp.OnRejected(rec.tx.ID, err.Error())
	}
}

// OnCommitted is the consensus layer's callback on majority commit: write
// log_index, transition to Committed, and wake the waiter. State-diff
// application into the state store happens in the caller (the consensus
// apply-loop), which owns ordering against other committed entries.
func (mp *Mempool) OnCommitted(txID string, logIndex uint64, result *txmodel.ExecutionResult) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	rec, ok := mp.records[txID]
	if !ok {
		return
	}
	rec.tx.LogIndex = logIndex
	rec.status = txmodel.StatusCommitted
	rec.result = result
	rec.terminalAt = time.Now()
	mp.wake(rec)
	if mp.metrics != nil {
		mp.metrics.MempoolSubmitTotal.WithLabelValues("committed").Inc()
	}
}

// OnRejected is the consensus layer's callback when an entry does not
// commit (e.g. leadership change mid-flight).
func (mp *Mempool) OnRejected(txID, reason string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	rec, ok := mp.records[txID]
	if !ok {
		return
	}
	rec.status = txmodel.StatusRejectedByConsensus
	rec.rejectMsg = reason
	rec.terminalAt = time.Now()
	mp.wake(rec)
	if mp.metrics != nil {
		mp.metrics.MempoolSubmitTotal.WithLabelValues("rejected").Inc()
	}
}

// gcLoop removes terminal records past cfg.ResultRetention (SPEC_FULL
// supplement implementing spec §4.5's retention-window invariant).
func (mp *Mempool) gcLoop(ctx context.Context) {
	defer mp.wg.Done()
	ticker := time.NewTicker(mp.cfg.ResultRetention / 2)
	defer ticker.Stop()
	for {
		select {
		case <-mp.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			mp.sweep()
		}
	}
}

func (mp *Mempool) sweep() {
	cutoff := time.Now().Add(-mp.cfg.ResultRetention)
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for id, rec := range mp.records {
		if rec.status.IsTerminal() && !rec.terminalAt.IsZero() && rec.terminalAt.Before(cutoff) {
			delete(mp.records, id)
		}
	}
}
