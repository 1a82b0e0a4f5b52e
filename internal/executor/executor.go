// Package executor dispatches transactions to contract containers,
// collects their results and state diffs, and enforces the worker-pool and
// per-address concurrency bounds of spec §4.4 (component D).
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cvm-network/cvmnode/internal/buslimiter"
	"github.com/cvm-network/cvmnode/internal/errors"
	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

// Resolver resolves a contract address to an endpoint and enforces its
// daily quota — implemented by containermgr.Manager.
type Resolver interface {
	Resolve(address string) (string, error)
	TryConsume(address string) error
}

// Config controls the worker pool and timeouts (from the `[executor]` TOML
// section).
type Config struct {
	WorkerThreads         int
	MaxQueueSize          int
	ExecutionTimeout      time.Duration
	MaxConcurrentRequests int
}

type job struct {
	ctx  context.Context
	tx   *txmodel.Transaction
	resp chan jobResult
}

type jobResult struct {
	result *txmodel.ExecutionResult
	err    error
}

// Executor is the fixed worker pool consuming from a bounded request
// channel (spec §4.4).
type Executor struct {
	cfg      Config
	resolver Resolver
	limiter  *buslimiter.AddressLimiter
	dispatch *Dispatcher
	logger   *logging.Logger

	jobs   chan job
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New constructs an Executor. resolver is the container manager; dispatch
// performs the outbound HTTP call to a container's contract envelope
// endpoint.
func New(cfg Config, resolver Resolver, logger *logging.Logger) *Executor {
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 4
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	return &Executor{
		cfg:      cfg,
		resolver: resolver,
		limiter:  buslimiter.NewAddressLimiter(cfg.MaxConcurrentRequests),
		dispatch: NewDispatcher(),
		logger:   logger,
		jobs:     make(chan job, cfg.MaxQueueSize),
		stopCh:   make(chan struct{}),
	}
}

func (e *Executor) Name() string { return "executor" }

// Start launches the worker pool.
func (e *Executor) Start(ctx context.Context) error {
	for i := 0; i < e.cfg.WorkerThreads; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	return nil
}

// Stop signals workers to drain and wait for in-flight jobs to finish.
func (e *Executor) Stop(ctx context.Context) error {
	close(e.stopCh)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) Health(ctx context.Context) error { return nil }

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case j := <-e.jobs:
			result, err := e.run(j.ctx, j.tx)
			j.resp <- jobResult{result: result, err: err}
		}
	}
}

// Execute enqueues tx and blocks until its result arrives or ctx is done.
// The run itself is bounded by cfg.ExecutionTimeout once a worker picks it
// up; time spent waiting in the queue is bounded only by ctx. A full queue fails fast with QueueFull — a local error the mempool must
// not submit to consensus.
func (e *Executor) Execute(ctx context.Context, tx *txmodel.Transaction) (*txmodel.ExecutionResult, error) {
	resp := make(chan jobResult, 1)
	select {
	case e.jobs <- job{ctx: ctx, tx: tx, resp: resp}:
	default:
		return nil, errors.QueueFull()
	}

	select {
	case r := <-resp:
		return r.result, r.err
	case <-ctx.Done():
		return nil, errors.Timeout("execution cancelled")
	}
}

func (e *Executor) run(ctx context.Context, tx *txmodel.Transaction) (*txmodel.ExecutionResult, error) {
	timeout := e.cfg.ExecutionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch tx.Kind {
	case txmodel.KindStateChange:
		return e.runStateChange(tx)
	case txmodel.KindAPIRequest, txmodel.KindScheduledTask:
		return e.runAPIRequest(execCtx, tx)
	default:
		return nil, errors.Internal(fmt.Sprintf("unknown transaction kind %q", tx.Kind), nil)
	}
}

// runStateChange applies diffs straight from the payload — no container
// call — per spec §4.4.
func (e *Executor) runStateChange(tx *txmodel.Transaction) (*txmodel.ExecutionResult, error) {
	diffs, ok := tx.Payload.([]txmodel.StateOp)
	if !ok {
		// Payloads that cross a wire boundary (e.g. replayed from the
		// Raft log) arrive JSON-decoded as []any; re-marshal/unmarshal
		// into the concrete type.
		raw, err := json.Marshal(tx.Payload)
		if err != nil {
			return nil, errors.BadRequest("invalid StateChange payload")
		}
		if err := json.Unmarshal(raw, &diffs); err != nil {
			return nil, errors.BadRequest("invalid StateChange payload")
		}
	}
	return &txmodel.ExecutionResult{
		TxID:       tx.ID,
		StatusCode: 200,
		StateDiffs: diffs,
	}, nil
}

func (e *Executor) runAPIRequest(ctx context.Context, tx *txmodel.Transaction) (*txmodel.ExecutionResult, error) {
	req, ok := tx.Payload.(txmodel.ExecutionRequest)
	if !ok {
		return nil, errors.BadRequest("invalid ApiRequest payload")
	}

	if err := e.resolver.TryConsume(req.ContractAddr); err != nil {
		return nil, err
	}

	endpoint, err := e.resolver.Resolve(req.ContractAddr)
	if err != nil {
		return nil, err
	}

	if err := e.limiter.Acquire(ctx, req.ContractAddr, 0); err != nil {
		return nil, errors.Timeout("per-address concurrency limit wait cancelled")
	}
	defer e.limiter.Release(req.ContractAddr)

	// A dispatch failure (timeout or transport error) is still a result,
	// not a local error: per spec §7, ExecFailed originating from an
	// attempted dispatch is recorded into the consensus log so every
	// replica observes the same failure, rather than being swallowed
	// before the mempool ever sees it.
	envelope, err := e.dispatch.Call(ctx, endpoint, req)
	if err != nil {
		status := 502
		msg := err.Error()
		if ctx.Err() != nil {
			status = 504
			msg = "execution timed out"
		}
		return &txmodel.ExecutionResult{
			TxID:       tx.ID,
			StatusCode: status,
			Error:      msg,
		}, nil
	}

	return envelope.toExecutionResult(tx.ID), nil
}
