// Package statestore persists committed key-value entries, state roots, and
// a replayable history of diffs (spec §4.7, component A).
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cvm-network/cvmnode/internal/errors"
	"github.com/cvm-network/cvmnode/internal/logging"
	"github.com/cvm-network/cvmnode/internal/metrics"
	"github.com/cvm-network/cvmnode/internal/txmodel"
)

// HistoryEntry is one row of the applied-diff history, used for replay and
// audit (spec §4.7).
type HistoryEntry struct {
	ID           string
	PrevRootHash string
	NewRootHash  string
	CreatedAt    time.Time
	Ops          []txmodel.StateOp
}

// Store is the node's sole writer of persisted state; applies are
// transactional and strictly serialized in log-index order by its caller
// (the consensus apply-loop).
type Store struct {
	db      *sqlx.DB
	logger  *logging.Logger
	metrics *metrics.Registry

	mu      sync.RWMutex
	entries map[string][]byte
	root    string
}

// Open opens (and migrates) the database named by dbType/dsn and hydrates
// the in-memory entry cache the read path serves from.
func Open(dbType, dsn string, logger *logging.Logger, m *metrics.Registry) (*Store, error) {
	db, err := openDatabase(dbType, dsn)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, logger: logger, metrics: m, entries: make(map[string][]byte)}
	if err := s.hydrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) hydrate() error {
	rows, err := s.db.Query(`SELECT key, value FROM state_entries`)
	if err != nil {
		return fmt.Errorf("hydrate state entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scan state entry: %w", err)
		}
		entries[key] = value
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.entries = entries
	s.root = computeRootHash(entries)
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Name() string { return "state-store" }

func (s *Store) Start(ctx context.Context) error { return nil }
func (s *Store) Stop(ctx context.Context) error  { return s.Close() }
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Apply atomically applies ops to the KV table, computes a new root hash,
// and records a StateDiffRecord and its individual operations. A failure
// here is always StateApplyFailed: per spec §7, the node must abort rather
// than let the replicated log diverge from applied state.
func (s *Store) Apply(ctx context.Context, txID string, ops []txmodel.StateOp) (string, error) {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	prevRoot := s.root
	working := make(map[string][]byte, len(s.entries))
	for k, v := range s.entries {
		working[k] = v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.observeApply(false, start)
		return "", errors.StateApplyFailed("begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, op := range ops {
		switch op.Kind {
		case txmodel.OpPut:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO state_entries (key, value, updated_at) VALUES ($1, $2, $3)
				ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
			`, op.Key, op.Value, now); err != nil {
				s.observeApply(false, start)
				return "", errors.StateApplyFailed("apply put", err)
			}
			working[op.Key] = op.Value
		case txmodel.OpDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM state_entries WHERE key = $1`, op.Key); err != nil {
				s.observeApply(false, start)
				return "", errors.StateApplyFailed("apply delete", err)
			}
			delete(working, op.Key)
		default:
			s.observeApply(false, start)
			return "", errors.StateApplyFailed(fmt.Sprintf("unknown op kind %q", op.Kind), nil)
		}
	}

	newRoot := computeRootHash(working)
	rootID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_roots (id, root_hash, tx_id, created_at) VALUES ($1, $2, $3, $4)
	`, rootID, newRoot, txID, now); err != nil {
		s.observeApply(false, start)
		return "", errors.StateApplyFailed("record root", err)
	}

	diffID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_diffs (id, prev_root_hash, new_root_hash, created_at) VALUES ($1, $2, $3, $4)
	`, diffID, nullableRoot(prevRoot), newRoot, now); err != nil {
		s.observeApply(false, start)
		return "", errors.StateApplyFailed("record diff", err)
	}

	for i, op := range ops {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state_operations (id, diff_id, seq, op_type, key, value) VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.NewString(), diffID, i, string(op.Kind), op.Key, op.Value); err != nil {
			s.observeApply(false, start)
			return "", errors.StateApplyFailed("record operation", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.observeApply(false, start)
		return "", errors.StateApplyFailed("commit transaction", err)
	}

	s.entries = working
	s.root = newRoot
	s.observeApply(true, start)
	return newRoot, nil
}

func (s *Store) observeApply(ok bool, start time.Time) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	s.metrics.StateApplyTotal.WithLabelValues(outcome).Inc()
	s.metrics.StateApplyDuration.Observe(time.Since(start).Seconds())
}

func nullableRoot(root string) sql.NullString {
	if root == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: root, Valid: true}
}

// Snapshot returns a point-in-time copy of the full committed keyset, used
// by consensus to build a compacted Raft snapshot (spec §4.6).
func (s *Store) Snapshot() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Restore replaces the entire committed keyset with entries, as read back
// from a Raft snapshot on a follower catching up past a truncated log.
func (s *Store) Restore(ctx context.Context, entries map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StateApplyFailed("begin restore transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM state_entries`); err != nil {
		return errors.StateApplyFailed("clear state entries for restore", err)
	}

	now := time.Now().UTC()
	for k, v := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state_entries (key, value, updated_at) VALUES ($1, $2, $3)
		`, k, v, now); err != nil {
			return errors.StateApplyFailed("restore state entry", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.StateApplyFailed("commit restore transaction", err)
	}

	restored := make(map[string][]byte, len(entries))
	for k, v := range entries {
		restored[k] = v
	}
	s.entries = restored
	s.root = computeRootHash(restored)
	return nil
}

// Get returns the value stored at key, or NotFound.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, errors.NotFound("no such key")
	}
	return v, nil
}

// Scan returns every key/value pair whose key has the given prefix.
func (s *Store) Scan(prefix string) map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range s.entries {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// Root returns the current state root hash.
func (s *Store) Root() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// diffRow mirrors state_diffs for sqlx struct-scanning.
type diffRow struct {
	ID           string    `db:"id"`
	PrevRootHash string    `db:"prev_root_hash"`
	NewRootHash  string    `db:"new_root_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

// opRow mirrors state_operations for sqlx struct-scanning.
type opRow struct {
	OpType string `db:"op_type"`
	Key    string `db:"key"`
	Value  []byte `db:"value"`
}

// History returns up to limit applied diffs (100 when limit <= 0) in
// chronological order, oldest first, for replay/audit. When more diffs
// exist than limit, the most recent ones are not returned.
func (s *Store) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []diffRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, COALESCE(prev_root_hash, '') AS prev_root_hash, new_root_hash, created_at
		FROM state_diffs
		ORDER BY created_at ASC
		LIMIT ?
	`), limit); err != nil {
		return nil, fmt.Errorf("query state diffs: %w", err)
	}

	history := make([]HistoryEntry, len(rows))
	for i, r := range rows {
		ops, err := s.opsForDiff(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		history[i] = HistoryEntry{
			ID:           r.ID,
			PrevRootHash: r.PrevRootHash,
			NewRootHash:  r.NewRootHash,
			CreatedAt:    r.CreatedAt,
			Ops:          ops,
		}
	}
	return history, nil
}

func (s *Store) opsForDiff(ctx context.Context, diffID string) ([]txmodel.StateOp, error) {
	var rows []opRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT op_type, key, value FROM state_operations WHERE diff_id = ? ORDER BY seq ASC
	`), diffID); err != nil {
		return nil, fmt.Errorf("query state operations: %w", err)
	}

	ops := make([]txmodel.StateOp, len(rows))
	for i, r := range rows {
		ops[i] = txmodel.StateOp{Kind: txmodel.OpKind(r.OpType), Key: r.Key, Value: r.Value}
	}
	return ops, nil
}
