// Package memstore is an in-memory key-value resource manager that takes
// part in distributed transactions. Writes are staged at prepare time under
// wait-die locks and only reach the visible store on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/lockmanager"
	"github.com/sushant-115/gojotx/core/transaction"
)

// txnRecord is the participant-side state of one in-flight transaction. It
// exists from registration until the global decision, moving RUNNING ->
// PREPARED while locks are being collected.
type txnRecord struct {
	tx      *transaction.Transaction
	payload transaction.Payload
	state   transaction.TransactionState
}

// Store is one participant node. Every staged key is locked through the
// wait-die lock manager, so two transactions touching the same key are
// serialized or the younger one dies. An empty staged value is a tombstone
// and deletes the key at commit.
type Store struct {
	nodeID string
	locks  *lockmanager.LockManager
	logger *zap.Logger

	mu      sync.RWMutex
	data    map[string]string
	records map[string]*txnRecord
}

// New builds a store around the given lock manager. A nil logger disables
// logging.
func New(nodeID string, locks *lockmanager.LockManager, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		nodeID:  nodeID,
		locks:   locks,
		logger:  logger.With(zap.String("node", nodeID)),
		data:    make(map[string]string),
		records: make(map[string]*txnRecord),
	}
}

// NodeID implements coordinator.Participant.
func (s *Store) NodeID() string { return s.nodeID }

// Prepare registers the transaction, locks every key it touches and stages
// the payload. Keys are locked in sorted order purely for predictability; the
// wait-die policy keeps any order deadlock free. A lock conflict that kills
// the transaction, a canceled context or a duplicate id all turn into a no
// vote with everything acquired so far released.
//
// A re-delivered prepare for a transaction that is already PREPARED votes yes
// again without touching its locks or staged writes.
func (s *Store) Prepare(ctx context.Context, txnID string, payload transaction.Payload) (coordinator.Vote, error) {
	s.mu.Lock()
	if rec, ok := s.records[txnID]; ok {
		state := rec.state
		s.mu.Unlock()
		if state == transaction.TxnStatePrepared {
			return coordinator.VoteYes, nil
		}
		return coordinator.VoteNo, fmt.Errorf("prepare %s: transaction is %s", txnID, state)
	}
	s.mu.Unlock()

	tx, err := s.locks.Register(txnID, s.nodeID)
	if err != nil {
		return coordinator.VoteNo, fmt.Errorf("prepare %s: %w", txnID, err)
	}

	s.mu.Lock()
	if _, exists := s.records[txnID]; exists {
		s.mu.Unlock()
		s.releaseDead(tx)
		return coordinator.VoteNo, fmt.Errorf("prepare %s: concurrent prepare for the same id", txnID)
	}
	s.records[txnID] = &txnRecord{tx: tx, state: transaction.TxnStateRunning}
	s.mu.Unlock()

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			s.dropRecord(txnID, tx)
			return coordinator.VoteNo, err
		}
		outcome, err := s.locks.Acquire(txnID, key)
		if err != nil {
			s.dropRecord(txnID, tx)
			return coordinator.VoteNo, fmt.Errorf("prepare %s: %w", txnID, err)
		}
		if !outcome.Acquired() {
			s.logger.Info("prepare lost a lock conflict",
				zap.String("txn", txnID),
				zap.String("key", key),
				zap.Stringer("outcome", outcome),
			)
			s.dropRecord(txnID, tx)
			return coordinator.VoteNo, nil
		}
	}

	s.mu.Lock()
	rec, ok := s.records[txnID]
	if !ok || rec.tx != tx || tx.Aborted() {
		// Rolled back while we were collecting locks.
		s.mu.Unlock()
		s.releaseDead(tx)
		return coordinator.VoteNo, nil
	}
	rec.payload = payload.Clone()
	rec.state = transaction.TxnStatePrepared
	s.mu.Unlock()

	s.logger.Debug("transaction prepared",
		zap.String("txn", txnID),
		zap.Int("keys", len(keys)),
	)
	return coordinator.VoteYes, nil
}

// Commit applies the staged writes and releases the transaction's locks. The
// id must be PREPARED here; committing anything else reports an error so the
// coordinator can flag the node.
func (s *Store) Commit(ctx context.Context, txnID string) error {
	s.mu.Lock()
	rec, ok := s.records[txnID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("commit %s: %w", txnID, transaction.ErrTxnNotFound)
	}
	if rec.state != transaction.TxnStatePrepared {
		s.mu.Unlock()
		return fmt.Errorf("commit %s: transaction is %s, not %s", txnID, rec.state, transaction.TxnStatePrepared)
	}
	for k, v := range rec.payload {
		if v == "" {
			delete(s.data, k)
		} else {
			s.data[k] = v
		}
	}
	delete(s.records, txnID)
	s.mu.Unlock()

	s.locks.CompleteTx(rec.tx)
	s.logger.Info("transaction committed",
		zap.String("txn", txnID),
		zap.Int("keys", len(rec.payload)),
	)
	return nil
}

// Rollback discards the transaction. It first marks it aborted, so a prepare
// still parked on a lock wakes up and dies, then drops staged writes and
// releases everything. Rolling back an unknown id succeeds as a no-op: the
// coordinator broadcasts rollback to participants that never staged anything.
func (s *Store) Rollback(ctx context.Context, txnID string) error {
	s.locks.Abort(txnID)

	s.mu.Lock()
	rec, ok := s.records[txnID]
	if ok {
		delete(s.records, txnID)
	}
	s.mu.Unlock()

	if ok {
		s.locks.CompleteTx(rec.tx)
	} else if tx, live := s.locks.Lookup(txnID); live {
		// Registered but not yet recorded; the prepare in flight was just
		// aborted and unwinds on its own, this only speeds up the release.
		s.locks.CompleteTx(tx)
	}

	s.logger.Info("transaction rolled back",
		zap.String("txn", txnID),
		zap.Bool("had_record", ok),
	)
	return nil
}

// State reports the participant-side state of a transaction, if it is still
// in flight here.
func (s *Store) State(txnID string) (transaction.TransactionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[txnID]
	if !ok {
		return 0, false
	}
	return rec.state, true
}

// dropRecord unwinds a prepare attempt that failed mid-acquisition.
func (s *Store) dropRecord(txnID string, tx *transaction.Transaction) {
	s.mu.Lock()
	if rec, ok := s.records[txnID]; ok && rec.tx == tx {
		delete(s.records, txnID)
	}
	s.mu.Unlock()
	s.releaseDead(tx)
}

// releaseDead aborts and completes a registration that will never commit.
func (s *Store) releaseDead(tx *transaction.Transaction) {
	s.locks.Abort(tx.ID())
	s.locks.CompleteTx(tx)
}

// Get returns the committed value for the key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Snapshot copies the committed state, mainly for tests and tooling.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// InFlight returns the number of transactions registered here that have not
// reached a decision yet.
func (s *Store) InFlight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
