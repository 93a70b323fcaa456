package transaction

import (
	"fmt"
	"sync"
)

// Registry tracks every in-flight transaction known to a lock manager and
// assigns each one its logical timestamp. Timestamps come from a counter that
// only moves forward, so they are unique for the life of the registry and
// strictly increasing in registration order. A transaction that dies and
// retries re-registers and gets a fresh, younger timestamp.
type Registry struct {
	mu            sync.RWMutex
	txns          map[string]*Transaction
	lastTimestamp uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{txns: make(map[string]*Transaction)}
}

// Register creates and tracks a transaction under the given id. It fails with
// ErrTxnAlreadyExists while another transaction with the same id is live.
func (r *Registry) Register(txnID, originNode string) (*Transaction, error) {
	if txnID == "" {
		return nil, ErrEmptyTxnID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.txns[txnID]; ok {
		return nil, fmt.Errorf("register %s: %w", txnID, ErrTxnAlreadyExists)
	}
	r.lastTimestamp++
	tx := &Transaction{
		id:         txnID,
		originNode: originNode,
		timestamp:  r.lastTimestamp,
		done:       make(chan struct{}),
	}
	r.txns[txnID] = tx
	return tx, nil
}

// Get returns the live transaction with the given id.
func (r *Registry) Get(txnID string) (*Transaction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.txns[txnID]
	return tx, ok
}

// MarkAborted flags the transaction as aborted and wakes anything blocked on
// its Done channel. It reports whether the transaction was found; marking an
// already-aborted transaction is a no-op.
func (r *Registry) MarkAborted(txnID string) bool {
	r.mu.RLock()
	tx, ok := r.txns[txnID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	tx.markAborted()
	return true
}

// Remove forgets the transaction. The handle is compared against the live
// entry so a stale remove can never evict a newer registration reusing the
// same id. Removing an unknown or superseded handle is a no-op, which keeps
// completion idempotent. The id may be registered again afterwards and will
// receive a new timestamp.
func (r *Registry) Remove(tx *Transaction) {
	if tx == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.txns[tx.id]; ok && cur == tx {
		delete(r.txns, tx.id)
	}
}

// Len returns the number of live transactions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.txns)
}
