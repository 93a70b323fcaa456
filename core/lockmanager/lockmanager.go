package lockmanager

import (
	"fmt"
	"sync"

	"github.com/sushant-115/gojotx/core/transaction"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// AcquireOutcome tells the caller how an Acquire call ended. The zero value
// is invalid; every successful call returns one of the named outcomes.
type AcquireOutcome int

const (
	// Granted means the lock was free (or already held by the caller) and
	// was taken without blocking.
	Granted AcquireOutcome = iota + 1
	// GrantedAfterWait means the caller blocked and was later handed the
	// lock by a releasing transaction.
	GrantedAfterWait
	// Died means the caller was younger than the current holder and
	// self-aborted immediately instead of waiting.
	Died
	// DiedWaiting means the caller blocked and was marked aborted while
	// waiting, so it woke up without the lock.
	DiedWaiting
)

// Acquired reports whether the outcome left the caller holding the lock.
func (o AcquireOutcome) Acquired() bool {
	return o == Granted || o == GrantedAfterWait
}

// String returns a log-friendly name for the outcome.
func (o AcquireOutcome) String() string {
	switch o {
	case Granted:
		return "GRANTED"
	case GrantedAfterWait:
		return "GRANTED_AFTER_WAIT"
	case Died:
		return "DIED"
	case DiedWaiting:
		return "DIED_WAITING"
	default:
		return "UNKNOWN"
	}
}

// waiter is one parked Acquire call. The grant channel has capacity one and
// receives at most one token, sent by the releaser that hands over the lock.
type waiter struct {
	tx    *transaction.Transaction
	grant chan struct{}
}

// resourceLock is the per-resource lock record: at most one holder plus the
// parked waiters. All fields are guarded by the manager mutex.
type resourceLock struct {
	resourceID string
	holder     *transaction.Transaction
	waiters    []*waiter
}

// LockManager serializes access to named resources with wait-die deadlock
// avoidance: an older transaction (smaller timestamp) waits for a younger
// holder, a younger transaction dies on the spot. Waits-for edges therefore
// always point from old to young and can never close a cycle.
//
// A releasing transaction hands the lock directly to the oldest live waiter
// under the table mutex, so exactly one waiter wakes per release and the
// oldest waiting transaction can never be overtaken.
type LockManager struct {
	mu        sync.Mutex
	registry  *transaction.Registry
	resources map[string]*resourceLock
	held      map[string]map[string]struct{} // txn id -> resource ids it holds
	logger    *zap.Logger
	metrics   *metrics
}

// Option configures optional lock manager behavior.
type Option func(*LockManager)

// WithMeter registers wait-die instruments on the meter. Registration
// failures are logged and leave the manager uninstrumented.
func WithMeter(meter metric.Meter) Option {
	return func(lm *LockManager) {
		m, err := newMetrics(meter)
		if err != nil {
			lm.logger.Warn("Failed to register lock instruments", zap.Error(err))
			return
		}
		lm.metrics = m
	}
}

// New returns a lock manager backed by the given registry. A nil logger
// disables logging.
func New(registry *transaction.Registry, logger *zap.Logger, opts ...Option) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	lm := &LockManager{
		registry:  registry,
		resources: make(map[string]*resourceLock),
		held:      make(map[string]map[string]struct{}),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

// Register creates the transaction in the backing registry and assigns its
// wait-die timestamp. It is a thin pass-through so participants only need a
// lock manager handle.
func (lm *LockManager) Register(txnID, originNode string) (*transaction.Transaction, error) {
	tx, err := lm.registry.Register(txnID, originNode)
	if err != nil {
		return nil, err
	}
	lm.logger.Debug("transaction registered",
		zap.String("txn", txnID),
		zap.String("origin", originNode),
		zap.Uint64("timestamp", tx.Timestamp()),
	)
	return tx, nil
}

// Acquire takes the named resource for the transaction, blocking while an
// older holder is in the way. The outcome is meaningful only when err is nil:
// Granted and GrantedAfterWait mean the caller now holds the resource, Died
// and DiedWaiting mean the transaction was marked aborted and holds nothing
// new. After a death the caller must finish with Complete and may then retry
// under a fresh registration.
func (lm *LockManager) Acquire(txnID, resourceID string) (AcquireOutcome, error) {
	if resourceID == "" {
		return 0, ErrEmptyResourceID
	}
	tx, ok := lm.registry.Get(txnID)
	if !ok {
		return 0, fmt.Errorf("acquire %s for %s: %w", resourceID, txnID, transaction.ErrTxnNotFound)
	}
	if tx.Aborted() {
		return Died, nil
	}

	lm.mu.Lock()
	rl, ok := lm.resources[resourceID]
	if !ok {
		rl = &resourceLock{resourceID: resourceID}
		lm.resources[resourceID] = rl
	}

	// Free, or a re-acquire by the current holder.
	if rl.holder == nil {
		lm.grantLocked(rl, tx)
		lm.mu.Unlock()
		lm.metrics.addGrant("free")
		return Granted, nil
	}
	if rl.holder == tx {
		lm.mu.Unlock()
		return Granted, nil
	}

	// Wait-die: equal timestamps cannot happen with a single registry, but
	// an equal comparison still dies rather than risking a wait cycle.
	holder := rl.holder
	if tx.Timestamp() >= holder.Timestamp() {
		lm.mu.Unlock()
		lm.registry.MarkAborted(txnID)
		lm.metrics.addDie("immediate")
		lm.logger.Info("lock conflict, younger transaction died",
			zap.String("txn", txnID),
			zap.String("resource", resourceID),
			zap.String("holder", holder.ID()),
		)
		return Died, nil
	}

	for _, w := range rl.waiters {
		if w.tx == tx {
			lm.mu.Unlock()
			return 0, fmt.Errorf("acquire %s for %s: %w", resourceID, txnID, ErrAlreadyWaiting)
		}
	}
	w := &waiter{tx: tx, grant: make(chan struct{}, 1)}
	rl.waiters = append(rl.waiters, w)
	lm.mu.Unlock()

	lm.metrics.addWait()
	lm.logger.Debug("older transaction waiting for lock",
		zap.String("txn", txnID),
		zap.String("resource", resourceID),
		zap.String("holder", holder.ID()),
	)

	select {
	case <-w.grant:
		if tx.Aborted() {
			// Aborted just as the lock arrived: hand it straight back.
			lm.mu.Lock()
			if rl.holder == tx {
				lm.releaseLocked(rl, tx)
			}
			lm.mu.Unlock()
			lm.metrics.addDie("waiting")
			return DiedWaiting, nil
		}
		lm.metrics.addGrant("after_wait")
		return GrantedAfterWait, nil
	case <-tx.Done():
		// Marked aborted while parked. A grant may have raced the abort,
		// in which case the lock moves on to the next live waiter.
		lm.mu.Lock()
		if rl.holder == tx {
			lm.releaseLocked(rl, tx)
		} else {
			lm.removeWaiterLocked(rl, w)
		}
		lm.mu.Unlock()
		lm.metrics.addDie("waiting")
		lm.logger.Info("waiting transaction died",
			zap.String("txn", txnID),
			zap.String("resource", resourceID),
		)
		return DiedWaiting, nil
	}
}

// Release gives up one resource held by the transaction and hands it to the
// oldest live waiter, if any. It reports whether the transaction actually
// held the resource; releasing something it does not hold changes nothing.
func (lm *LockManager) Release(txnID, resourceID string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	rl, ok := lm.resources[resourceID]
	if !ok || rl.holder == nil || rl.holder.ID() != txnID {
		return false
	}
	lm.releaseLocked(rl, rl.holder)
	return true
}

// Abort marks the transaction aborted and wakes every Acquire parked on its
// behalf. It is the single entry point for external aborts (rollback, timeout
// handling, operator action) and reports whether the transaction was known.
// Locks already held stay held until Complete.
func (lm *LockManager) Abort(txnID string) bool {
	if !lm.registry.MarkAborted(txnID) {
		return false
	}
	lm.logger.Info("transaction marked aborted", zap.String("txn", txnID))
	return true
}

// Complete finishes the transaction with the given id. See CompleteTx.
func (lm *LockManager) Complete(txnID string) {
	if tx, ok := lm.registry.Get(txnID); ok {
		lm.CompleteTx(tx)
	}
}

// CompleteTx releases every resource the transaction still holds and removes
// it from the registry. It must be called exactly once per transaction when
// it reaches a terminal state, with no Acquire for the same transaction still
// in flight. The handle is compared against the live registration, so a stale
// call left over from a dead attempt cannot touch a retry that reused the id.
// Completing an unknown or already-completed transaction is a no-op.
func (lm *LockManager) CompleteTx(tx *transaction.Transaction) {
	if tx == nil {
		return
	}

	lm.mu.Lock()
	// The guard runs under lm.mu: while it passes, no retry can have
	// registered under the same id yet, so held[id] is ours alone.
	if cur, ok := lm.registry.Get(tx.ID()); !ok || cur != tx {
		lm.mu.Unlock()
		return
	}
	released := 0
	for resourceID := range lm.held[tx.ID()] {
		if rl := lm.resources[resourceID]; rl != nil && rl.holder == tx {
			lm.releaseLocked(rl, rl.holder)
			released++
		}
	}
	delete(lm.held, tx.ID())
	lm.mu.Unlock()

	lm.registry.Remove(tx)
	lm.logger.Debug("transaction completed",
		zap.String("txn", tx.ID()),
		zap.Int("locks_released", released),
	)
}

// Lookup returns the live transaction handle for the id, if any.
func (lm *LockManager) Lookup(txnID string) (*transaction.Transaction, bool) {
	return lm.registry.Get(txnID)
}

// HeldBy returns the resources currently held by the transaction, mainly for
// introspection and tests.
func (lm *LockManager) HeldBy(txnID string) []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make([]string, 0, len(lm.held[txnID]))
	for resourceID := range lm.held[txnID] {
		out = append(out, resourceID)
	}
	return out
}

// Holder returns the transaction currently holding the resource, if any.
func (lm *LockManager) Holder(resourceID string) (string, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	rl, ok := lm.resources[resourceID]
	if !ok || rl.holder == nil {
		return "", false
	}
	return rl.holder.ID(), true
}

// Waiters returns the ids of transactions parked on the resource in arrival
// order, mainly for introspection and tests.
func (lm *LockManager) Waiters(resourceID string) []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	rl, ok := lm.resources[resourceID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rl.waiters))
	for _, w := range rl.waiters {
		out = append(out, w.tx.ID())
	}
	return out
}

// grantLocked makes tx the holder. Callers hold lm.mu.
func (lm *LockManager) grantLocked(rl *resourceLock, tx *transaction.Transaction) {
	rl.holder = tx
	set, ok := lm.held[tx.ID()]
	if !ok {
		set = make(map[string]struct{})
		lm.held[tx.ID()] = set
	}
	set[rl.resourceID] = struct{}{}
}

// releaseLocked removes tx as holder and hands the lock to the oldest live
// waiter. Aborted waiters are dropped from the queue without ever holding the
// lock; their goroutines wake through their own done channels. Callers hold
// lm.mu.
func (lm *LockManager) releaseLocked(rl *resourceLock, tx *transaction.Transaction) {
	if rl.holder != tx {
		return
	}
	if set, ok := lm.held[tx.ID()]; ok {
		delete(set, rl.resourceID)
		if len(set) == 0 {
			delete(lm.held, tx.ID())
		}
	}
	rl.holder = nil

	var next *waiter
	live := rl.waiters[:0]
	for _, w := range rl.waiters {
		if w.tx.Aborted() {
			continue
		}
		live = append(live, w)
		if next == nil || w.tx.Timestamp() < next.tx.Timestamp() {
			next = w
		}
	}
	rl.waiters = live

	if next != nil {
		lm.removeWaiterLocked(rl, next)
		lm.grantLocked(rl, next.tx)
		next.grant <- struct{}{}
	}

	if rl.holder == nil && len(rl.waiters) == 0 {
		delete(lm.resources, rl.resourceID)
	}
}

// removeWaiterLocked drops the waiter from the queue if still present.
// Callers hold lm.mu.
func (lm *LockManager) removeWaiterLocked(rl *resourceLock, target *waiter) {
	for i, w := range rl.waiters {
		if w == target {
			rl.waiters = append(rl.waiters[:i], rl.waiters[i+1:]...)
			return
		}
	}
}
