package lockmanager

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
)

func newTestLockManager(t *testing.T) *LockManager {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return New(transaction.NewRegistry(), logger)
}

// register is a shorthand that fails the test on registration errors.
func register(t *testing.T, lm *LockManager, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := lm.Register(id, "node-test")
		require.NoError(t, err)
	}
}

func TestAcquireFreeResource(t *testing.T) {
	lm := newTestLockManager(t)
	register(t, lm, "t1")

	outcome, err := lm.Acquire("t1", "account-1")
	require.NoError(t, err)
	require.Equal(t, Granted, outcome)
	require.True(t, outcome.Acquired())

	holder, ok := lm.Holder("account-1")
	require.True(t, ok)
	require.Equal(t, "t1", holder)
}

func TestReacquireByHolderIsIdempotent(t *testing.T) {
	lm := newTestLockManager(t)
	register(t, lm, "t1")

	_, err := lm.Acquire("t1", "account-1")
	require.NoError(t, err)
	outcome, err := lm.Acquire("t1", "account-1")
	require.NoError(t, err)
	require.Equal(t, Granted, outcome)
	require.Equal(t, []string{"account-1"}, lm.HeldBy("t1"))
}

func TestYoungerRequesterDies(t *testing.T) {
	lm := newTestLockManager(t)
	register(t, lm, "t1", "t2") // t1 is older

	_, err := lm.Acquire("t1", "account-1")
	require.NoError(t, err)

	outcome, err := lm.Acquire("t2", "account-1")
	require.NoError(t, err)
	require.Equal(t, Died, outcome)
	require.False(t, outcome.Acquired())

	// The holder is untouched and the dead transaction holds nothing.
	holder, ok := lm.Holder("account-1")
	require.True(t, ok)
	require.Equal(t, "t1", holder)
	require.Empty(t, lm.HeldBy("t2"))

	// Death marks the transaction aborted; after completing it can retry
	// under a fresh, younger timestamp.
	lm.Complete("t2")
	tx, err := lm.Register("t2", "node-test")
	require.NoError(t, err)
	require.False(t, tx.Aborted())
}

func TestOlderRequesterWaitsForRelease(t *testing.T) {
	lm := newTestLockManager(t)
	register(t, lm, "t1", "t2") // t1 is older

	_, err := lm.Acquire("t2", "account-1")
	require.NoError(t, err)

	got := make(chan AcquireOutcome, 1)
	go func() {
		outcome, err := lm.Acquire("t1", "account-1")
		require.NoError(t, err)
		got <- outcome
	}()

	require.Eventually(t, func() bool {
		return len(lm.Waiters("account-1")) == 1
	}, 2*time.Second, 5*time.Millisecond, "older transaction should be parked")

	select {
	case <-got:
		t.Fatal("acquire returned while the lock was still held")
	default:
	}

	lm.Complete("t2")

	select {
	case outcome := <-got:
		require.Equal(t, GrantedAfterWait, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never granted the released lock")
	}
	holder, ok := lm.Holder("account-1")
	require.True(t, ok)
	require.Equal(t, "t1", holder)
}

// Two transactions lock two resources in opposite orders. Without wait-die
// this is the textbook deadlock; with it the younger one dies immediately and
// the older one finishes with both locks.
func TestCrossLockConflictCannotDeadlock(t *testing.T) {
	lm := newTestLockManager(t)
	register(t, lm, "t1", "t2") // t1 is older

	_, err := lm.Acquire("t1", "account-A")
	require.NoError(t, err)
	_, err = lm.Acquire("t2", "account-B")
	require.NoError(t, err)

	t1Got := make(chan AcquireOutcome, 1)
	go func() {
		outcome, err := lm.Acquire("t1", "account-B")
		require.NoError(t, err)
		t1Got <- outcome
	}()

	require.Eventually(t, func() bool {
		return len(lm.Waiters("account-B")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The younger side of the cross now dies instead of closing the cycle.
	outcome, err := lm.Acquire("t2", "account-A")
	require.NoError(t, err)
	require.Equal(t, Died, outcome)

	// Rolling back the dead transaction unblocks the older one.
	lm.Complete("t2")

	select {
	case outcome := <-t1Got:
		require.Equal(t, GrantedAfterWait, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("older transaction still blocked after the younger one rolled back")
	}
	require.ElementsMatch(t, []string{"account-A", "account-B"}, lm.HeldBy("t1"))
}

// A release hands the lock to the oldest waiter, not the first to arrive.
func TestReleaseGrantsOldestWaiterFirst(t *testing.T) {
	lm := newTestLockManager(t)
	register(t, lm, "t1", "t2", "t3") // t1 oldest, t3 youngest

	_, err := lm.Acquire("t3", "account-1")
	require.NoError(t, err)

	outcomes := make(map[string]chan AcquireOutcome)
	for _, id := range []string{"t2", "t1"} { // t2 parks before t1
		id := id
		ch := make(chan AcquireOutcome, 1)
		outcomes[id] = ch
		go func() {
			outcome, err := lm.Acquire(id, "account-1")
			require.NoError(t, err)
			ch <- outcome
		}()
		require.Eventually(t, func() bool {
			for _, w := range lm.Waiters("account-1") {
				if w == id {
					return true
				}
			}
			return false
		}, 2*time.Second, 5*time.Millisecond)
	}

	lm.Complete("t3")

	select {
	case outcome := <-outcomes["t1"]:
		require.Equal(t, GrantedAfterWait, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("oldest waiter was not granted first")
	}
	holder, ok := lm.Holder("account-1")
	require.True(t, ok)
	require.Equal(t, "t1", holder)

	// t2 is still parked, and gets its turn when t1 finishes.
	select {
	case <-outcomes["t2"]:
		t.Fatal("younger waiter overtook the oldest one")
	default:
	}
	lm.Complete("t1")
	select {
	case outcome := <-outcomes["t2"]:
		require.Equal(t, GrantedAfterWait, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("remaining waiter was never granted")
	}
}

func TestAbortWakesParkedWaiter(t *testing.T) {
	lm := newTestLockManager(t)
	register(t, lm, "t1", "t2")

	_, err := lm.Acquire("t2", "account-1")
	require.NoError(t, err)

	got := make(chan AcquireOutcome, 1)
	go func() {
		outcome, err := lm.Acquire("t1", "account-1")
		require.NoError(t, err)
		got <- outcome
	}()

	require.Eventually(t, func() bool {
		return len(lm.Waiters("account-1")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, lm.Abort("t1"))

	select {
	case outcome := <-got:
		require.Equal(t, DiedWaiting, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not wake the parked waiter")
	}

	// The holder never lost the lock and the dead waiter left the queue.
	holder, ok := lm.Holder("account-1")
	require.True(t, ok)
	require.Equal(t, "t2", holder)
	require.Empty(t, lm.HeldBy("t1"))

	require.False(t, lm.Abort("no-such-txn"))
}

// An aborted waiter is skipped at release time: the lock goes to the next
// live waiter.
func TestReleaseSkipsAbortedWaiters(t *testing.T) {
	lm := newTestLockManager(t)
	register(t, lm, "t1", "t2", "t3") // t3 youngest holds

	_, err := lm.Acquire("t3", "account-1")
	require.NoError(t, err)

	t1Got := make(chan AcquireOutcome, 1)
	t2Got := make(chan AcquireOutcome, 1)
	go func() {
		outcome, err := lm.Acquire("t1", "account-1")
		require.NoError(t, err)
		t1Got <- outcome
	}()
	go func() {
		outcome, err := lm.Acquire("t2", "account-1")
		require.NoError(t, err)
		t2Got <- outcome
	}()

	require.Eventually(t, func() bool {
		return len(lm.Waiters("account-1")) == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Kill the oldest waiter, then release: the grant must skip it.
	require.True(t, lm.Abort("t1"))
	select {
	case outcome := <-t1Got:
		require.Equal(t, DiedWaiting, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("aborted waiter did not wake")
	}

	lm.Complete("t3")
	select {
	case outcome := <-t2Got:
		require.Equal(t, GrantedAfterWait, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("live waiter was never granted")
	}
	holder, ok := lm.Holder("account-1")
	require.True(t, ok)
	require.Equal(t, "t2", holder)
}

func TestReleaseByNonHolderIsIgnored(t *testing.T) {
	lm := newTestLockManager(t)
	register(t, lm, "t1", "t2")

	_, err := lm.Acquire("t1", "account-1")
	require.NoError(t, err)

	require.False(t, lm.Release("t2", "account-1"))
	require.False(t, lm.Release("t1", "account-other"))
	holder, ok := lm.Holder("account-1")
	require.True(t, ok)
	require.Equal(t, "t1", holder)

	require.True(t, lm.Release("t1", "account-1"))
	_, ok = lm.Holder("account-1")
	require.False(t, ok)
}

func TestAcquirePreconditions(t *testing.T) {
	lm := newTestLockManager(t)

	_, err := lm.Acquire("ghost", "account-1")
	require.ErrorIs(t, err, transaction.ErrTxnNotFound)

	register(t, lm, "t1")
	_, err = lm.Acquire("t1", "")
	require.ErrorIs(t, err, ErrEmptyResourceID)
}

func TestCompleteReleasesEverythingAndForgets(t *testing.T) {
	lm := newTestLockManager(t)
	register(t, lm, "t1")

	for _, res := range []string{"a", "b", "c"} {
		_, err := lm.Acquire("t1", res)
		require.NoError(t, err)
	}
	require.Len(t, lm.HeldBy("t1"), 3)

	lm.Complete("t1")
	require.Empty(t, lm.HeldBy("t1"))
	for _, res := range []string{"a", "b", "c"} {
		_, held := lm.Holder(res)
		require.False(t, held)
	}

	// Completion is idempotent and the id is free for reuse.
	lm.Complete("t1")
	_, err := lm.Register("t1", "node-test")
	require.NoError(t, err)
}

// Hammer one resource from several transactions and check that at most one
// holder exists at any instant. Dead transactions retry under fresh
// registrations, so every worker eventually gets its turn.
func TestMutualExclusionUnderContention(t *testing.T) {
	logger := zap.NewNop()
	lm := New(transaction.NewRegistry(), logger)

	const workers = 4
	var inside atomic.Int32
	var succeeded atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for attempt := 0; attempt < 500; attempt++ {
				id := fmt.Sprintf("w%d-a%d", worker, attempt)
				if _, err := lm.Register(id, "node-test"); err != nil {
					t.Error(err)
					return
				}
				outcome, err := lm.Acquire(id, "hot-resource")
				if err != nil {
					t.Error(err)
					return
				}
				if !outcome.Acquired() {
					lm.Complete(id)
					continue
				}
				if inside.Add(1) != 1 {
					t.Error("two holders inside the critical section")
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				lm.Complete(id)
				succeeded.Add(1)
				return
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(workers), succeeded.Load(), "every worker should eventually commit")
}
