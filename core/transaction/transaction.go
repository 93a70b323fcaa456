package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// TransactionState represents the in-memory state of a transaction on a participant.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active, operations are being applied
	TxnStatePrepared                          // Participant has voted COMMIT and is waiting for global decision
	TxnStateCommitted                         // Participant has received COMMIT decision
	TxnStateAborted                           // Participant has received ABORT decision or decided to abort locally
)

// String returns the wire-friendly name of the state.
func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "RUNNING"
	case TxnStatePrepared:
		return "PREPARED"
	case TxnStateCommitted:
		return "COMMITTED"
	case TxnStateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Payload is the opaque per-transaction data a coordinator hands to every
// participant during prepare. Participants interpret it as staged writes;
// the coordinator never looks inside.
type Payload map[string]string

// Clone returns an independent copy of the payload. A nil payload clones to nil.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Operation represents a single operation within a distributed transaction on a participant.
type Operation struct {
	Command string `json:"command"` // PUT or DELETE
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
}

// PayloadFromOperations folds an operation list into a payload. A PUT stages
// the value, a DELETE stages the empty string, which participants treat as a
// tombstone. Later operations on the same key win.
func PayloadFromOperations(ops []Operation) (Payload, error) {
	payload := make(Payload, len(ops))
	for _, op := range ops {
		if op.Key == "" {
			return nil, fmt.Errorf("operation %s: %w", op.Command, ErrEmptyKey)
		}
		switch op.Command {
		case "PUT":
			payload[op.Key] = op.Value
		case "DELETE":
			payload[op.Key] = ""
		default:
			return nil, fmt.Errorf("operation on %s: %w: %q", op.Key, ErrUnknownCommand, op.Command)
		}
	}
	return payload, nil
}

// Transaction is an in-memory record of a registered transaction on the lock
// manager side. The identity fields are immutable after registration; only
// the abort flag changes, and only through markAborted.
type Transaction struct {
	id         string
	originNode string
	timestamp  uint64

	abortOnce sync.Once
	aborted   atomic.Bool
	done      chan struct{}
}

// ID returns the caller-assigned transaction identifier.
func (t *Transaction) ID() string { return t.id }

// OriginNode returns the node that started the transaction.
func (t *Transaction) OriginNode() string { return t.originNode }

// Timestamp returns the registration-order logical timestamp. Smaller means
// older, and older wins every wait-die conflict.
func (t *Transaction) Timestamp() uint64 { return t.timestamp }

// Aborted reports whether the transaction has been marked aborted.
func (t *Transaction) Aborted() bool { return t.aborted.Load() }

// Done returns a channel that is closed when the transaction is marked
// aborted. Blocked lock waiters select on it to learn about their own death.
func (t *Transaction) Done() <-chan struct{} { return t.done }

// markAborted flips the abort flag and closes the done channel exactly once.
// The flag is stored before the close so any goroutine woken by Done observes
// Aborted() == true.
func (t *Transaction) markAborted() {
	t.abortOnce.Do(func() {
		t.aborted.Store(true)
		close(t.done)
	})
}
