package coordinator

import (
	"context"

	"github.com/sushant-115/gojotx/core/transaction"
)

// Vote is a participant's answer to prepare. The zero value is invalid so a
// forgotten return shows up as a rejection rather than a silent yes.
type Vote int

const (
	// VoteYes promises the participant can commit and holds every lock and
	// staged write it needs until the global decision arrives.
	VoteYes Vote = iota + 1
	// VoteNo rejects the transaction. The participant may already have
	// cleaned up locally; it still receives the rollback broadcast.
	VoteNo
)

// String returns the wire name of the vote.
func (v Vote) String() string {
	switch v {
	case VoteYes:
		return "VOTE_COMMIT"
	case VoteNo:
		return "VOTE_ABORT"
	default:
		return "VOTE_UNKNOWN"
	}
}

// Participant is one resource manager taking part in a distributed
// transaction. Implementations must be safe for concurrent use; prepare,
// commit and rollback for different transactions may overlap.
//
// Rollback must succeed as a no-op for transactions the participant never
// prepared or has already rolled back: the coordinator broadcasts it to every
// participant, including the ones that voted no or never answered.
type Participant interface {
	// NodeID returns a stable identifier used in logs, journal records and
	// failure reports. It carries no ordering or priority semantics.
	NodeID() string

	// Prepare stages the transaction's payload and votes on its fate. A
	// non-nil error counts as a no vote; blocking calls must honor ctx.
	Prepare(ctx context.Context, txnID string, payload transaction.Payload) (Vote, error)

	// Commit makes the staged writes durable and visible. It is only called
	// after every participant voted yes.
	Commit(ctx context.Context, txnID string) error

	// Rollback discards any staged state for the transaction.
	Rollback(ctx context.Context, txnID string) error
}
