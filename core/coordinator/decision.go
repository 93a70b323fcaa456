package coordinator

import (
	"context"
	"time"
)

// DecisionRecord is the audit entry emitted once per transaction when it
// reaches a terminal state.
type DecisionRecord struct {
	TxnID         string    `json:"txn_id"`
	Coordinator   string    `json:"coordinator"`
	State         string    `json:"state"`
	Participants  []string  `json:"participants,omitempty"`
	FailedCommits []string  `json:"failed_commits,omitempty"`
	AbortCause    string    `json:"abort_cause,omitempty"`
	DecidedAt     time.Time `json:"decided_at"`
}

// DecisionSink receives terminal decisions. Implementations should enqueue
// quickly; the coordinator treats sink failures as log-worthy, never as a
// reason to change the decision.
type DecisionSink interface {
	Record(ctx context.Context, rec DecisionRecord) error
}
