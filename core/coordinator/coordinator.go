package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
)

// State is the coordinator-side life cycle of one distributed transaction.
type State int

const (
	StateInit State = iota
	StatePreparing
	StateAborting
	StateAborted
	StateCommitting
	StateCommitted
	StateCommitIncomplete
)

// String returns the wire-friendly name of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePreparing:
		return "PREPARING"
	case StateAborting:
		return "ABORTING"
	case StateAborted:
		return "ABORTED"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateCommitIncomplete:
		return "COMMIT_INCOMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateAborted || s == StateCommitted || s == StateCommitIncomplete
}

// Result is the outcome of one Execute call. State is always terminal.
// FailedCommits lists the participants whose commit confirmation is missing
// when the state is COMMIT_INCOMPLETE; the decision itself stays commit and
// those nodes need operator attention or redelivery.
type Result struct {
	TxnID          string
	State          State
	AbortCause     string
	FailedCommits  []string
	PrepareElapsed time.Duration
	CommitElapsed  time.Duration
}

// Config carries the coordinator's tunables.
type Config struct {
	// CoordinatorID names this coordinator in logs and journal records.
	CoordinatorID string
	// PhaseTimeout is the shared deadline for each phase's fan-out. Prepare
	// votes missing at the deadline abort the transaction; commit
	// confirmations missing at the deadline are reported as failed.
	PhaseTimeout time.Duration
	// MaxParallel bounds in-flight participant calls per phase. Zero or
	// negative means no bound beyond one call per participant.
	MaxParallel int
}

func (c *Config) setDefaults() {
	if c.CoordinatorID == "" {
		c.CoordinatorID = "gojotx-coordinator"
	}
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = 5 * time.Second
	}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithDecisionSink wires an audit sink that receives one DecisionRecord per
// terminal transaction.
func WithDecisionSink(sink DecisionSink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// Coordinator drives two-phase commit over a set of participants. It keeps no
// per-transaction state between calls; everything a transaction needs lives
// on the Execute stack, so one coordinator serves any number of concurrent
// transactions.
type Coordinator struct {
	cfg     Config
	logger  *zap.Logger
	sink    DecisionSink
	metrics *metrics
}

// New builds a coordinator. A nil logger disables logging; a nil meter
// disables instrumentation.
func New(cfg Config, logger *zap.Logger, meter metric.Meter, opts ...Option) (*Coordinator, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{cfg: cfg, logger: logger.With(zap.String("coordinator", cfg.CoordinatorID))}
	if meter != nil {
		m, err := newMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("coordinator metrics: %w", err)
		}
		c.metrics = m
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Execute runs one transaction through both phases and returns its terminal
// result. The returned error is non-nil only for caller mistakes (empty id,
// no participants); every protocol outcome, including aborts and incomplete
// commits, arrives as a Result.
//
// The commit decision is made exactly once: after a unanimous yes the
// transaction can only end COMMITTED or COMMIT_INCOMPLETE, never roll back.
func (c *Coordinator) Execute(ctx context.Context, txnID string, participants []Participant, payload transaction.Payload) (*Result, error) {
	if txnID == "" {
		return nil, transaction.ErrEmptyTxnID
	}
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}

	logger := c.logger.With(zap.String("txn", txnID))
	logger.Info("transaction started",
		zap.Int("participants", len(participants)),
		zap.Int("payload_keys", len(payload)),
	)

	res := &Result{TxnID: txnID, State: StatePreparing}

	prepStart := time.Now()
	cause := c.preparePhase(ctx, txnID, participants, payload)
	res.PrepareElapsed = time.Since(prepStart)
	c.metrics.observePhase(ctx, "prepare", res.PrepareElapsed)

	if cause != "" {
		res.State = StateAborting
		res.AbortCause = cause
		logger.Warn("aborting transaction", zap.String("cause", cause))
		c.broadcastRollback(txnID, participants)
		res.State = StateAborted
		c.finish(ctx, res, participants)
		return res, nil
	}

	logger.Info("all participants voted yes, committing")
	res.State = StateCommitting

	commitStart := time.Now()
	failed := c.commitPhase(ctx, txnID, participants)
	res.CommitElapsed = time.Since(commitStart)
	c.metrics.observePhase(ctx, "commit", res.CommitElapsed)

	if len(failed) > 0 {
		res.State = StateCommitIncomplete
		res.FailedCommits = failed
		logger.Error("commit confirmations missing", zap.Strings("nodes", failed))
	} else {
		res.State = StateCommitted
		logger.Info("transaction committed")
	}
	c.finish(ctx, res, participants)
	return res, nil
}

// preparePhase fans prepare out to every participant under one deadline and
// returns the abort cause, or "" when the vote is unanimously yes. The first
// no, error or timeout decides the abort; votes still in flight are abandoned
// to finish against the canceled phase context on their own time.
func (c *Coordinator) preparePhase(ctx context.Context, txnID string, participants []Participant, payload transaction.Payload) string {
	phaseCtx, cancel := context.WithTimeout(ctx, c.cfg.PhaseTimeout)
	defer cancel()

	type reply struct {
		nodeID string
		vote   Vote
		err    error
	}
	// Buffered to participant count so abandoned calls never block.
	replies := make(chan reply, len(participants))
	sem := c.newSemaphore()

	for _, p := range participants {
		go func(p Participant) {
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-phaseCtx.Done():
					replies <- reply{nodeID: p.NodeID(), err: phaseCtx.Err()}
					return
				}
			}
			vote, err := p.Prepare(phaseCtx, txnID, payload)
			replies <- reply{nodeID: p.NodeID(), vote: vote, err: err}
		}(p)
	}

	for yes := 0; yes < len(participants); {
		select {
		case r := <-replies:
			switch {
			case r.err != nil:
				c.metrics.addParticipantError(ctx, "prepare")
				if errors.Is(r.err, context.DeadlineExceeded) {
					return fmt.Sprintf("prepare timed out on %s", r.nodeID)
				}
				return fmt.Sprintf("prepare failed on %s: %v", r.nodeID, r.err)
			case r.vote != VoteYes:
				return fmt.Sprintf("participant %s voted no", r.nodeID)
			default:
				yes++
			}
		case <-phaseCtx.Done():
			c.metrics.addParticipantError(ctx, "prepare")
			if errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
				return fmt.Sprintf("prepare deadline passed with %d of %d votes", yes, len(participants))
			}
			return fmt.Sprintf("prepare canceled: %v", phaseCtx.Err())
		}
	}
	return ""
}

// commitPhase fans the commit decision out and waits for every confirmation
// until the phase deadline. It returns the node ids whose confirmation failed
// or never arrived, sorted for stable reporting.
func (c *Coordinator) commitPhase(ctx context.Context, txnID string, participants []Participant) []string {
	phaseCtx, cancel := context.WithTimeout(ctx, c.cfg.PhaseTimeout)
	defer cancel()

	type reply struct {
		idx int
		err error
	}
	replies := make(chan reply, len(participants))
	sem := c.newSemaphore()

	for i, p := range participants {
		go func(i int, p Participant) {
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-phaseCtx.Done():
					replies <- reply{idx: i, err: phaseCtx.Err()}
					return
				}
			}
			replies <- reply{idx: i, err: p.Commit(phaseCtx, txnID)}
		}(i, p)
	}

	pending := make(map[int]struct{}, len(participants))
	for i := range participants {
		pending[i] = struct{}{}
	}
	var failed []string
	record := func(r reply) {
		delete(pending, r.idx)
		if r.err != nil {
			c.metrics.addParticipantError(ctx, "commit")
			c.logger.Warn("commit confirmation failed",
				zap.String("txn", txnID),
				zap.String("node", participants[r.idx].NodeID()),
				zap.Error(r.err),
			)
			failed = append(failed, participants[r.idx].NodeID())
		}
	}

wait:
	for len(pending) > 0 {
		select {
		case r := <-replies:
			record(r)
		case <-phaseCtx.Done():
			// Pick up confirmations that raced the deadline before writing
			// off the rest.
		drain:
			for {
				select {
				case r := <-replies:
					record(r)
				default:
					break drain
				}
			}
			for i := range pending {
				failed = append(failed, participants[i].NodeID())
			}
			break wait
		}
	}
	sort.Strings(failed)
	return failed
}

// broadcastRollback tells every participant to discard the transaction. It
// is fire and forget: each delivery runs in its own goroutine with its own
// deadline, outliving Execute if it must, and failures are only logged.
func (c *Coordinator) broadcastRollback(txnID string, participants []Participant) {
	for _, p := range participants {
		go func(p Participant) {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PhaseTimeout)
			defer cancel()
			if err := p.Rollback(ctx, txnID); err != nil {
				c.logger.Warn("rollback delivery failed",
					zap.String("txn", txnID),
					zap.String("node", p.NodeID()),
					zap.Error(err),
				)
			}
		}(p)
	}
}

func (c *Coordinator) finish(ctx context.Context, res *Result, participants []Participant) {
	c.metrics.addOutcome(ctx, res.State)
	if c.sink == nil {
		return
	}
	nodes := make([]string, 0, len(participants))
	for _, p := range participants {
		nodes = append(nodes, p.NodeID())
	}
	rec := DecisionRecord{
		TxnID:         res.TxnID,
		Coordinator:   c.cfg.CoordinatorID,
		State:         res.State.String(),
		Participants:  nodes,
		FailedCommits: res.FailedCommits,
		AbortCause:    res.AbortCause,
		DecidedAt:     time.Now().UTC(),
	}
	if err := c.sink.Record(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Warn("decision journal write failed",
			zap.String("txn", res.TxnID),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) newSemaphore() chan struct{} {
	if c.cfg.MaxParallel <= 0 {
		return nil
	}
	return make(chan struct{}, c.cfg.MaxParallel)
}
