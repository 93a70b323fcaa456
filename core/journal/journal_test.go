package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/lockmanager"
	"github.com/sushant-115/gojotx/core/memstore"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/certs"
)

func startReceiver(t *testing.T) (*Receiver, *Sender) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	serverTLS, clientTLS, err := certs.NewEphemeral()
	require.NoError(t, err)

	recv, err := NewReceiver(ReceiverConfig{
		Addr:          "127.0.0.1:0",
		TLS:           serverTLS,
		QueueCapacity: 64,
	}, logger)
	require.NoError(t, err)
	require.NoError(t, recv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		recv.Close(ctx)
	})

	sender, err := NewSender(SenderConfig{
		Addr:            recv.Addr(),
		TLS:             clientTLS,
		NumConnections:  1,
		FlushInterval:   10 * time.Millisecond,
		MaxWriteRetries: 3,
		InitialBackoff:  20 * time.Millisecond,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { sender.Close() })
	return recv, sender
}

func collectRecords(t *testing.T, ch <-chan coordinator.DecisionRecord, n int) map[string]coordinator.DecisionRecord {
	t.Helper()
	out := make(map[string]coordinator.DecisionRecord, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case rec, ok := <-ch:
			require.True(t, ok, "records channel closed early")
			out[rec.TxnID] = rec
		case <-deadline:
			t.Fatalf("timed out waiting for %d records, got %d", n, len(out))
		}
	}
	return out
}

func TestSenderConfigValidation(t *testing.T) {
	logger := zap.NewNop()
	serverTLS, clientTLS, err := certs.NewEphemeral()
	require.NoError(t, err)

	_, err = NewSender(SenderConfig{TLS: clientTLS}, logger)
	require.Error(t, err)

	_, err = NewSender(SenderConfig{Addr: "127.0.0.1:4444"}, logger)
	require.Error(t, err)

	_, err = NewReceiver(ReceiverConfig{TLS: serverTLS}, logger)
	require.Error(t, err)

	_, err = NewReceiver(ReceiverConfig{Addr: "127.0.0.1:0"}, logger)
	require.Error(t, err)
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	require.Equal(t, 2*time.Second, nextBackoff(time.Second, 5*time.Second, 0, nil))
	require.Equal(t, 5*time.Second, nextBackoff(4*time.Second, 5*time.Second, 0, nil))
	require.Equal(t, 5*time.Second, nextBackoff(5*time.Second, 5*time.Second, 0, nil))
}

func TestDecisionsFlowSenderToReceiver(t *testing.T) {
	recv, sender := startReceiver(t)
	ctx := context.Background()

	decisions := []coordinator.DecisionRecord{
		{TxnID: "txn-1", Coordinator: "coord-1", State: "COMMITTED",
			Participants: []string{"node-1", "node-2"}, DecidedAt: time.Now().UTC()},
		{TxnID: "txn-2", Coordinator: "coord-1", State: "ABORTED",
			AbortCause: "participant node-2 voted abort", DecidedAt: time.Now().UTC()},
		{TxnID: "txn-3", Coordinator: "coord-1", State: "COMMIT_INCOMPLETE",
			FailedCommits: []string{"node-3"}, DecidedAt: time.Now().UTC()},
	}
	for _, rec := range decisions {
		require.NoError(t, sender.Record(ctx, rec))
	}

	got := collectRecords(t, recv.Records(), len(decisions))
	require.Equal(t, "COMMITTED", got["txn-1"].State)
	require.Equal(t, []string{"node-1", "node-2"}, got["txn-1"].Participants)
	require.Equal(t, "participant node-2 voted abort", got["txn-2"].AbortCause)
	require.Equal(t, []string{"node-3"}, got["txn-3"].FailedCommits)
}

func TestSenderCloseFlushesQueued(t *testing.T) {
	recv, sender := startReceiver(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, sender.Record(ctx, coordinator.DecisionRecord{
			TxnID: fmt.Sprintf("txn-flush-%d", i), State: "COMMITTED", DecidedAt: time.Now().UTC(),
		}))
	}
	require.NoError(t, sender.Close())
	require.ErrorIs(t, sender.Record(ctx, coordinator.DecisionRecord{TxnID: "late"}), ErrSenderClosed)
	require.ErrorIs(t, sender.Close(), ErrSenderClosed)

	collectRecords(t, recv.Records(), 10)
}

func TestCoordinatorJournalsDecisions(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	recv, sender := startReceiver(t)

	store := memstore.New("node-1", lockmanager.New(transaction.NewRegistry(), logger), logger)
	coord, err := coordinator.New(coordinator.Config{
		CoordinatorID: "coord-journal",
		PhaseTimeout:  2 * time.Second,
	}, logger, nil, coordinator.WithDecisionSink(sender))
	require.NoError(t, err)

	res, err := coord.Execute(context.Background(), "txn-journaled",
		[]coordinator.Participant{store}, transaction.Payload{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, coordinator.StateCommitted, res.State)

	got := collectRecords(t, recv.Records(), 1)
	rec := got["txn-journaled"]
	require.Equal(t, "COMMITTED", rec.State)
	require.Equal(t, "coord-journal", rec.Coordinator)
	require.Equal(t, []string{"node-1"}, rec.Participants)
	require.False(t, rec.DecidedAt.IsZero())
}

func TestThrottleAdmitsFullBatch(t *testing.T) {
	logger := zap.NewNop()
	serverTLS, clientTLS, err := certs.NewEphemeral()
	require.NoError(t, err)

	recv, err := NewReceiver(ReceiverConfig{Addr: "127.0.0.1:0", TLS: serverTLS}, logger)
	require.NoError(t, err)
	require.NoError(t, recv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		recv.Close(ctx)
	})

	// Rate far above what the test produces, so the throttle must not stall.
	sender, err := NewSender(SenderConfig{
		Addr:              recv.Addr(),
		TLS:               clientTLS,
		NumConnections:    1,
		FlushInterval:     10 * time.Millisecond,
		MaxBytesPerSecond: 1 << 20,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { sender.Close() })

	require.NoError(t, sender.Record(context.Background(), coordinator.DecisionRecord{
		TxnID: "txn-throttled", State: "ABORTED", DecidedAt: time.Now().UTC(),
	}))
	got := collectRecords(t, recv.Records(), 1)
	require.Equal(t, "ABORTED", got["txn-throttled"].State)
}
