package remote

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/lockmanager"
	"github.com/sushant-115/gojotx/core/memstore"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/connection"
)

func startNode(t *testing.T, nodeID string) (*memstore.Store, *Server) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	store := memstore.New(nodeID, lockmanager.New(transaction.NewRegistry(), logger), logger)
	srv := NewServer("127.0.0.1:0", store, logger)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Close)
	return store, srv
}

func newTestClient(t *testing.T, nodeID, addr string) *Client {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	pools := connection.NewManager(4, time.Second)
	t.Cleanup(pools.Close)
	return NewClient(nodeID, addr, pools, logger)
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest(`PREPARE txn-1 {"a":"first value","b":""}`)
	require.NoError(t, err)
	require.Equal(t, CmdPrepare, req.Command)
	require.Equal(t, "txn-1", req.TxnID)
	require.Equal(t, transaction.Payload{"a": "first value", "b": ""}, req.Payload)

	req, err = ParseRequest("commit txn-2")
	require.NoError(t, err)
	require.Equal(t, CmdCommit, req.Command)
	require.Equal(t, "txn-2", req.TxnID)

	req, err = ParseRequest("ROLLBACK txn-3")
	require.NoError(t, err)
	require.Equal(t, "txn-3", req.TxnID)

	req, err = ParseRequest("GET alpha")
	require.NoError(t, err)
	require.Equal(t, "alpha", req.Key)

	req, err = ParseRequest("PING")
	require.NoError(t, err)
	require.Equal(t, CmdPing, req.Command)

	for _, raw := range []string{"", "FROB x", "PREPARE txn-1", "PREPARE txn-1 not-json", "COMMIT", "GET"} {
		_, err := ParseRequest(raw)
		require.Error(t, err, "raw=%q", raw)
	}
}

func TestResponseEncodeAndParse(t *testing.T) {
	r := Response{Status: StatusOK, Message: "some value"}
	require.Equal(t, "OK some value\n", r.Encode())
	require.Equal(t, r, ParseResponse(r.Encode()))

	pong := Response{Status: StatusPong}
	require.Equal(t, "PONG\n", pong.Encode())
	require.Equal(t, pong, ParseResponse(pong.Encode()))
}

func TestCommitAcrossWire(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	s1, srv1 := startNode(t, "node-1")
	s2, srv2 := startNode(t, "node-2")

	c1 := newTestClient(t, "node-1", srv1.Addr())
	c2 := newTestClient(t, "node-2", srv2.Addr())

	coord, err := coordinator.New(coordinator.Config{PhaseTimeout: 2 * time.Second}, logger, nil)
	require.NoError(t, err)

	res, err := coord.Execute(context.Background(), "txn-wire-1",
		[]coordinator.Participant{c1, c2}, transaction.Payload{"x": "1", "y": "2"})
	require.NoError(t, err)
	require.Equal(t, coordinator.StateCommitted, res.State)

	for _, s := range []*memstore.Store{s1, s2} {
		v, ok := s.Get("x")
		require.True(t, ok)
		require.Equal(t, "1", v)
		require.Equal(t, 0, s.InFlight())
	}
}

func TestConflictAbortsAcrossWire(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	s1, srv1 := startNode(t, "node-1")
	s2, srv2 := startNode(t, "node-2")

	// An older transaction stays prepared on node-2, holding the lock on x.
	vote, err := s2.Prepare(context.Background(), "txn-blocker", transaction.Payload{"x": "held"})
	require.NoError(t, err)
	require.Equal(t, coordinator.VoteYes, vote)

	c1 := newTestClient(t, "node-1", srv1.Addr())
	c2 := newTestClient(t, "node-2", srv2.Addr())

	coord, err := coordinator.New(coordinator.Config{PhaseTimeout: 2 * time.Second}, logger, nil)
	require.NoError(t, err)

	res, err := coord.Execute(context.Background(), "txn-wire-2",
		[]coordinator.Participant{c1, c2}, transaction.Payload{"x": "99"})
	require.NoError(t, err)
	require.Equal(t, coordinator.StateAborted, res.State)

	// The younger write landed nowhere and the blocker still commits.
	_, ok := s1.Get("x")
	require.False(t, ok)
	require.NoError(t, s2.Commit(context.Background(), "txn-blocker"))
	v, ok := s2.Get("x")
	require.True(t, ok)
	require.Equal(t, "held", v)

	require.Eventually(t, func() bool {
		return s1.InFlight() == 0 && s2.InFlight() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientGetPingAndUnknownRollback(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	_, srv := startNode(t, "node-1")
	c := newTestClient(t, "node-1", srv.Addr())
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	// Rollback of a transaction the node never saw is a clean no-op.
	require.NoError(t, c.Rollback(ctx, "txn-never-seen"))

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	coord, err := coordinator.New(coordinator.Config{PhaseTimeout: 2 * time.Second}, logger, nil)
	require.NoError(t, err)
	res, err := coord.Execute(ctx, "txn-wire-3",
		[]coordinator.Participant{c}, transaction.Payload{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, coordinator.StateCommitted, res.State)

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestCommitUnknownTxnFailsAcrossWire(t *testing.T) {
	_, srv := startNode(t, "node-1")
	c := newTestClient(t, "node-1", srv.Addr())

	err := c.Commit(context.Background(), "txn-never-prepared")
	require.Error(t, err)
	require.Contains(t, err.Error(), StatusError)
}

func TestConnectionReusedAcrossCalls(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	_, srv := startNode(t, "node-1")

	pools := connection.NewManager(4, time.Second)
	t.Cleanup(pools.Close)
	c := NewClient("node-1", srv.Addr(), pools, logger)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Ping(ctx))
	}
	open, idle := pools.Stats(srv.Addr())
	require.Equal(t, 1, open)
	require.Equal(t, 1, idle)
}

func TestServerSurvivesGarbageLine(t *testing.T) {
	_, srv := startNode(t, "node-1")

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	reader := bufio.NewReader(conn)

	_, err = conn.Write([]byte("FROBNICATE everything\n"))
	require.NoError(t, err)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, StatusError, ParseResponse(line).Status)

	// The connection stays usable after a bad line.
	_, err = conn.Write([]byte("PING\n"))
	require.NoError(t, err)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, StatusPong, ParseResponse(line).Status)
}
