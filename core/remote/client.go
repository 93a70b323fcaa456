package remote

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/connection"
)

// DefaultCallTimeout bounds a call whose context carries no deadline.
const DefaultCallTimeout = 5 * time.Second

// Client talks to one participant node over pooled TCP connections. It
// implements coordinator.Participant, so a coordinator can drive remote
// nodes and in-process stores through the same interface.
type Client struct {
	nodeID string
	addr   string
	pools  *connection.Manager
	logger *zap.Logger
}

// NewClient returns a client for the node listening at addr. The pool
// manager is shared across clients so each node keeps one connection pool.
func NewClient(nodeID, addr string, pools *connection.Manager, logger *zap.Logger) *Client {
	return &Client{
		nodeID: nodeID,
		addr:   addr,
		pools:  pools,
		logger: logger.With(zap.String("node", nodeID), zap.String("addr", addr)),
	}
}

// NodeID reports the participant identity used in coordinator decisions.
func (c *Client) NodeID() string {
	return c.nodeID
}

// call sends one request line and reads one response line. Connections with
// a failed read or write are discarded rather than pooled, since the next
// caller would otherwise inherit a stream in an unknown state.
func (c *Client) call(ctx context.Context, line string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	conn, err := c.pools.Get(c.addr)
	if err != nil {
		return Response{}, fmt.Errorf("connect %s: %w", c.addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultCallTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Discard()
		return Response{}, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write([]byte(line)); err != nil {
		conn.Discard()
		return Response{}, fmt.Errorf("write %s: %w", c.addr, err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Discard()
		return Response{}, fmt.Errorf("read %s: %w", c.addr, err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Discard()
		return ParseResponse(reply), nil
	}
	if err := conn.Close(); err != nil {
		c.logger.Warn("Failed to return connection to pool", zap.Error(err))
	}
	return ParseResponse(reply), nil
}

// Prepare asks the node to stage the payload and vote.
func (c *Client) Prepare(ctx context.Context, txnID string, payload transaction.Payload) (coordinator.Vote, error) {
	line, err := EncodePrepare(txnID, payload)
	if err != nil {
		return coordinator.VoteNo, err
	}
	resp, err := c.call(ctx, line)
	if err != nil {
		return coordinator.VoteNo, err
	}
	switch resp.Status {
	case StatusVoteCommit:
		return coordinator.VoteYes, nil
	case StatusVoteAbort:
		c.logger.Debug("Node voted abort", zap.String("txn_id", txnID), zap.String("reason", resp.Message))
		return coordinator.VoteNo, nil
	default:
		return coordinator.VoteNo, fmt.Errorf("prepare %s: %s %s", txnID, resp.Status, resp.Message)
	}
}

// Commit tells the node to apply the staged transaction.
func (c *Client) Commit(ctx context.Context, txnID string) error {
	resp, err := c.call(ctx, fmt.Sprintf("%s %s\n", CmdCommit, txnID))
	if err != nil {
		return err
	}
	if resp.Status != StatusCommitted {
		return fmt.Errorf("commit %s: %s %s", txnID, resp.Status, resp.Message)
	}
	return nil
}

// Rollback tells the node to discard the staged transaction.
func (c *Client) Rollback(ctx context.Context, txnID string) error {
	resp, err := c.call(ctx, fmt.Sprintf("%s %s\n", CmdRollback, txnID))
	if err != nil {
		return err
	}
	if resp.Status != StatusAborted {
		return fmt.Errorf("rollback %s: %s %s", txnID, resp.Status, resp.Message)
	}
	return nil
}

// Get reads a committed value from the node.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := c.call(ctx, fmt.Sprintf("%s %s\n", CmdGet, key))
	if err != nil {
		return "", false, err
	}
	switch resp.Status {
	case StatusOK:
		return resp.Message, true, nil
	case StatusNotFound:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("get %s: %s %s", key, resp.Status, resp.Message)
	}
}

// Ping checks that the node answers on its transaction port.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.call(ctx, CmdPing+"\n")
	if err != nil {
		return err
	}
	if resp.Status != StatusPong {
		return fmt.Errorf("ping: %s %s", resp.Status, resp.Message)
	}
	return nil
}
