package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/transaction"
)

// Backend is what a node exposes over the wire: the participant half of a
// transaction plus committed reads. *memstore.Store satisfies it.
type Backend interface {
	Prepare(ctx context.Context, txnID string, payload transaction.Payload) (coordinator.Vote, error)
	Commit(ctx context.Context, txnID string) error
	Rollback(ctx context.Context, txnID string) error
	Get(key string) (string, bool)
}

// Server accepts coordinator connections and drives the backend. Each
// connection is handled by one goroutine reading command lines in order, so
// requests on a single pooled connection never interleave.
type Server struct {
	addr    string
	backend Backend
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ln     net.Listener
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer returns a server for the backend. Call Start to begin listening.
func NewServer(addr string, backend Backend, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		backend: backend,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("Transaction server listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr reports the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops accepting, closes live connections and waits for handlers to
// drain. In-flight transactions should be committed or rolled back first; a
// prepare still parked on a lock keeps its handler alive until it resolves.
func (s *Server) Close() {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn("Failed to accept connection", zap.Error(err))
			continue
		}
		s.track(conn)
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("Connection opened", zap.String("remote", remote))

	reader := bufio.NewReader(conn)
	for {
		netData, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Connection read failed", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		raw := strings.TrimSpace(netData)
		if raw == "" {
			continue
		}

		var resp Response
		req, err := ParseRequest(raw)
		if err != nil {
			resp = Response{Status: StatusError, Message: err.Error()}
		} else {
			resp = s.handleRequest(req)
		}
		if _, err := conn.Write([]byte(resp.Encode())); err != nil {
			s.logger.Debug("Connection write failed", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}

func (s *Server) handleRequest(req Request) Response {
	switch req.Command {
	case CmdPrepare:
		vote, err := s.backend.Prepare(s.ctx, req.TxnID, req.Payload)
		if err != nil {
			s.logger.Warn("Prepare failed", zap.String("txn_id", req.TxnID), zap.Error(err))
			return Response{Status: StatusVoteAbort, Message: err.Error()}
		}
		if vote != coordinator.VoteYes {
			return Response{Status: StatusVoteAbort, Message: req.TxnID}
		}
		return Response{Status: StatusVoteCommit, Message: req.TxnID}
	case CmdCommit:
		if err := s.backend.Commit(s.ctx, req.TxnID); err != nil {
			s.logger.Warn("Commit failed", zap.String("txn_id", req.TxnID), zap.Error(err))
			return Response{Status: StatusError, Message: err.Error()}
		}
		return Response{Status: StatusCommitted, Message: req.TxnID}
	case CmdRollback:
		if err := s.backend.Rollback(s.ctx, req.TxnID); err != nil {
			s.logger.Warn("Rollback failed", zap.String("txn_id", req.TxnID), zap.Error(err))
			return Response{Status: StatusError, Message: err.Error()}
		}
		return Response{Status: StatusAborted, Message: req.TxnID}
	case CmdGet:
		value, ok := s.backend.Get(req.Key)
		if !ok {
			return Response{Status: StatusNotFound, Message: req.Key}
		}
		return Response{Status: StatusOK, Message: value}
	case CmdPing:
		return Response{Status: StatusPong}
	default:
		return Response{Status: StatusError, Message: "unknown command: " + req.Command}
	}
}
