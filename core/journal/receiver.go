package journal

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/coordinator"
)

// BackpressurePolicy decides what happens when the records channel is full.
type BackpressurePolicy int

const (
	// BlockSender stalls the stream handler until a slot frees up.
	BlockSender BackpressurePolicy = iota
	// DropIfFull discards the record, trading completeness for latency.
	DropIfFull
)

// ReceiverConfig controls the journal endpoint.
type ReceiverConfig struct {
	Addr    string       // e.g. "127.0.0.1:8445"
	URLPath string       // defaults to "/journal"
	TLS     *tls.Config  // required for HTTP/3
	QUIC    *quic.Config // optional

	QueueCapacity  int   // capacity of the records channel
	MaxRecordBytes int   // largest accepted frame
	MaxStreamBytes int64 // total bytes accepted per stream, 0 for unlimited
	MaxConcurrency int   // concurrent stream handlers, 0 for unlimited
	Backpressure   BackpressurePolicy
}

// Receiver consumes journal streams and hands decoded decisions to the
// consumer through Records.
type Receiver struct {
	cfg     ReceiverConfig
	logger  *zap.Logger
	server  *http3.Server
	ln      net.PacketConn
	records chan coordinator.DecisionRecord
	wg      sync.WaitGroup
	sem     chan struct{}
	started atomic.Bool
	closed  atomic.Bool
}

// NewReceiver builds a receiver. Call Start to bind the UDP socket.
func NewReceiver(cfg ReceiverConfig, logger *zap.Logger) (*Receiver, error) {
	if cfg.Addr == "" {
		return nil, errors.New("journal: Addr is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("journal: TLS is required for HTTP/3")
	}
	if cfg.URLPath == "" {
		cfg.URLPath = "/journal"
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.MaxRecordBytes <= 0 {
		cfg.MaxRecordBytes = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Receiver{
		cfg:     cfg,
		logger:  logger,
		records: make(chan coordinator.DecisionRecord, cfg.QueueCapacity),
	}
	if cfg.MaxConcurrency > 0 {
		r.sem = make(chan struct{}, cfg.MaxConcurrency)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.URLPath, r.streamHandler)
	r.server = &http3.Server{
		Addr:       cfg.Addr,
		TLSConfig:  cfg.TLS,
		Handler:    mux,
		QUICConfig: cfg.QUIC,
	}
	return r, nil
}

// Start binds the UDP socket and serves HTTP/3 on it.
func (r *Receiver) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("journal: receiver already started")
	}
	conn, err := net.ListenPacket("udp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen UDP %s: %w", r.cfg.Addr, err)
	}
	r.ln = conn
	r.logger.Info("Journal receiver listening",
		zap.String("addr", conn.LocalAddr().String()), zap.String("path", r.cfg.URLPath))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("Journal receiver serve failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr reports the bound address, useful when the configured port is 0.
func (r *Receiver) Addr() string {
	return r.ln.LocalAddr().String()
}

// Close stops the server and closes the records channel once all stream
// handlers have drained or ctx expires.
func (r *Receiver) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.server.Close()
	if r.ln != nil {
		r.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		r.logger.Warn("Journal receiver close timed out", zap.Error(ctx.Err()))
	case <-done:
	}

	close(r.records)
	r.logger.Info("Journal receiver closed")
	return nil
}

// Records returns the consumer channel. It is closed by Close.
func (r *Receiver) Records() <-chan coordinator.DecisionRecord {
	return r.records
}

func (r *Receiver) acquire() func() {
	if r.sem == nil {
		return func() {}
	}
	r.sem <- struct{}{}
	return func() { <-r.sem }
}

// streamHandler decodes a length-prefixed stream: 4-byte big-endian frame
// size, then the JSON record, repeated until the sender closes the stream.
func (r *Receiver) streamHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if req.Body == nil {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	release := r.acquire()
	defer release()

	r.wg.Add(1)
	defer r.wg.Done()

	remote := req.RemoteAddr
	r.logger.Debug("Journal stream opened", zap.String("remote", remote))
	defer r.logger.Debug("Journal stream closed", zap.String("remote", remote))

	// Acknowledge early so the sender's streaming request sees 200 while
	// frames are still flowing.
	w.WriteHeader(http.StatusOK)
	w.Write(nil)

	ctx := req.Context()
	body := req.Body
	var lenBuf [4]byte
	var streamBytes int64

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Journal stream cancelled", zap.String("remote", remote), zap.Error(ctx.Err()))
			return
		default:
		}

		if r.cfg.MaxStreamBytes > 0 && streamBytes >= r.cfg.MaxStreamBytes {
			r.logger.Warn("Journal stream exceeded byte cap",
				zap.String("remote", remote), zap.Int64("cap", r.cfg.MaxStreamBytes))
			return
		}

		if _, err := io.ReadFull(body, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			r.logger.Error("Journal frame length read failed", zap.String("remote", remote), zap.Error(err))
			return
		}
		streamBytes += 4

		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue
		}
		if int(n) > r.cfg.MaxRecordBytes {
			r.logger.Warn("Journal frame too large",
				zap.String("remote", remote), zap.Uint32("size", n), zap.Int("max", r.cfg.MaxRecordBytes))
			return
		}

		frame := make([]byte, int(n))
		if _, err := io.ReadFull(body, frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			r.logger.Error("Journal frame read failed", zap.String("remote", remote), zap.Error(err))
			return
		}
		streamBytes += int64(n)

		var rec coordinator.DecisionRecord
		if err := json.Unmarshal(frame, &rec); err != nil {
			// Framing is intact, the record is not. Skip it.
			r.logger.Warn("Journal record decode failed", zap.String("remote", remote), zap.Error(err))
			continue
		}

		switch r.cfg.Backpressure {
		case BlockSender:
			select {
			case r.records <- rec:
			case <-ctx.Done():
				r.logger.Debug("Journal stream cancelled while blocked", zap.String("remote", remote))
				return
			}
		case DropIfFull:
			select {
			case r.records <- rec:
			default:
				r.logger.Warn("Journal record dropped, queue full", zap.String("txn_id", rec.TxnID))
			}
		}
	}
}
