// Package journal ships coordinator decisions to a downstream auditor over
// HTTP/3. The sender frames JSON records with a 4-byte big-endian length
// prefix, batches them, and streams batches on long-lived POST requests;
// the receiver decodes the stream back into records.
package journal

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojotx/core/coordinator"
)

// ErrSenderClosed is returned by Record once Close has been called.
var ErrSenderClosed = errors.New("journal: sender closed")

// SenderConfig controls batching, retries and throughput of a Sender.
type SenderConfig struct {
	Addr    string      // journal endpoint, host:port
	URLPath string      // defaults to "/journal"
	TLS     *tls.Config // required for HTTP/3

	NumConnections  int           // concurrent streaming POSTs
	QueueCapacity   int           // ingress queue, in records
	MaxBatchBytes   int           // dispatch a batch at this size
	MaxBatchRecords int           // or at this many records
	FlushInterval   time.Duration // or after this long, whichever first

	MaxWriteRetries   int           // attempts per batch beyond the first
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffJitterFrac float64 // 0.2 means plus or minus 20 percent

	// MaxBytesPerSecond throttles dispatched batch bytes. Zero disables
	// the throttle.
	MaxBytesPerSecond int

	QUIC *quic.Config // optional low-level knobs
}

func (c *SenderConfig) setDefaults() {
	if c.URLPath == "" {
		c.URLPath = "/journal"
	}
	if c.NumConnections <= 0 {
		c.NumConnections = 2
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 64 * 1024
	}
	if c.MaxBatchRecords <= 0 {
		c.MaxBatchRecords = 128
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MaxWriteRetries < 0 {
		c.MaxWriteRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffJitterFrac <= 0 {
		c.BackoffJitterFrac = 0.2
	}
}

// Sender batches decision records and streams them over concurrent HTTP/3
// requests. It implements coordinator.DecisionSink.
type Sender struct {
	cfg        SenderConfig
	url        string
	logger     *zap.Logger
	limiter    *rate.Limiter
	quit       chan struct{}
	closed     atomic.Bool
	wg         sync.WaitGroup
	client     *http.Client
	rt         *http3.Transport
	recordsCh  chan []byte   // marshaled records, owned by batchingLoop
	connInputs []chan []byte // one batch channel per connection manager
	randSrc    *rand.Rand

	throttleCtx    context.Context
	cancelThrottle context.CancelFunc
}

// NewSender starts the batching loop and connection managers. Callers must
// Close the sender to flush queued records.
func NewSender(cfg SenderConfig, logger *zap.Logger) (*Sender, error) {
	cfg.setDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("journal: Addr is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("journal: TLS is required for HTTP/3")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := &http3.Transport{TLSClientConfig: cfg.TLS, QUICConfig: cfg.QUIC}
	throttleCtx, cancelThrottle := context.WithCancel(context.Background())

	s := &Sender{
		cfg:            cfg,
		url:            fmt.Sprintf("https://%s%s", cfg.Addr, cfg.URLPath),
		logger:         logger.With(zap.String("journal", cfg.Addr)),
		quit:           make(chan struct{}),
		client:         &http.Client{Transport: rt},
		rt:             rt,
		recordsCh:      make(chan []byte, cfg.QueueCapacity),
		randSrc:        rand.New(rand.NewSource(time.Now().UnixNano())),
		throttleCtx:    throttleCtx,
		cancelThrottle: cancelThrottle,
	}
	if cfg.MaxBytesPerSecond > 0 {
		// A full batch must fit in one reservation.
		burst := cfg.MaxBatchBytes
		if burst < cfg.MaxBytesPerSecond {
			burst = cfg.MaxBytesPerSecond
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBytesPerSecond), burst)
	}

	s.connInputs = make([]chan []byte, cfg.NumConnections)
	for i := 0; i < cfg.NumConnections; i++ {
		s.connInputs[i] = make(chan []byte, 1)
	}

	s.wg.Add(1)
	go s.batchingLoop()
	for i := 0; i < cfg.NumConnections; i++ {
		s.wg.Add(1)
		go s.connectionManager(i, s.connInputs[i])
	}
	return s, nil
}

// Record enqueues one decision for shipment. It blocks only when the ingress
// queue is full, and never after Close.
func (s *Sender) Record(ctx context.Context, rec coordinator.DecisionRecord) error {
	if s.closed.Load() {
		return ErrSenderClosed
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", rec.TxnID, err)
	}
	select {
	case s.recordsCh <- data:
		return nil
	case <-s.quit:
		return ErrSenderClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued records, stops all goroutines and tears down the
// HTTP/3 transport.
func (s *Sender) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrSenderClosed
	}
	close(s.quit)
	s.cancelThrottle()
	s.wg.Wait()
	return s.rt.Close()
}

func (s *Sender) batchingLoop() {
	defer s.wg.Done()
	defer func() {
		for _, ch := range s.connInputs {
			close(ch)
		}
	}()

	var batch bytes.Buffer
	records := 0
	flushTimer := time.NewTimer(s.cfg.FlushInterval)
	defer flushTimer.Stop()

	dispatch := func() {
		if records == 0 {
			return
		}
		payload := make([]byte, batch.Len())
		copy(payload, batch.Bytes())
		s.throttle(len(payload))

		// Non-blocking handoff to any idle connection first, randomized
		// start for fairness.
		start := s.randSrc.Intn(len(s.connInputs))
		for i := 0; i < len(s.connInputs); i++ {
			idx := (start + i) % len(s.connInputs)
			select {
			case s.connInputs[idx] <- payload:
				batch.Reset()
				records = 0
				return
			default:
			}
		}
		select {
		case s.connInputs[start] <- payload:
			batch.Reset()
			records = 0
		case <-s.quit:
		}
	}

	resetTimer := func() {
		if !flushTimer.Stop() {
			select {
			case <-flushTimer.C:
			default:
			}
		}
		flushTimer.Reset(s.cfg.FlushInterval)
	}

	for {
		select {
		case <-s.quit:
			for {
				select {
				case rec := <-s.recordsCh:
					frameAppend(&batch, rec)
					records++
				default:
					dispatch()
					return
				}
			}

		case rec := <-s.recordsCh:
			frameAppend(&batch, rec)
			records++
			if batch.Len() >= s.cfg.MaxBatchBytes || records >= s.cfg.MaxBatchRecords {
				dispatch()
				resetTimer()
			}

		case <-flushTimer.C:
			dispatch()
			resetTimer()
		}
	}
}

// throttle blocks until the limiter admits n bytes. Oversized batches and
// shutdown ship immediately; the throttle is best effort.
func (s *Sender) throttle(n int) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.WaitN(s.throttleCtx, n); err != nil {
		s.logger.Debug("Journal throttle bypassed", zap.Int("bytes", n), zap.Error(err))
	}
}

type connectionState struct {
	writer    io.WriteCloser
	cancelReq context.CancelFunc
}

func (s *Sender) connectionManager(id int, in <-chan []byte) {
	defer s.wg.Done()
	var st *connectionState
	defer func() {
		if st != nil {
			st.writer.Close()
			st.cancelReq()
		}
	}()

	for payload := range in {
		if st == nil {
			var err error
			st, err = s.establishConnection(id)
			if err != nil {
				s.logger.Warn("Journal connect failed", zap.Int("conn", id), zap.Error(err))
				if st = s.retrySend(id, payload); st == nil {
					s.drop(id, payload, "establish failed")
				}
				continue
			}
		}
		if _, err := st.writer.Write(payload); err != nil {
			s.logger.Warn("Journal write failed, reconnecting", zap.Int("conn", id), zap.Error(err))
			st.writer.Close()
			st.cancelReq()
			if st = s.retrySend(id, payload); st == nil {
				s.drop(id, payload, "write failed")
			}
		}
	}
}

// retrySend re-establishes a connection and rewrites the payload with
// exponential backoff until it succeeds or the retry budget runs out. On
// success it returns the live connection for reuse.
func (s *Sender) retrySend(id int, payload []byte) *connectionState {
	backoff := s.cfg.InitialBackoff
	var st *connectionState
	for attempt := 1; attempt <= s.cfg.MaxWriteRetries; attempt++ {
		if st == nil {
			var err error
			st, err = s.establishConnection(id)
			if err != nil {
				s.logger.Warn("Journal reconnect failed",
					zap.Int("conn", id), zap.Int("attempt", attempt), zap.Error(err))
				if !s.sleepBackoff(backoff) {
					return nil
				}
				backoff = nextBackoff(backoff, s.cfg.MaxBackoff, s.cfg.BackoffJitterFrac, s.randSrc)
				continue
			}
		}
		if _, err := st.writer.Write(payload); err == nil {
			return st
		}
		st.writer.Close()
		st.cancelReq()
		st = nil
		if !s.sleepBackoff(backoff) {
			return nil
		}
		backoff = nextBackoff(backoff, s.cfg.MaxBackoff, s.cfg.BackoffJitterFrac, s.randSrc)
	}
	return nil
}

func (s *Sender) sleepBackoff(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.quit:
		return false
	}
}

func nextBackoff(cur, max time.Duration, jitterFrac float64, r *rand.Rand) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	if jitterFrac > 0 && r != nil {
		j := 1 + (r.Float64()*2-1)*jitterFrac
		next = time.Duration(math.Max(0, float64(next)*j))
	}
	return next
}

func (s *Sender) drop(connID int, payload []byte, reason string) {
	s.logger.Error("Dropping journal batch",
		zap.Int("conn", connID), zap.Int("bytes", len(payload)), zap.String("reason", reason))
}

// establishConnection opens a streaming HTTP/3 POST whose body is an
// io.Pipe; batches written to the pipe flow to the receiver as one request.
func (s *Sender) establishConnection(id int) (*connectionState, error) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("new request: %w", err)
	}

	go func() {
		resp, err := s.client.Do(req)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("journal request failed: %w", err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			pw.CloseWithError(fmt.Errorf("journal returned %s", resp.Status))
			return
		}
		io.Copy(io.Discard, resp.Body)
		pw.Close()
	}()

	s.logger.Debug("Journal stream established", zap.Int("conn", id), zap.String("url", s.url))
	return &connectionState{writer: pw, cancelReq: cancel}, nil
}

// frameAppend writes a 4-byte big-endian length prefix followed by the
// record bytes.
func frameAppend(buf *bytes.Buffer, rec []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(rec)))
	buf.Write(n[:])
	buf.Write(rec)
}
