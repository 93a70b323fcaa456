// gojotx_coordinator fronts the two-phase commit engine with an HTTP JSON
// API. POST /transaction runs a batch of operations atomically across every
// configured participant node; POST /data serves single-key reads from any
// healthy node; /status and /healthz expose participant reachability.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/journal"
	"github.com/sushant-115/gojotx/core/remote"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/connection"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file")
	listenAddr = flag.String("listen", "", "HTTP listen address, overrides coordinator.listen_addr")
)

// APIRequest is one client data command, mirroring the storage wire protocol.
type APIRequest struct {
	Command string `json:"command"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
}

// APIResponse carries the outcome of a data command.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// TransactionRequest is a batch of operations to apply atomically across all
// participants.
type TransactionRequest struct {
	Operations []transaction.Operation `json:"operations"`
}

// TransactionResponse reports the terminal state of one transaction.
type TransactionResponse struct {
	Status        string   `json:"status"`
	TxnID         string   `json:"txn_id,omitempty"`
	Message       string   `json:"message,omitempty"`
	FailedCommits []string `json:"failed_commits,omitempty"`
}

// healthzResponse summarizes participant reachability for probes.
type healthzResponse struct {
	Status       string `json:"status"`
	Healthy      int    `json:"healthy"`
	Participants int    `json:"participants"`
}

// APIService routes client HTTP requests to the coordinator and keeps an eye
// on participant health.
type APIService struct {
	cfg          *config.Config
	logger       *zap.Logger
	coord        *coordinator.Coordinator
	pools        *connection.Manager
	clients      []*remote.Client
	participants []coordinator.Participant

	healthMu sync.RWMutex
	health   map[string]bool // node id -> last ping result

	quit chan struct{}
}

// NewAPIService builds the service and starts the participant health monitor.
func NewAPIService(cfg *config.Config, coord *coordinator.Coordinator, clients []*remote.Client, pools *connection.Manager, logger *zap.Logger) *APIService {
	participants := make([]coordinator.Participant, len(clients))
	for i, c := range clients {
		participants[i] = c
	}
	s := &APIService{
		cfg:          cfg,
		logger:       logger,
		coord:        coord,
		pools:        pools,
		clients:      clients,
		participants: participants,
		health:       make(map[string]bool),
		quit:         make(chan struct{}),
	}
	go s.monitorParticipantHealth()
	return s
}

// Stop ends the health monitor. Shutting down the HTTP server is the
// caller's business.
func (s *APIService) Stop() {
	close(s.quit)
}

// monitorParticipantHealth pings every participant on a fixed interval and
// records reachability. Transitions are logged once, not on every sweep.
func (s *APIService) monitorParticipantHealth() {
	interval := s.cfg.Coordinator.HealthCheckInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.sweepParticipants()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepParticipants()
		case <-s.quit:
			return
		}
	}
}

func (s *APIService) sweepParticipants() {
	pingTimeout := s.cfg.Coordinator.DialTimeout.Std()
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	for _, c := range s.clients {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err := c.Ping(ctx)
		cancel()

		healthy := err == nil
		s.healthMu.Lock()
		was, known := s.health[c.NodeID()]
		s.health[c.NodeID()] = healthy
		s.healthMu.Unlock()

		if known && was == healthy {
			continue
		}
		if healthy {
			s.logger.Info("Participant is healthy", zap.String("node", c.NodeID()))
		} else {
			s.logger.Warn("Participant is unhealthy", zap.String("node", c.NodeID()), zap.Error(err))
		}
	}
}

// unhealthyParticipants returns the ids of participants whose last ping
// failed. Nodes not swept yet pass; if one is actually down, its prepare
// fails and the transaction aborts through the usual path.
func (s *APIService) unhealthyParticipants() []string {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	var down []string
	for id, healthy := range s.health {
		if !healthy {
			down = append(down, id)
		}
	}
	sort.Strings(down)
	return down
}

// pickHealthyClient selects a random healthy participant for a read. Every
// committed transaction lands on every node, so any healthy one can serve.
func (s *APIService) pickHealthyClient() (*remote.Client, bool) {
	s.healthMu.RLock()
	candidates := make([]*remote.Client, 0, len(s.clients))
	for _, c := range s.clients {
		if healthy, known := s.health[c.NodeID()]; !known || healthy {
			candidates = append(candidates, c)
		}
	}
	s.healthMu.RUnlock()
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// handleTransaction runs one distributed transaction through both phases and
// reports its terminal state. Known-dead participants fail the request fast,
// before any node stages work that would only be rolled back.
func (s *APIService) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed. Use POST.", http.StatusMethodNotAllowed)
		return
	}

	var txReq TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&txReq); err != nil {
		http.Error(w, fmt.Sprintf("Invalid transaction request format: %v", err), http.StatusBadRequest)
		return
	}
	if len(txReq.Operations) == 0 {
		http.Error(w, "Transaction needs at least one operation.", http.StatusBadRequest)
		return
	}
	payload, err := transaction.PayloadFromOperations(txReq.Operations)
	if err != nil {
		json.NewEncoder(w).Encode(TransactionResponse{Status: "ERROR", Message: err.Error()})
		return
	}

	if down := s.unhealthyParticipants(); len(down) > 0 {
		json.NewEncoder(w).Encode(TransactionResponse{
			Status:  "ABORTED",
			Message: fmt.Sprintf("participants unreachable: %s", strings.Join(down, ", ")),
		})
		return
	}

	txnID := uuid.NewString()
	res, err := s.coord.Execute(r.Context(), txnID, s.participants, payload)
	if err != nil {
		s.logger.Error("Transaction rejected", zap.String("txn", txnID), zap.Error(err))
		http.Error(w, fmt.Sprintf("Transaction rejected: %v", err), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(TransactionResponse{
		Status:        res.State.String(),
		TxnID:         res.TxnID,
		Message:       res.AbortCause,
		FailedCommits: res.FailedCommits,
	})
}

// handleData serves single-key reads. Writes must go through /transaction so
// they reach every participant atomically.
func (s *APIService) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed. Use POST.", http.StatusMethodNotAllowed)
		return
	}

	var apiReq APIRequest
	if err := json.NewDecoder(r.Body).Decode(&apiReq); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request format: %v", err), http.StatusBadRequest)
		return
	}

	switch strings.ToUpper(apiReq.Command) {
	case "GET":
	case "PUT", "DELETE":
		json.NewEncoder(w).Encode(APIResponse{Status: "ERROR", Message: "writes must go through /transaction"})
		return
	default:
		json.NewEncoder(w).Encode(APIResponse{Status: "ERROR", Message: fmt.Sprintf("unknown command %q", apiReq.Command)})
		return
	}
	if apiReq.Key == "" {
		json.NewEncoder(w).Encode(APIResponse{Status: "ERROR", Message: "key is required"})
		return
	}

	client, ok := s.pickHealthyClient()
	if !ok {
		json.NewEncoder(w).Encode(APIResponse{Status: "ERROR", Message: "no healthy participant available"})
		return
	}

	value, found, err := client.Get(r.Context(), apiReq.Key)
	if err != nil {
		s.logger.Warn("Read failed",
			zap.String("node", client.NodeID()),
			zap.String("key", apiReq.Key),
			zap.Error(err),
		)
		json.NewEncoder(w).Encode(APIResponse{Status: "ERROR", Message: fmt.Sprintf("read from %s failed: %v", client.NodeID(), err)})
		return
	}
	if !found {
		json.NewEncoder(w).Encode(APIResponse{Status: "NOT_FOUND", Message: apiReq.Key})
		return
	}
	json.NewEncoder(w).Encode(APIResponse{Status: "OK", Message: value})
}

// handleStatus dumps a human-readable snapshot of the coordinator and its
// participants.
func (s *APIService) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.healthMu.RLock()
	health := make(map[string]bool, len(s.health))
	for id, ok := range s.health {
		health[id] = ok
	}
	s.healthMu.RUnlock()

	var b strings.Builder
	b.WriteString("GojoTx Coordinator Status:\n")
	fmt.Fprintf(&b, "  - Coordinator: %s (Addr: %s)\n", s.cfg.Coordinator.ID, s.cfg.Coordinator.ListenAddr)
	fmt.Fprintf(&b, "    Phase Timeout: %s, Journal Enabled: %t\n", s.cfg.Coordinator.PhaseTimeout.Std(), s.cfg.Journal.Enabled)

	sorted := make([]config.ParticipantConfig, len(s.cfg.Coordinator.Participants))
	copy(sorted, s.cfg.Coordinator.Participants)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	fmt.Fprintf(&b, "\nRegistered Participants (%d):\n", len(sorted))
	if len(sorted) == 0 {
		b.WriteString("  (None)\n")
	}
	for _, p := range sorted {
		healthStatus := "UNKNOWN"
		if healthy, ok := health[p.ID]; ok {
			if healthy {
				healthStatus = "HEALTHY"
			} else {
				healthStatus = "UNHEALTHY"
			}
		}
		open, idle := s.pools.Stats(p.Addr)
		fmt.Fprintf(&b, "  - ID: %s, Addr: %s, Health: %s, Conns: %d open / %d idle\n", p.ID, p.Addr, healthStatus, open, idle)
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, b.String())
}

// handleHealthz reports degraded until every participant answered its last
// ping, which also covers the moments before the first sweep lands.
func (s *APIService) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.healthMu.RLock()
	healthy := 0
	for _, ok := range s.health {
		if ok {
			healthy++
		}
	}
	s.healthMu.RUnlock()

	resp := healthzResponse{Status: "ok", Healthy: healthy, Participants: len(s.clients)}
	if healthy < len(s.clients) {
		resp.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

// buildJournalTLS assembles the client TLS config for the HTTP/3 journal.
// The CA file is a PEM bundle; without one the config must opt in to
// insecure_skip_verify since HTTP/3 always encrypts.
func buildJournalTLS(cfg config.JournalConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		NextProtos:         []string{"h3"},
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read journal CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("journal CA file %s holds no usable certificates", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	zlogger, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("FATAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}

	zlogger.Info("Starting gojotx coordinator",
		zap.String("coordinator_id", cfg.Coordinator.ID),
		zap.String("listen_addr", cfg.Coordinator.ListenAddr),
		zap.Int("participants", len(cfg.Coordinator.Participants)),
	)

	pools := connection.NewManager(cfg.Coordinator.PoolSize, cfg.Coordinator.DialTimeout.Std())
	clients := make([]*remote.Client, 0, len(cfg.Coordinator.Participants))
	for _, p := range cfg.Coordinator.Participants {
		clients = append(clients, remote.NewClient(p.ID, p.Addr, pools, zlogger))
	}

	var opts []coordinator.Option
	var sender *journal.Sender
	if cfg.Journal.Enabled {
		tlsCfg, err := buildJournalTLS(cfg.Journal)
		if err != nil {
			zlogger.Fatal("Failed to build journal TLS config", zap.Error(err))
		}
		sender, err = journal.NewSender(journal.SenderConfig{
			Addr:              cfg.Journal.Addr,
			URLPath:           cfg.Journal.URLPath,
			TLS:               tlsCfg,
			NumConnections:    cfg.Journal.NumConnections,
			FlushInterval:     cfg.Journal.FlushInterval.Std(),
			MaxWriteRetries:   cfg.Journal.MaxWriteRetries,
			MaxBytesPerSecond: cfg.Journal.MaxBytesPerSecond,
		}, zlogger)
		if err != nil {
			zlogger.Fatal("Failed to start decision journal sender", zap.Error(err))
		}
		opts = append(opts, coordinator.WithDecisionSink(sender))
		zlogger.Info("Decision journal enabled", zap.String("addr", cfg.Journal.Addr))
	}

	coord, err := coordinator.New(coordinator.Config{
		CoordinatorID: cfg.Coordinator.ID,
		PhaseTimeout:  cfg.Coordinator.PhaseTimeout.Std(),
		MaxParallel:   cfg.Coordinator.MaxParallel,
	}, zlogger, tel.Meter, opts...)
	if err != nil {
		zlogger.Fatal("Failed to build coordinator", zap.Error(err))
	}

	service := NewAPIService(cfg, coord, clients, pools, zlogger)

	mux := http.NewServeMux()
	mux.HandleFunc("/transaction", service.handleTransaction)
	mux.HandleFunc("/data", service.handleData)
	mux.HandleFunc("/status", service.handleStatus)
	mux.HandleFunc("/healthz", service.handleHealthz)

	httpSrv := &http.Server{Addr: cfg.Coordinator.ListenAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()
	zlogger.Info("Endpoints: POST /transaction, POST /data (reads), GET /status, GET /healthz")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	zlogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		zlogger.Warn("HTTP shutdown failed", zap.Error(err))
	}
	service.Stop()
	if sender != nil {
		if err := sender.Close(); err != nil {
			zlogger.Warn("Journal sender close failed", zap.Error(err))
		}
	}
	pools.Close()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	zlogger.Info("Coordinator shut down gracefully")
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.Coordinator.ListenAddr = *listenAddr
	}
	if len(cfg.Coordinator.Participants) == 0 {
		return nil, errors.New("coordinator needs at least one participant, set coordinator.participants in the config")
	}
	return cfg, cfg.Validate()
}
