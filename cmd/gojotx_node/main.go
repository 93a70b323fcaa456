// gojotx_node hosts an in-memory participant store behind the transaction
// wire protocol. A coordinator drives it with PREPARE, COMMIT and ROLLBACK;
// clients can read committed values with GET.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/core/lockmanager"
	"github.com/sushant-115/gojotx/core/memstore"
	"github.com/sushant-115/gojotx/core/remote"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file")
	nodeID     = flag.String("id", "", "Node id, overrides node.id from the config")
	listenAddr = flag.String("listen", "", "Listen address, overrides node.listen_addr")
)

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

	zlogger.Info("Starting gojotx participant node",
		zap.String("node_id", cfg.Node.ID),
		zap.String("listen_addr", cfg.Node.ListenAddr),
	)

	registry := transaction.NewRegistry()
	locks := lockmanager.New(registry, zlogger, lockmanager.WithMeter(tel.Meter))
	store := memstore.New(cfg.Node.ID, locks, zlogger)

	srv := remote.NewServer(cfg.Node.ListenAddr, store, zlogger)
	if err := srv.Start(); err != nil {
		zlogger.Fatal("Failed to start transaction server", zap.Error(err))
	}
	zlogger.Info("Commands: PREPARE <txn_id> <payload_json>, COMMIT <txn_id>, ROLLBACK <txn_id>, GET <key>, PING")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	zlogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(ctx); err != nil {
		zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	zlogger.Info("Participant node shut down gracefully",
		zap.Int("in_flight_at_exit", store.InFlight()))
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
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *listenAddr != "" {
		cfg.Node.ListenAddr = *listenAddr
	}
	return cfg, cfg.Validate()
}
