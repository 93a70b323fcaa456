// gojotx_journal is the downstream auditor for coordinator decisions. It
// terminates the HTTP/3 journal stream and logs one structured line per
// transaction decision it receives.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/journal"
	"github.com/sushant-115/gojotx/pkg/certs"
	"github.com/sushant-115/gojotx/pkg/logger"
)

var (
	listenAddr = flag.String("listen", "127.0.0.1:7470", "UDP address for the HTTP/3 journal endpoint")
	urlPath    = flag.String("path", "/journal", "URL path decision records arrive on")
	certFile   = flag.String("cert", "", "Server certificate PEM, paired with -key")
	keyFile    = flag.String("key", "", "Server key PEM, paired with -cert")
	queueSize  = flag.Int("queue", 1024, "Record queue capacity")
	logLevel   = flag.String("log-level", "info", "Log level")
	logFormat  = flag.String("log-format", "json", "Log format, json or console")
)

func main() {
	flag.Parse()

	zlogger, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat})
	if err != nil {
		log.Fatalf("FATAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	tlsCfg, err := serverTLS(zlogger)
	if err != nil {
		zlogger.Fatal("Failed to load TLS material", zap.Error(err))
	}

	receiver, err := journal.NewReceiver(journal.ReceiverConfig{
		Addr:          *listenAddr,
		URLPath:       *urlPath,
		TLS:           tlsCfg,
		QueueCapacity: *queueSize,
	}, zlogger)
	if err != nil {
		zlogger.Fatal("Failed to build journal receiver", zap.Error(err))
	}
	if err := receiver.Start(); err != nil {
		zlogger.Fatal("Failed to start journal receiver", zap.Error(err))
	}
	zlogger.Info("Journal auditor listening",
		zap.String("addr", receiver.Addr()),
		zap.String("path", *urlPath),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for rec := range receiver.Records() {
			zlogger.Info("Transaction decision",
				zap.String("txn", rec.TxnID),
				zap.String("coordinator", rec.Coordinator),
				zap.String("state", rec.State),
				zap.Strings("participants", rec.Participants),
				zap.Strings("failed_commits", rec.FailedCommits),
				zap.String("abort_cause", rec.AbortCause),
				zap.Time("decided_at", rec.DecidedAt),
			)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	zlogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := receiver.Close(ctx); err != nil {
		zlogger.Warn("Receiver close failed", zap.Error(err))
	}
	<-done
	zlogger.Info("Journal auditor shut down gracefully")
}

// serverTLS loads the configured certificate pair, or generates an ephemeral
// one when none is given. Ephemeral certificates require the coordinator to
// set journal.insecure_skip_verify.
func serverTLS(zlogger *zap.Logger) (*tls.Config, error) {
	if *certFile != "" || *keyFile != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			return nil, err
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h3"},
		}, nil
	}
	zlogger.Warn("No certificate configured, generating an ephemeral one; senders must skip verification")
	server, _, err := certs.NewEphemeral()
	return server, err
}
