// cmd/settlement-runner/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"shiftmatch/internal/common/config"
	"shiftmatch/internal/common/database"
	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/common/observability"
	"shiftmatch/internal/escrow"
	"shiftmatch/internal/notify"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting settlement runner...")

	obs := observability.New("settlement-runner")
	defer obs.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	// --- Outbound event dispatcher ---
	var dispatcher notify.Dispatcher = notify.NopDispatcher{}
	if cfg.Notifications.SNS.Enabled {
		snsDispatcher, err := notify.NewSNSDispatcher(ctx, cfg.Notifications.AWS.Region, cfg.Notifications.SNS.TopicARN, log)
		if err != nil {
			zapLog.Fatal("sns dispatcher init failed", zap.Error(err))
		}
		dispatcher = snsDispatcher
		zapLog.Info("SNS dispatcher initialized", zap.String("topic", cfg.Notifications.SNS.TopicARN))
	}

	// --- Escrow wiring ---
	store := escrow.NewPostgresStore(pg.DB, log)
	gateway := escrow.NewIdempotentGateway(escrow.NewSandboxGateway(log), rdb.Client, log)
	ledger := escrow.NewLedger(store, gateway, dispatcher, cfg.Escrow.Currency, log)

	scheduler := escrow.NewScheduler(
		ledger, store, obs,
		config.GetDuration(cfg.Escrow.PollInterval),
		cfg.Escrow.BatchSize,
		log,
	)

	schedulerDone := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(schedulerDone)
	}()

	// --- Health/Metrics Server ---
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			status := "healthy"
			code := http.StatusOK
			if err := pg.Ping(r.Context()); err != nil {
				status = "degraded"
				code = http.StatusServiceUnavailable
			}
			w.WriteHeader(code)
			json.NewEncoder(w).Encode(map[string]string{
				"status": status,
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "ready",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.Handle("/metrics", promhttp.Handler())
		zapLog.Info("Health/Metrics server listening", zap.String("addr", cfg.App.MetricsAddr))
		if err := http.ListenAndServe(cfg.App.MetricsAddr, nil); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping scheduler...")
	cancel()

	select {
	case <-schedulerDone:
	case <-time.After(30 * time.Second):
		zapLog.Warn("Scheduler did not stop within the shutdown window")
	}

	zapLog.Info("Settlement runner stopped gracefully")
}
