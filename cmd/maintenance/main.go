package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/wearables/internal/config"
	"example.com/wearables/internal/maintenance"
	"example.com/wearables/internal/outbox"
	persistence "example.com/wearables/internal/persistence/postgres"
)

const (
	defaultDLQBatchSize = 50
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)
	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay)
	reaper := maintenance.NewTempTokenReaper(repo, cfg.TempTokenReapInterval)
	scheduler := maintenance.NewSyncScheduler(repo, repo, cfg.SyncScheduleInterval, cfg.SyncStaleAfter, cfg.SyncScheduleBatch)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("maintenance metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	go manager.Start(ctx, cfg.DLQPollInterval, defaultDLQBatchSize)
	go reaper.Start(ctx)
	go scheduler.Start(ctx)

	log.Printf("maintenance started (dlq=%s, reap=%s, schedule=%s stale_after=%s)",
		cfg.DLQPollInterval, cfg.TempTokenReapInterval, cfg.SyncScheduleInterval, cfg.SyncStaleAfter)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("maintenance received shutdown signal")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	manager.Wait()
	reaper.Wait()
	scheduler.Wait()
}
