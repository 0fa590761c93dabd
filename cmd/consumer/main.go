package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/wearables/internal/config"
	"example.com/wearables/internal/consumer"
	"example.com/wearables/internal/healthsync"
	persistence "example.com/wearables/internal/persistence/postgres"
	"example.com/wearables/internal/providers"
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
	client := providers.NewClient(cfg.ProviderHTTPTimeout)
	registry := providers.NewRegistry(providers.Options{
		CallbackURL: cfg.OAuthCallbackURL,
		GoogleFit:   cfg.GoogleFit,
		Fitbit:      cfg.Fitbit,
		Garmin:      cfg.Garmin,
		Client:      client,
	})
	// One engine is shared by every worker so the Fitbit per-user limiters
	// pace all of them together.
	engine := healthsync.NewEngine(repo, repo,
		healthsync.ConfiguredFetchers(registry, client, healthsync.FetcherOptions{FitbitRequestsPerHour: cfg.FitbitRequestsPerHour}),
		healthsync.WithWindow(cfg.SyncWindow),
	)

	syncHandler := consumer.NewSyncRequestHandler(engine, nil)
	logHandler := consumer.NewEventLogHandler(pool)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}

	go func() {
		log.Printf("consumer metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	var wg sync.WaitGroup
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	run := func(name string, reader *kafka.Reader, handler consumer.Handler) {
		proc := consumer.NewProcessor(reader, handler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer reader.Close()

			log.Printf("consumer started (%s)", name)
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("consumer stopped with error (%s): %v", name, err)
			}
		}()
	}

	// Sync workers share a group so partitions (keyed by connection) are
	// spread across them and one connection is never synced concurrently.
	for i := 0; i < max(cfg.SyncWorkers, 1); i++ {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.KafkaBrokers,
			GroupID:         cfg.ConsumerGroupID,
			Topic:           cfg.SyncRequestTopic,
			MinBytes:        1,
			MaxBytes:        10e6,
			CommitInterval:  time.Second,
			ReadLagInterval: -1,
		})
		run("sync-worker topic="+cfg.SyncRequestTopic, reader, syncHandler)
	}

	if len(cfg.EventLogTopics) > 0 {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.KafkaBrokers,
			GroupID:         cfg.EventLogGroupID,
			GroupTopics:     cfg.EventLogTopics,
			MinBytes:        1e3,
			MaxBytes:        10e6,
			CommitInterval:  time.Second,
			RetentionTime:   24 * time.Hour,
			ReadLagInterval: -1,
		})
		run("event-log group="+cfg.EventLogGroupID, reader, logHandler)
	}

	<-stop
	log.Println("consumer shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	wg.Wait()
}
