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

	"example.com/wearables/internal/api"
	"example.com/wearables/internal/auth"
	"example.com/wearables/internal/config"
	"example.com/wearables/internal/healthsync"
	"example.com/wearables/internal/integration"
	"example.com/wearables/internal/outbox"
	persistence "example.com/wearables/internal/persistence/postgres"
	"example.com/wearables/internal/providers"
	httptransport "example.com/wearables/internal/transport/http"
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
	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()

	schemaRegistry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, schemaRegistry, cfg.OutboxPollInterval, cfg.OutboxBatchSize)

	go dispatcher.Start(ctx)

	client := providers.NewClient(cfg.ProviderHTTPTimeout)
	registry := providers.NewRegistry(providers.Options{
		CallbackURL: cfg.OAuthCallbackURL,
		GoogleFit:   cfg.GoogleFit,
		Fitbit:      cfg.Fitbit,
		Garmin:      cfg.Garmin,
		State:       providers.NewStateCodec(cfg.StateSecret, cfg.OAuthStateTTL, nil),
		Client:      client,
	})

	service := integration.NewService(registry, integration.Stores{
		Connections: repo,
		TempTokens:  repo,
		Records:     repo,
		Profiles:    repo,
	}, cfg.IntegrationsURL(), integration.WithTempTokenTTL(cfg.TempTokenTTL))

	engine := healthsync.NewEngine(repo, repo,
		healthsync.ConfiguredFetchers(registry, client, healthsync.FetcherOptions{FitbitRequestsPerHour: cfg.FitbitRequestsPerHour}),
		healthsync.WithWindow(cfg.SyncWindow),
	)

	handler := api.NewHandler(service, engine, nil)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(
		auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer},
		auth.PublicPaths("/healthz", "/metrics", api.CallbackPath),
	)

	requestLog := log.New(log.Writer(), "[http] ", log.LstdFlags)
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Minute, // on-demand syncs call provider APIs
		IdleTimeout:  60 * time.Second,
	}, httptransport.Chain(mux,
		httptransport.Recover(requestLog),
		httptransport.RequestID(),
		httptransport.Logging(requestLog),
		httptransport.CORS(cfg.CORSAllowedOrigin),
		authMiddleware.Wrap,
	))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("wearable-service listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	dispatcher.Wait()
}
