package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"document-refinery/internal/config"
	"document-refinery/internal/infra/api"
	pg "document-refinery/internal/infra/db/postgres"
	"document-refinery/internal/infra/engine"
	"document-refinery/internal/infra/logging"
	"document-refinery/internal/infra/metrics"
	red "document-refinery/internal/infra/redis"
	"document-refinery/internal/infra/scan"
	"document-refinery/internal/infra/scheduler"
	"document-refinery/internal/infra/storage"
	"document-refinery/internal/infra/webhook"
	"document-refinery/internal/infra/worker"
	"document-refinery/internal/usecase"
)

const queuePrefix = "refinery"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logging, relaxed timeouts)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Info().Msg("dev mode enabled")
	}
	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	queue := red.NewTaskQueue(redisClient, queuePrefix, cfg.Pipeline.ClaimLeaseTTL)
	inspector := red.NewWorkerInspector(redisClient, queue, queuePrefix)

	// ---- Storage ----
	store, err := storage.NewDiskStore(cfg.Storage.DataRoot)
	if err != nil {
		logger.Fatal().Err(err).Msg("storage")
	}

	// ---- External services ----
	scanner := scan.NewClamScanner(cfg.Scanner)
	if err := scanner.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("clamd unreachable at startup, jobs will retry")
	}
	docling := engine.NewDoclingClient(cfg.Engine)

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	docRepo := pg.NewDocumentRepo(pool)
	jobRepo := pg.NewJobRepo(pool)
	artifactRepo := pg.NewArtifactRepo(pool)
	endpointRepo := pg.NewWebhookEndpointRepo(pool)
	deliveryRepo := pg.NewWebhookDeliveryRepo(pool)

	// ---- Webhook dispatcher ----
	dispatcher := webhook.NewDispatcher(endpointRepo, deliveryRepo, cfg.Webhook, logger)
	go dispatcher.Run(ctx)

	// ---- Use cases ----
	ledgerUC := usecase.NewLedgerUseCase(jobRepo, docRepo, artifactRepo, queue, dispatcher, tm, cfg.Pipeline.MaxRetries, logger)
	documentUC := usecase.NewDocumentUseCase(docRepo, store, ledgerUC, logger)
	webhookUC := usecase.NewWebhookUseCase(endpointRepo, deliveryRepo, logger)
	dashboardUC := usecase.NewDashboardUseCase(jobRepo, inspector, 5*time.Second, logger)
	retentionUC := usecase.NewRetentionUseCase(docRepo, artifactRepo, store, logger)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "refinery"
	}
	pipelineUC := usecase.NewPipelineUseCase(ledgerUC, docRepo, scanner, docling, store, usecase.StageTimeouts{
		Scan:    cfg.Pipeline.ScanTimeout,
		Convert: cfg.Pipeline.ConvertTimeout,
		Export:  cfg.Pipeline.ExportTimeout,
		Chunk:   cfg.Pipeline.ChunkTimeout,
	}, hostname, cfg.Pipeline.MaxPages, logger)

	// ---- Worker pool ----
	pool2 := worker.NewPool(pipelineUC, queue, inspector, cfg.Pipeline, logger)
	pool2.Start(ctx)
	defer pool2.Stop()

	// ---- Retention scheduler ----
	if cfg.Retention.Enabled {
		sweeper := scheduler.NewScheduler(cfg.Retention.Interval, retentionUC, logger)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	// ---- HTTP API ----
	apiServer := api.NewServer(documentUC, ledgerUC, webhookUC, dashboardUC, artifactRepo, store, cfg.API, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           apiServer.Router(cfg.API.Keys),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
		logger.Info().Msg("shutdown requested")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
}
