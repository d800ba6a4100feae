package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"tenantflow/internal/api"
	"tenantflow/internal/config"
	"tenantflow/internal/domain"
	"tenantflow/internal/family/maintenance"
	"tenantflow/internal/family/marketing"
	"tenantflow/internal/family/messaging"
	"tenantflow/internal/family/storesync"
	"tenantflow/internal/fanout"
	"tenantflow/internal/handlers/webhook"
	"tenantflow/internal/logging"
	"tenantflow/internal/metrics"
	"tenantflow/internal/orchestrator"
	"tenantflow/internal/queue"
	"tenantflow/internal/realtime"
	"tenantflow/internal/store/postgres"
	"tenantflow/internal/sweep"
	"tenantflow/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config file")
		check      = flag.Bool("check", false, "validate configuration, print it with secrets masked and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	if *check {
		data, err := cfg.MaskedJSON()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}
	log.Logger = logger

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// Broker
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.BrokerPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open broker db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	broker, err := queue.Open(startCtx, db, queue.JobOptions{
		Attempts:      cfg.JobAttempts,
		Backoff:       cfg.JobBackoff,
		KeepCompleted: cfg.JobKeepCompleted,
		KeepFailedFor: cfg.JobKeepFailedFor,
	})
	if errors.Is(err, queue.ErrBrokerUnavailable) {
		log.Fatal().Err(err).Str("path", cfg.BrokerPath).Msg("broker unavailable, refusing to start")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("open broker")
	}

	// Application database
	pool, err := postgres.Open(startCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(startCtx, pool); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	store := postgres.New(pool)

	// Real-time sink
	var pub sweep.Publisher = realtime.NewLogPublisher(logger)
	if cfg.RedisURL != "" {
		rdb, err := realtime.Connect(startCtx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer rdb.Close()
		pub = realtime.NewRedisPublisher(rdb)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheusSink(reg)

	app := webhook.New(cfg.WebhookBaseURL, cfg.WebhookTimeout, webhook.WithSecret(cfg.WebhookSecret))
	runner := fanout.NewRunner(fanout.Options{
		Concurrency:   cfg.FanoutConcurrency,
		RatePerSec:    cfg.FanoutRatePerSec,
		TenantTimeout: cfg.TenantTimeout,
	}, logger, sink)
	workers := worker.NewFactory(broker, worker.Options{PollEvery: cfg.PollInterval}, logger, sink)

	deliverers := map[domain.Channel]sweep.Deliverer{
		domain.ChannelEmail: app,
		domain.ChannelSMS:   app,
		domain.ChannelChat:  app,
	}
	dueSend := sweep.NewDueSend(store, deliverers, pub, 0, logger, sink)
	snooze := sweep.NewSnooze(store, pub, 0, logger, sink)
	carts := sweep.NewAbandonedCarts(store, app, sweep.AbandonedOptions{}, logger, sink)

	orch, err := orchestrator.New(workers, orchestrator.Options{Concurrency: cfg.WorkerConcurrency}, logger, sink,
		storesync.New(store, app, workers, runner, storesync.Config{Concurrency: cfg.SyncConcurrency}, logger, sink),
		messaging.New(store, app, dueSend, snooze, runner, messaging.Intervals{}, logger),
		marketing.New(store, app, carts, runner, logger),
		maintenance.New(maintenance.Deps{
			Tenants:   store,
			Stock:     app,
			Analytics: app,
			Prices:    app,
			Reports:   store,
			Reporter:  app,
			Pruner:    broker,
		}, runner, logger, sink),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("build orchestrator")
	}

	// Start scheduling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start orchestrator")
	}

	// HTTP server
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewServer(broker, reg, map[string]api.Pinger{"postgres": store}, logger),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	received := <-c
	log.Info().Str("signal", received.String()).Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("orchestrator stop")
	}
	cancel()
	log.Info().Msg("stopped")
}
