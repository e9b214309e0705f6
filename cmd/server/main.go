// Command server runs the CivicPulse privacy aggregation service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	jwttoken "civicpulse/internal/jwt_token"
	platformconfig "civicpulse/internal/platform/config"
	"civicpulse/internal/platform/httpserver"
	"civicpulse/internal/platform/logger"
	platformmetrics "civicpulse/internal/platform/metrics"
	"civicpulse/internal/platform/postgres"
	platformredis "civicpulse/internal/platform/redis"
	"civicpulse/internal/privacy/cache"
	privacyconfig "civicpulse/internal/privacy/config"
	privacyhandler "civicpulse/internal/privacy/handler"
	privacymetrics "civicpulse/internal/privacy/metrics"
	"civicpulse/internal/privacy/noise"
	"civicpulse/internal/privacy/ports"
	"civicpulse/internal/privacy/service"
	"civicpulse/internal/privacy/store/ledger"
	"civicpulse/internal/privacy/worker"
	"civicpulse/internal/ratelimit"
	httptransport "civicpulse/internal/transport/http"
	"civicpulse/internal/votes"
	"civicpulse/pkg/platform/audit"
	"civicpulse/pkg/platform/audit/publisher"
	auditmemory "civicpulse/pkg/platform/audit/store/memory"
)

func main() {
	log := logger.New()

	if err := run(log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srvCfg := platformconfig.FromEnv()
	privCfg, err := privacyconfig.FromEnv()
	if err != nil {
		return fmt.Errorf("load privacy config: %w", err)
	}

	// Storage. Without a Postgres DSN everything runs in memory, which is
	// fine for development but loses the ledger on restart.
	db, err := postgres.Open(ctx, srvCfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	if db != nil {
		defer db.Close()
	}

	var ledgerStore ports.LedgerStore
	var aggregate ports.AggregateProvider
	var histogram ports.HistogramProvider
	if db != nil {
		pgLedger := ledger.NewPostgres(db, privCfg)
		if err := pgLedger.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
		ballots := votes.NewPostgres(db)
		if err := ballots.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure ballots schema: %w", err)
		}
		ledgerStore = pgLedger
		aggregate = ballots.Aggregate
		histogram = ballots.Histogram
		log.Info("using postgres ledger store")
	} else {
		ballots := votes.NewInMemory()
		ledgerStore = ledger.NewInMemory(privCfg)
		aggregate = ballots.Aggregate
		histogram = ballots.Histogram
		log.Warn("no postgres DSN configured, using in-memory ledger store")
	}

	redisClient, err := platformredis.New(srvCfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	var resultCache ports.ResultCache
	if redisClient != nil {
		defer redisClient.Close()
		resultCache = cache.NewRedis(redisClient.Client)
		log.Info("using redis result cache")
	} else {
		resultCache = cache.NewInMemory()
		log.Warn("no redis URL configured, using in-memory result cache")
	}

	// Audit trail. With brokers configured events stream to Kafka;
	// otherwise they stay in process memory for local inspection.
	var auditStore audit.Store
	if len(srvCfg.KafkaBrokers) > 0 {
		sink, err := publisher.NewKafkaSink(ctx, srvCfg.KafkaBrokers, srvCfg.AuditTopic)
		if err != nil {
			return fmt.Errorf("connect kafka audit sink: %w", err)
		}
		defer sink.Close()
		auditStore = sink
		log.Info("audit events streaming to kafka", "brokers", srvCfg.KafkaBrokers, "topic", srvCfg.AuditTopic)
	} else {
		auditStore = auditmemory.NewInMemoryStore()
		log.Warn("no kafka brokers configured, audit events kept in memory")
	}
	auditPublisher := publisher.NewPublisher(auditStore,
		publisher.WithAsyncBuffer(256),
		publisher.WithLogger(log),
	)
	defer auditPublisher.Close()

	privMetrics := privacymetrics.New()
	httpMetrics := platformmetrics.New()

	executor, err := service.New(privCfg, ledgerStore, noise.NewMechanism(noise.NewCryptoSource()),
		service.WithLogger(log),
		service.WithMetrics(privMetrics),
		service.WithAuditPublisher(auditPublisher),
		service.WithResultCache(resultCache),
	)
	if err != nil {
		return fmt.Errorf("build privacy executor: %w", err)
	}

	jwtService := jwttoken.NewJWTService(srvCfg.JWTSigningKey, srvCfg.JWTIssuer, srvCfg.JWTAudience)

	// Query throttle. A zero limit disables it; the privacy budget still
	// bounds total disclosure either way.
	var limiter *ratelimit.Middleware
	if srvCfg.RateLimit > 0 {
		var limitStore ratelimit.Store
		if redisClient != nil {
			limitStore = ratelimit.NewRedis(redisClient.Client)
		} else {
			limitStore = ratelimit.NewInMemory()
		}
		limiter = ratelimit.NewMiddleware(limitStore, srvCfg.RateLimit, srvCfg.RateWindow, log)
	}

	healthChecks := map[string]httptransport.HealthChecker{}
	if db != nil {
		healthChecks["postgres"] = db.PingContext
	}
	if redisClient != nil {
		healthChecks["redis"] = redisClient.Health
	}

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Privacy:      privacyhandler.New(executor, aggregate, histogram, log),
		Validator:    jwttoken.NewJWTServiceAdapter(jwtService),
		Logger:       log,
		HTTPMetrics:  httpMetrics,
		RateLimit:    limiter,
		HealthChecks: healthChecks,
	})

	server := httpserver.New(srvCfg.Addr, router)
	cleanup := worker.NewCleanup(privCfg, ledgerStore, srvCfg.CleanupInterval,
		worker.WithLogger(log),
		worker.WithMetrics(privMetrics),
		worker.WithAuditPublisher(auditPublisher),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", "addr", srvCfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := cleanup.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("ledger cleanup worker: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "timeout", srvCfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
