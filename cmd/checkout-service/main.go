package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/matheusmosca/checkout-orchestrator/internal/cart"
	"github.com/matheusmosca/checkout-orchestrator/internal/checkout"
	"github.com/matheusmosca/checkout-orchestrator/internal/config"
	"github.com/matheusmosca/checkout-orchestrator/internal/events"
	"github.com/matheusmosca/checkout-orchestrator/internal/httpapi"
	"github.com/matheusmosca/checkout-orchestrator/internal/idempotency"
	"github.com/matheusmosca/checkout-orchestrator/internal/lock"
	"github.com/matheusmosca/checkout-orchestrator/internal/payment"
	"github.com/matheusmosca/checkout-orchestrator/internal/stock"
	"github.com/matheusmosca/checkout-orchestrator/internal/storage"
	"github.com/matheusmosca/checkout-orchestrator/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry
	tp, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	mp, err := telemetry.InitMetrics(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			log.Printf("Error shutting down meter: %v", err)
		}
	}()

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		log.Printf("⚠️  Metrics instruments unavailable: %v", err)
		metrics = telemetry.NopMetrics()
	}

	// Initialize database
	if err := migrate(cfg); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	dbPool, err := storage.InitPool(ctx, cfg.DatabaseDSN())
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbPool.Close()

	locks, closeLocks, err := newLockGateway(ctx, cfg, metrics)
	if err != nil {
		log.Fatalf("Failed to initialize lock gateway: %v", err)
	}
	defer closeLocks()

	publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if kp, ok := publisher.(*events.KafkaPublisher); ok {
		log.Printf("📣 Publishing domain events to %v topic=%s", cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := kp.Close(); err != nil {
				log.Printf("Error closing kafka writer: %v", err)
			}
		}()
	}

	// Initialize dependencies
	tx := storage.NewPostgresTransactor(dbPool)
	ledger := stock.NewPostgresLedger(dbPool, tx)

	var dispatcher cart.Dispatcher
	if cfg.DTMEnabled() {
		log.Printf("🚀 Cart restore via DTM %s -> %s", cfg.DTMServer, cfg.CartServiceURL)
		dispatcher = cart.NewDTMDispatcher(cfg.DTMServer, cfg.CartServiceURL, cfg.ServiceURL)
	}
	coordinator := cart.NewCoordinator(cart.NewPostgresStore(dbPool), dispatcher, cart.NewPostgresJournal(dbPool), metrics)

	checkouts := checkout.NewService(
		checkout.NewPostgresRepository(dbPool, tx),
		ledger,
		idempotency.NewPostgresRegistry(dbPool),
		locks,
		tx,
		publisher,
		metrics,
		checkout.Options{
			LockTTL:        cfg.LockTTL,
			SessionTTL:     cfg.CheckoutTTL,
			IdempotencyTTL: cfg.IdempotencyTTL,
		},
	)
	orchestrator := payment.NewOrchestrator(checkouts, payment.NewPostgresRepository(dbPool), coordinator, publisher, metrics)
	reaper := checkout.NewReaper(checkouts, orchestrator, metrics, cfg.ReaperInterval, cfg.ReaperBatch)

	tracer := tp.Tracer(cfg.ServiceName)
	handler := httpapi.NewHandler(checkouts, orchestrator, coordinator, ledger, tracer, cfg.ServiceName)

	// Setup Gin router
	r := gin.Default()
	r.Use(otelgin.Middleware(cfg.ServiceName))
	handler.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		reaper.Run(ctx)
	}()

	go func() {
		log.Printf("🚀 Checkout Service listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful server shutdown failed: %v", err)
	}

	select {
	case <-reaperDone:
	case <-shutdownCtx.Done():
		log.Println("Reaper did not stop in time")
	}
	log.Println("Server stopped")
}

func migrate(cfg *config.Config) error {
	db, err := storage.OpenSQL(cfg.DatabaseDSN())
	if err != nil {
		return err
	}
	defer db.Close()

	return storage.RunMigrations(db, storage.Migrations(cfg.MigrationsDir))
}

func newLockGateway(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics) (lock.Gateway, func(), error) {
	opts := lock.Options{Wait: cfg.LockWait, Metrics: metrics}

	if cfg.LockBackend == "local" {
		log.Println("⚠️  Using in-process lock gateway; run a single replica")
		return lock.NewLocalGateway(opts), func() {}, nil
	}

	client, err := lock.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			log.Printf("Error closing redis client: %v", err)
		}
	}
	return lock.NewRedisGateway(client, opts), closeFn, nil
}

func init() {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
}
