package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"sales_engine/api"
	"sales_engine/internal/config"
	"sales_engine/internal/idempotency"
	"sales_engine/internal/metrics"
	"sales_engine/internal/sales"
	"sales_engine/internal/store"
	"sales_engine/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML configuration file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync() // flushes buffer, if any

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("sales service stopped", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	location, err := cfg.Sales.Location()
	if err != nil {
		return err
	}
	taxRate, err := cfg.Sales.Rate()
	if err != nil {
		return err
	}

	// 1. Tracing
	tp, err := tracing.InitTracerProvider(cfg.ServiceName, cfg.Tracing.JaegerEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}

	// 2. Base de datos
	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close(db)
	if cfg.Database.AutoMigrate {
		if err := sales.Migrate(db); err != nil {
			return err
		}
	}

	// 3. Métricas
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	salesService := sales.NewService(db, logger, sales.Options{
		AutoIssueInvoice: cfg.Sales.AutoIssueInvoice,
		TaxRate:          taxRate,
		Location:         location,
		Authorizer:       sales.NewStaticAuthorizer(cfg.Sales.OverrideUserIDs),
		Metrics:          metrics.NewEngine(reg),
		Tracer:           otel.Tracer(cfg.ServiceName),
	})

	// 4. Redis (opcional) para las claves de idempotencia
	var guard *idempotency.Guard
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		guard = idempotency.NewGuard(redisClient, cfg.Redis.IdempotencyTTL)
	}

	r := gin.Default()
	api.InitRoutes(r, api.Deps{
		Service:  salesService,
		Guard:    guard,
		DB:       db,
		Gatherer: reg,
		Logger:   logger,
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: r}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("sales service listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("error trying to start server: %w", err)
		}
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	if err := tp.Shutdown(ctx); err != nil {
		logger.Error("error shutting down tracer provider", zap.Error(err))
	}
	logger.Info("sales service gracefully shut down")
	return nil
}
