package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jcmexdev/pos-checkout/internal/checkout-api/infra/httpx"
	"github.com/jcmexdev/pos-checkout/internal/checkout/adapters/memory"
	"github.com/jcmexdev/pos-checkout/internal/checkout/adapters/postgres"
	"github.com/jcmexdev/pos-checkout/internal/checkout/ports"
	"github.com/jcmexdev/pos-checkout/internal/config"
	"github.com/jcmexdev/pos-checkout/internal/coordinator"
	"github.com/jcmexdev/pos-checkout/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/pos-checkout/internal/pkg/cache"
	"github.com/jcmexdev/pos-checkout/internal/pkg/events"
	"github.com/jcmexdev/pos-checkout/internal/pkg/idempotency"
	"github.com/jcmexdev/pos-checkout/internal/pkg/interceptors"
	"github.com/jcmexdev/pos-checkout/internal/pkg/metrics"
	"github.com/jcmexdev/pos-checkout/internal/pkg/telemetry"
)

const (
	shutdownTimeout = 10 * time.Second

	eventQueueSize = 1024
	publishTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("checkout service stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	telemetry.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{
			ServiceName: cfg.ServiceName,
			Endpoint:    cfg.OTLPEndpoint,
			Environment: cfg.Environment,
			SampleRatio: cfg.TraceSampleRate,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracer shutdown", "error", err)
			}
		}()
	}

	stock, sales, closeStore, err := openLedgers(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coordOpts := []coordinator.Option{
		coordinator.WithMaxReserveAttempts(cfg.ReserveMaxAttempts),
		coordinator.WithMetrics(metrics.NewCheckout(reg)),
	}
	var handlerOpts []httpx.HandlerOption

	if cfg.CheckoutLogPath != "" {
		checkoutLog, err := sqlite.Open(cfg.CheckoutLogPath)
		if err != nil {
			return err
		}
		defer checkoutLog.Close()
		coordOpts = append(coordOpts, coordinator.WithCheckoutLog(checkoutLog))
		handlerOpts = append(handlerOpts, httpx.WithCheckoutLog(checkoutLog))
	}

	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, "pos-checkout")
		defer cache.Close(redisCache)
		if err := cache.Ping(ctx, redisCache); err != nil {
			return err
		}
		handlerOpts = append(handlerOpts, httpx.WithIdempotency(idempotency.NewStore(redisCache, cfg.IdempotencyTTL)))
	}

	broker, err := openPublisher(cfg)
	if err != nil {
		return err
	}
	// Closed after the HTTP server drains; flushes queued events first.
	publisher := events.NewAsyncPublisher(broker, eventQueueSize, publishTimeout)
	defer publisher.Close()
	handlerOpts = append(handlerOpts, httpx.WithPublisher(publisher))

	coord := coordinator.New(stock, sales, coordOpts...)
	handler := httpx.NewHandler(coord, sales, handlerOpts...)
	router := httpx.NewRouter(handler, httpx.RouterConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        metrics.NewServerMetrics("checkout_api", reg),
		MetricsHandler: metrics.Handler(reg),
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.UnaryServerInterceptor(),
			interceptors.TraceServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("checkout HTTP API listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver, "events", cfg.EventsDriver)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		slog.Info("gRPC health server listening", "addr", cfg.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("server failed, shutting down", "error", err)
	}

	healthSrv.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	grpcSrv.GracefulStop()
	return nil
}

func openLedgers(ctx context.Context, cfg *config.Config) (ports.StockLedger, ports.SalesLedger, func(), error) {
	if cfg.StoreDriver == config.StorePostgres {
		pool, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		if cfg.SeedDemoStock {
			if err := postgres.UpsertProducts(ctx, pool, memory.DemoStock()...); err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
			slog.Info("demo stock loaded")
		}
		return postgres.NewStockLedger(pool), postgres.NewSalesLedger(pool), pool.Close, nil
	}

	slog.Warn("using in-memory ledgers; stock and sales are lost on restart")
	return memory.NewStockLedger(memory.DemoStock()...), memory.NewSalesLedger(), func() {}, nil
}

func openPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.EventsDriver {
	case config.EventsKafka:
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	case config.EventsRabbitMQ:
		return events.NewRabbitMQPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	default:
		return events.Noop{}, nil
	}
}
