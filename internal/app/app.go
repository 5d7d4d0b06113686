// Package app wires configuration, storage and domain services into the
// billing processes.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/readiness-billing/internal/cache"
	"github.com/xenking/readiness-billing/internal/domain/affiliate"
	"github.com/xenking/readiness-billing/internal/domain/auth"
	"github.com/xenking/readiness-billing/internal/domain/coupon"
	"github.com/xenking/readiness-billing/internal/domain/payment"
	"github.com/xenking/readiness-billing/internal/domain/pricing"
	"github.com/xenking/readiness-billing/internal/events"
	"github.com/xenking/readiness-billing/internal/handler"
	"github.com/xenking/readiness-billing/internal/repository"
	"github.com/xenking/readiness-billing/pkg/health"
	"github.com/xenking/readiness-billing/pkg/httpmiddleware"
)

// services is the domain layer shared by the API server and the event
// consumer.
type services struct {
	table    *pricing.Table
	payments *payment.Service
	accruer  *affiliate.Accruer
	coupons  *repository.CouponRepository
	keys     *repository.APIKeyRepository
}

func newServices(pool *pgxpool.Pool, m httpmiddleware.Telemetry, cfg *Config) (*services, error) {
	table, err := cfg.Pricing.PriceTable()
	if err != nil {
		return nil, errors.Wrap(err, "price table")
	}
	rate, err := cfg.Commission.CommissionRate()
	if err != nil {
		return nil, err
	}
	meter := m.MeterProvider().Meter("billing")

	accruer, err := affiliate.NewAccruer(repository.NewAffiliateStore(pool), table, rate, meter)
	if err != nil {
		return nil, errors.Wrap(err, "create accruer")
	}
	payments, err := payment.NewService(repository.NewPaymentStore(pool), table, accruer, cfg.PaymentConfig(), meter)
	if err != nil {
		return nil, errors.Wrap(err, "create payment service")
	}

	return &services{
		table:    table,
		payments: payments,
		accruer:  accruer,
		coupons:  repository.NewCouponRepository(pool),
		keys:     repository.NewAPIKeyRepository(pool),
	}, nil
}

func openPool(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := repository.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return pool, nil
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown.
func Run(ctx context.Context, lg *zap.Logger, m httpmiddleware.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	svc, err := newServices(pool, m, cfg)
	if err != nil {
		return err
	}
	lg.Info("Payment service ready", zap.String("idempotency", string(svc.payments.Strategy())))

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool.Ping))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc", time.Second, health.GCMaxPauseCheck(time.Second))

	var quotes coupon.Reader = svc.coupons
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		defer func() { _ = rdb.Close() }()

		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.PingCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		cached := cache.NewCoupons(rdb, svc.coupons, cfg.Cache.TTL)
		svc.payments.SetRedemptionHook(cached)
		quotes = cached
		lg.Info("Coupon cache enabled", zap.String("redis", cfg.Cache.RedisAddr), zap.Duration("ttl", cfg.Cache.TTL))
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	h := handler.NewHandler(
		coupon.NewQuoter(svc.table, quotes),
		svc.payments,
		svc.accruer,
		coupon.NewAdmin(svc.coupons),
	)
	sec := handler.NewSecurity(auth.NewAuthenticator(svc.keys, []byte(cfg.APIKeyPepper)))

	r := chi.NewRouter()
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	r.Mount("/api", h.Routes(sec))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(r,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Idempotency-Key", handler.APIKeyHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("billing-api", m),
			httpmiddleware.LogRequests(),
		),
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// RunConsumer applies payment gateway events from Kafka until ctx is done.
// Workers join the same consumer group so partitions are spread between them.
func RunConsumer(ctx context.Context, lg *zap.Logger, m httpmiddleware.Telemetry, cfg *Config) error {
	if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
		return errors.New("kafka brokers and topic are required")
	}
	workers := max(cfg.Kafka.Workers, 1)
	lg.Info("Initializing consumer",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group", cfg.Kafka.GroupID),
		zap.Int("workers", workers),
	)

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	svc, err := newServices(pool, m, cfg)
	if err != nil {
		return err
	}

	rc := events.ReaderConfig(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
	if err := rc.Validate(); err != nil {
		return errors.Wrap(err, "kafka reader config")
	}

	g, gCtx := errgroup.WithContext(ctx)
	for i := range workers {
		wCtx := zctx.Base(gCtx, lg.With(zap.Int("worker", i)))
		consumer := events.NewConsumer(kafka.NewReader(rc), svc.payments, cfg.Kafka.Backoff)
		g.Go(func() error {
			return consumer.Run(wCtx)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "consume payment events")
	}
	lg.Info("Consumer stopped")
	return nil
}
