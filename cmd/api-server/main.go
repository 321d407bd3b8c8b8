package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/channeling-scheduler/internal/api"
	"github.com/hackgods/channeling-scheduler/internal/appointment"
	"github.com/hackgods/channeling-scheduler/internal/config"
	"github.com/hackgods/channeling-scheduler/internal/db"
	"github.com/hackgods/channeling-scheduler/internal/logger"
	"github.com/hackgods/channeling-scheduler/internal/metrics"
	"github.com/hackgods/channeling-scheduler/internal/notify"
	"github.com/hackgods/channeling-scheduler/internal/payment"
	"github.com/hackgods/channeling-scheduler/internal/reconcile"
	redisclient "github.com/hackgods/channeling-scheduler/internal/redis"
)

var version = "dev"

const receiptFlushBatch = 50

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.Duration("appointment_ttl", cfg.AppointmentTTL),
		zap.Duration("lock_ttl", cfg.LockTTL),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	if err == nil {
		err = db.Migrate(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		log.Fatal("postgres setup error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis")

	m := metrics.New(nil)
	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait, m.ObserveLockWait)

	var gateway payment.Gateway
	if cfg.PaymentGatewayURL != "" {
		gateway = payment.NewHTTPGateway(cfg.PaymentGatewayURL, cfg.PaymentGatewayKey, log)
	} else {
		log.Warn("PAYMENT_GATEWAY_URL not set, using fake payment gateway")
		gateway = payment.NewFakeGateway(cfg.PublicBaseURL)
	}

	notifier, closeNotifier := buildNotifier(cfg, log)
	defer closeNotifier()

	svc := appointment.NewService(appointment.NewPgRepository(pgPool), locker, gateway, m, log, cfg)
	reconciler := reconcile.New(svc, notifier, m, log)

	router := api.NewRouter(api.RouterConfig{
		Service:    svc,
		Reconciler: reconciler,
		Health: api.NewHealthHandler(
			pgPool.Ping,
			redisclient.Ping(rdb),
			cfg.Env, version,
		),
		Metrics:      promhttp.Handler(),
		Logger:       log,
		CORSOrigins:  cfg.CORSOrigins,
		RateLimitRPS: cfg.RateLimitRPS,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.WorkerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				sent, err := reconciler.FlushReceipts(gctx, receiptFlushBatch)
				if err != nil && gctx.Err() == nil {
					log.Error("receipt flush error", zap.Error(err))
				}
				if sent > 0 {
					log.Info("pending receipts delivered", zap.Int("sent", sent))
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down api-server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("api-server stopped with error", zap.Error(err))
	}
}

// buildNotifier publishes receipts to RabbitMQ when RABBITMQ_URL is set and
// falls back to logging them otherwise.
func buildNotifier(cfg config.Config, log *zap.Logger) (notify.Notifier, func()) {
	if cfg.RabbitMQURL == "" {
		return notify.NewLogNotifier(log), func() {}
	}
	conn, err := notify.Connect(cfg.RabbitMQURL)
	if err != nil {
		log.Fatal("rabbitmq connection error", zap.Error(err))
	}
	n, err := notify.NewRabbitMQNotifier(conn, cfg.NotificationQueue, log)
	if err != nil {
		_ = conn.Close()
		log.Fatal("rabbitmq channel error", zap.Error(err))
	}
	log.Info("connected to RabbitMQ", zap.String("queue", cfg.NotificationQueue))
	return n, func() {
		if err := n.Close(); err != nil {
			log.Warn("error closing rabbitmq channel", zap.Error(err))
		}
		if err := conn.Close(); err != nil {
			log.Warn("error closing rabbitmq connection", zap.Error(err))
		}
	}
}
