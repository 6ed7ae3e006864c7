package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/healthme/telehealth-escrow/internal/api"
	"github.com/healthme/telehealth-escrow/internal/appointment"
	"github.com/healthme/telehealth-escrow/internal/billing"
	"github.com/healthme/telehealth-escrow/internal/config"
	"github.com/healthme/telehealth-escrow/internal/db"
	"github.com/healthme/telehealth-escrow/internal/gateway"
	"github.com/healthme/telehealth-escrow/internal/notify"
	redisclient "github.com/healthme/telehealth-escrow/internal/redis"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	log := newLogger(cfg.Env)
	defer log.Sync()

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.Float64("commission_rate", cfg.CommissionRate))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	// Connect Redis
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

	// Notification queue is optional; financial flows never depend on it.
	var notifier notify.Notifier = notify.Nop{}
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			log.Fatal("amqp connection error", zap.Error(err))
		}
		defer conn.Close()

		amqpNotifier, err := notify.NewAMQPNotifier(conn, cfg.NotifyQueue)
		if err != nil {
			log.Fatal("amqp notifier setup error", zap.Error(err))
		}
		defer amqpNotifier.Close()
		notifier = amqpNotifier
		log.Info("connected to AMQP", zap.String("queue", cfg.NotifyQueue))
	}

	apptRepo := appointment.NewPgRepository(pgPool)
	billingRepo := billing.NewPgRepository(pgPool)
	locker := redisclient.NewRedisAppointmentLocker(rdb, cfg.LockTTL)
	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecret, cfg.GatewayTimeout)

	apptSvc := appointment.NewService(apptRepo, cfg.PaymentTTL, log)
	billingSvc := billing.NewService(billingRepo, apptRepo, gw, notifier, locker, billing.Config{
		CommissionRate: cfg.CommissionRate,
		MinWithdrawal:  cfg.MinWithdrawal,
		Currency:       cfg.Currency,
		RedirectURL:    cfg.RedirectURL,
	}, log)

	router := api.NewRouter(api.RouterConfig{
		Appointments:  apptSvc,
		Billing:       billingSvc,
		PgPool:        pgPool,
		Redis:         rdb,
		WebhookSecret: cfg.WebhookSecret,
		Env:           cfg.Env,
		Version:       version,
		Log:           log,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}
