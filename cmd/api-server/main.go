package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-appointment-booking/internal/api"
	"github.com/hackgods/clinic-appointment-booking/internal/appointment"
	"github.com/hackgods/clinic-appointment-booking/internal/auth"
	"github.com/hackgods/clinic-appointment-booking/internal/config"
	"github.com/hackgods/clinic-appointment-booking/internal/db"
	"github.com/hackgods/clinic-appointment-booking/internal/logger"
	"github.com/hackgods/clinic-appointment-booking/internal/metrics"
	"github.com/hackgods/clinic-appointment-booking/internal/notification"
	redisclient "github.com/hackgods/clinic-appointment-booking/internal/redis"
	"github.com/hackgods/clinic-appointment-booking/internal/session"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		// logger may not exist yet
		os.Stderr.WriteString("api-server: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("api-server starting up",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("timezone", cfg.Timezone),
		zap.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return err
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	applied, err := db.Migrate(rootCtx, pgPool)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		log.Info("applied migrations", zap.Strings("versions", applied))
	}

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))

	window, err := cfg.Window()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	m := metrics.New()

	hub := notification.NewHub(cfg.Stream.Buffer)
	hub.OnDrop(func(sub *notification.Subscription) {
		m.SubscriberDropped()
		log.Warn("dropped lagging notification subscriber", zap.String("recipient_id", sub.RecipientID.String()))
	})
	broker := notification.NewRedisBroker(rdb, notification.DefaultChannel, hub, log.Named("broker"))
	store := notification.NewPgStore(pgPool)
	events := notification.NewService(store, broker, log.Named("notification"))

	appts := appointment.NewService(
		appointment.NewPgRepository(pgPool),
		redisclient.NewRedisLocker(rdb, cfg.LockTTL),
		events,
		appointment.Options{
			Policy:   cfg.Policy(),
			Window:   window,
			Location: loc,
			Logger:   log.Named("appointment"),
			Metrics:  m,
		},
	)

	sessions := session.NewRegistry(cfg.SessionIdleTTL, log.Named("session"))

	router := api.NewRouter(api.RouterConfig{
		Appointments:  appts,
		Notifications: events,
		Streamer:      notification.NewStreamer(store, hub),
		Sessions:      sessions,
		Verifier:      auth.NewVerifier(cfg.JWTSecret),
		Metrics:       m,
		Logger:        log,
		Health: api.NewHealthHandler(
			func(ctx context.Context) error { return pgPool.Ping(ctx) },
			func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			cfg.Env, version,
		),
		Heartbeat: cfg.Stream.Heartbeat,
		Env:       cfg.Env,
		Version:   version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return rootCtx },
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
		return broker.Run(gctx)
	})

	g.Go(func() error {
		return sessions.Run(gctx, time.Minute)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down api-server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("api-server stopped with error", zap.Error(err))
		return err
	}
	log.Info("api-server stopped")
	return nil
}
