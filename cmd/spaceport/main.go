// Command spaceport runs the authentication and tenancy server.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/spaceport-hq/spaceport/pkg/api"
	"github.com/spaceport-hq/spaceport/pkg/audit"
	"github.com/spaceport-hq/spaceport/pkg/config"
	"github.com/spaceport-hq/spaceport/pkg/httputil"
	"github.com/spaceport-hq/spaceport/pkg/invitations"
	"github.com/spaceport-hq/spaceport/pkg/mail"
	"github.com/spaceport-hq/spaceport/pkg/middleware"
	"github.com/spaceport-hq/spaceport/pkg/observability"
	"github.com/spaceport-hq/spaceport/pkg/secctx"
	"github.com/spaceport-hq/spaceport/pkg/seed"
	"github.com/spaceport-hq/spaceport/pkg/sessions"
	"github.com/spaceport-hq/spaceport/pkg/spaces"
	"github.com/spaceport-hq/spaceport/pkg/storage"
	"github.com/spaceport-hq/spaceport/pkg/tokens"
	"github.com/spaceport-hq/spaceport/pkg/users"
)

func main() {
	seedFile := flag.String("seed", "", "Optional YAML fixture to load at startup")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, nil).
			WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("failed to connect to postgres")
		os.Exit(1)
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db); err != nil {
		logger.WithError(err).Error("failed to run migrations")
		os.Exit(1)
	}

	tracerProvider, err := observability.InitTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize tracing")
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		observability.ShutdownTracing(shutdownCtx, tracerProvider, logger)
	}()

	metrics := observability.NewMetrics(nil)

	recorder := audit.NewRecorder(db)
	userSvc := users.NewService(db, recorder)
	spaceSvc := spaces.NewService(db)
	sessionMgr := sessions.NewManager(db, userSvc, spaceSvc, recorder, cfg.Auth.SessionTTL)
	invitationSvc := invitations.NewService(db, userSvc, recorder)
	binder := secctx.NewBinder(db, sessionMgr, spaceSvc, metrics)
	signer, err := tokens.NewSigner(cfg.Auth.TokenSecret)
	if err != nil {
		logger.WithError(err).Error("failed to create token signer")
		os.Exit(1)
	}
	mailer := mail.NewLogSender(logger)

	var loginLimiter *middleware.LoginLimiter
	if cfg.Redis.Enabled() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		loginLimiter = middleware.NewLoginLimiter(redisClient, nil, logger)
		logger.Info("login rate limiting enabled", "redis", cfg.Redis.Addr)
	}

	if *seedFile != "" {
		loader := seed.NewLoader(spaceSvc, userSvc, invitationSvc, cfg.Auth.InvitationTTL, logger)
		if err := loader.LoadFile(ctx, *seedFile); err != nil {
			logger.WithError(err).Error("failed to load seed fixture")
			os.Exit(1)
		}
	}

	server := api.NewServer(api.Deps{
		Binder:       binder,
		Sessions:     sessionMgr,
		Users:        userSvc,
		Spaces:       spaceSvc,
		Invitations:  invitationSvc,
		Audit:        recorder,
		Signer:       signer,
		Mailer:       mailer,
		Metrics:      metrics,
		Logger:       logger,
		AuthConfig:   cfg.Auth,
		LoginLimiter: loginLimiter,
	})

	handler := httputil.Chain(
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.MaxBytesMiddleware(1<<20),
	)(server)
	// Outermost so every request gets a server span and inbound trace
	// context is propagated to the handlers.
	handler = otelhttp.NewHandler(handler, "spaceport.api")

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Auth.SessionSweepSpec, func() {
		swept, err := sessionMgr.Sweep(context.Background())
		if err != nil {
			logger.WithError(err).Error("session sweep failed")
			return
		}
		metrics.SessionsSweptTotal.Add(float64(swept))
		if swept > 0 {
			logger.Info("swept expired sessions", "count", swept)
		}
	}); err != nil {
		logger.WithError(err).Error("invalid sweep schedule")
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.MetricsPort,
		Handler: metricsMux,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting api server", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("starting metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		metricsServer.Shutdown(shutdownCtx)
		return apiServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}
