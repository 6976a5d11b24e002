package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecast/internal/core/ports"
	"livecast/internal/core/services"
	httphandlers "livecast/internal/handlers/http"
	snapshot "livecast/internal/infrastructure/backup"
	"livecast/internal/infrastructure/middleware"
	"livecast/internal/infrastructure/monitoring"
	"livecast/internal/infrastructure/reliability"
	"livecast/internal/infrastructure/repositories"
	"livecast/internal/infrastructure/rtc"
	relay "livecast/internal/infrastructure/signal"
	"livecast/pkg/backup"
	"livecast/pkg/circuitbreaker"
	"livecast/pkg/config"
	"livecast/pkg/logger"
	"livecast/pkg/retry"
	"livecast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the livecast HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func breakerRegistry(cfg *config.Config) *circuitbreaker.Registry {
	configs := make(map[string]circuitbreaker.Config, len(cfg.Breakers))
	for name, b := range cfg.Breakers {
		configs[name] = circuitbreaker.Config{
			FailureThreshold: b.FailureThreshold,
			ResetTimeout:     b.ResetTimeout,
			MaxRetries:       b.MaxRetries,
		}
	}
	return circuitbreaker.NewRegistry(configs, circuitbreaker.DefaultConfig())
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.RTC.ICEServers))
	for _, s := range cfg.RTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

// engineFactory returns nil when no engine is configured; the adapter then
// keeps every session in persistence-only mode.
func engineFactory(cfg *config.Config, log *zap.SugaredLogger) ports.EngineFactory {
	if cfg.RTC.Engine != config.EnginePion {
		return nil
	}
	pionConfig := rtc.PionConfig{
		SignalingURL:      cfg.RTC.SignalingURL,
		ICEServers:        iceServers(cfg),
		VolumeInterval:    cfg.RTC.VolumeInterval,
		PacketLossWarning: cfg.RTC.PacketLossWarning,
	}
	pionConfig.PortRange.Min = cfg.RTC.PortRange.Min
	pionConfig.PortRange.Max = cfg.RTC.PortRange.Max

	return func() (ports.RTCEngine, error) {
		return rtc.NewPionEngine(pionConfig, log), nil
	}
}

// startSnapshots restores the latest snapshot into an in-process store and
// starts periodic archiving.
func startSnapshots(ctx context.Context, cfg *config.Config, store ports.SessionStore, backend string, log *zap.SugaredLogger) (*snapshot.Scheduler, error) {
	storage, err := backup.NewFileStorage(cfg.Backup.Dir)
	if err != nil {
		return nil, err
	}
	snapshots := backup.NewService(storage, version)

	if restorer, ok := store.(snapshot.StreamRestorer); ok && cfg.Backup.RestoreOnStart {
		if _, err := snapshot.RestoreLatest(ctx, snapshots, restorer, snapshot.RestoreOptions{MaxAge: cfg.Backup.MaxRestoreAge}, log); err != nil {
			log.Warnw("snapshot restore failed", "error", err)
		}
	}

	scheduler := snapshot.NewScheduler(snapshots, store, snapshot.Config{
		Interval: cfg.Backup.Interval,
		Keep:     cfg.Backup.Keep,
		Backend:  backend,
	}, log)
	go scheduler.Start(ctx)
	log.Infow("session snapshots enabled", "dir", cfg.Backup.Dir, "interval", cfg.Backup.Interval)
	return scheduler, nil
}

func serve(cfg *config.Config) error {
	startTime := time.Now()

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "livecast",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
		tp = &tracing.TracerProvider{}
	}

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer repoFactory.Close()

	rawStore := repoFactory.CreateSessionStore(ctx)

	var snapshotter *snapshot.Scheduler
	if cfg.Backup.Enabled {
		snapshotter, err = startSnapshots(ctx, cfg, rawStore, repoFactory.Backend(), log)
		if err != nil {
			return err
		}
		defer snapshotter.Stop()
	}

	breakers := breakerRegistry(cfg)
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	collector.WatchBreakers(breakers)

	retryConfig := retry.DefaultConfig()
	retryConfig.MaxAttempts = breakers.Get(circuitbreaker.ClassStreamAccess).Config().MaxRetries
	store := reliability.NewGuardedStore(rawStore, breakers, retryConfig, log)

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RTCTokenTTL)

	media := rtc.NewPool(engineFactory(cfg, log), breakers, rtc.Config{SpeakingThreshold: cfg.RTC.SpeakingThreshold}, log)
	defer media.Close(context.Background())

	sessions := services.NewSessionManager(store, media, authService, collector, services.SessionManagerConfigFrom(cfg), log)
	defer sessions.Close()

	cached := services.NewCachedSessionService(sessions, cfg.Session.ListCacheTTL)
	defer cached.Close()

	recovery := services.NewRecoveryRegistry(store, media, breakers, services.RecoveryConfigFrom(cfg), log,
		services.WithRecoveryMetrics(collector),
		services.WithTokenProvider(authService),
	)
	defer recovery.Close()

	health := monitoring.NewHealthChecker()
	health.AddStoreCheck(repoFactory.Backend(), repoFactory.HealthCheck)
	health.AddBreakerCheck(breakers)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.AccessLogMiddleware(logger.NewContextLogger(zapLogger), collector),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	feed := httphandlers.NewLiveFeed(cached, httphandlers.LiveFeedConfig{AllowedOrigins: cfg.Auth.AllowedOrigins}, log)
	auth := middleware.AuthMiddleware(authService)
	httphandlers.NewSessionHandler(cached, recovery, feed, log).SetupRoutes(router, auth)
	httphandlers.NewAuthHandler(cached, authService, cfg.Auth.RTCTokenTTL).SetupRoutes(router, auth)

	var channelRelay *relay.ChannelRelay
	if cfg.RTC.RelayEnabled {
		relayConfig := relay.DefaultRelayConfig()
		relayConfig.ICEServers = iceServers(cfg)
		relayConfig.PortRange.Min = cfg.RTC.PortRange.Min
		relayConfig.PortRange.Max = cfg.RTC.PortRange.Max
		relayConfig.AllowedOrigins = cfg.Auth.AllowedOrigins

		channelRelay, err = relay.NewChannelRelay(relayConfig, authService, log)
		if err != nil {
			return err
		}
		defer channelRelay.Close()

		router.GET("/rtc/ws", gin.WrapF(channelRelay.HandleWebSocket))
		collector.ObserveRelay(func() (int, int) {
			stats := channelRelay.Stats()
			return stats.Channels, stats.Peers
		})
		log.Infow("channel relay enabled", "path", "/rtc/ws")
	}

	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		body := gin.H{
			"status":    status.Status,
			"checks":    status.Checks,
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"store":     repoFactory.Backend(),
			"media":     media.Len(),
			"recovery":  recovery.Len(),
		}
		if channelRelay != nil {
			body["relay"] = channelRelay.Stats()
		}
		code := http.StatusOK
		if status.Status == monitoring.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, body)
	})

	router.GET("/ready", func(c *gin.Context) {
		if !health.IsReady(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "timestamp": time.Now()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "timestamp": time.Now()})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting livecast server", "address", cfg.Server.Address, "store", repoFactory.Backend(), "engine", cfg.RTC.Engine)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
		return err
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shut down gracefully")
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}

	log.Info("livecast server stopped")
	return nil
}
