package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camrelay/internal/core/ports"
	"camrelay/internal/core/services"
	httphandlers "camrelay/internal/handlers/http"
	"camrelay/internal/infrastructure/distributed"
	"camrelay/internal/infrastructure/middleware"
	"camrelay/internal/infrastructure/monitoring"
	"camrelay/internal/infrastructure/repositories"
	sig "camrelay/internal/infrastructure/signal"
	"camrelay/pkg/circuitbreaker"
	"camrelay/pkg/config"
	"camrelay/pkg/logger"
	"camrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func loadConfig() (*config.Config, string) {
	configPaths := []string{
		"configs/config.yaml",
		"/etc/camrelay/config.yaml",
		"config.yaml",
	}
	if p := os.Getenv("CAMRELAY_CONFIG"); p != "" {
		configPaths = append([]string{p}, configPaths...)
	}

	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if cfg, err := config.Load(path); err == nil {
			return cfg, path
		}
	}
	cfg, err := config.Load("")
	if err != nil {
		return config.DefaultConfig(), ""
	}
	return cfg, ""
}

func qualityConfig(cfg *config.Config) services.QualityConfig {
	q := cfg.Quality
	return services.QualityConfig{
		Enabled:       q.Enabled,
		BaselineScale: q.BaselineScale,
		Thresholds: services.QualityThresholds{
			SevereLatencyMs:   q.Thresholds.SevereLatencyMs,
			SevereLossPct:     q.Thresholds.SevereLossPct,
			HighLatencyMs:     q.Thresholds.HighLatencyMs,
			HighLossPct:       q.Thresholds.HighLossPct,
			ModerateLatencyMs: q.Thresholds.ModerateLatencyMs,
			ModerateLossPct:   q.Thresholds.ModerateLossPct,
		},
		NativeWidth:    q.NativeWidth,
		NativeHeight:   q.NativeHeight,
		MinWidth:       q.MinWidth,
		MinHeight:      q.MinHeight,
		MaxWidth:       q.MaxWidth,
		MaxHeight:      q.MaxHeight,
		MaxBitrateKbps: q.MaxBitrateKbps,
		MinBitrateKbps: q.MinBitrateKbps,
	}
}

func websocketConfig(cfg *config.Config) sig.Config {
	ws := sig.DefaultConfig()
	ws.PingInterval = cfg.Signal.PingInterval
	ws.PongTimeout = cfg.Signal.PongTimeout
	ws.WriteTimeout = cfg.Signal.WriteTimeout
	ws.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		ws.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		ws.Burst = cfg.RateLimiting.WebSocket.Burst
		ws.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
		ws.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	return ws
}

func main() {
	startTime := time.Now()
	cfg, configPath := loadConfig()

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if configPath != "" {
		log.Infow("configuration loaded", "path", configPath)
	} else {
		log.Info("no config file found, using defaults and environment")
	}

	instanceID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: tracing.DefaultConfig().ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	shards := cfg.Signaling.RegistryShards

	var exporter ports.MetricsRecorder = services.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		exporter = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}
	metricsService := services.NewMetricsService(exporter)

	iceProvider, err := services.NewICEConfigProvider(services.ICEConfig{
		STUNServers:     cfg.WebRTC.STUNServers,
		TURNServers:     cfg.WebRTC.TURNServers,
		TURNUsername:    cfg.WebRTC.TURNUsername,
		TURNCredential:  cfg.WebRTC.TURNCredential,
		TransportPolicy: cfg.WebRTC.ICETransportPolicy,
		BundlePolicy:    cfg.WebRTC.BundlePolicy,
	})
	if err != nil {
		log.Fatalw("invalid ICE configuration", "error", err)
	}

	keyService, err := services.NewKeyExchangeService(services.KeyExchangeConfig{
		Enabled:      cfg.Encryption.Enabled,
		KeySize:      cfg.Encryption.KeySize,
		Curve:        cfg.Encryption.Curve,
		GCMTagLength: cfg.Encryption.GCMTagLength,
	}, shards, log, metricsService)
	if err != nil {
		log.Fatalw("invalid encryption configuration", "error", err)
	}

	qualityService := services.NewQualityService(qualityConfig(cfg), services.NewTelemetryTracker(shards), shards, metricsService)

	// Local sockets, optionally bridged to other instances through Redis.
	hub := sig.NewHub(shards, log)
	var deliverer interface {
		ports.Deliverer
		sig.FrameSender
	} = hub
	if client := repoFactory.RedisClient(); client != nil {
		presence := distributed.NewPresenceRegistry(client, instanceID, 90*time.Second, log)
		hub.SetPresence(presence)
		bus := distributed.NewDeliveryBus(client, cfg.Redis.Channel, instanceID, log)
		breaker := distributed.NewRemoteBreaker(circuitbreaker.Config{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      10 * time.Second,
			HalfOpenProbes:   1,
			OnStateChange: func(from, to circuitbreaker.State) {
				log.Warnw("cross-instance delivery breaker changed state", "from", from.String(), "to", to.String())
			},
		})
		deliverer = distributed.NewDeliverer(hub, presence, bus, instanceID, breaker)

		go presence.Run(ctx, hub.Users)
		go func() {
			if err := bus.Run(ctx, hub.Send); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("delivery bus stopped", "error", err)
			}
		}()
		log.Infow("cross-instance delivery enabled", "instance_id", instanceID, "channel", cfg.Redis.Channel)
	}

	signalingService := services.NewSignalingService(cfg.Signaling.Enabled, services.SignalingDeps{
		Repository: repoFactory.CreateConnectionRepository(),
		Deliverer:  deliverer,
		Quality:    qualityService,
		Keys:       keyService,
		ICE:        iceProvider,
		Metrics:    metricsService,
		Logger:     log,
	})

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	wsServer := sig.NewWebSocketServer(websocketConfig(cfg), hub, deliverer, signalingService, authService, log)

	sweeper := sig.NewSweeper(sig.SweeperConfig{
		Interval:           cfg.Signaling.SweepInterval,
		NegotiationTimeout: cfg.Signaling.NegotiationTimeout,
		MaxConnectionAge:   cfg.Signaling.MaxConnectionAge,
	}, signalingService, log)
	go sweeper.Run(ctx)

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddRedisCheck(repoFactory.RedisClient(), 2*time.Second)
	healthChecker.AddCapacityCheck(hub.Count, cfg.RateLimiting.WebSocket.MaxConcurrent)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogger(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))

	public := router.Group("/api/v1")
	httphandlers.NewAuthHandler(authService, cfg.Auth.DevLogin).SetupRoutes(public)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(authService))
	for _, h := range []ports.RouteRegistrar{
		httphandlers.NewConnectionHandler(signalingService, qualityService),
		httphandlers.NewKeyHandler(keyService, signalingService),
	} {
		h.SetupRoutes(api)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"instance_id": instanceID,
			"sockets":     hub.Count(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := healthChecker.CheckAll(checkCtx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Long-lived websocket writes carry their own deadlines.
		WriteTimeout: 0,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting camrelay signaling server",
			"address", cfg.Server.Address,
			"ws_path", cfg.Signal.Path,
			"instance_id", instanceID,
			"signaling_enabled", cfg.Signaling.Enabled,
			"encryption_enabled", cfg.Encryption.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case s := <-sigChan:
		log.Infow("received shutdown signal", "signal", s)
	}

	shutdown(cfg, srv, hub, cancel, tp, repoFactory, log)
}

func shutdown(cfg *config.Config, srv *http.Server, hub *sig.Hub, cancel context.CancelFunc, tp *tracing.Provider, repoFactory *repositories.RepositoryFactory, log *zap.SugaredLogger) {
	log.Info("shutting down camrelay signaling server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	// Hijacked websocket connections are not closed by Shutdown.
	hub.CloseAll()
	cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("camrelay signaling server stopped")
}
