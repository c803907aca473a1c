package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httphandlers "pdfcast/internal/handlers/http"
	"pdfcast/internal/infrastructure/distributed"
	"pdfcast/internal/infrastructure/middleware"
	"pdfcast/internal/infrastructure/monitoring"
	"pdfcast/internal/infrastructure/repositories"
	"pdfcast/internal/infrastructure/signal"
	"pdfcast/pkg/config"
	"pdfcast/pkg/logger"
	"pdfcast/pkg/tracing"
)

func main() {
	startTime := time.Now()

	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "pdfcast-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("tracing init failed, continuing without it", "error", err)
	} else if tracerProvider != nil {
		defer tracerProvider.Shutdown(context.Background())
	}

	registryFactory, err := repositories.NewRegistryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create registry factory", "error", err)
	}
	defer registryFactory.Close()

	registry := registryFactory.CreateSessionRegistry()
	tokens := signal.NewHostTokenIssuer(cfg.HostToken.Secret, cfg.HostToken.TTL)

	var metrics signal.Metrics
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	opts := signal.Options{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		ReadTimeout:       cfg.Signal.ReadTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		RateLimitEnabled:  cfg.RateLimiting.Enabled,
		MessagesPerSecond: cfg.RateLimiting.MessagesPerSecond,
		Burst:             cfg.RateLimiting.Burst,
		MaxMessageBytes:   cfg.RateLimiting.MaxMessageBytes,
	}
	server := signal.NewServer(registry, tokens, opts, metrics, log)

	// With a shared Redis registry, peers may connect to different nodes;
	// the message bus forwards signaling between them.
	if redisClient := registryFactory.RedisClient(); redisClient != nil {
		bus := distributed.NewMessageBus(redisClient, uuid.NewString(), log)
		server.SetRemoteSender(bus)
		busCtx, busCancel := context.WithCancel(context.Background())
		defer busCancel()
		go func() {
			if err := bus.Run(busCtx, server.DeliverLocal); err != nil && busCtx.Err() == nil {
				log.Errorw("message bus stopped", "error", err)
			}
		}()
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	streamHandler := httphandlers.NewStreamHandler(server)
	streamHandler.SetupRoutes(router)

	router.GET("/ws", func(c *gin.Context) {
		server.HandleWebSocket(c.Writer, c.Request)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": server.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := server.Healthy(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
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
		log.Infof("Starting pdfcast signaling server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("graceful shutdown failed", "error", err)
	}
	log.Info("server stopped")
}
