package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prperemyshlev/mailbox-connections/internal/config"
	"github.com/prperemyshlev/mailbox-connections/internal/encryption"
	"github.com/prperemyshlev/mailbox-connections/internal/handler"
	"github.com/prperemyshlev/mailbox-connections/internal/oauth"
	"github.com/prperemyshlev/mailbox-connections/internal/probe"
	"github.com/prperemyshlev/mailbox-connections/internal/repository"
	"github.com/prperemyshlev/mailbox-connections/internal/service"
	"github.com/prperemyshlev/mailbox-connections/internal/transmission"
	"github.com/prperemyshlev/mailbox-connections/internal/utils"
	"github.com/prperemyshlev/mailbox-connections/pkg/observability"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	infra   Infrastructure
	config  *config.Config
	server  *http.Server
	worker  *service.CredentialSyncWorker
	workers sync.WaitGroup
}

func NewApp(infra Infrastructure, cfg *config.Config) (*App, error) {
	logger := infra.Logger()
	repos := repository.NewRepositories(infra.Postgres(), infra.Redis())

	metrics, err := service.NewMetrics(infra.MeterProvider().Meter(observability.ServiceName))
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	codec := encryption.NewCodec(encryption.NewEngine(cfg.Encryption.Key))
	providers := newProviderRegistry(cfg.OAuth)

	sender := transmission.NewClient(transmission.Config{
		URL:        cfg.StageUpdater.URL,
		ServiceKey: cfg.StageUpdater.ServiceKey,
		Timeout:    cfg.StageUpdater.Timeout.Duration,
	}, logger)

	prober := probe.NewIMAPProber(cfg.Probe.Timeout.Duration, cfg.Probe.AllowInsecure, logger)

	connectionService := service.NewConnectionService(
		repos.Connection,
		repos.SyncQueue,
		codec,
		providers,
		service.NewOAuthStateStore(infra.Redis(), service.DefaultStateTTL),
		sender,
		prober,
		cfg.Probe.Timeout.Duration,
		metrics,
		logger,
	)

	worker := service.NewCredentialSyncWorker(repos.SyncQueue, connectionService, service.SyncWorkerConfig{
		MaxAttempts:   cfg.StageUpdater.RetryAttempts,
		PollInterval:  cfg.StageUpdater.PollInterval.Duration,
		RatePerSecond: cfg.StageUpdater.RateLimit,
		Backoff: service.BackoffConfig{
			InitialDelay: cfg.StageUpdater.RetryInitialDelay.Duration,
			MaxDelay:     cfg.StageUpdater.RetryMaxDelay.Duration,
		},
	}, metrics, logger)

	if cfg.StageUpdater.URL == "" {
		logger.Warn("STAGE_UPDATER_URL is not set, credential sync is disabled until configured")
	}

	rateLimiter := service.NewRateLimiter(infra.Redis())
	healthChecker := NewHealthChecker(infra)
	connectionHandler := handler.NewConnectionHandler(connectionService, logger)
	jwtManager := utils.NewJWTManager(cfg.JWT.Secret)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(observability.ServiceName))
	router.Use(handler.RequestIDMiddleware())
	router.Use(handler.LoggerMiddleware(logger))
	router.Use(handler.CORSMiddleware(cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders))

	setupRoutes(router, cfg, connectionHandler, jwtManager, rateLimiter, healthChecker, infra.MetricsHandler(), logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	return &App{
		infra:  infra,
		config: cfg,
		server: srv,
		worker: worker,
	}, nil
}

func newProviderRegistry(cfg config.OAuthConfig) *oauth.Registry {
	client := oauth.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout.Duration})

	return oauth.NewRegistry(
		oauth.NewGmail(oauth.ClientCredentials{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
		}, client),
		oauth.NewOutlook(oauth.ClientCredentials{
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
		}, cfg.MicrosoftTenant, client),
		oauth.NewYahoo(oauth.ClientCredentials{
			ClientID:     cfg.Yahoo.ClientID,
			ClientSecret: cfg.Yahoo.ClientSecret,
		}, client),
	)
}

func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	connections *handler.ConnectionHandler,
	jwtManager *utils.JWTManager,
	rateLimiter *service.RateLimiter,
	healthChecker *HealthChecker,
	metricsHandler http.Handler,
	logger *zap.Logger,
) {
	router.GET("/metrics", observability.PrometheusHandler(metricsHandler))
	router.GET("/health", healthChecker.Handler)

	limit := func(key func(*gin.Context) string) gin.HandlerFunc {
		return handler.RateLimitMiddleware(rateLimiter, cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow.Duration, key, logger)
	}

	api := router.Group("/api/v1")
	{
		conns := api.Group("/connections")
		{
			// the provider redirects the browser here without the caller's token
			conns.GET("/oauth/callback", limit(handler.IPBasedKey), connections.OAuthCallback)

			authed := conns.Group("", handler.AuthMiddleware(jwtManager))
			authed.GET("", connections.List)
			authed.POST("/oauth/:provider/start", limit(handler.UserBasedKey), connections.StartOAuth)
			authed.POST("/imap", connections.AddIMAP)
			authed.GET("/:id", connections.Get)
			authed.PATCH("/:id", connections.Update)
			authed.DELETE("/:id", connections.Delete)
			authed.GET("/:id/validate", connections.Validate)
			authed.POST("/:id/test", limit(handler.UserBasedKey), connections.Test)
			authed.POST("/:id/refresh", connections.Refresh)
			authed.POST("/:id/sync", connections.Sync)
		}
	}
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()

	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		a.worker.Run(workerCtx)
	}()

	go func() {
		a.infra.Logger().Info("Application starting",
			zap.String("host", a.config.Server.Host),
			zap.String("port", a.config.Server.Port),
		)

		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.infra.Logger().Error("Server error", zap.Error(err))
			errChan <- err
		}
	}()

	var serverErr error
	select {
	case err := <-errChan:
		a.infra.Logger().Error("Application failed to start", zap.Error(err))
		serverErr = err
	case <-ctx.Done():
		a.infra.Logger().Info("Application stopped by context")
	}

	stopWorker()
	a.workers.Wait()

	if err := a.Shutdown(); err != nil {
		a.infra.Logger().Error("Shutdown error", zap.Error(err))
		if serverErr != nil {
			return errors.Join(serverErr, err)
		}
		return err
	}

	return serverErr
}

func (a *App) Shutdown() error {
	a.infra.Logger().Info("Application shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// connections stay open until in-flight requests are done
	serverErr := a.server.Shutdown(ctx)
	err := errors.Join(serverErr, a.infra.Shutdown(ctx))
	if err != nil {
		a.infra.Logger().Error("Shutdown failed", zap.Error(err))
		return err
	}

	a.infra.Logger().Info("Application exited successfully")
	return nil
}
