package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/indraafito/EcoTrade-sub000/internal/config"
	"github.com/indraafito/EcoTrade-sub000/internal/deposit"
	"github.com/indraafito/EcoTrade-sub000/internal/insights"
	"github.com/indraafito/EcoTrade-sub000/internal/kiosk"
	"github.com/indraafito/EcoTrade-sub000/internal/leaderboard"
	"github.com/indraafito/EcoTrade-sub000/internal/qr"
	"github.com/indraafito/EcoTrade-sub000/internal/retry"
	"github.com/indraafito/EcoTrade-sub000/internal/store"

	"github.com/grandcat/zeroconf"
)

// App wires together the EcoTrade services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store

	deposits *deposit.Service
	board    *leaderboard.Service
	insights *insights.Service
	decoder  *qr.Decoder

	kiosk *kiosk.Client
	mdns  *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.store = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}
	a.logger.Info("store ready", "driver", a.store.Driver())

	a.wire()

	if a.cfg.MQTTBrokerURL != "" {
		var bridge *kiosk.Bridge
		client := kiosk.NewClient(a.cfg.MQTTBrokerURL, a.cfg.MQTTClientID, func(c *kiosk.Client) {
			if err := bridge.Listen(ctx, c); err != nil {
				a.logger.Error("kiosk subscribe failed", "error", err)
				return
			}
			a.logger.Info("kiosk bridge subscribed", "filter", kiosk.ScanFilter)
		})
		bridge = kiosk.NewBridge(a.deposits, client, a.retryConfig(), a.logger)
		bridge.SetVerifier(kioskVerifier(a.cfg.JWTSecret))
		if err := client.Connect(); err != nil {
			return err
		}
		a.kiosk = client
		defer func() {
			a.kiosk.Close()
			a.logger.Info("kiosk bridge stopped")
		}()
	}

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	})
	return g.Wait()
}

// wire builds the domain services on top of the opened store.
func (a *App) wire() {
	rc := a.retryConfig()
	a.deposits = deposit.New(a.store, deposit.Config{Retry: rc}, a.logger)
	a.board = leaderboard.New(a.store)
	a.insights = insights.New(
		a.store,
		insights.NewClient(a.cfg.MistralAPIKey, a.cfg.MistralAgentID, a.cfg.MistralBaseURL),
		rc,
		a.cfg.Locale,
		a.logger,
	)
	a.decoder = qr.NewDecoder()
}

func (a *App) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: a.cfg.RetryMaxAttempts,
		BaseDelay:   a.cfg.RetryBaseDelay,
		MaxDelay:    a.cfg.RetryMaxDelay,
		ShouldRetry: func(err error) bool {
			return store.IsTransient(err) || retry.DefaultShouldRetry(err)
		},
	}
}

// handler returns the router wrapped in the CORS policy.
func (a *App) handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: a.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
	})
	return c.Handler(a.routes())
}

func (a *App) routes() *gin.Engine {
	if a.cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), a.requestLogger())

	router.GET("/healthz", a.handleHealthz)
	router.GET("/readyz", a.handleReadyz)

	api := router.Group("/api")
	api.GET("/locations", a.handleActiveLocations)

	user := api.Group("")
	user.Use(authMiddleware(a.cfg.JWTSecret))
	user.POST("/scans", a.handleScan)
	user.POST("/scans/image", a.handleScanImage)
	user.POST("/scans/:id/confirm", a.handleConfirm)
	user.GET("/profile", a.handleProfile)
	user.GET("/activities", a.handleActivities)
	user.GET("/leaderboard", a.handleLeaderboard)
	user.GET("/insights", a.handleInsights)

	admin := user.Group("/admin")
	admin.Use(requireAdmin())
	admin.GET("/locations", a.handleAllLocations)
	admin.POST("/locations", a.handleCreateLocation)
	admin.PUT("/locations/:id/active", a.handleSetLocationActive)
	admin.POST("/locations/:id/qr", a.handleReissueQR)
	admin.GET("/locations/:id/qr.png", a.handleQRImage)
	admin.GET("/tiers", a.handleRankTiers)
	admin.PUT("/tiers", a.handleReplaceRankTiers)
	admin.GET("/export/activities", a.handleExportActivities)

	return router
}

func (a *App) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if uid := c.GetString(ctxUserID); uid != "" {
			attrs = append(attrs, "user_id", uid)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			a.logger.Warn("http request", attrs...)
			return
		}
		a.logger.Debug("http request", attrs...)
	}
}
