// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/agent-farm/internal/app"
	"github.com/yourusername/agent-farm/internal/auth"
	"github.com/yourusername/agent-farm/internal/config"
	"github.com/yourusername/agent-farm/internal/logging"
	"github.com/yourusername/agent-farm/internal/research"
)

const version = "0.1.0"

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	logger := logging.New(cfg.LogLevel, cfg.GinMode)
	gin.SetMode(cfg.GinMode)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("api server stopped")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, logger, app.Options{Workers: cfg.RunWorkers})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := deps.Close(closeCtx); err != nil {
			logger.WithError(err).Warn("failed to close dependencies")
		}
	}()

	if err := deps.Store.Ping(ctx); err != nil {
		// 起動は続け、/health で 503 を返す
		logger.WithError(err).Warn("redis is not reachable")
	}

	handlers := &jobHandlers{
		jobs:         deps.Manager,
		logger:       logger,
		upgrader:     newUpgrader(cfg),
		pollInterval: time.Second,
	}
	if deps.Archive != nil {
		handlers.archive = deps.Archive
	}

	router := gin.New()
	router.Use(requestID(), recovery(logger), requestLogger(logger))
	router.Use(sessions.Sessions(auth.SessionCookieName, newSessionStore(cfg)))
	router.Use(cors.New(corsConfig(cfg)))
	setupRoutes(router, handlers, auth.NewManager(cfg, logger))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.RunWorkers {
		if err := deps.Manager.StartWorkers(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"addr":    srv.Addr,
			"mode":    cfg.GinMode,
			"workers": cfg.RunWorkers,
		}).Info("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("shutting down API server")
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.RunWorkers {
		g.Go(func() error {
			return deps.Reaper.Run(gctx)
		})
	}

	return g.Wait()
}

func newSessionStore(cfg *config.Config) sessions.Store {
	// セッションストアの設定（クッキー署名鍵は AUTH_REQUIRED=true の場合必須）
	secret := cfg.SessionSecret
	if secret == "" {
		secret = "agent-farm-insecure-dev-secret"
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.IsRelease(),
		SameSite: http.SameSiteStrictMode,
	})
	return store
}

func corsConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.DefaultConfig()
	origins := cfg.AllowedOrigins()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// "*" と AllowCredentials は併用できない
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
		corsCfg.AllowCredentials = true
	}
	corsCfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	corsCfg.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-API-Key",
		"X-CSRF-Token", // CSRF保護用ヘッダー
		requestIDHeader,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsCfg.ExposeHeaders = []string{"X-CSRF-Token", requestIDHeader, "Content-Disposition"}
	return corsCfg
}

func newUpgrader(cfg *config.Config) websocket.Upgrader {
	origins := cfg.AllowedOrigins()
	allowAll := len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowAll || origin == "" {
				return true
			}
			for _, o := range origins {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
}

// setupRoutes はルートを登録します。
// 同じルートを / と /api の両方にぶら下げます。
func setupRoutes(router *gin.Engine, h *jobHandlers, authManager *auth.Manager) {
	// 誰でも叩けるサービス情報とヘルスチェック
	router.GET("/", h.info)
	router.GET("/health", h.health)

	for _, prefix := range []string{"", "/api"} {
		base := router.Group(prefix)
		if prefix != "" {
			base.GET("", h.info)
			base.GET("/health", h.health)
		}

		authRoutes := base.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := base.Group("", authManager.RequireAccess())
		{
			protected.POST("/research", research.SubmitHandler(&researchJobScheduler{jobs: h.jobs}, h.logger))
			protected.GET("/crews", research.CrewsHandler)
			protected.GET("/result/:id", h.status)
			protected.GET("/result/:id/download", h.download)
			protected.GET("/ws/result/:id", h.watch)
			protected.DELETE("/task/:id", h.cancel)
			protected.GET("/tasks", h.list)
			protected.GET("/reports", h.reports)
			protected.GET("/reports/:id", h.report)
		}
	}
}
