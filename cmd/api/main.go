// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/anchor-forge/internal/auth"
	"github.com/yourusername/anchor-forge/internal/backend"
	"github.com/yourusername/anchor-forge/internal/cache"
	"github.com/yourusername/anchor-forge/internal/config"
	"github.com/yourusername/anchor-forge/internal/gateway"
	"github.com/yourusername/anchor-forge/internal/linker"
	"github.com/yourusername/anchor-forge/internal/realtime"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	logger := log.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// PostgreSQL 接続プールの初期化
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	// Redis クライアント（変更通知の配送とフィード購読で共用）
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpt)
	defer rdb.Close()

	client := backend.NewPostgres(pool, backend.NewRedisNotifier(rdb), logger)
	if err := client.Migrate(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// プロセス内キャッシュの初期化
	store := cache.NewStore(logger)
	store.SetRevalidateTimeout(time.Duration(cfg.RevalidateTimeoutSecs) * time.Second)

	// 変更フィードの購読マネージャー
	realtimeManager := realtime.NewManager(
		realtime.NewRedisFeed(rdb), store, logger,
		realtime.WithBackoff(
			time.Duration(cfg.ResubscribeMinMillis)*time.Millisecond,
			time.Duration(cfg.ResubscribeMaxMillis)*time.Millisecond,
		),
	)
	defer realtimeManager.Shutdown()

	// プロジェクト一覧はサーバー稼働中ずっと同期する
	projectsSub := realtimeManager.Open(realtime.AllProjects())
	defer projectsSub.Close()

	// リンク挿入ワーカーの初期化
	docs := linker.NewGoogleFetcher(time.Duration(cfg.DocFetchTimeoutSecs) * time.Second)
	linkerManager, err := linker.NewManager(cfg, client, docs, logger)
	if err != nil {
		log.Fatalf("Failed to initialize linker workers: %v", err)
	}
	linkerManager.StartWorkers()

	gw := gateway.New(client, store, &linkerTrigger{manager: linkerManager}, logger)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	sessionStore := cookie.NewStore([]byte(cfg.SessionSecret))
	sessionStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, sessionStore))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	handlers := newAPIHandlers(gw, store, client, realtimeManager)
	setupRoutes(router, cfg, handlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Starting API server on %s (mode: %s)", srv.Addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := linkerManager.Shutdown(shutdownCtx); err != nil {
			logger.Printf("linker shutdown: %v", err)
		}
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server stopped")
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "anchor-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, h *apiHandlers) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			protected.GET("/projects", h.listProjects)
			protected.POST("/projects", h.createProject)
			protected.GET("/projects/:id", h.getProject)
			protected.GET("/projects/:id/jobs", h.listJobs)
			protected.POST("/projects/:id/jobs", h.createJob)
			protected.GET("/projects/:id/jobs/events", h.streamJobs)
			protected.GET("/jobs/:id", h.getJob)
		}
	}
}
