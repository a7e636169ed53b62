package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/crosspost/internal/auth"
	"github.com/hitoshi/crosspost/internal/client"
	"github.com/hitoshi/crosspost/internal/config"
	"github.com/hitoshi/crosspost/internal/content"
	"github.com/hitoshi/crosspost/internal/database"
	"github.com/hitoshi/crosspost/internal/handler"
	"github.com/hitoshi/crosspost/internal/logger"
	"github.com/hitoshi/crosspost/internal/media"
	"github.com/hitoshi/crosspost/internal/metrics"
	"github.com/hitoshi/crosspost/internal/middleware"
	"github.com/hitoshi/crosspost/internal/model"
	"github.com/hitoshi/crosspost/internal/platform"
	"github.com/hitoshi/crosspost/internal/plugin"
	"github.com/hitoshi/crosspost/internal/ratelimit"
	"github.com/hitoshi/crosspost/internal/repository"
	"github.com/hitoshi/crosspost/internal/scheduler"
	"github.com/hitoshi/crosspost/internal/security"
	"github.com/hitoshi/crosspost/internal/webhook"
	"github.com/hitoshi/crosspost/internal/worker/cleanup"
	"github.com/hitoshi/crosspost/internal/worker/rss"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envファイルがあれば読み込む（ローカル開発用）
	_ = godotenv.Load()

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("proxy_api", cfg.ProxyAPIURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// core はserveとworkerの両モードが共有するコンポーネント一式。
type core struct {
	db        *sql.DB // ファイルストア構成ではnil
	repo      repository.PostRepository
	ssrfGuard security.SSRFGuardService
	authSvc   *auth.Service
	limiter   *ratelimit.Limiter
	registry  *prometheus.Registry
	collector *metrics.Collector
	emitter   *plugin.Emitter
	sched     *scheduler.Scheduler
	plug      *plugin.Plugin
}

// buildCore はストレージからプラグインまでの共有コンポーネントを組み立てる。
// DATABASE_URLが設定されていればPostgreSQL、未設定ならファイルストレージを使う。
func buildCore(cfg *config.Config) (*core, error) {
	c := &core{}

	// 1. ストレージの初期化
	if cfg.DatabaseURL != "" {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established")
		c.db = db
		c.repo = repository.NewPostgresPostRepo(db)
	} else {
		repo, err := repository.NewFilePostRepo(cfg.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file storage: %w", err)
		}
		slog.Info("file storage initialized", slog.String("dir", cfg.StorageDir))
		c.repo = repo
	}

	// 2. NEAR署名認証の初期化
	keyPair, err := auth.ParseKeyPair(cfg.NearAccountID, cfg.NearPrivateKey)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to parse NEAR key pair: %w", err)
	}
	c.authSvc = auth.NewService(keyPair, auth.ServiceConfig{
		Endpoint:  cfg.ProxyAPIURL,
		Recipient: cfg.NearRecipient,
		Timeout:   cfg.FetchTimeout,
	}, slog.Default())

	// 3. セキュリティと送信側レート制限の初期化
	c.ssrfGuard = security.NewSSRFGuard()
	c.limiter = ratelimit.NewLimiter(ratelimit.DefaultConfig())

	// 4. メトリクスの初期化
	c.registry = prometheus.NewRegistry()
	c.collector = metrics.NewCollector(c.registry)

	// 5. プロキシクライアント一式の初期化
	poster := client.New(c.authSvc, c.limiter, client.Config{
		Endpoint:      cfg.ProxyAPIURL,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		RetryMaxDelay: cfg.RetryMaxDelay,
		NonRetryable:  cfg.NonRetryableErrors,
		Timeout:       cfg.FetchTimeout,
	}, slog.Default())
	optimizer := content.NewOptimizer()
	uploader := media.NewUploader(c.ssrfGuard, c.authSvc, c.limiter, media.Config{
		Endpoint:     cfg.ProxyAPIURL,
		MaxSize:      cfg.MediaMaxSize,
		FetchTimeout: cfg.FetchTimeout,
	}, slog.Default())

	// 6. スケジューラとプラグインの組み立て
	c.emitter = plugin.NewEmitter(slog.Default())
	c.emitter.Subscribe(c.collector.ObserveEvent)
	executor := plugin.NewExecutor(optimizer, uploader, poster, slog.Default())
	c.sched = scheduler.New(c.repo, executor, c.emitter, slog.Default(), scheduler.Config{
		CheckInterval: cfg.SchedulerCheckInterval,
		Lookahead:     cfg.SchedulerLookahead,
		MaxAttempts:   cfg.MaxAttempts,
		RetryDelay:    cfg.RetryDelay,
		RetryMaxDelay: cfg.RetryMaxDelay,
	})
	c.plug = plugin.New(executor, c.sched, c.emitter, slog.Default())

	return c, nil
}

// Close は共有コンポーネントを停止し、ストレージ接続を閉じる。
func (c *core) Close() {
	if c.limiter != nil {
		c.limiter.Stop()
	}
	if c.repo != nil {
		if err := c.repo.Close(); err != nil {
			slog.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}
}

// runServe はAPIサーバーモードで起動する。
// ストレージを開き、全依存関係をワイヤリングし、スケジューラと
// HTTPサーバーを起動する。SIGINTまたはSIGTERMシグナルを受信すると
// グレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. 共有コンポーネントの組み立て
	c, err := buildCore(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// 2. Webhookハンドラーの構築（シークレット設定時のみ）
	var webhookHandler http.Handler
	if cfg.WebhookSecret != "" {
		verifier := webhook.NewVerifier(cfg.WebhookSecret, 0)
		webhookHandler = webhook.NewHandler(verifier, c.emitter, c.collector, slog.Default())
	}

	// 3. ヘルスチェックの疎通確認先（ファイルストア構成ではnil）
	var healthChecker handler.HealthChecker
	if c.db != nil {
		healthChecker = c.db
	}

	// 4. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitAPI > 0 {
		// RateLimitAPIはreq/min単位なのでreq/secに変換する
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitAPI) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitAPI
	}

	deps := &handler.RouterDeps{
		APIKey:            cfg.APIKey,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterCfg),
		Logger:            slog.Default(),

		PostService: c.plug,
		AuthService: c.authSvc,
		Usage:       c.limiter,

		Metrics:       metrics.SetupMetricsRoute(c.registry),
		Webhook:       webhookHandler,
		HealthChecker: healthChecker,
	}

	router := handler.NewRouter(deps)

	// 5. スケジューラとクリーンアップジョブをバックグラウンドで起動
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.sched.Start(ctx)

	cleanupJob := cleanup.NewCleanupJob(c.sched, slog.Default(), cfg.CleanupRetentionDays)
	go runCleanupLoop(ctx, cleanupJob)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	// スケジューラを停止してからHTTPサーバーを閉じる
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// APIサーバーなしでスケジューラのスイープループを実行し、
// 設定されていればRSSフィードの自動取り込みも行う。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. 共有コンポーネントの組み立て
	c, err := buildCore(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// 2. RSS自動投稿の設定検証
	var source *rss.Source
	if len(cfg.RSSFeeds) > 0 {
		if len(cfg.RSSPlatforms) == 0 {
			return fmt.Errorf("RSS_PLATFORMS must be set when RSS_FEEDS is configured")
		}
		platforms := make([]model.Platform, 0, len(cfg.RSSPlatforms))
		for _, p := range cfg.RSSPlatforms {
			platforms = append(platforms, model.Platform(p))
		}
		if err := platform.ValidatePlatforms(platforms); err != nil {
			return fmt.Errorf("invalid RSS_PLATFORMS: %w", err)
		}

		source = rss.NewSource(c.repo, c.ssrfGuard, rss.Config{
			Feeds:        cfg.RSSFeeds,
			Platforms:    platforms,
			PollInterval: cfg.RSSPollInterval,
			Timeout:      cfg.FetchTimeout,
			MaxAttempts:  cfg.MaxAttempts,
		}, slog.Default())
	}

	// 3. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(c.sched, slog.Default(), cfg.CleanupRetentionDays)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("check_interval", cfg.SchedulerCheckInterval),
		slog.Int("rss_feeds", len(cfg.RSSFeeds)),
	)

	// RSSソースをバックグラウンドで起動
	if source != nil {
		go source.Start(ctx)
	}

	// クリーンアップジョブを日次でバックグラウンド実行
	go runCleanupLoop(ctx, cleanupJob)

	// スケジューラのスイープループをメインgoroutineで実行（ブロッキング）
	c.sched.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runCleanupLoop はクリーンアップジョブを起動直後に1回実行し、
// 以降24時間間隔で実行する。ctxのキャンセルで停止する。
func runCleanupLoop(ctx context.Context, job *cleanup.CleanupJob) {
	if err := job.Run(ctx); err != nil {
		slog.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				slog.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required to run migrations")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
