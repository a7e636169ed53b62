package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/crosspost/internal/middleware"
)

// HealthChecker はヘルスチェックで疎通確認する依存のインターフェース。
// *sql.DBがこのインターフェースを満たす。ファイルストア構成ではnilでよい。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	APIKey            string
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 投稿管理
	PostService PostServiceInterface

	// プロキシ認証状態
	AuthService AuthServiceInterface

	// 送信側レート制限の使用量参照
	Usage UsageReporter

	// Prometheusメトリクス（nilの場合は/metricsを公開しない）
	Metrics http.Handler

	// プロキシからのWebhook受信（シークレット未設定時はnil）
	Webhook http.Handler

	// ヘルスチェックの疎通確認先（nilの場合はプロセス生存のみ）
	HealthChecker HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → SecurityHeadersMiddleware → LoggingMiddleware → CORSMiddleware
//	→ APIKeyMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// ヘルスチェック・メトリクス・Webhook受信は認証ミドルウェアの外に配置する。
// Webhookはプロキシが送信するHMAC署名をハンドラー側で検証する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// 全ルート共通のミドルウェア
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	postHandler := NewPostHandler(deps.PostService)
	authHandler := NewAuthHandler(deps.AuthService)
	limitsHandler := NewLimitsHandler(deps.Usage)

	// --- 認証不要のルート ---

	// ヘルスチェック
	r.Get("/health", healthHandler(deps.HealthChecker))

	// Prometheusメトリクス
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	// プロキシからのWebhook受信
	if deps.Webhook != nil {
		r.Post("/webhooks/proxy", deps.Webhook.ServeHTTP)
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: APIKey → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAPIKeyMiddleware(deps.APIKey))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 投稿管理
		r.Route("/api/posts", func(r chi.Router) {
			// 投稿を実際に発行するエンドポイントには投稿専用レート制限を追加
			r.With(deps.RateLimiter.PublishMiddleware()).Post("/", postHandler.CreatePost)
			r.With(deps.RateLimiter.PublishMiddleware()).Post("/schedule", postHandler.SchedulePost)

			// POST /api/posts/cleanup - 終端状態の古い投稿の削除
			r.Post("/cleanup", postHandler.CleanupPosts)

			r.Route("/scheduled", func(r chi.Router) {
				r.Get("/", postHandler.ListScheduledPosts)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", postHandler.GetScheduledPost)
					r.Patch("/", postHandler.UpdateScheduledPost)
					r.Delete("/", postHandler.CancelScheduledPost)
				})
			})
		})

		// プラットフォーム制約
		r.Get("/api/limits/{platform}", limitsHandler.GetLimits)

		// プロキシ認証状態
		r.Get("/api/auth/status", authHandler.Status)
	})

	return r
}

// healthHandler はヘルスチェックのハンドラーを返す。
// checker が nil でない場合は疎通確認を行い、失敗時は503を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSONResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
