package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/crosspost/internal/model"
	"github.com/hitoshi/crosspost/internal/scheduler"
)

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
// plugin.Pluginがこのインターフェースを満たす。
type PostServiceInterface interface {
	// Post は指定プラットフォームへ即時投稿する。
	Post(ctx context.Context, content model.PostContent, platforms []model.Platform) (*model.PostResult, error)
	// SchedulePost は指定時刻の予約投稿を登録する。
	SchedulePost(ctx context.Context, content model.PostContent, platforms []model.Platform, scheduledTime time.Time, opts *model.PostOptions) (*model.ScheduledPost, error)
	// GetScheduledPost は指定IDの予約投稿を返す。
	GetScheduledPost(ctx context.Context, id string) (*model.ScheduledPost, error)
	// ListScheduledPosts は全予約投稿を返す。
	ListScheduledPosts(ctx context.Context) ([]*model.ScheduledPost, error)
	// CancelScheduledPost は実行前の予約投稿をキャンセルする。
	CancelScheduledPost(ctx context.Context, id string) error
	// UpdateScheduledPost は実行前の予約投稿を変更する。
	UpdateScheduledPost(ctx context.Context, id string, req scheduler.UpdateRequest) (*model.ScheduledPost, error)
	// CleanupOldPosts は終端状態に達してから指定日数を超えた投稿を削除する。
	CleanupOldPosts(ctx context.Context, olderThanDays int) (int, error)
}

// PostHandler は投稿管理のHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface) *PostHandler {
	return &PostHandler{
		service: service,
	}
}

// --- リクエスト・レスポンス型 ---

// createPostRequest は即時投稿リクエストのボディ。
type createPostRequest struct {
	Content   model.PostContent `json:"content"`
	Platforms []model.Platform  `json:"platforms"`
}

// schedulePostRequest は予約投稿リクエストのボディ。
// scheduled_timeはRFC3339形式。
type schedulePostRequest struct {
	Content       model.PostContent  `json:"content"`
	Platforms     []model.Platform   `json:"platforms"`
	ScheduledTime time.Time          `json:"scheduled_time"`
	Options       *model.PostOptions `json:"options,omitempty"`
}

// updatePostRequest は予約投稿変更リクエストのボディ。
// nilのフィールドは変更しない部分更新を行う。
type updatePostRequest struct {
	Content       *model.PostContent `json:"content,omitempty"`
	Platforms     []model.Platform   `json:"platforms,omitempty"`
	ScheduledTime *time.Time         `json:"scheduled_time,omitempty"`
	Options       *model.PostOptions `json:"options,omitempty"`
}

// cleanupRequest は古い投稿削除リクエストのボディ。
type cleanupRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

// cleanupResponse は古い投稿削除のレスポンス。
type cleanupResponse struct {
	Removed int `json:"removed"`
}

// postResponse は即時投稿のレスポンス。
// successは全プラットフォームで成功した場合のみtrue。
type postResponse struct {
	Success bool                   `json:"success"`
	Results []model.PlatformResult `json:"results"`
}

// scheduledPostListResponse は予約投稿一覧のレスポンス。
type scheduledPostListResponse struct {
	Posts []*model.ScheduledPost `json:"posts"`
	Count int                    `json:"count"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// CreatePost は即時投稿を処理する。
// POST /api/posts
// 一部のプラットフォームのみが失敗した場合は200とともに全プラットフォームの
// 結果を返す。全プラットフォームが失敗した場合はエラーレスポンスを返す。
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}

	result, err := h.service.Post(r.Context(), req.Content, req.Platforms)
	if err != nil {
		if anySucceeded(result) {
			writeJSONResponse(w, http.StatusOK, toPostResponse(result))
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toPostResponse(result))
}

// SchedulePost は予約投稿の登録を処理する。
// POST /api/posts/schedule
func (h *PostHandler) SchedulePost(w http.ResponseWriter, r *http.Request) {
	var req schedulePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}

	if req.ScheduledTime.IsZero() {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidScheduleTimeError("scheduled_timeが指定されていません"))
		return
	}

	post, err := h.service.SchedulePost(r.Context(), req.Content, req.Platforms, req.ScheduledTime, req.Options)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, post)
}

// ListScheduledPosts は予約投稿の一覧を取得する。
// GET /api/posts/scheduled?status=scheduled|executing|completed|failed|cancelled
func (h *PostHandler) ListScheduledPosts(w http.ResponseWriter, r *http.Request) {
	statusStr := r.URL.Query().Get("status")
	if statusStr != "" && !isValidStatus(model.PostStatus(statusStr)) {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "statusパラメータの値が不正です。",
			Category: "validation",
			Action:   "scheduled / executing / completed / failed / cancelled のいずれかを指定してください。",
		})
		return
	}

	posts, err := h.service.ListScheduledPosts(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if statusStr != "" {
		filtered := make([]*model.ScheduledPost, 0, len(posts))
		for _, p := range posts {
			if p.Status == model.PostStatus(statusStr) {
				filtered = append(filtered, p)
			}
		}
		posts = filtered
	}

	// 空の場合もnullではなく[]を返す
	if posts == nil {
		posts = []*model.ScheduledPost{}
	}

	writeJSONResponse(w, http.StatusOK, scheduledPostListResponse{
		Posts: posts,
		Count: len(posts),
	})
}

// GetScheduledPost は予約投稿の詳細を取得する。
// GET /api/posts/scheduled/:id
func (h *PostHandler) GetScheduledPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	post, err := h.service.GetScheduledPost(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, post)
}

// UpdateScheduledPost は実行前の予約投稿を変更する。
// PATCH /api/posts/scheduled/:id
func (h *PostHandler) UpdateScheduledPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}

	// 変更対象のフィールドがひとつもない場合はバリデーションエラー
	if req.Content == nil && req.Platforms == nil && req.ScheduledTime == nil && req.Options == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "変更するフィールドが指定されていません。",
			Category: "validation",
			Action:   "content / platforms / scheduled_time / options のいずれかを指定してください。",
		})
		return
	}

	post, err := h.service.UpdateScheduledPost(r.Context(), id, scheduler.UpdateRequest{
		Content:       req.Content,
		Platforms:     req.Platforms,
		ScheduledTime: req.ScheduledTime,
		Options:       req.Options,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, post)
}

// CancelScheduledPost は実行前の予約投稿をキャンセルする。
// DELETE /api/posts/scheduled/:id
func (h *PostHandler) CancelScheduledPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.CancelScheduledPost(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CleanupPosts は終端状態に達してから指定日数を超えた投稿を削除する。
// POST /api/posts/cleanup
func (h *PostHandler) CleanupPosts(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}

	// 0以下を許すと全終端レコードの即時削除になるため、明示的な指定を要求する
	if req.OlderThanDays <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "older_than_daysは1以上を指定してください。",
			Category: "validation",
			Action:   "保持日数を正の整数で指定してください。",
		})
		return
	}

	removed, err := h.service.CleanupOldPosts(r.Context(), req.OlderThanDays)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, cleanupResponse{Removed: removed})
}

// SetupPostRoutes は投稿管理関連のルーティングを設定したchi.Routerを返す。
// publishMiddleware が nil でない場合、投稿系エンドポイントに専用レート制限を適用する。
func SetupPostRoutes(service PostServiceInterface, publishMiddleware func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	h := NewPostHandler(service)

	r.Route("/api/posts", func(r chi.Router) {
		// POST /api/posts - 即時投稿（投稿専用レート制限を適用）
		if publishMiddleware != nil {
			r.With(publishMiddleware).Post("/", h.CreatePost)
			r.With(publishMiddleware).Post("/schedule", h.SchedulePost)
		} else {
			r.Post("/", h.CreatePost)
			r.Post("/schedule", h.SchedulePost)
		}

		r.Post("/cleanup", h.CleanupPosts)

		// /api/posts/scheduled 以下のルーティング
		r.Route("/scheduled", func(r chi.Router) {
			r.Get("/", h.ListScheduledPosts)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetScheduledPost)
				r.Patch("/", h.UpdateScheduledPost)
				r.Delete("/", h.CancelScheduledPost)
			})
		})
	})

	return r
}

// --- ヘルパー関数 ---

// toPostResponse はmodel.PostResultからAPIレスポンスに変換する。
func toPostResponse(result *model.PostResult) postResponse {
	return postResponse{
		Success: result.AllSucceeded(),
		Results: result.Results,
	}
}

// anySucceeded は少なくとも1プラットフォームで投稿が成功したかどうかを返す。
func anySucceeded(result *model.PostResult) bool {
	if result == nil {
		return false
	}
	for _, pr := range result.Results {
		if pr.Success {
			return true
		}
	}
	return false
}

// isValidStatus は投稿状態の値として有効かどうかを返す。
func isValidStatus(s model.PostStatus) bool {
	switch s {
	case model.PostStatusScheduled, model.PostStatusExecuting,
		model.PostStatusCompleted, model.PostStatusFailed, model.PostStatusCancelled:
		return true
	default:
		return false
	}
}

// invalidRequestError はリクエストボディ解析失敗のエラーを生成する。
func invalidRequestError() *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// writeJSONResponse はJSONレスポンスを書き込む。
func writeJSONResponse(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidScheduleTime, model.ErrCodeNoPlatforms,
		model.ErrCodeUnsupportedPlatform, model.ErrCodeEmptyContent,
		model.ErrCodeInvalidURL:
		return http.StatusBadRequest
	case model.ErrCodePostNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidPostState:
		return http.StatusConflict
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeMediaTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.ErrCodeInvalidMedia, model.ErrCodePlatformPermanent:
		return http.StatusUnprocessableEntity
	case model.ErrCodePlatformTransient, model.ErrCodeRetryExhausted, model.ErrCodeAuthFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
