package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/crosspost/internal/model"
	"github.com/hitoshi/crosspost/internal/platform"
)

// UsageReporter は送信側レートリミッタの現在使用量を参照するインターフェース。
// ratelimit.Limiterがこのインターフェースを満たす。
type UsageReporter interface {
	// Count は指定プラットフォーム・操作の現在ウィンドウ内の記録数を返す。
	Count(p model.Platform, operation string) int
}

// LimitsHandler はプラットフォーム制約のHTTPハンドラー。
type LimitsHandler struct {
	usage UsageReporter
}

// NewLimitsHandler はLimitsHandlerを生成する。
// usage が nil の場合、使用量は常に0として報告される。
func NewLimitsHandler(usage UsageReporter) *LimitsHandler {
	return &LimitsHandler{
		usage: usage,
	}
}

// rateWindowResponse は1操作種別のレート制限状況。
type rateWindowResponse struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"window_seconds"`
	Used          int `json:"used"`
	Remaining     int `json:"remaining"`
}

// limitsResponse はプラットフォーム制約のレスポンス。
type limitsResponse struct {
	Platform      string                        `json:"platform"`
	MaxChars      int                           `json:"max_chars"`
	MaxMedia      int                           `json:"max_media"`
	MaxTags       int                           `json:"max_tags,omitempty"`
	RequiresMedia bool                          `json:"requires_media"`
	RateLimits    map[string]rateWindowResponse `json:"rate_limits"`
}

// GetLimits はプラットフォームの投稿制約とレート制限の現在状況を取得する。
// GET /api/limits/:platform
func (h *LimitsHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	p := model.Platform(chi.URLParam(r, "platform"))

	limits, ok := platform.LimitsFor(p)
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewUnsupportedPlatformError(string(p)))
		return
	}

	rateLimits := make(map[string]rateWindowResponse, 2)
	for _, op := range []string{platform.OpPosts, platform.OpMedia} {
		window := platform.RateWindowFor(p, op)

		used := 0
		if h.usage != nil {
			used = h.usage.Count(p, op)
		}

		remaining := window.Limit - used
		if remaining < 0 {
			remaining = 0
		}

		rateLimits[op] = rateWindowResponse{
			Limit:         window.Limit,
			WindowSeconds: int(window.Window.Seconds()),
			Used:          used,
			Remaining:     remaining,
		}
	}

	writeJSONResponse(w, http.StatusOK, limitsResponse{
		Platform:      string(p),
		MaxChars:      limits.MaxChars,
		MaxMedia:      limits.MaxMedia,
		MaxTags:       limits.MaxTags,
		RequiresMedia: limits.RequiresMedia,
		RateLimits:    rateLimits,
	})
}

// SetupLimitsRoutes はプラットフォーム制約関連のルーティングを設定したchi.Routerを返す。
func SetupLimitsRoutes(usage UsageReporter) http.Handler {
	r := chi.NewRouter()
	h := NewLimitsHandler(usage)

	r.Get("/api/limits/{platform}", h.GetLimits)

	return r
}
