package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/crosspost/internal/metrics"
	"github.com/hitoshi/crosspost/internal/middleware"
	"github.com/hitoshi/crosspost/internal/model"
)

const (
	// SignatureHeader は署名を運ぶHTTPヘッダ。
	SignatureHeader = "X-Crosspost-Signature"
	// TimestampHeader は署名タイムスタンプ（unix秒）を運ぶHTTPヘッダ。
	TimestampHeader = "X-Crosspost-Timestamp"

	// maxBodySize はWebhookボディの最大読み取りバイト数。
	maxBodySize = 1 << 20
)

// EventEmitter は検証済みイベントを購読者へ配信する。
type EventEmitter interface {
	Emit(ev model.Event)
}

// eventTypes はイベントストリームへ再配信するWebhookイベント種別。
// ここにない種別（account.connected等）は記録とログのみ行う。
var eventTypes = map[string]model.EventType{
	"post.published": model.EventPostPublished,
	"post.failed":    model.EventPostFailed,
}

// payload はプロキシAPIのWebhookペイロード。
type payload struct {
	Type       string            `json:"type"`
	PostID     string            `json:"post_id,omitempty"`
	Platforms  []model.Platform  `json:"platforms,omitempty"`
	Result     *model.PostResult `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Handler はプロキシAPIからのWebhook通知を受信するHTTPハンドラー。
type Handler struct {
	verifier  *Verifier
	events    EventEmitter
	collector metrics.MetricsCollector
	logger    *slog.Logger
}

// NewHandler はHandlerの新しいインスタンスを生成する。
func NewHandler(
	verifier *Verifier,
	events EventEmitter,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		verifier:  verifier,
		events:    events,
		collector: collector,
		logger:    logger,
	}
}

// ServeHTTP はWebhook通知を検証し、既知のイベントを再配信する。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの読み取りに失敗しました。",
			Category: "validation",
			Action:   "リクエストを確認して再送してください。",
		})
		return
	}

	// 1. 署名を検証する
	signature := r.Header.Get(SignatureHeader)
	timestamp := r.Header.Get(TimestampHeader)
	if err := h.verifier.Verify(signature, timestamp, body); err != nil {
		h.collector.RecordWebhookInvalid()
		h.logger.Warn("Webhook署名の検証に失敗しました",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		apiErr, _ := model.AsAPIError(err)
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
		return
	}

	// 2. ペイロードを解析する
	var p payload
	if err := json.Unmarshal(body, &p); err != nil || p.Type == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "Webhookペイロードの形式が不正です。",
			Category: "validation",
			Action:   "type フィールドを含むJSONを送信してください。",
		})
		return
	}

	h.collector.RecordWebhookReceived(p.Type)
	h.logger.Info("Webhookイベントを受信しました",
		slog.String("type", p.Type),
		slog.String("post_id", p.PostID),
	)

	// 3. 既知の投稿イベントはイベントストリームへ再配信する
	if et, ok := eventTypes[p.Type]; ok {
		occurredAt := p.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = time.Now()
		}
		h.events.Emit(model.Event{
			Type:       et,
			PostID:     p.PostID,
			Platforms:  p.Platforms,
			OccurredAt: occurredAt,
			Result:     p.Result,
			Error:      p.Error,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
