// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/crosspost/internal/model"
)

// MetricsCollector はメトリクス収集のインターフェース。
// イベント購読とWebhook受信処理から利用する。
type MetricsCollector interface {
	ObserveEvent(ev model.Event)
	RecordWebhookReceived(eventType string)
	RecordWebhookInvalid()
}

// Collector はPrometheusメトリクスを収集する実装。
// 投稿ライフサイクルのメトリクスはイベントエミッターの購読者として
// ObserveEventで記録する。
type Collector struct {
	postsScheduled prometheus.Counter
	postsCancelled prometheus.Counter
	executions     prometheus.Counter
	retries        prometheus.Counter
	postsPublished *prometheus.CounterVec
	postsFailed    *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
	webhookInvalid prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		postsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crosspost_posts_scheduled_total",
			Help: "予約登録された投稿の合計数",
		}),
		postsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crosspost_posts_cancelled_total",
			Help: "キャンセルされた予約投稿の合計数",
		}),
		executions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crosspost_executions_total",
			Help: "投稿実行の開始回数",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crosspost_retries_total",
			Help: "再試行待ちへ移行した回数",
		}),
		postsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crosspost_posts_published_total",
			Help: "プラットフォーム別の投稿成功数",
		}, []string{"platform"}),
		postsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crosspost_posts_failed_total",
			Help: "プラットフォーム別の投稿失敗数",
		}, []string{"platform"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crosspost_webhook_events_total",
			Help: "受信したWebhookイベントの種別ごとの数",
		}, []string{"type"}),
		webhookInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crosspost_webhook_invalid_total",
			Help: "署名検証に失敗したWebhookリクエストの合計数",
		}),
	}

	reg.MustRegister(
		c.postsScheduled,
		c.postsCancelled,
		c.executions,
		c.retries,
		c.postsPublished,
		c.postsFailed,
		c.webhookEvents,
		c.webhookInvalid,
	)

	return c
}

// ObserveEvent は投稿ライフサイクルイベントをメトリクスへ反映する。
// イベントエミッターの購読者として登録して使う。
func (c *Collector) ObserveEvent(ev model.Event) {
	switch ev.Type {
	case model.EventPostScheduled:
		c.postsScheduled.Inc()
	case model.EventPostCancelled:
		c.postsCancelled.Inc()
	case model.EventPostExecuting:
		c.executions.Inc()
	case model.EventPostRetrying:
		c.retries.Inc()
	case model.EventPostPublished, model.EventPostFailed:
		c.recordResults(ev.Result)
	}
}

// recordResults はプラットフォーム別の成否を記録する。
func (c *Collector) recordResults(result *model.PostResult) {
	if result == nil {
		return
	}
	for _, r := range result.Results {
		if r.Success {
			c.postsPublished.WithLabelValues(string(r.Platform)).Inc()
		} else {
			c.postsFailed.WithLabelValues(string(r.Platform)).Inc()
		}
	}
}

// RecordWebhookReceived は検証済みWebhookイベントの受信を記録する。
func (c *Collector) RecordWebhookReceived(eventType string) {
	c.webhookEvents.WithLabelValues(eventType).Inc()
}

// RecordWebhookInvalid は署名検証に失敗したWebhookリクエストを記録する。
func (c *Collector) RecordWebhookInvalid() {
	c.webhookInvalid.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
