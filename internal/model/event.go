// Package model はドメインモデルを定義する。
package model

import "time"

// EventType はプラグインが発行するイベント種別を表す。
type EventType string

const (
	// EventPostScheduled は予約登録イベント。
	EventPostScheduled EventType = "post.scheduled"
	// EventPostExecuting は実行開始イベント。
	EventPostExecuting EventType = "post.executing"
	// EventPostPublished は投稿成功イベント。
	EventPostPublished EventType = "post.published"
	// EventPostRetrying は再試行待ち移行イベント。
	EventPostRetrying EventType = "post.retrying"
	// EventPostFailed は試行上限到達イベント。
	EventPostFailed EventType = "post.failed"
	// EventPostCancelled はキャンセルイベント。
	EventPostCancelled EventType = "post.cancelled"
)

// Event はクロスポスト処理の進行を通知するイベントを表す。
// 文字列キーのフックではなく列挙済みの型付きイベントのみを発行する。
type Event struct {
	Type       EventType   `json:"type"`
	PostID     string      `json:"post_id,omitempty"`
	Platforms  []Platform  `json:"platforms,omitempty"`
	Attempts   int         `json:"attempts,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
	Result     *PostResult `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
}
