// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/crosspost/internal/model"
)

// PostRepository は予約投稿の永続化インターフェース。
// スケジューラは全ての状態変更を即座に書き戻し、永続化された内容を
// 再起動後の唯一の正とする。
type PostRepository interface {
	// Save は予約投稿を作成または上書き保存する。
	Save(ctx context.Context, post *model.ScheduledPost) error

	// FindByID は指定IDの予約投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ScheduledPost, error)

	// List は全予約投稿を返す。
	List(ctx context.Context) ([]*model.ScheduledPost, error)

	// ListDue はscheduled状態かつ予定時刻がnow以前の投稿を
	// 予定時刻昇順（同時刻はID昇順）で返す。
	ListDue(ctx context.Context, now time.Time) ([]*model.ScheduledPost, error)

	// DeleteTerminalBefore は終端状態への到達がcutoffより古い投稿を削除し、
	// 削除件数を返す。該当がなければ0を返す。繰り返し呼んでも安全。
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Close は保持しているリソースを解放する。
	Close() error
}
