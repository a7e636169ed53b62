// Package cleanup は終端状態の予約投稿の自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過したcompleted/failed/cancelledの
// 投稿レコードを日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Cleaner は終端状態の投稿の削除処理を抽象化するインターフェース。
// scheduler.Schedulerがこのインターフェースを満たす。
type Cleaner interface {
	CleanupOldPosts(ctx context.Context, olderThanDays int) (int, error)
}

// CleanupJob は保持期間を超過した予約投稿の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	cleaner       Cleaner
	logger        *slog.Logger
	RetentionDays int // 終端状態の投稿の保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合はデフォルトの30日を使用する。
func NewCleanupJob(cleaner Cleaner, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &CleanupJob{
		cleaner:       cleaner,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run は保持期間を超過した終端状態の投稿を削除する。
// scheduled/executing状態の投稿は削除対象にならない。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	removed, err := j.cleaner.CleanupOldPosts(ctx, j.RetentionDays)
	if err != nil {
		j.logger.Error("投稿クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("投稿クリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("投稿クリーンアップジョブが完了しました",
		slog.Int("deleted_count", removed),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
