// Package plugin は内容最適化・メディア解決・プロキシ投稿・スケジューラを
// 束ねたクロスポストの窓口を提供する。即時投稿と予約投稿の実行は
// 同じ配信経路を通る。
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/crosspost/internal/model"
	"github.com/hitoshi/crosspost/internal/platform"
	"github.com/hitoshi/crosspost/internal/scheduler"
)

// ContentOptimizer は投稿内容をプラットフォームの制約へ適合させる。
type ContentOptimizer interface {
	Optimize(p model.Platform, content model.PostContent) (model.PostContent, error)
}

// MediaResolver は添付メディアをアップロード済みアセットへ解決する。
type MediaResolver interface {
	ResolveAll(ctx context.Context, p model.Platform, refs []model.MediaRef) ([]model.MediaRef, error)
}

// PlatformPoster はプロキシAPI経由で1プラットフォームへ投稿する。
type PlatformPoster interface {
	PostToPlatform(ctx context.Context, p model.Platform, content model.PostContent) (*model.PlatformResult, error)
}

// PostScheduler は予約投稿の管理操作。
type PostScheduler interface {
	Schedule(ctx context.Context, content model.PostContent, platforms []model.Platform, scheduledTime time.Time, opts *model.PostOptions) (*model.ScheduledPost, error)
	Get(ctx context.Context, id string) (*model.ScheduledPost, error)
	List(ctx context.Context) ([]*model.ScheduledPost, error)
	Cancel(ctx context.Context, id string) error
	Update(ctx context.Context, id string, req scheduler.UpdateRequest) (*model.ScheduledPost, error)
	CleanupOldPosts(ctx context.Context, olderThanDays int) (int, error)
}

// Executor は1件の投稿内容を対象プラットフォームへ順に配信する。
// スケジューラの実行コールバックとしても使われる。
type Executor struct {
	optimizer ContentOptimizer
	media     MediaResolver
	poster    PlatformPoster
	logger    *slog.Logger
}

// コンパイル時にインターフェース実装を検証する
var _ scheduler.PostExecutor = (*Executor)(nil)

// NewExecutor はExecutorの新しいインスタンスを生成する。
func NewExecutor(
	optimizer ContentOptimizer,
	media MediaResolver,
	poster PlatformPoster,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		optimizer: optimizer,
		media:     media,
		poster:    poster,
		logger:    logger,
	}
}

// Execute はスケジューラの実行コールバック。予約投稿を配信する。
func (e *Executor) Execute(ctx context.Context, post *model.ScheduledPost) (*model.PostResult, error) {
	return e.deliver(ctx, post.Content, post.Platforms)
}

// deliver は各プラットフォームへ順に投稿し、プラットフォームごとの結果を集める。
// 一部のプラットフォームが失敗しても残りへの投稿は継続し、
// 全結果とあわせて最初の失敗を包んだエラーを返す。
func (e *Executor) deliver(ctx context.Context, content model.PostContent, platforms []model.Platform) (*model.PostResult, error) {
	results := make([]model.PlatformResult, 0, len(platforms))
	var firstErr error
	failed := 0

	for _, pl := range platforms {
		pr, err := e.postOne(ctx, pl, content)
		results = append(results, pr)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			e.logger.Warn("プラットフォームへの配信に失敗しました",
				slog.String("platform", string(pl)),
				slog.String("error", err.Error()),
			)
		}
	}

	result := &model.PostResult{Results: results}
	if firstErr != nil {
		return result, fmt.Errorf("%d/%d プラットフォームへの配信に失敗しました: %w", failed, len(platforms), firstErr)
	}
	return result, nil
}

// postOne は1プラットフォーム分の最適化・メディア解決・投稿を行う。
func (e *Executor) postOne(ctx context.Context, pl model.Platform, content model.PostContent) (model.PlatformResult, error) {
	// 1. プラットフォーム制約へ内容を適合させる
	optimized, err := e.optimizer.Optimize(pl, content)
	if err != nil {
		return failureResult(pl, err), err
	}

	// 2. 添付メディアをアップロード済みアセットへ解決する
	resolved, err := e.media.ResolveAll(ctx, pl, optimized.Media)
	if err != nil {
		return failureResult(pl, err), err
	}
	optimized.Media = resolved

	// 3. プロキシAPI経由で投稿する
	pr, err := e.poster.PostToPlatform(ctx, pl, optimized)
	if err != nil {
		return failureResult(pl, err), err
	}
	return *pr, nil
}

func failureResult(pl model.Platform, err error) model.PlatformResult {
	return model.PlatformResult{
		Platform: pl,
		Success:  false,
		Error:    err.Error(),
	}
}

// Plugin は即時投稿・予約投稿・イベント購読のエントリポイント。
type Plugin struct {
	executor  *Executor
	scheduler PostScheduler
	events    *Emitter
	logger    *slog.Logger
}

// New はPluginの新しいインスタンスを生成する。
func New(executor *Executor, sched PostScheduler, events *Emitter, logger *slog.Logger) *Plugin {
	return &Plugin{
		executor:  executor,
		scheduler: sched,
		events:    events,
		logger:    logger,
	}
}

// Post は指定プラットフォームへ即時投稿する。
// 一部のプラットフォームのみ失敗した場合も全プラットフォームの結果を返し、
// あわせてエラーを返す。
func (p *Plugin) Post(ctx context.Context, content model.PostContent, platforms []model.Platform) (*model.PostResult, error) {
	if err := platform.ValidatePlatforms(platforms); err != nil {
		return nil, err
	}
	if content.Text == "" && len(content.Media) == 0 {
		return nil, model.NewEmptyContentError()
	}

	result, err := p.executor.deliver(ctx, content, platforms)
	now := time.Now()
	if err != nil {
		p.events.Emit(model.Event{
			Type:       model.EventPostFailed,
			Platforms:  platforms,
			OccurredAt: now,
			Result:     result,
			Error:      err.Error(),
		})
		return result, err
	}

	p.logger.Info("即時投稿が完了しました",
		slog.Int("platform_count", len(platforms)),
	)
	p.events.Emit(model.Event{
		Type:       model.EventPostPublished,
		Platforms:  platforms,
		OccurredAt: now,
		Result:     result,
	})
	return result, nil
}

// SchedulePost は指定時刻の予約投稿を登録する。
func (p *Plugin) SchedulePost(
	ctx context.Context,
	content model.PostContent,
	platforms []model.Platform,
	scheduledTime time.Time,
	opts *model.PostOptions,
) (*model.ScheduledPost, error) {
	return p.scheduler.Schedule(ctx, content, platforms, scheduledTime, opts)
}

// GetScheduledPost は指定IDの予約投稿を返す。
func (p *Plugin) GetScheduledPost(ctx context.Context, id string) (*model.ScheduledPost, error) {
	return p.scheduler.Get(ctx, id)
}

// ListScheduledPosts は全予約投稿を返す。
func (p *Plugin) ListScheduledPosts(ctx context.Context) ([]*model.ScheduledPost, error) {
	return p.scheduler.List(ctx)
}

// CancelScheduledPost は実行前の予約投稿をキャンセルする。
func (p *Plugin) CancelScheduledPost(ctx context.Context, id string) error {
	return p.scheduler.Cancel(ctx, id)
}

// UpdateScheduledPost は実行前の予約投稿を変更する。
func (p *Plugin) UpdateScheduledPost(ctx context.Context, id string, req scheduler.UpdateRequest) (*model.ScheduledPost, error) {
	return p.scheduler.Update(ctx, id, req)
}

// CleanupOldPosts は終端状態に達してから指定日数を超えた投稿を削除する。
func (p *Plugin) CleanupOldPosts(ctx context.Context, olderThanDays int) (int, error) {
	return p.scheduler.CleanupOldPosts(ctx, olderThanDays)
}

// Subscribe はイベント購読者を登録し、購読IDを返す。
func (p *Plugin) Subscribe(h Handler) int {
	return p.events.Subscribe(h)
}

// Unsubscribe はイベント購読を解除する。
func (p *Plugin) Unsubscribe(id int) {
	p.events.Unsubscribe(id)
}
