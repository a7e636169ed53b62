// Package scheduler は予約投稿の状態管理とバックグラウンド実行を提供する。
// スイープループ、実行タイマー、再試行/バックオフ戦略を含む。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/crosspost/internal/client"
	"github.com/hitoshi/crosspost/internal/model"
	"github.com/hitoshi/crosspost/internal/platform"
	"github.com/hitoshi/crosspost/internal/repository"
)

// PostExecutor は予約投稿の実行インターフェース。
type PostExecutor interface {
	// Execute は投稿を全対象プラットフォームへ配信する。
	// 一部のプラットフォームで失敗した場合は部分的な結果とエラーを返す。
	Execute(ctx context.Context, post *model.ScheduledPost) (*model.PostResult, error)
}

// EventEmitter は投稿ライフサイクルイベントの通知先。
type EventEmitter interface {
	Emit(event model.Event)
}

// Config はスケジューラの設定。
type Config struct {
	// CheckInterval はスイープループの実行間隔。
	CheckInterval time.Duration
	// Lookahead はこの幅以内に予定された投稿へ実行タイマーを張る。
	Lookahead time.Duration
	// MaxAttempts は投稿単位の既定の最大実行回数。
	MaxAttempts int
	// RetryDelay は再試行予定までの初回待機時間。
	RetryDelay time.Duration
	// RetryMaxDelay は再試行待機時間の上限。
	RetryMaxDelay time.Duration
	// MaxConcurrency はスイープ1回あたりの最大並列実行数。
	MaxConcurrency int
}

// Scheduler は予約投稿のライフサイクルを管理する。
//
// 状態遷移は scheduled → executing → {completed | failed | scheduled(再試行)}
// と scheduled → cancelled のみを許可する。全ての状態変更は即座に永続化され、
// 再起動後はスイープループが永続化済みの内容から実行を再開する。
// タイマーは実行遅延を抑える最適化であり、スイープが信頼できる唯一の実行経路となる。
type Scheduler struct {
	repo     repository.PostRepository
	executor PostExecutor
	events   EventEmitter
	logger   *slog.Logger
	config   Config

	mu     sync.Mutex
	timers map[string]*time.Timer
	runCtx context.Context

	now func() time.Time // テスト用に差し替え可能
}

// New はSchedulerの新しいインスタンスを生成する。
func New(
	repo repository.PostRepository,
	executor PostExecutor,
	events EventEmitter,
	logger *slog.Logger,
	config Config,
) *Scheduler {
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Minute
	}
	if config.Lookahead <= 0 {
		config.Lookahead = 24 * time.Hour
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = 5 * time.Minute
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}

	return &Scheduler{
		repo:     repo,
		executor: executor,
		events:   events,
		logger:   logger,
		config:   config,
		timers:   make(map[string]*time.Timer),
		runCtx:   context.Background(),
		now:      time.Now,
	}
}

// Schedule は投稿を予約する。
// 予定時刻が未来でない場合、投稿先が無効な場合、内容が空の場合は
// 何も永続化せずにvalidationエラーを返す。
func (s *Scheduler) Schedule(
	ctx context.Context,
	content model.PostContent,
	platforms []model.Platform,
	scheduledTime time.Time,
	opts *model.PostOptions,
) (*model.ScheduledPost, error) {
	// 1. 入力を検証する（失敗時は何も記録しない）
	now := s.now()
	if !scheduledTime.After(now) {
		return nil, model.NewInvalidScheduleTimeError("予定時刻は現在より後である必要があります")
	}
	if err := platform.ValidatePlatforms(platforms); err != nil {
		return nil, err
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}

	maxAttempts := s.config.MaxAttempts
	var options model.PostOptions
	if opts != nil {
		options = *opts
		if opts.MaxAttempts > 0 {
			maxAttempts = opts.MaxAttempts
		}
	}

	post := &model.ScheduledPost{
		ID:            uuid.New().String(),
		Content:       content,
		Platforms:     platforms,
		ScheduledTime: scheduledTime,
		Status:        model.PostStatusScheduled,
		MaxAttempts:   maxAttempts,
		Options:       options,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// 2. 即座に永続化する
	if err := s.repo.Save(ctx, post); err != nil {
		return nil, fmt.Errorf("予約投稿の保存に失敗しました: %w", err)
	}

	// 3. 予定時刻が近ければ実行タイマーを張る
	s.armTimer(post)

	s.logger.Info("投稿を予約しました",
		slog.String("post_id", post.ID),
		slog.Time("scheduled_time", scheduledTime),
		slog.Int("platform_count", len(platforms)),
	)
	s.emit(model.Event{
		Type:       model.EventPostScheduled,
		PostID:     post.ID,
		Platforms:  post.Platforms,
		OccurredAt: now,
	})

	return post, nil
}

// Get は指定IDの予約投稿を返す。
func (s *Scheduler) Get(ctx context.Context, id string) (*model.ScheduledPost, error) {
	post, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("予約投稿の取得に失敗しました: %w", err)
	}
	if post == nil {
		return nil, model.NewPostNotFoundError(id)
	}
	return post, nil
}

// List は全予約投稿を返す。
func (s *Scheduler) List(ctx context.Context) ([]*model.ScheduledPost, error) {
	posts, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("予約投稿一覧の取得に失敗しました: %w", err)
	}
	return posts, nil
}

// Cancel は予約投稿をキャンセルする。
// scheduled状態の投稿のみキャンセルでき、実行中・終端状態の投稿は
// 状態遷移違反エラーとなる。
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("予約投稿の取得に失敗しました: %w", err)
	}
	if post == nil {
		return model.NewPostNotFoundError(id)
	}
	if post.Status != model.PostStatusScheduled {
		return model.NewInvalidPostStateError(id, post.Status)
	}

	now := s.now()
	post.Status = model.PostStatusCancelled
	post.CancelledAt = &now
	post.UpdatedAt = now
	if err := s.repo.Save(ctx, post); err != nil {
		return fmt.Errorf("キャンセル状態の保存に失敗しました: %w", err)
	}

	s.stopTimerLocked(id)

	s.logger.Info("予約投稿をキャンセルしました", slog.String("post_id", id))
	s.emit(model.Event{
		Type:       model.EventPostCancelled,
		PostID:     id,
		Platforms:  post.Platforms,
		OccurredAt: now,
	})

	return nil
}

// UpdateRequest は予約投稿の更新内容。nilのフィールドは変更しない。
type UpdateRequest struct {
	Content       *model.PostContent
	Platforms     []model.Platform
	ScheduledTime *time.Time
	Options       *model.PostOptions
}

// Update は予約投稿の内容・投稿先・予定時刻・オプションを変更する。
// scheduled状態の投稿のみ更新でき、変更されたフィールドのみ検証する。
func (s *Scheduler) Update(ctx context.Context, id string, req UpdateRequest) (*model.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("予約投稿の取得に失敗しました: %w", err)
	}
	if post == nil {
		return nil, model.NewPostNotFoundError(id)
	}
	if post.Status != model.PostStatusScheduled {
		return nil, model.NewInvalidPostStateError(id, post.Status)
	}

	// 1. 変更されるフィールドを検証する
	if req.ScheduledTime != nil && !req.ScheduledTime.After(s.now()) {
		return nil, model.NewInvalidScheduleTimeError("予定時刻は現在より後である必要があります")
	}
	if req.Platforms != nil {
		if err := platform.ValidatePlatforms(req.Platforms); err != nil {
			return nil, err
		}
	}
	if req.Content != nil {
		if err := validateContent(*req.Content); err != nil {
			return nil, err
		}
	}

	// 2. 変更を適用して永続化する
	if req.Content != nil {
		post.Content = *req.Content
	}
	if req.Platforms != nil {
		post.Platforms = req.Platforms
	}
	if req.ScheduledTime != nil {
		post.ScheduledTime = *req.ScheduledTime
	}
	if req.Options != nil {
		post.Options = *req.Options
		if req.Options.MaxAttempts > 0 {
			post.MaxAttempts = req.Options.MaxAttempts
		}
	}
	post.UpdatedAt = s.now()

	if err := s.repo.Save(ctx, post); err != nil {
		return nil, fmt.Errorf("更新内容の保存に失敗しました: %w", err)
	}

	// 3. 予定時刻に合わせてタイマーを張り直す
	s.armTimerLocked(post)

	s.logger.Info("予約投稿を更新しました", slog.String("post_id", id))

	return post, nil
}

// CleanupOldPosts は終端状態への到達がolderThanDays日より前の投稿を削除し、
// 削除件数を返す。該当がなければ0を返し、繰り返し呼んでも安全。
// scheduled/executing状態の投稿は削除しない。
func (s *Scheduler) CleanupOldPosts(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		olderThanDays = 0
	}

	cutoff := s.now().AddDate(0, 0, -olderThanDays)
	count, err := s.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("古い投稿の削除に失敗しました: %w", err)
	}

	if count > 0 {
		s.logger.Info("古い投稿を削除しました",
			slog.Int("deleted", count),
			slog.Int("older_than_days", olderThanDays),
		)
	}
	return count, nil
}

// Start はスイープループを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	s.logger.Info("投稿スケジューラを開始しました",
		slog.Duration("check_interval", s.config.CheckInterval),
		slog.Int("max_concurrency", s.config.MaxConcurrency),
	)

	// 起動直後に1回実行（再起動後の取りこぼしを回収する）
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("実行サイクルに失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			s.logger.Info("投稿スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("実行サイクルに失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop は張られている実行タイマーを全て解除する。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// RunOnce は実行時刻を過ぎたscheduled状態の投稿を1回分実行する。
// semaphoreパターンで最大並列数を制御する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	due, err := s.repo.ListDue(ctx, s.now())
	if err != nil {
		return fmt.Errorf("実行対象の取得に失敗しました: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	s.logger.Info("実行サイクルを開始します", slog.Int("post_count", len(due)))

	sem := make(chan struct{}, s.config.MaxConcurrency)
	var wg sync.WaitGroup

	for _, post := range due {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			s.executePost(ctx, id)
		}(post.ID)
	}

	wg.Wait()
	return nil
}

// executePost は投稿を1回実行し、結果に応じて状態を遷移させる。
// タイマー発火とスイープの両方から呼ばれるため、scheduled状態の
// 投稿だけを実行対象として確保し、多重実行を防ぐ。
func (s *Scheduler) executePost(ctx context.Context, id string) {
	post, ok := s.claim(ctx, id)
	if !ok {
		return
	}

	s.emit(model.Event{
		Type:       model.EventPostExecuting,
		PostID:     post.ID,
		Platforms:  post.Platforms,
		Attempts:   post.Attempts,
		OccurredAt: s.now(),
	})

	result, err := s.executor.Execute(ctx, post)
	if err != nil {
		s.handleExecutionError(ctx, post, result, err)
		return
	}

	now := s.now()
	post.Status = model.PostStatusCompleted
	post.Result = result
	post.ErrorMessage = ""
	post.CompletedAt = &now
	post.UpdatedAt = now
	if err := s.repo.Save(ctx, post); err != nil {
		s.logger.Error("完了状態の保存に失敗しました",
			slog.String("post_id", post.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("予約投稿を配信しました",
		slog.String("post_id", post.ID),
		slog.Int("attempts", post.Attempts),
	)
	s.emit(model.Event{
		Type:       model.EventPostPublished,
		PostID:     post.ID,
		Platforms:  post.Platforms,
		Attempts:   post.Attempts,
		OccurredAt: now,
		Result:     result,
	})
}

// claim は投稿をexecuting状態へ遷移させて実行権を確保する。
// scheduled状態でない投稿（実行済み・キャンセル済み等）は確保しない。
func (s *Scheduler) claim(ctx context.Context, id string) (*model.ScheduledPost, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked(id)

	post, err := s.repo.FindByID(ctx, id)
	if err != nil {
		s.logger.Error("予約投稿の読み込みに失敗しました",
			slog.String("post_id", id),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if post == nil || post.Status != model.PostStatusScheduled {
		return nil, false
	}

	now := s.now()
	post.Status = model.PostStatusExecuting
	post.Attempts++
	post.LastAttemptAt = &now
	post.UpdatedAt = now
	if err := s.repo.Save(ctx, post); err != nil {
		s.logger.Error("実行状態の保存に失敗しました",
			slog.String("post_id", id),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	return post, true
}

// handleExecutionError は実行失敗後の遷移を行う。
// 試行回数が上限に達した場合はfailed、そうでなければバックオフ後の
// 時刻でscheduledへ戻して再試行を予約する。部分的に成功した
// プラットフォームの結果も参照できるように保持する。
func (s *Scheduler) handleExecutionError(ctx context.Context, post *model.ScheduledPost, result *model.PostResult, execErr error) {
	now := s.now()
	if result != nil {
		post.Result = result
	}
	post.ErrorMessage = execErr.Error()

	if post.Attempts >= post.MaxAttempts {
		post.Status = model.PostStatusFailed
		post.FailedAt = &now
		post.UpdatedAt = now
		if err := s.repo.Save(ctx, post); err != nil {
			s.logger.Error("失敗状態の保存に失敗しました",
				slog.String("post_id", post.ID),
				slog.String("error", err.Error()),
			)
			return
		}

		s.logger.Error("予約投稿が試行上限に達しました",
			slog.String("post_id", post.ID),
			slog.Int("attempts", post.Attempts),
			slog.String("error", execErr.Error()),
		)
		s.emit(model.Event{
			Type:       model.EventPostFailed,
			PostID:     post.ID,
			Platforms:  post.Platforms,
			Attempts:   post.Attempts,
			OccurredAt: now,
			Result:     post.Result,
			Error:      execErr.Error(),
		})
		return
	}

	delay := client.CalculateBackoff(post.Attempts, s.config.RetryDelay, s.config.RetryMaxDelay)
	post.Status = model.PostStatusScheduled
	post.ScheduledTime = now.Add(delay)
	post.UpdatedAt = now
	if err := s.repo.Save(ctx, post); err != nil {
		s.logger.Error("再試行予約の保存に失敗しました",
			slog.String("post_id", post.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.armTimer(post)

	s.logger.Warn("予約投稿の実行に失敗したため再試行します",
		slog.String("post_id", post.ID),
		slog.Int("attempts", post.Attempts),
		slog.Duration("delay", delay),
		slog.String("error", execErr.Error()),
	)
	s.emit(model.Event{
		Type:       model.EventPostRetrying,
		PostID:     post.ID,
		Platforms:  post.Platforms,
		Attempts:   post.Attempts,
		OccurredAt: now,
		Error:      execErr.Error(),
	})
}

// armTimer は予定時刻がLookahead以内の投稿へ実行タイマーを張る。
func (s *Scheduler) armTimer(post *model.ScheduledPost) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armTimerLocked(post)
}

func (s *Scheduler) armTimerLocked(post *model.ScheduledPost) {
	delay := post.ScheduledTime.Sub(s.now())
	if delay > s.config.Lookahead {
		// 遠い予定はスイープに任せる
		return
	}
	if delay < 0 {
		delay = 0
	}

	if t, ok := s.timers[post.ID]; ok {
		t.Stop()
	}

	id := post.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.executePost(s.execCtx(), id)
	})
}

func (s *Scheduler) stopTimerLocked(id string) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) execCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

func (s *Scheduler) emit(event model.Event) {
	if s.events == nil {
		return
	}
	s.events.Emit(event)
}

// validateContent は投稿内容が空でないことを検証する。
func validateContent(content model.PostContent) error {
	if content.Text == "" && len(content.Media) == 0 {
		return model.NewEmptyContentError()
	}
	return nil
}
