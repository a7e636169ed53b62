// Package ratelimit はプラットフォームAPIのレート制限をクライアント側で追跡する。
// プラットフォームと操作の組ごとにスライディングウィンドウでリクエスト時刻を
// 保持し、制限超過前に呼び出し側を待機させる。状態はプロセス内のみで、
// 再起動するとリセットされる。
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/crosspost/internal/model"
	"github.com/hitoshi/crosspost/internal/platform"
)

// Decision は制限チェックの結果を表す。
type Decision struct {
	Allowed    bool          // 追加リクエストが許可されるか
	Remaining  int           // ウィンドウ内の残りリクエスト数（負にならない）
	ResetTime  time.Time     // 次に1枠空く時刻
	RetryAfter time.Duration // 許可されるまでの待ち時間（許可時は0）
}

// Config はリミッターの設定を保持する。
type Config struct {
	CleanupInterval time.Duration // 使われなくなったキーのクリーンアップ間隔
}

// DefaultConfig はデフォルトのリミッター設定を返す。
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter はプラットフォームと操作の組ごとのリクエスト履歴を管理する。
type Limiter struct {
	config Config

	mu      sync.RWMutex
	history map[string][]time.Time

	// windowFor は組に適用するウィンドウを返す。テストで差し替える。
	windowFor func(model.Platform, string) platform.RateWindow

	stopCh chan struct{}
}

// NewLimiter は新しいLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewLimiter(config Config) *Limiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}

	l := &Limiter{
		config:    config,
		history:   make(map[string][]time.Time),
		windowFor: platform.RateWindowFor,
		stopCh:    make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// Check は現在のウィンドウで追加リクエストが許可されるかを判定する。
// リクエストの記録は行わない。
func (l *Limiter) Check(p model.Platform, operation string) Decision {
	w := l.windowFor(p, operation)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	key := limiterKey(p, operation)
	times := pruneBefore(l.history[key], now.Add(-w.Window))
	l.history[key] = times

	remaining := w.Limit - len(times)
	if remaining > 0 {
		reset := now
		if len(times) > 0 {
			reset = times[0].Add(w.Window)
		}
		return Decision{
			Allowed:   true,
			Remaining: remaining,
			ResetTime: reset,
		}
	}

	// 最古のリクエストがウィンドウ外へ出た時点で1枠空く
	reset := times[0].Add(w.Window)
	return Decision{
		Allowed:    false,
		Remaining:  0,
		ResetTime:  reset,
		RetryAfter: reset.Sub(now),
	}
}

// Record は実行したAPIリクエストを記録する。成功・失敗を問わず呼び出す。
func (l *Limiter) Record(p model.Platform, operation string) {
	w := l.windowFor(p, operation)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	key := limiterKey(p, operation)
	times := pruneBefore(l.history[key], now.Add(-w.Window))
	l.history[key] = append(times, now)
}

// Wait は制限超過中の場合、ウィンドウが空くまでブロックする。
// ctxのキャンセルで中断し、ctxのエラーを返す。
func (l *Limiter) Wait(ctx context.Context, p model.Platform, operation string) error {
	for {
		decision := l.Check(p, operation)
		if decision.Allowed {
			return nil
		}

		timer := time.NewTimer(decision.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Count は組のウィンドウ内リクエスト数を返す。テストおよびメトリクス用。
func (l *Limiter) Count(p model.Platform, operation string) int {
	w := l.windowFor(p, operation)
	cutoff := time.Now().Add(-w.Window)

	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, t := range l.history[limiterKey(p, operation)] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// KeyCount は現在管理されているキーの数を返す。テストおよびメトリクス用。
func (l *Limiter) KeyCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.history)
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup はウィンドウを過ぎたリクエスト時刻を破棄し、空になったキーを削除する。
func (l *Limiter) cleanup() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, times := range l.history {
		w := l.windowForKey(key)
		pruned := pruneBefore(times, now.Add(-w.Window))
		if len(pruned) == 0 {
			delete(l.history, key)
			continue
		}
		l.history[key] = pruned
	}
}

func (l *Limiter) windowForKey(key string) platform.RateWindow {
	p, operation := splitLimiterKey(key)
	return l.windowFor(p, operation)
}

func limiterKey(p model.Platform, operation string) string {
	return string(p) + ":" + operation
}

func splitLimiterKey(key string) (model.Platform, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return model.Platform(key[:i]), key[i+1:]
		}
	}
	return model.Platform(key), ""
}

// pruneBefore はcutoff以前の時刻を取り除いたスライスを返す。
// 時刻は追記順（昇順）で保持されている前提。
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && !times[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return times
	}
	return append([]time.Time(nil), times[idx:]...)
}
