// Package client はホステッドプロキシAPI経由で各プラットフォームへ投稿するクライアントを提供する。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/crosspost/internal/model"
	"github.com/hitoshi/crosspost/internal/platform"
)

const (
	// defaultTimeout はプロキシAPIへのHTTPリクエストのタイムアウト。
	defaultTimeout = 30 * time.Second

	// maxErrorBodySize はエラー本文として読み込む最大バイト数。
	maxErrorBodySize = 64 * 1024

	userAgent = "crosspost/1.0 (+https://github.com/hitoshi/crosspost)"
)

// TokenProvider はプロキシAPIのアクセストークンを提供する。
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// RateLimiter は投稿前の待機と実行記録を行う。
type RateLimiter interface {
	Wait(ctx context.Context, p model.Platform, operation string) error
	Record(p model.Platform, operation string)
}

// Config は投稿クライアントの設定。
type Config struct {
	// Endpoint はプロキシAPIのベースURL。
	Endpoint string
	// MaxRetries は1回の投稿における最大試行回数。
	MaxRetries int
	// RetryDelay は初回再試行までの待機時間。
	RetryDelay time.Duration
	// RetryMaxDelay はバックオフ待機時間の上限。
	RetryMaxDelay time.Duration
	// NonRetryable はエラー本文に含まれていたら再試行しない部分文字列。
	NonRetryable []string
	// Timeout はHTTPリクエストのタイムアウト。
	Timeout time.Duration
}

// Client はホステッドプロキシAPIへの投稿クライアント。
// レート制限の待機、指数バックオフ付き再試行、エラー分類を担う。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	tokens     TokenProvider
	limiter    RateLimiter
	config     Config
}

// New は投稿クライアントを生成する。
func New(tokens TokenProvider, limiter RateLimiter, config Config, logger *slog.Logger) *Client {
	if config.MaxRetries < 1 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = 5 * time.Minute
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		tokens:     tokens,
		limiter:    limiter,
		config:     config,
	}
}

// postRequest はプロキシAPIへの投稿リクエストボディ。
type postRequest struct {
	Platform model.Platform    `json:"platform"`
	Content  model.PostContent `json:"content"`
}

// postResponse はプロキシAPIからの投稿レスポンスボディ。
type postResponse struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// errorResponse はプロキシAPIの統一エラーレスポンス。
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// PostToPlatform は1プラットフォームへ投稿する。
//
// レート制限の解放を待ってから最大MaxRetries回試行する。
// 再試行不可と分類されたエラーは即座に返し、一時エラーは
// 指数バックオフで待機してから再試行する。全試行が失敗した
// 場合は最後のエラーを包んだ再試行上限到達エラーを返す。
func (c *Client) PostToPlatform(ctx context.Context, p model.Platform, content model.PostContent) (*model.PlatformResult, error) {
	// 1. ローカルのレート制限が解放されるまで待つ
	if err := c.limiter.Wait(ctx, p, platform.OpPosts); err != nil {
		return nil, fmt.Errorf("レート制限の待機を中断しました: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		// 2. 試行ごとにレート制限へ記録する
		c.limiter.Record(p, platform.OpPosts)

		result, err := c.doPost(ctx, p, content)
		if err == nil {
			c.logger.Info("投稿に成功しました",
				slog.String("platform", string(p)),
				slog.String("post_id", result.PostID),
				slog.Int("attempt", attempt),
			)
			return result, nil
		}
		lastErr = err

		// 3. 再試行不可のエラーは即座に返す
		if !IsRetryable(err) {
			c.logger.Warn("再試行不可のエラーのため中止します",
				slog.String("platform", string(p)),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return nil, err
		}

		// 4. 一時エラーはバックオフして再試行する
		if attempt < c.config.MaxRetries {
			delay := CalculateBackoff(attempt, c.config.RetryDelay, c.config.RetryMaxDelay)
			c.logger.Info("一時エラーのため再試行します",
				slog.String("platform", string(p)),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			if err := sleepContext(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	c.logger.Error("全試行が失敗しました",
		slog.String("platform", string(p)),
		slog.Int("attempts", c.config.MaxRetries),
		slog.String("error", lastErr.Error()),
	)
	return nil, model.NewRetryExhaustedError(p, c.config.MaxRetries, lastErr)
}

// doPost はプロキシAPIへ1回の投稿リクエストを送る。
func (c *Client) doPost(ctx context.Context, p model.Platform, content model.PostContent) (*model.PlatformResult, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(postRequest{Platform: p, Content: content})
	if err != nil {
		return nil, fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+"/api/post", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("リクエストの生成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// ネットワークエラーは一時エラーとして扱う
		return nil, model.NewPlatformTransientError(p, err.Error())
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	// トークン失効の可能性があるためキャッシュを破棄してから分類する
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case ErrorClassNone:
		var pr postResponse
		if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
			return nil, model.NewPlatformTransientError(p, fmt.Sprintf("レスポンスの解析に失敗しました: %v", err))
		}
		return &model.PlatformResult{
			Platform: p,
			Success:  true,
			PostID:   pr.ID,
			URL:      pr.URL,
			PostedAt: time.Now(),
		}, nil

	case ErrorClassPermanent:
		return nil, model.NewPlatformPermanentError(p, c.readErrorMessage(resp))

	default:
		msg := c.readErrorMessage(resp)
		// 本文の再試行不可パターンはステータスによる分類より優先する
		if ContainsNonRetryable(msg, c.config.NonRetryable) {
			return nil, model.NewPlatformPermanentError(p, msg)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, model.NewRateLimitedError(p, retryAfterSeconds(resp))
		}
		return nil, model.NewPlatformTransientError(p, msg)
	}
}

// readErrorMessage はエラーレスポンスから利用者向けメッセージを取り出す。
// 統一エラーフォーマットの解析に失敗した場合は生の本文を返す。
func (c *Client) readErrorMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil || len(raw) == 0 {
		return fmt.Sprintf("プロキシAPIがステータス %d を返しました", resp.StatusCode)
	}

	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	return fmt.Sprintf("プロキシAPIがステータス %d を返しました: %s", resp.StatusCode, string(raw))
}

// retryAfterSeconds はRetry-Afterヘッダーの秒数を返す。無効な場合は60を返す。
func retryAfterSeconds(resp *http.Response) int {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return secs
		}
	}
	return 60
}

// sleepContext はコンテキストのキャンセルを尊重しつつ待機する。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
