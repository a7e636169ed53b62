// Package rss はRSS/Atomフィードの新着記事を予約投稿へ変換する
// 自動投稿ソースを提供する。フィードURLごとにSSRF検証付きで取得し、
// 記事のGUIDから決定的な投稿IDを導出することで、再起動や再ポーリングを
// またいでも同じ記事を二重に予約しない。
package rss

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/crosspost/internal/content"
	"github.com/hitoshi/crosspost/internal/model"
	"github.com/hitoshi/crosspost/internal/repository"
	"github.com/hitoshi/crosspost/internal/security"
)

const (
	defaultPollInterval = 15 * time.Minute
	defaultFreshness    = 24 * time.Hour
	defaultFetchTimeout = 10 * time.Second
	defaultMaxBodySize  = 5 * 1024 * 1024
	defaultMaxItems     = 5
	defaultMaxAttempts  = 3

	userAgent = "crosspost/1.0 (+https://github.com/hitoshi/crosspost)"
)

// Config はRSSソースの設定。
type Config struct {
	// Feeds はポーリング対象のフィードURL。
	Feeds []string
	// Platforms は変換した投稿の投稿先。
	Platforms []model.Platform
	// PollInterval はポーリング間隔。
	PollInterval time.Duration
	// Freshness は取り込み対象とする記事の鮮度。
	// 公開日時がこれより古い記事は対象外になる。
	Freshness time.Duration
	// Timeout はフィード取得のタイムアウト。
	Timeout time.Duration
	// MaxBodySize はフィード本文の最大読み取りバイト数。
	MaxBodySize int64
	// MaxItems は1フィードあたり1サイクルで取り込む記事数の上限。
	MaxItems int
	// MaxAttempts は変換した投稿の試行回数上限。
	MaxAttempts int
}

// Source はフィードをポーリングし、新着記事を予約投稿として保存する。
// 保存先リポジトリはスケジューラのスイープが監視しているため、
// 保存するだけで次のスイープから実行対象になる。
type Source struct {
	repo      repository.PostRepository
	ssrfGuard security.SSRFGuardService
	logger    *slog.Logger
	config    Config

	now func() time.Time
}

// NewSource はSourceの新しいインスタンスを生成する。
func NewSource(
	repo repository.PostRepository,
	ssrfGuard security.SSRFGuardService,
	config Config,
	logger *slog.Logger,
) *Source {
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.Freshness <= 0 {
		config.Freshness = defaultFreshness
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultFetchTimeout
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = defaultMaxBodySize
	}
	if config.MaxItems <= 0 {
		config.MaxItems = defaultMaxItems
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}

	return &Source{
		repo:      repo,
		ssrfGuard: ssrfGuard,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
}

// Start は設定間隔のティッカーでポーリングを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Source) Start(ctx context.Context) {
	if len(s.config.Feeds) == 0 {
		s.logger.Info("ポーリング対象のフィードが設定されていません")
		return
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.logger.Info("RSSソースを開始しました",
		slog.Int("feed_count", len(s.config.Feeds)),
		slog.Duration("poll_interval", s.config.PollInterval),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("ポーリングサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("RSSソースを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("ポーリングサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は全フィードを1回ポーリングし、新着記事を予約投稿へ変換する。
// 個別フィードの失敗はログに記録して残りのフィードを継続する。
func (s *Source) RunOnce(ctx context.Context) error {
	start := time.Now()
	total := 0

	for _, feedURL := range s.config.Feeds {
		created, err := s.pollFeed(ctx, feedURL)
		if err != nil {
			s.logger.Error("フィードのポーリングに失敗しました",
				slog.String("feed_url", feedURL),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += created
	}

	duration := time.Since(start)
	s.logger.Info("ポーリングサイクルが完了しました",
		slog.Int("feed_count", len(s.config.Feeds)),
		slog.Int("posts_created", total),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// pollFeed は1フィードを取得・解析し、新着記事の予約投稿を保存する。
// 作成した投稿数を返す。
func (s *Source) pollFeed(ctx context.Context, feedURL string) (int, error) {
	// 1. SSRF検証の上でフィードを取得する
	if err := s.ssrfGuard.ValidateURL(feedURL); err != nil {
		return 0, fmt.Errorf("SSRF検証に失敗しました: %w", err)
	}

	client := s.ssrfGuard.NewSafeClient(s.config.Timeout, s.config.MaxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return 0, fmt.Errorf("リクエストの生成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("フィードがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxBodySize))
	if err != nil {
		return 0, fmt.Errorf("レスポンスの読み取りに失敗しました: %w", err)
	}

	// 2. gofeedで解析する
	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return 0, fmt.Errorf("フィードの解析に失敗しました: %w", err)
	}

	// 3. 新着記事を予約投稿へ変換する
	created := 0
	now := s.now()
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		if created >= s.config.MaxItems {
			break
		}

		identity := itemIdentity(item)
		if identity == "" {
			// GUIDもリンクもない記事は同一性を判定できないため対象外
			continue
		}

		published := itemPublishedAt(item)
		if published == nil {
			continue
		}
		if now.Sub(*published) > s.config.Freshness {
			continue
		}

		id := postID(feedURL, identity)
		existing, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return created, fmt.Errorf("既存投稿の確認に失敗しました: %w", err)
		}
		if existing != nil {
			continue
		}

		post := s.buildPost(id, item, now)
		if err := s.repo.Save(ctx, post); err != nil {
			return created, fmt.Errorf("予約投稿の保存に失敗しました: %w", err)
		}
		created++

		s.logger.Info("フィード記事を予約投稿に変換しました",
			slog.String("post_id", post.ID),
			slog.String("feed_url", feedURL),
			slog.String("title", item.Title),
		)
	}

	return created, nil
}

// buildPost はフィード記事から予約投稿を組み立てる。
// 予定時刻は直近のスイープに載るよう1分後とする。
func (s *Source) buildPost(id string, item *gofeed.Item, now time.Time) *model.ScheduledPost {
	title := strings.TrimSpace(item.Title)
	summary := content.ExtractText(itemBody(item))

	text := title
	if summary != "" {
		if text != "" {
			text += "\n\n"
		}
		text += summary
	}

	link := item.Link
	if link == "" {
		guid := item.GUID
		if strings.HasPrefix(guid, "http://") || strings.HasPrefix(guid, "https://") {
			link = guid
		}
	}

	var tags []string
	for _, c := range item.Categories {
		if c = strings.TrimSpace(c); c != "" {
			tags = append(tags, c)
		}
	}

	var media []model.MediaRef
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if !strings.HasPrefix(enc.Type, "image/") {
			continue
		}
		media = append(media, model.MediaRef{
			URL:      enc.URL,
			MimeType: enc.Type,
			AltText:  title,
		})
		break // 添付は先頭の画像1件のみ
	}

	return &model.ScheduledPost{
		ID: id,
		Content: model.PostContent{
			Text:  text,
			Media: media,
			Tags:  tags,
			Link:  link,
		},
		Platforms:     s.config.Platforms,
		ScheduledTime: now.Add(time.Minute),
		Status:        model.PostStatusScheduled,
		MaxAttempts:   s.config.MaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// itemIdentity は記事の同一性判定に使う値を返す。GUID優先、なければリンク。
func itemIdentity(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

// itemPublishedAt は記事の公開日時を返す。公開日時がなければ更新日時で代用する。
func itemPublishedAt(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}
	return item.UpdatedParsed
}

// itemBody は要約として使う本文を返す。短い概要を優先する。
func itemBody(item *gofeed.Item) string {
	if item.Description != "" {
		return item.Description
	}
	return item.Content
}

// postID はフィードURLと記事の同一性値から決定的な投稿IDを導出する。
// 同じ記事を何度ポーリングしても同じIDになる。
func postID(feedURL, identity string) string {
	sum := sha256.Sum256([]byte(feedURL + "\n" + identity))
	return "rss-" + hex.EncodeToString(sum[:])[:20]
}
