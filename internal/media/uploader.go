// Package media は投稿に添付するメディアの取得・検証と
// ホステッドプロキシAPIへのアップロードを提供する。
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/hitoshi/crosspost/internal/model"
	"github.com/hitoshi/crosspost/internal/platform"
	"github.com/hitoshi/crosspost/internal/security"
)

const (
	// defaultMaxSize はメディアサイズの既定上限（10MB）。
	defaultMaxSize = 10 * 1024 * 1024

	// defaultFetchTimeout はURL参照メディアの取得タイムアウト。
	defaultFetchTimeout = 10 * time.Second

	userAgent = "crosspost/1.0 (+https://github.com/hitoshi/crosspost)"
)

// allowedMimeTypes は対応するメディア形式。
var allowedMimeTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/gif":       {},
	"image/webp":      {},
	"video/mp4":       {},
	"video/quicktime": {},
}

// TokenProvider はプロキシAPIのアクセストークンを提供する。
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// RateLimiter はアップロード前の待機と実行記録を行う。
type RateLimiter interface {
	Wait(ctx context.Context, p model.Platform, operation string) error
	Record(p model.Platform, operation string)
}

// Config はアップローダーの設定。
type Config struct {
	// Endpoint はプロキシAPIのベースURL。
	Endpoint string
	// MaxSize はメディアサイズの上限バイト数。
	MaxSize int64
	// FetchTimeout はURL参照メディアの取得タイムアウト。
	FetchTimeout time.Duration
}

// Uploader はメディアの取得・検証・アップロードを行う。
// URL参照のメディアはSSRF防止付きクライアントで取得する。
type Uploader struct {
	ssrfGuard  security.SSRFGuardService
	tokens     TokenProvider
	limiter    RateLimiter
	httpClient *http.Client
	logger     *slog.Logger
	config     Config
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewUploader はUploaderの新しいインスタンスを生成する。
func NewUploader(
	ssrfGuard security.SSRFGuardService,
	tokens TokenProvider,
	limiter RateLimiter,
	config Config,
	logger *slog.Logger,
) *Uploader {
	if config.MaxSize <= 0 {
		config.MaxSize = defaultMaxSize
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaultFetchTimeout
	}

	return &Uploader{
		ssrfGuard:  ssrfGuard,
		tokens:     tokens,
		limiter:    limiter,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		config:     config,
		endpoint:   config.Endpoint,
	}
}

// Resolve はメディア参照を検証し、プロキシへアップロードして
// アセットIDを埋めた参照を返す。
//
// URL参照の場合はSSRF検証の上で内容を取得する。インラインデータと
// URLのどちらも指定されていない場合、形式が未対応の場合、サイズが
// 上限を超える場合はvalidationエラーを返す。
func (u *Uploader) Resolve(ctx context.Context, p model.Platform, ref model.MediaRef) (model.MediaRef, error) {
	// 既にアップロード済みならそのまま返す
	if ref.AssetID != "" {
		return ref, nil
	}

	// 1. メディア内容を手に入れる
	var data []byte
	var mimeType string
	switch {
	case len(ref.Data) > 0:
		data = ref.Data
		mimeType = ref.MimeType
	case ref.URL != "":
		fetched, detected, err := u.fetchFromURL(ctx, p, ref.URL)
		if err != nil {
			return model.MediaRef{}, err
		}
		data = fetched
		mimeType = detected
	default:
		return model.MediaRef{}, model.NewInvalidMediaError("URLまたはインラインデータのいずれかが必要です")
	}

	// 2. 形式とサイズを検証する
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if normalized, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = normalized
	}
	if _, ok := allowedMimeTypes[mimeType]; !ok {
		return model.MediaRef{}, model.NewInvalidMediaError(fmt.Sprintf("未対応のメディア形式です: %s", mimeType))
	}
	if int64(len(data)) > u.config.MaxSize {
		return model.MediaRef{}, model.NewMediaTooLargeError(int64(len(data)), u.config.MaxSize)
	}

	// 3. レート制限を待ってからアップロードする
	if err := u.limiter.Wait(ctx, p, platform.OpMedia); err != nil {
		return model.MediaRef{}, fmt.Errorf("レート制限の待機を中断しました: %w", err)
	}
	u.limiter.Record(p, platform.OpMedia)

	assetID, err := u.upload(ctx, p, data, mimeType, ref.AltText)
	if err != nil {
		return model.MediaRef{}, err
	}

	u.logger.Info("メディアをアップロードしました",
		slog.String("platform", string(p)),
		slog.String("asset_id", assetID),
		slog.String("mime_type", mimeType),
		slog.Int("size_bytes", len(data)),
	)

	out := ref
	out.AssetID = assetID
	out.MimeType = mimeType
	out.Data = nil // アップロード後は本体を保持しない
	return out, nil
}

// ResolveAll は添付メディアを順に解決し、全て解決済みのスライスを返す。
// 途中で失敗した場合はそのエラーを返す。
func (u *Uploader) ResolveAll(ctx context.Context, p model.Platform, refs []model.MediaRef) ([]model.MediaRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]model.MediaRef, 0, len(refs))
	for _, ref := range refs {
		resolved, err := u.Resolve(ctx, p, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

// fetchFromURL はURL参照のメディアをSSRF防止付きクライアントで取得する。
func (u *Uploader) fetchFromURL(ctx context.Context, p model.Platform, rawURL string) ([]byte, string, error) {
	if err := u.ssrfGuard.ValidateURL(rawURL); err != nil {
		return nil, "", model.NewSSRFBlockedError()
	}

	client := u.ssrfGuard.NewSafeClient(u.config.FetchTimeout, u.config.MaxSize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", model.NewPlatformTransientError(p, fmt.Sprintf("メディアの取得に失敗しました: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, "", model.NewPlatformTransientError(p, fmt.Sprintf("メディアの取得元がステータス %d を返しました", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", model.NewInvalidMediaError(fmt.Sprintf("メディアの取得元がステータス %d を返しました", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, u.config.MaxSize+1))
	if err != nil {
		return nil, "", model.NewPlatformTransientError(p, fmt.Sprintf("メディアの読み取りに失敗しました: %v", err))
	}
	if int64(len(data)) > u.config.MaxSize {
		return nil, "", model.NewMediaTooLargeError(int64(len(data)), u.config.MaxSize)
	}

	mimeType := resp.Header.Get("Content-Type")
	if normalized, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = normalized
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	return data, mimeType, nil
}

// uploadResponse はプロキシAPIのメディアアップロードレスポンス。
type uploadResponse struct {
	AssetID string `json:"asset_id"`
}

// upload はメディアをmultipart/form-dataでプロキシAPIへ送る。
func (u *Uploader) upload(ctx context.Context, p model.Platform, data []byte, mimeType, altText string) (string, error) {
	token, err := u.tokens.Token(ctx)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("platform", string(p)); err != nil {
		return "", fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}
	if altText != "" {
		if err := mw.WriteField("alt_text", altText); err != nil {
			return "", fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="media"`)
	header.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint+"/api/media", &body)
	if err != nil {
		return "", fmt.Errorf("リクエストの生成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", model.NewPlatformTransientError(p, err.Error())
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ur uploadResponse
		if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
			return "", model.NewPlatformTransientError(p, fmt.Sprintf("レスポンスの解析に失敗しました: %v", err))
		}
		if ur.AssetID == "" {
			return "", model.NewPlatformTransientError(p, "アセットIDが返されませんでした")
		}
		return ur.AssetID, nil

	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return "", model.NewMediaTooLargeError(int64(len(data)), u.config.MaxSize)

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", model.NewPlatformTransientError(p, fmt.Sprintf("プロキシAPIがステータス %d を返しました", resp.StatusCode))

	default:
		return "", model.NewInvalidMediaError(fmt.Sprintf("プロキシAPIがステータス %d を返しました", resp.StatusCode))
	}
}
