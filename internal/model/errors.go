// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// 呼び出し側に伝える原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, post, platform, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidScheduleTime = "INVALID_SCHEDULE_TIME"
	ErrCodeNoPlatforms         = "NO_PLATFORMS"
	ErrCodeUnsupportedPlatform = "UNSUPPORTED_PLATFORM"
	ErrCodeEmptyContent        = "EMPTY_CONTENT"
	ErrCodePostNotFound        = "POST_NOT_FOUND"
	ErrCodeInvalidPostState    = "INVALID_POST_STATE"
	ErrCodePlatformTransient   = "PLATFORM_TRANSIENT"
	ErrCodePlatformPermanent   = "PLATFORM_PERMANENT"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeRetryExhausted      = "RETRY_EXHAUSTED"
	ErrCodeAuthFailed          = "AUTH_FAILED"
	ErrCodeInvalidURL          = "INVALID_URL"
	ErrCodeSSRFBlocked         = "SSRF_BLOCKED"
	ErrCodeInvalidMedia        = "INVALID_MEDIA"
	ErrCodeMediaTooLarge       = "MEDIA_TOO_LARGE"
	ErrCodeWebhookInvalid      = "WEBHOOK_SIGNATURE_INVALID"
)

// NewInvalidScheduleTimeError は過去時刻を指定した予約エラーを生成する。
func NewInvalidScheduleTimeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidScheduleTime,
		Message:  fmt.Sprintf("無効な予約時刻です: %s", reason),
		Category: "validation",
		Action:   "現在時刻より後の時刻を指定してください。",
	}
}

// NewNoPlatformsError は投稿先未指定エラーを生成する。
func NewNoPlatformsError() *APIError {
	return &APIError{
		Code:     ErrCodeNoPlatforms,
		Message:  "投稿先プラットフォームが指定されていません。",
		Category: "validation",
		Action:   "少なくとも1つのプラットフォームを指定してください。",
	}
}

// NewUnsupportedPlatformError は未対応プラットフォームエラーを生成する。
func NewUnsupportedPlatformError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedPlatform,
		Message:  fmt.Sprintf("未対応のプラットフォームです: %s", platform),
		Category: "validation",
		Action:   "twitter、linkedin、facebook、instagram、mastodon のいずれかを指定してください。",
	}
}

// NewEmptyContentError は投稿内容が空の場合のエラーを生成する。
func NewEmptyContentError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyContent,
		Message:  "投稿内容が空です。",
		Category: "validation",
		Action:   "本文またはメディアを指定してください。",
	}
}

// NewPostNotFoundError は予約投稿未検出エラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された予約投稿が見つかりません: %s", postID),
		Category: "post",
		Action:   "投稿IDを確認してください。",
	}
}

// NewInvalidPostStateError は許可されない状態遷移を要求した場合のエラーを生成する。
func NewInvalidPostStateError(postID string, status PostStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPostState,
		Message:  fmt.Sprintf("予約投稿 %s は %s 状態のため操作できません。", postID, status),
		Category: "post",
		Action:   "キャンセルと更新は scheduled 状態の投稿に対してのみ実行できます。",
	}
}

// NewPlatformTransientError は再試行可能なプラットフォームエラーを生成する。
func NewPlatformTransientError(platform Platform, reason string) *APIError {
	return &APIError{
		Code:     ErrCodePlatformTransient,
		Message:  fmt.Sprintf("%s への投稿に一時的に失敗しました: %s", platform, reason),
		Category: "platform",
		Action:   "しばらく待ってから再試行してください。",
	}
}

// NewPlatformPermanentError は再試行しても回復しないプラットフォームエラーを生成する。
func NewPlatformPermanentError(platform Platform, reason string) *APIError {
	return &APIError{
		Code:     ErrCodePlatformPermanent,
		Message:  fmt.Sprintf("%s への投稿が拒否されました: %s", platform, reason),
		Category: "platform",
		Action:   "投稿内容とプラットフォーム連携の設定を確認してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError(platform Platform, retryAfterSeconds int) *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  fmt.Sprintf("%s のレート制限に達しています。%d秒後に再試行できます。", platform, retryAfterSeconds),
		Category: "platform",
		Action:   "制限ウィンドウが経過するまで待ってください。",
	}
}

// NewRetryExhaustedError は再試行上限到達エラーを生成する。
func NewRetryExhaustedError(platform Platform, attempts int, last error) *APIError {
	return &APIError{
		Code:     ErrCodeRetryExhausted,
		Message:  fmt.Sprintf("%s への投稿が%d回の試行すべてで失敗しました: %v", platform, attempts, last),
		Category: "platform",
		Action:   "最後のエラー内容を確認し、時間をおいて再実行してください。",
	}
}

// NewAuthFailedError は認証失敗エラーを生成する。
func NewAuthFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  fmt.Sprintf("認証に失敗しました: %s", reason),
		Category: "auth",
		Action:   "NEARアカウントIDと秘密鍵の設定を確認してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewInvalidMediaError は無効なメディアエラーを生成する。
func NewInvalidMediaError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMedia,
		Message:  fmt.Sprintf("無効なメディアです: %s", reason),
		Category: "validation",
		Action:   "対応形式（画像・動画）のメディアを指定してください。",
	}
}

// NewMediaTooLargeError はメディアサイズ超過エラーを生成する。
func NewMediaTooLargeError(sizeBytes, maxBytes int64) *APIError {
	return &APIError{
		Code:     ErrCodeMediaTooLarge,
		Message:  fmt.Sprintf("メディアサイズが上限を超えています: %dバイト（上限%dバイト）", sizeBytes, maxBytes),
		Category: "validation",
		Action:   "メディアを圧縮するか、上限以下のファイルを指定してください。",
	}
}

// NewWebhookInvalidError はWebhook署名検証失敗エラーを生成する。
func NewWebhookInvalidError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeWebhookInvalid,
		Message:  fmt.Sprintf("Webhook署名の検証に失敗しました: %s", reason),
		Category: "auth",
		Action:   "送信元のWebhookシークレット設定を確認してください。",
	}
}

// AsAPIError はエラーチェーンから*APIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsValidationError は入力検証エラーかどうかを判定する。
func IsValidationError(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Category == "validation"
}

// IsNotFoundError は対象未検出エラーかどうかを判定する。
func IsNotFoundError(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == ErrCodePostNotFound
}

// IsInvalidStateError は状態遷移違反エラーかどうかを判定する。
func IsInvalidStateError(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == ErrCodeInvalidPostState
}

// IsTransientPlatformError は再試行可能なプラットフォームエラーかどうかを判定する。
func IsTransientPlatformError(err error) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	return apiErr.Code == ErrCodePlatformTransient || apiErr.Code == ErrCodeRateLimited
}

// IsPermanentPlatformError は再試行しても回復しないプラットフォームエラーかどうかを判定する。
func IsPermanentPlatformError(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == ErrCodePlatformPermanent
}
