package client

import (
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/crosspost/internal/model"
)

// ErrorClass は投稿エラーの分類を表す。
type ErrorClass int

const (
	// ErrorClassNone は成功。
	ErrorClassNone ErrorClass = iota
	// ErrorClassTransient は再試行で回復しうるエラー。
	ErrorClassTransient
	// ErrorClassPermanent は再試行しても回復しないエラー。
	ErrorClassPermanent
)

// ClassifyHTTPStatus はHTTPステータスコードからエラー分類を返す。
// 429と5xxは再試行可能、その他の4xxは同じリクエストを繰り返しても
// 回復しないため再試行不可として扱う。
func ClassifyHTTPStatus(status int) ErrorClass {
	switch {
	case status >= 200 && status < 300:
		return ErrorClassNone
	case status == http.StatusTooManyRequests:
		return ErrorClassTransient
	case status == http.StatusRequestTimeout:
		return ErrorClassTransient
	case status >= 500:
		return ErrorClassTransient
	case status >= 400:
		return ErrorClassPermanent
	default:
		return ErrorClassTransient
	}
}

// ContainsNonRetryable はエラー本文に再試行不可パターンが含まれるかを判定する。
// 大文字小文字は区別しない。
func ContainsNonRetryable(message string, patterns []string) bool {
	lower := strings.ToLower(message)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// IsRetryable はエラーが再試行に値するかを判定する。
// 恒久プラットフォームエラー、認証エラー、入力検証エラーは再試行しない。
// 分類不能なエラー（ネットワーク障害等）は再試行可能として扱う。
func IsRetryable(err error) bool {
	apiErr, ok := model.AsAPIError(err)
	if !ok {
		return true
	}
	switch apiErr.Category {
	case "auth", "validation":
		return false
	}
	return apiErr.Code != model.ErrCodePlatformPermanent
}

// CalculateBackoff は試行回数に基づく指数バックオフを返す。
// attemptは1始まりで、baseDelay * 2^(attempt-1) をmaxDelayで打ち切る。
func CalculateBackoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}

	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
