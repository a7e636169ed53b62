// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/crosspost/internal/model"
)

// apiKeyHeader はAPIキーを受け取るリクエストヘッダー名。
const apiKeyHeader = "X-API-Key"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// callerContextKey はリクエストコンテキストに呼び出し元識別子を格納するためのキー。
var callerContextKey = contextKey("caller")

// NewAPIKeyMiddleware はX-API-Keyヘッダーを検証するミドルウェアを返す。
// キー比較はタイミング攻撃を避けるため、SHA-256ダイジェスト同士の
// 定数時間比較で行う（長さの差異も観測させない）。
// 認証済みの呼び出し元識別子をリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを統一エラーフォーマットで返す。
func NewAPIKeyMiddleware(apiKey string) func(next http.Handler) http.Handler {
	expected := sha256.Sum256([]byte(apiKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. ヘッダーからAPIキーを取得
			presented := r.Header.Get(apiKeyHeader)
			if presented == "" {
				writeUnauthorized(w)
				return
			}

			// 2. ダイジェスト同士を定数時間で比較
			sum := sha256.Sum256([]byte(presented))
			if subtle.ConstantTimeCompare(sum[:], expected[:]) != 1 {
				slog.Warn("APIキーの検証に失敗しました",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				writeUnauthorized(w)
				return
			}

			// 3. 呼び出し元識別子をコンテキストに注入
			ctx := context.WithValue(r.Context(), callerContextKey, callerFingerprint(sum))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerFromContext はリクエストコンテキストから呼び出し元識別子を取得する。
// APIキーミドルウェアを通過したリクエストでのみ有効。
func CallerFromContext(ctx context.Context) (string, error) {
	caller, ok := ctx.Value(callerContextKey).(string)
	if !ok || caller == "" {
		return "", fmt.Errorf("caller not found in context")
	}
	return caller, nil
}

// ContextWithCaller はコンテキストに呼び出し元識別子を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

// callerFingerprint はAPIキーダイジェストから短い識別子を導出する。
// キーそのものをログやレート制限のキーに残さないための短縮ハッシュ。
func callerFingerprint(sum [sha256.Size]byte) string {
	return hex.EncodeToString(sum[:4])
}

// writeUnauthorized は401レスポンスを統一エラーフォーマットで書き込む。
func writeUnauthorized(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "APIキーが無効です。",
		Category: "auth",
		Action:   "X-API-Keyヘッダーに有効なAPIキーを設定してください。",
	})
}
