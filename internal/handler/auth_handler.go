// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/crosspost/internal/auth"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
// auth.Serviceがこのインターフェースを満たす。
type AuthServiceInterface interface {
	// AccountID は署名に使用するNEARアカウントIDを返す。
	AccountID() string
	// ConnectedAccounts はプロキシに接続済みのプラットフォームアカウント一覧を返す。
	ConnectedAccounts(ctx context.Context) ([]auth.PlatformAccount, error)
}

// AuthHandler はプロキシ認証状態のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{
		service: service,
	}
}

// authStatusResponse は認証状態のレスポンス。
type authStatusResponse struct {
	AccountID string                 `json:"account_id"`
	Accounts  []auth.PlatformAccount `json:"accounts"`
}

// Status はプロキシへの接続状態とプラットフォーム連携状況を取得する。
// GET /api/auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ConnectedAccounts(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, authStatusResponse{
		AccountID: h.service.AccountID(),
		Accounts:  accounts,
	})
}

// SetupAuthRoutes は認証状態関連のルーティングを設定したchi.Routerを返す。
func SetupAuthRoutes(service AuthServiceInterface) http.Handler {
	r := chi.NewRouter()
	h := NewAuthHandler(service)

	r.Get("/api/auth/status", h.Status)

	return r
}
