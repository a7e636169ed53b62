package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/crosspost/internal/model"
)

const (
	// authMessage はトークン交換時の署名対象メッセージ。一意性はnonceで担保する。
	authMessage = "crosspost-login"

	// tokenRefreshMargin は期限切れ前に再取得を始める余裕時間。
	tokenRefreshMargin = time.Minute

	// defaultTokenTTL はプロキシが期限を返さなかった場合に適用する有効期間。
	defaultTokenTTL = time.Hour

	userAgent = "crosspost/1.0 (+https://github.com/hitoshi/crosspost)"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	Endpoint  string        // プロキシAPIのベースURL
	Recipient string        // NEP-413のrecipient（プロキシのNEARアカウントID）
	Timeout   time.Duration // HTTPタイムアウト
}

// Service はNEAR署名をホステッドプロキシのアクセストークンへ交換し、
// 有効期限までキャッシュする。プラットフォームごとのOAuth連携はプロキシ側が
// 管理するため、このサービスは連携状態の照会のみを提供する。
type Service struct {
	keyPair    *KeyPair
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
	recipient  string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewService はServiceを生成する。
func NewService(keyPair *KeyPair, config ServiceConfig, logger *slog.Logger) *Service {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Service{
		keyPair:    keyPair,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		endpoint:   config.Endpoint,
		recipient:  config.Recipient,
	}
}

// AccountID は署名に使うNEARアカウントIDを返す。
func (s *Service) AccountID() string {
	return s.keyPair.AccountID
}

// Token は有効なアクセストークンを返す。
// 未取得または期限が近い場合は新しい署名でトークンを再取得する。
func (s *Service) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.expiresAt) > tokenRefreshMargin {
		return s.token, nil
	}

	token, expiresAt, err := s.exchangeToken(ctx)
	if err != nil {
		return "", err
	}

	s.token = token
	s.expiresAt = expiresAt
	return token, nil
}

// Invalidate はキャッシュ済みトークンを破棄する。
// プロキシから401が返った場合に呼び出し、次回のTokenで再取得させる。
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// exchangeToken はNEP-413署名を生成してトークンエンドポイントへ送信する。
func (s *Service) exchangeToken(ctx context.Context) (string, time.Time, error) {
	// 1. nonceを生成して署名エンベロープを構築
	nonce, err := NewNonce()
	if err != nil {
		return "", time.Time{}, err
	}

	signed, err := s.keyPair.SignMessage(authMessage, s.recipient, nonce)
	if err != nil {
		return "", time.Time{}, err
	}

	body, err := json.Marshal(signed)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("署名エンベロープのシリアライズに失敗しました: %w", err)
	}

	// 2. トークンエンドポイントへ送信
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("トークンリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("トークンエンドポイントへの接続に失敗しました: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, model.NewAuthFailedError(fmt.Sprintf("トークンエンドポイントがステータス%dを返しました", resp.StatusCode))
	}

	// 3. 応答をデコード
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", time.Time{}, fmt.Errorf("トークン応答の解析に失敗しました: %w", err)
	}
	if tr.Token == "" {
		return "", time.Time{}, model.NewAuthFailedError("トークン応答が空です")
	}

	expiresAt := tr.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultTokenTTL)
	}

	s.logger.Info("プロキシアクセストークンを取得しました",
		slog.String("account_id", s.keyPair.AccountID),
		slog.Time("expires_at", expiresAt),
	)

	return tr.Token, expiresAt, nil
}

// PlatformAccount はプロキシに連携済みのプラットフォームアカウントを表す。
type PlatformAccount struct {
	Platform  model.Platform `json:"platform"`
	Username  string         `json:"username"`
	Connected bool           `json:"connected"`
}

// ConnectedAccounts はプロキシに連携済みのアカウント一覧を取得する。
func (s *Service) ConnectedAccounts(ctx context.Context) ([]PlatformAccount, error) {
	token, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/api/auth/accounts", nil)
	if err != nil {
		return nil, fmt.Errorf("アカウント一覧リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("アカウント一覧の取得に失敗しました: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized {
		s.Invalidate()
		return nil, model.NewAuthFailedError("アクセストークンが無効です")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("アカウント一覧エンドポイントがステータス%dを返しました", resp.StatusCode)
	}

	var body struct {
		Accounts []PlatformAccount `json:"accounts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("アカウント一覧の解析に失敗しました: %w", err)
	}

	return body.Accounts, nil
}

// IsAuthenticated は指定プラットフォームの連携が有効かどうかを返す。
func (s *Service) IsAuthenticated(ctx context.Context, p model.Platform) (bool, error) {
	accounts, err := s.ConnectedAccounts(ctx)
	if err != nil {
		return false, err
	}
	for _, a := range accounts {
		if a.Platform == p && a.Connected {
			return true, nil
		}
	}
	return false, nil
}
