// Package webhook はプロキシAPIからのWebhook通知の受信と検証を提供する。
// 通知には投稿の配信結果やアカウント連携の変化が含まれ、検証済みの
// イベントはイベントストリームへ再配信される。
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/hitoshi/crosspost/internal/model"
)

// defaultTolerance は署名タイムスタンプの許容ずれ幅。
const defaultTolerance = 5 * time.Minute

// Verifier はWebhook署名の検証を行う。
// 署名は `<unix秒>.<リクエストボディ>` に対するHMAC-SHA256の16進表現で、
// タイムスタンプが許容幅を超えて古い・新しいリクエストは拒否する。
type Verifier struct {
	secret    []byte
	tolerance time.Duration

	now func() time.Time // テスト用に差し替え可能
}

// NewVerifier はVerifierの新しいインスタンスを生成する。
// toleranceが0以下の場合はデフォルト値5分を使用する。
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify は署名ヘッダとタイムスタンプヘッダの値を検証する。
// 検証に失敗した場合はWEBHOOK_SIGNATURE_INVALIDエラーを返す。
func (v *Verifier) Verify(signature, timestamp string, body []byte) error {
	if signature == "" {
		return model.NewWebhookInvalidError("署名ヘッダがありません")
	}
	if timestamp == "" {
		return model.NewWebhookInvalidError("タイムスタンプヘッダがありません")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return model.NewWebhookInvalidError("タイムスタンプの形式が不正です")
	}

	// リプレイ防止: 許容幅を超えたタイムスタンプを拒否する
	age := v.now().Unix() - ts
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > v.tolerance {
		return model.NewWebhookInvalidError("タイムスタンプが許容範囲外です")
	}

	expected := Sign(v.secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return model.NewWebhookInvalidError("署名が一致しません")
	}

	return nil
}

// Sign は `<timestamp>.<body>` に対するHMAC-SHA256署名を16進表現で返す。
// 送信側の署名生成とテストの双方から使う。
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
