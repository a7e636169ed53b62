// Package auth はNEARアカウント署名によるプロキシAPI認証を提供する。
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"

	"github.com/hitoshi/crosspost/internal/model"
)

// nep413Tag は署名対象をトランザクションと区別するためのプレフィックス値。
// 2^31 + 413
const nep413Tag uint32 = 2147484061

// nep413Payload はNEP-413の署名対象ペイロードを表す。
// Borshシリアライズ後のSHA-256ハッシュへed25519署名する。
// フィールド順はシリアライズ順序そのものなので変更してはならない。
type nep413Payload struct {
	Tag         uint32
	Message     string
	Nonce       [32]byte
	Recipient   string
	CallbackURL *string
}

// KeyPair はNEARアカウントのed25519鍵ペアを表す。
type KeyPair struct {
	AccountID  string
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// ParseKeyPair は"ed25519:<base58>"形式の秘密鍵から鍵ペアを構築する。
// NEAR CLIが出力する64バイト形式（seed+public key）と32バイトseed形式の両方を受け付ける。
func ParseKeyPair(accountID, encodedKey string) (*KeyPair, error) {
	if accountID == "" {
		return nil, model.NewAuthFailedError("アカウントIDが空です")
	}

	raw, ok := strings.CutPrefix(encodedKey, "ed25519:")
	if !ok {
		return nil, model.NewAuthFailedError("秘密鍵は ed25519: プレフィックスで始まる必要があります")
	}

	data, err := base58.Decode(raw)
	if err != nil {
		return nil, model.NewAuthFailedError(fmt.Sprintf("秘密鍵のbase58デコードに失敗しました: %v", err))
	}

	var priv ed25519.PrivateKey
	switch len(data) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(data)
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(data)
	default:
		return nil, model.NewAuthFailedError(fmt.Sprintf("秘密鍵の長さが不正です: %dバイト", len(data)))
	}

	return &KeyPair{
		AccountID:  accountID,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		privateKey: priv,
	}, nil
}

// PublicKeyString は"ed25519:<base58>"形式の公開鍵を返す。
func (k *KeyPair) PublicKeyString() string {
	return "ed25519:" + base58.Encode(k.PublicKey)
}

// SignedMessage はNEP-413署名結果を表す。プロキシAPIの認証エンベロープとして送信する。
type SignedMessage struct {
	AccountID   string `json:"account_id"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"` // base64
	Message     string `json:"message"`
	Nonce       string `json:"nonce"` // base64（32バイト）
	Recipient   string `json:"recipient"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// NewNonce は暗号的に安全な32バイトのnonceを生成する。
func NewNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("nonceの生成に失敗しました: %w", err)
	}
	return nonce, nil
}

// SignMessage はNEP-413に従ってメッセージへ署名する。
func (k *KeyPair) SignMessage(message, recipient string, nonce [32]byte) (*SignedMessage, error) {
	payload := nep413Payload{
		Tag:       nep413Tag,
		Message:   message,
		Nonce:     nonce,
		Recipient: recipient,
	}

	serialized, err := borsh.Serialize(payload)
	if err != nil {
		return nil, fmt.Errorf("NEP-413ペイロードのシリアライズに失敗しました: %w", err)
	}

	hash := sha256.Sum256(serialized)
	signature := ed25519.Sign(k.privateKey, hash[:])

	return &SignedMessage{
		AccountID: k.AccountID,
		PublicKey: k.PublicKeyString(),
		Signature: base64.StdEncoding.EncodeToString(signature),
		Message:   message,
		Nonce:     base64.StdEncoding.EncodeToString(nonce[:]),
		Recipient: recipient,
	}, nil
}

// VerifySignature はNEP-413署名を公開鍵に対して検証する。
func VerifySignature(publicKey ed25519.PublicKey, message, recipient string, nonce [32]byte, signature []byte) bool {
	payload := nep413Payload{
		Tag:       nep413Tag,
		Message:   message,
		Nonce:     nonce,
		Recipient: recipient,
	}

	serialized, err := borsh.Serialize(payload)
	if err != nil {
		return false
	}

	hash := sha256.Sum256(serialized)
	return ed25519.Verify(publicKey, hash[:], signature)
}
