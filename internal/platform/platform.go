// Package platform はプラットフォーム別の投稿制約テーブルを定義する。
// 文字数・メディア数の上限とレート制限ウィンドウはここで一元管理し、
// コンテンツ最適化とレートリミッタの両方が参照する。
package platform

import (
	"time"

	"github.com/hitoshi/crosspost/internal/model"
)

// Limits は1プラットフォームの投稿内容に対する制約を表す。
type Limits struct {
	MaxChars      int  // 本文の最大文字数（rune単位）
	MaxMedia      int  // 添付メディアの最大数
	MaxTags       int  // ハッシュタグの最大数（0は制限なし）
	RequiresMedia bool // メディア添付が必須か（Instagram）
}

// RateWindow はスライディングウィンドウ方式のレート制限を表す。
type RateWindow struct {
	Limit  int           // ウィンドウ内の最大リクエスト数
	Window time.Duration // ウィンドウ幅
}

// 操作種別。レート制限はプラットフォームと操作の組ごとに管理する。
const (
	OpPosts = "posts"
	OpMedia = "media"
)

// DefaultRateWindow はテーブルに定義のない組へ適用するフォールバック。
var DefaultRateWindow = RateWindow{Limit: 60, Window: time.Minute}

var limitsTable = map[model.Platform]Limits{
	model.PlatformTwitter:   {MaxChars: 280, MaxMedia: 4},
	model.PlatformLinkedIn:  {MaxChars: 3000, MaxMedia: 9},
	model.PlatformFacebook:  {MaxChars: 63206, MaxMedia: 10},
	model.PlatformInstagram: {MaxChars: 2200, MaxMedia: 10, MaxTags: 30, RequiresMedia: true},
	model.PlatformMastodon:  {MaxChars: 500, MaxMedia: 4},
}

var rateTable = map[model.Platform]map[string]RateWindow{
	model.PlatformTwitter: {
		OpPosts: {Limit: 300, Window: 15 * time.Minute},
		OpMedia: {Limit: 30, Window: 15 * time.Minute},
	},
	model.PlatformLinkedIn: {
		OpPosts: {Limit: 100, Window: 24 * time.Hour},
		OpMedia: {Limit: 50, Window: 24 * time.Hour},
	},
	model.PlatformFacebook: {
		OpPosts: {Limit: 200, Window: time.Hour},
		OpMedia: {Limit: 100, Window: time.Hour},
	},
	model.PlatformInstagram: {
		OpPosts: {Limit: 100, Window: 24 * time.Hour},
		OpMedia: {Limit: 50, Window: 24 * time.Hour},
	},
	model.PlatformMastodon: {
		OpPosts: {Limit: 300, Window: 5 * time.Minute},
		OpMedia: {Limit: 60, Window: 5 * time.Minute},
	},
}

// All は対応プラットフォームの一覧を返す。
func All() []model.Platform {
	return []model.Platform{
		model.PlatformTwitter,
		model.PlatformLinkedIn,
		model.PlatformFacebook,
		model.PlatformInstagram,
		model.PlatformMastodon,
	}
}

// IsSupported は対応プラットフォームかどうかを返す。
func IsSupported(p model.Platform) bool {
	_, ok := limitsTable[p]
	return ok
}

// LimitsFor はプラットフォームの投稿制約を返す。
func LimitsFor(p model.Platform) (Limits, bool) {
	l, ok := limitsTable[p]
	return l, ok
}

// RateWindowFor はプラットフォームと操作の組のレート制限を返す。
// テーブルに定義がない場合はDefaultRateWindowを返す。
func RateWindowFor(p model.Platform, operation string) RateWindow {
	if ops, ok := rateTable[p]; ok {
		if w, ok := ops[operation]; ok {
			return w
		}
	}
	return DefaultRateWindow
}

// ValidatePlatforms は投稿先リストを検証する。
// 空リストと未対応プラットフォームはvalidationエラーとなる。
func ValidatePlatforms(platforms []model.Platform) error {
	if len(platforms) == 0 {
		return model.NewNoPlatformsError()
	}
	for _, p := range platforms {
		if !IsSupported(p) {
			return model.NewUnsupportedPlatformError(string(p))
		}
	}
	return nil
}
