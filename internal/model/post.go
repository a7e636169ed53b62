// Package model はドメインモデルを定義する。
package model

import "time"

// Platform は投稿先プラットフォームを表す。
type Platform string

const (
	// PlatformTwitter はTwitter/X。
	PlatformTwitter Platform = "twitter"
	// PlatformLinkedIn はLinkedIn。
	PlatformLinkedIn Platform = "linkedin"
	// PlatformFacebook はFacebook。
	PlatformFacebook Platform = "facebook"
	// PlatformInstagram はInstagram。
	PlatformInstagram Platform = "instagram"
	// PlatformMastodon はMastodon。
	PlatformMastodon Platform = "mastodon"
)

// MediaRef は投稿に添付するメディアへの参照を表す。
// URLとDataはいずれか一方のみを指定する。AssetIDはアップロード後に埋まる。
type MediaRef struct {
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	AltText  string `json:"alt_text,omitempty"`
	AssetID  string `json:"asset_id,omitempty"`
}

// PostContent は投稿内容を表す。スケジューラは内容を解釈せず、
// 実行コールバックへそのまま引き渡す。
type PostContent struct {
	Text  string     `json:"text"`
	Media []MediaRef `json:"media,omitempty"`
	Tags  []string   `json:"tags,omitempty"`
	Link  string     `json:"link,omitempty"`
}

// PostOptions は投稿単位の実行オプションを表す。ゼロ値は設定既定値を使う。
type PostOptions struct {
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// PostStatus は予約投稿の状態を表す。
type PostStatus string

const (
	// PostStatusScheduled は実行待ち状態。
	PostStatusScheduled PostStatus = "scheduled"
	// PostStatusExecuting は実行中状態。
	PostStatusExecuting PostStatus = "executing"
	// PostStatusCompleted は投稿成功の終端状態。
	PostStatusCompleted PostStatus = "completed"
	// PostStatusFailed は試行上限到達の終端状態。
	PostStatusFailed PostStatus = "failed"
	// PostStatusCancelled は実行前にキャンセルされた終端状態。
	PostStatusCancelled PostStatus = "cancelled"
)

// IsTerminal は終端状態（completed / failed / cancelled）かどうかを返す。
func (s PostStatus) IsTerminal() bool {
	switch s {
	case PostStatusCompleted, PostStatusFailed, PostStatusCancelled:
		return true
	}
	return false
}

// PlatformResult は単一プラットフォームへの投稿結果を表す。
type PlatformResult struct {
	Platform Platform  `json:"platform"`
	Success  bool      `json:"success"`
	PostID   string    `json:"post_id,omitempty"`
	URL      string    `json:"url,omitempty"`
	PostedAt time.Time `json:"posted_at"`
	Error    string    `json:"error,omitempty"`
}

// PostResult は全対象プラットフォームへの投稿結果を表す。
type PostResult struct {
	Results []PlatformResult `json:"results"`
}

// AllSucceeded は全プラットフォームへの投稿が成功したかどうかを返す。
func (r *PostResult) AllSucceeded() bool {
	if r == nil || len(r.Results) == 0 {
		return false
	}
	for _, pr := range r.Results {
		if !pr.Success {
			return false
		}
	}
	return true
}

// ScheduledPost は予約投稿レコードを表す。
// 状態遷移は scheduled → executing → {completed | failed | scheduled(再試行)}、
// および scheduled → cancelled のみ。終端状態からの遷移はない。
// 永続化された内容が再起動後の信頼できる唯一の状態となる。
type ScheduledPost struct {
	ID            string      `json:"id"`
	Content       PostContent `json:"content"`
	Platforms     []Platform  `json:"platforms"`
	ScheduledTime time.Time   `json:"scheduled_time"`
	Status        PostStatus  `json:"status"`
	Attempts      int         `json:"attempts"`
	MaxAttempts   int         `json:"max_attempts"`
	Options       PostOptions `json:"options,omitempty"`
	Result        *PostResult `json:"result,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	LastAttemptAt *time.Time  `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	FailedAt      *time.Time  `json:"failed_at,omitempty"`
	CancelledAt   *time.Time  `json:"cancelled_at,omitempty"`
}

// TerminalAt は終端状態に到達した時刻を返す。終端状態でなければnilを返す。
func (p *ScheduledPost) TerminalAt() *time.Time {
	switch p.Status {
	case PostStatusCompleted:
		return p.CompletedAt
	case PostStatusFailed:
		return p.FailedAt
	case PostStatusCancelled:
		return p.CancelledAt
	}
	return nil
}
