// Package content は投稿内容のプラットフォーム別最適化を提供する。
//
// HTMLのサニタイズとプレーンテキスト抽出、文字数制限に合わせた
// 切り詰め、メディア数・ハッシュタグ数の上限適用を行う。
// 制約値はplatformパッケージの制約テーブルを参照する。
package content

import (
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/hitoshi/crosspost/internal/model"
	"github.com/hitoshi/crosspost/internal/platform"
)

// linkReserve はリンクが本文へ連結されるプラットフォームで確保する文字数。
// Twitterのリンク短縮（t.co）は23文字に正規化されるため、区切り空白を含めて24文字。
const linkReserve = 24

// Optimizer は投稿内容をプラットフォームの制約に合わせて整形する。
type Optimizer struct {
	policy *bluemonday.Policy
}

// NewOptimizer はOptimizerの新しいインスタンスを生成する。
// サニタイズ用の許可リストポリシーを初期化時に構築する。
// 許可タグは本文の下書きで利用する最小限（p, br, a, ul, ol, li,
// blockquote, pre, code, strong, em）のみで、script等は除去される。
func NewOptimizer() *Optimizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("http", "https")
	p.RequireNoReferrerOnLinks(true)

	return &Optimizer{policy: p}
}

// Sanitize はHTMLを許可リストベースでサニタイズして安全なHTMLを返す。
// 同一入力に対して常に同一出力を返す。
func (o *Optimizer) Sanitize(rawHTML string) string {
	return o.policy.Sanitize(rawHTML)
}

// Optimize は投稿内容を指定プラットフォームの制約に収める。
//
// 本文はrune単位で文字数上限へ切り詰め、リンクが本文に連結される
// プラットフォームではリンク分の文字数を確保する。メディアと
// ハッシュタグは上限件数で打ち切る。メディア必須のプラットフォームで
// メディアがない場合はvalidationエラーを返す。
func (o *Optimizer) Optimize(p model.Platform, content model.PostContent) (model.PostContent, error) {
	limits, ok := platform.LimitsFor(p)
	if !ok {
		return model.PostContent{}, model.NewUnsupportedPlatformError(string(p))
	}

	if limits.RequiresMedia && len(content.Media) == 0 {
		return model.PostContent{}, model.NewInvalidMediaError(
			fmt.Sprintf("%s への投稿にはメディアの添付が必須です", p))
	}

	out := content

	// 1. 本文を文字数上限へ切り詰める
	budget := limits.MaxChars
	if content.Link != "" && linkInText(p) {
		budget -= linkReserve
	}
	out.Text = Truncate(strings.TrimSpace(content.Text), budget)

	// 2. メディア数を上限で打ち切る
	if limits.MaxMedia > 0 && len(out.Media) > limits.MaxMedia {
		out.Media = out.Media[:limits.MaxMedia]
	}

	// 3. ハッシュタグを正規化して上限で打ち切る
	out.Tags = normalizeTags(content.Tags, limits.MaxTags)

	return out, nil
}

// linkInText はリンクが本文文字数に算入されるプラットフォームかを返す。
// それ以外のプラットフォームではリンクはプレビューとして扱われる。
func linkInText(p model.Platform) bool {
	return p == model.PlatformTwitter || p == model.PlatformMastodon
}

// Truncate は本文をrune単位でmax文字以内に切り詰める。
// 切り詰めが発生した場合は末尾に省略記号を付ける。
func Truncate(text string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	if max == 1 {
		return "…"
	}
	cut := strings.TrimRight(string(runes[:max-1]), " \t\n")
	return cut + "…"
}

// normalizeTags はハッシュタグの先頭#と空要素を取り除き、
// 重複を除去した上で上限件数まで返す。maxが0の場合は件数制限なし。
func normalizeTags(tags []string, max int) []string {
	if len(tags) == 0 {
		return nil
	}

	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "#"))
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
		if max > 0 && len(out) == max {
			break
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// skipContentTags は本文として扱わない要素。中身のテキストごと読み飛ばす。
var skipContentTags = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
}

// blockTags はテキスト抽出時に区切り空白へ置き換える要素。
var blockTags = map[string]struct{}{
	"p": {}, "div": {}, "li": {}, "ul": {}, "ol": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"blockquote": {}, "pre": {}, "table": {}, "tr": {},
	"section": {}, "article": {},
}

// ExtractText はHTMLからプレーンテキストを抽出する。
// script/style要素は中身ごと読み飛ばし、ブロック要素の境界は
// 空白に置き換え、連続する空白は1つにまとめる。
// 文字実体参照は展開される。
func ExtractText(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}

	tokenizer := html.NewTokenizer(strings.NewReader(rawHTML))
	var b strings.Builder
	skipDepth := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return collapseWhitespace(b.String())

		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			tag := string(tn)
			if _, ok := skipContentTags[tag]; ok {
				skipDepth++
				continue
			}
			if _, ok := blockTags[tag]; ok {
				b.WriteByte(' ')
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			tag := string(tn)
			if _, ok := skipContentTags[tag]; ok {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if _, ok := blockTags[tag]; ok {
				b.WriteByte(' ')
			}

		case html.SelfClosingTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "br" {
				b.WriteByte(' ')
			}

		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}
}

// collapseWhitespace は連続する空白文字を1つの空白にまとめ、前後を取り除く。
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
