// Package security は取り込んだ本文のサニタイズを提供する。
//
// アーカイブやAPIの本文にはHTML断片やエスケープ済みエンティティが
// 混在するため、bluemondayの許可リストポリシーで正規化してから出力する。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer は本文の正規化機能のインターフェース。
type ContentSanitizer interface {
	// Sanitize は安全なタグのみを残したHTMLを返す。
	Sanitize(rawHTML string) string
	// PlainText は全てのタグを除去し、エンティティを復元したテキストを返す。
	PlainText(raw string) string
}

// TextSanitizer はContentSanitizerの実装。ポリシーは生成後に変更しないため並行に使える。
type TextSanitizer struct {
	html   *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
// HTMLポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, img
//   - aのhref: 絶対URLのみ。rel="noopener noreferrer"を付与
//   - imgのsrc: httpsのみ
func NewTextSanitizer() *TextSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})

	return &TextSanitizer{
		html:   p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize は安全なタグのみを残したHTMLを返す。
func (s *TextSanitizer) Sanitize(rawHTML string) string {
	return s.html.Sanitize(rawHTML)
}

// PlainText は全てのタグを除去し、HTMLエンティティを復元して空白を詰めたテキストを返す。
// 行の区切りは保持する。
func (s *TextSanitizer) PlainText(raw string) string {
	if raw == "" {
		return ""
	}
	// 本文のHTMLはエンティティとしてエスケープされた状態で届くことがある
	text := html.UnescapeString(s.strict.Sanitize(html.UnescapeString(raw)))

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
