package security

import (
	"strings"
	"testing"
)

// TestSanitize_ForbiddenTags は危険なタグが除去されることを検証する。
func TestSanitize_ForbiddenTags(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		name         string
		input        string
		wantAbsent   []string
		wantContains []string
	}{
		{
			name:         "scriptタグが除去される",
			input:        `<p>テスト</p><script>alert('xss')</script><p>安全</p>`,
			wantAbsent:   []string{"<script", "</script>", "alert"},
			wantContains: []string{"テスト", "安全"},
		},
		{
			name:         "iframeタグが除去される",
			input:        `<p>テスト</p><iframe src="https://evil.com"></iframe>`,
			wantAbsent:   []string{"<iframe", "evil.com"},
			wantContains: []string{"テスト"},
		},
		{
			name:         "許可されていないタグ（div）が除去される",
			input:        `<div><p>テスト</p></div>`,
			wantAbsent:   []string{"<div", "</div>"},
			wantContains: []string{"<p>テスト</p>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, absent := range tt.wantAbsent {
				if strings.Contains(got, absent) {
					t.Errorf("Sanitize(%q) = %q, should NOT contain %q", tt.input, got, absent)
				}
			}
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("Sanitize(%q) = %q, want to contain %q", tt.input, got, want)
				}
			}
		})
	}
}

// TestSanitize_XSSPayloads は代表的なXSSペイロードが無害化されることを検証する。
func TestSanitize_XSSPayloads(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		name       string
		input      string
		wantAbsent []string
	}{
		{"SVG onloadによるXSS", `<svg onload="alert('xss')">`, []string{"<svg", "onload"}},
		{"img onerrorによるXSS", `<img src="x" onerror="alert('xss')">`, []string{"onerror"}},
		{"javascript URI", `<a href="javascript:alert('xss')">クリック</a>`, []string{"javascript:"}},
		{"style属性によるXSS", `<p style="background:url(javascript:alert('xss'))">テスト</p>`, []string{"style="}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, absent := range tt.wantAbsent {
				if strings.Contains(strings.ToLower(got), strings.ToLower(absent)) {
					t.Errorf("Sanitize(%q) = %q, should NOT contain %q", tt.input, got, absent)
				}
			}
		})
	}
}

// TestSanitize_AnchorAttributes はリンクにrel属性が付与されることを検証する。
func TestSanitize_AnchorAttributes(t *testing.T) {
	sanitizer := NewTextSanitizer()

	got := sanitizer.Sanitize(`<a href="https://example.com">リンク</a>`)
	if !strings.Contains(got, "noopener") || !strings.Contains(got, "noreferrer") {
		t.Errorf("Sanitize = %q, want rel noopener noreferrer", got)
	}
}

// TestSanitize_Idempotent は二重サニタイズで結果が変わらないことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewTextSanitizer()

	input := `<p>テスト<strong>太字</strong></p><a href="https://example.com">リンク</a>`
	first := sanitizer.Sanitize(input)
	if second := sanitizer.Sanitize(first); first != second {
		t.Errorf("二重サニタイズで結果が変わった: %q vs %q", first, second)
	}
}

// TestPlainText は本文からタグを除去してテキストを取り出すことを検証する。
func TestPlainText(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"空文字列", "", ""},
		{"プレーンテキストはそのまま", "hello world", "hello world"},
		{"タグを除去", "<p>hello <strong>world</strong></p>", "hello world"},
		{"エスケープ済みHTMLを除去", "&lt;p&gt;escaped &amp;amp; body&lt;/p&gt;", "escaped & body"},
		{"エンティティを復元", "Tom &amp; Jerry &gt; Spike", "Tom & Jerry > Spike"},
		{"scriptの中身は残さない", "safe<script>alert(1)</script>", "safe"},
		{"空白を詰めて改行は保持", "line  one\n\n\n   line\ttwo  ", "line one\nline two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.PlainText(tt.input); got != tt.want {
				t.Errorf("PlainText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestContentSanitizerInterface はインターフェースの適合を検証する。
func TestContentSanitizerInterface(t *testing.T) {
	var _ ContentSanitizer = NewTextSanitizer()
}
