// Package security は取り込みコンテンツの無害化と外部取得時のSSRF防止を提供する。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプロバイダ由来の文字列フィールドを無害化するインターフェース。
// クライアントはタイトルや要約をプレーンテキストとして描画する。
type TextSanitizer interface {
	// SanitizeText はマークアップを除去し、前後の空白を詰めたプレーンテキストを返す。
	SanitizeText(raw string) string
	// SanitizeURL はhttp/httpsの絶対URLのみを返し、それ以外は空文字列を返す。
	SanitizeURL(raw string) string
}

// ContentSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
// Policyはスレッドセーフなので1インスタンスを共有してよい。
type ContentSanitizer struct {
	policy *bluemonday.Policy
}

var _ TextSanitizer = (*ContentSanitizer)(nil)

// NewContentSanitizer はContentSanitizerを生成する。
func NewContentSanitizer() *ContentSanitizer {
	return &ContentSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はすべてのタグを除去する。script/styleは中身ごと除去される。
// StrictPolicyはエスケープ済みHTMLを返すため、プレーンテキストに戻してから空白を正規化する。
func (s *ContentSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	text := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.Fields(text), " ")
}

// SanitizeURL はhttp/httpsスキームでホストを持つURLのみを許可する。
func (s *ContentSanitizer) SanitizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.String()
	default:
		return ""
	}
}
