// Package security は投稿本文の無害化と外部URLの検証を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は利用者が入力したテキストからマークアップを取り除く。
type TextSanitizer interface {
	// SanitizeText はタグをすべて除去したプレーンテキストを返す。
	// 文字参照は元の文字に戻し、前後の空白を除く。
	SanitizeText(raw string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はbluemondayのStrictPolicyを使うTextSanitizerを生成する。
// 投稿・コメント・プロフィールはプレーンテキストとして保存し、表示側でエスケープする。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はタグをすべて除去したプレーンテキストを返す。
func (s *textSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyは&や<を文字参照で出力するため、保存前に元に戻す
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
