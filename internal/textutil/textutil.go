// Package textutil は投稿本文からのハッシュタグ・メンション抽出と切り詰めを提供する。
package textutil

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// ExcerptLength は通知に載せる本文抜粋の最大文字数（rune数）。
const ExcerptLength = 100

var (
	hashtagPattern = regexp.MustCompile(`#([\p{L}\p{M}\p{N}_]+)`)
	mentionPattern = regexp.MustCompile(`(^|[^\w@])@([A-Za-z0-9_]{3,30})\b`)
	handlePattern  = regexp.MustCompile(`^[a-z0-9_]{3,30}$`)
)

// ExtractHashtags は本文中のハッシュタグを小文字化し、出現順に重複を除いて返す。
func ExtractHashtags(content string) []string {
	return uniqueLower(hashtagPattern.FindAllStringSubmatch(content, -1), 1)
}

// ExtractMentions は本文中の @handle を小文字化し、出現順に重複を除いて返す。
// メールアドレスの @ はメンションとして扱わない。
func ExtractMentions(content string) []string {
	return uniqueLower(mentionPattern.FindAllStringSubmatch(content, -1), 2)
}

func uniqueLower(matches [][]string, group int) []string {
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		v := strings.ToLower(m[group])
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// NormalizeHandle はハンドルを先頭の @ を除いて小文字化する。
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// ValidHandle は正規化済みハンドルが3〜30文字の英小文字・数字・アンダースコアかを返す。
func ValidHandle(handle string) bool {
	return handlePattern.MatchString(handle)
}

// Truncate はsをmax文字（rune数）以内に切り詰める。切り詰めた場合は末尾に … を付ける。
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

// Excerpt は通知用の本文抜粋を返す。
func Excerpt(s string) string {
	return Truncate(s, ExcerptLength)
}

// Length は本文の文字数（rune数）を返す。
func Length(s string) int {
	return utf8.RuneCountInString(s)
}

// Diff はafterにあってbeforeに無い要素を返す。
func Diff(after, before []string) []string {
	if len(after) == 0 {
		return nil
	}
	prev := make(map[string]struct{}, len(before))
	for _, v := range before {
		prev[v] = struct{}{}
	}
	var out []string
	for _, v := range after {
		if _, ok := prev[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
