package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は外部から取得したタイトルや投稿者名をプレーンテキストに正規化する。
// ルームに配信される文字列はすべてこのサービスを通してから保存する。
type TextSanitizerService interface {
	// SanitizeText は全てのタグを除去し、エンティティを展開し、空白を1つにまとめ、
	// maxRunes文字を超える場合は切り詰めて返す。maxRunesが0以下の場合は切り詰めない。
	SanitizeText(raw string, maxRunes int) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyは全てのタグを除去するがエンティティはエスケープしたまま残すため、
// 除去後にhtml.UnescapeStringで展開する。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はrawをプレーンテキストに正規化する。
func (s *textSanitizer) SanitizeText(raw string, maxRunes int) string {
	if raw == "" {
		return ""
	}
	stripped := html.UnescapeString(s.policy.Sanitize(raw))

	// 制御文字を空白として扱い、連続する空白を1つにまとめる
	text := strings.Join(strings.FieldsFunc(stripped, isSpaceOrControl), " ")

	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:maxRunes]))
	}
	return text
}

func isSpaceOrControl(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' ||
		r < 0x20 || r == 0x7f || r == 0x85 || r == 0xa0 || r == 0x3000
}
