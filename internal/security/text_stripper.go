package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextStripper はフィード記事の説明文からマークアップを取り除き、プレーンテキストにする。
// bluemondayのStrictPolicyで全タグを除去した後、エンティティを復元し空白を正規化する。
// *bluemonday.Policy は並行利用可能なため、TextStripperも並行利用できる。
type TextStripper struct {
	policy *bluemonday.Policy
}

// NewTextStripper はTextStripperを生成する。
func NewTextStripper() *TextStripper {
	p := bluemonday.StrictPolicy()
	// <p>a</p><p>b</p> が "ab" と連結されないようにする
	p.AddSpaceWhenStrippingTag(true)
	return &TextStripper{policy: p}
}

// Strip はHTMLを含みうる文字列をプレーンテキストに変換する。
// 空文字列の入力には空文字列を返す。
func (s *TextStripper) Strip(raw string) string {
	if raw == "" {
		return ""
	}
	text := s.policy.Sanitize(raw)
	// StrictPolicyはテキストをエスケープして返すため、表示用に元へ戻す
	text = html.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}

// Truncate はプレーンテキストを最大maxRunes文字に切り詰める。
// マルチバイト文字の途中で切らないようrune単位で数える。
func Truncate(text string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	count := 0
	for i := range text {
		if count == maxRunes {
			return strings.TrimSpace(text[:i])
		}
		count++
	}
	return text
}
