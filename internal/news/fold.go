package news

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Fold はトルコ語の大文字小文字規則（I→ı, İ→i）で小文字化し、空白を正規化する。
// cases.Caser は並行利用できないため呼び出しごとに生成する。
func Fold(s string) string {
	lower := cases.Lower(language.Turkish).String(s)
	return strings.Join(strings.Fields(lower), " ")
}
