package news

import (
	"strings"

	"github.com/hitoshi/newsman/internal/model"
	"github.com/hitoshi/newsman/internal/source"
)

// keywords はクラブ関連記事を判定する固定キーワード。
var keywords = []string{
	"Fenerbahçe",
	"Fenerbahce",
	"Sarı Kanarya",
	"Sarı Lacivert",
	"FB",
	"Kadıköy",
}

// RelevanceFilter はキーワードで記事の関連性を判定する。
type RelevanceFilter struct {
	folded []string
}

// NewRelevanceFilter はキーワードを畳み込み済みの状態で保持するRelevanceFilterを生成する。
func NewRelevanceFilter() *RelevanceFilter {
	folded := make([]string, 0, len(keywords))
	for _, k := range keywords {
		folded = append(folded, Fold(k))
	}
	return &RelevanceFilter{folded: folded}
}

// IsRelevant は記事が取り込み対象かを返す。
// 常時対象のソースは無条件に true、それ以外はタイトルと説明文にキーワードを含む場合に true。
func (f *RelevanceFilter) IsRelevant(c *model.CandidateItem, src source.Source) bool {
	if src.AlwaysRelevant {
		return true
	}
	text := Fold(c.Title + " " + c.PlainText)
	for _, k := range f.folded {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
