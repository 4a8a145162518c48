package news

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/newsman/internal/model"
	"github.com/hitoshi/newsman/internal/repository"
)

// Verdict は重複判定の結果。
type Verdict int

const (
	// Accepted は新規記事としてインデックスに登録されたことを表す。
	Accepted Verdict = iota
	// DuplicateID は同じexternal_idが既に存在することを表す。
	DuplicateID
	// DuplicateTitle は同じタイトルの記事が時間窓内に存在することを表す。
	DuplicateTitle
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case DuplicateID:
		return "duplicate_id"
	case DuplicateTitle:
		return "duplicate_title"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Index は1サイクル分の重複判定インデックス。
// サイクル開始時に構築し、終了時に破棄する。サイクル間で共有しない。
type Index struct {
	mu     sync.Mutex
	window time.Duration
	ids    map[string]struct{}
	titles map[string][]time.Time // 畳み込み済みタイトル → 公開日時
}

// NewIndex は空のIndexを生成する。
func NewIndex(window time.Duration) *Index {
	return &Index{
		window: window,
		ids:    make(map[string]struct{}),
		titles: make(map[string][]time.Time),
	}
}

// LoadIndex は保存済みの全external_idと、now-window以降に公開された記事のタイトルからIndexを構築する。
func LoadIndex(ctx context.Context, store repository.NewsIndexSource, now time.Time, window time.Duration) (*Index, error) {
	ids, err := store.ListExternalIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("重複判定用のexternal_id読み込みに失敗: %w", err)
	}
	stamps, err := store.ListRecentTitles(ctx, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("重複判定用のタイトル読み込みに失敗: %w", err)
	}

	ix := NewIndex(window)
	for _, id := range ids {
		ix.ids[id] = struct{}{}
	}
	for _, s := range stamps {
		key := Fold(s.Title)
		ix.titles[key] = append(ix.titles[key], s.PubDate)
	}
	return ix, nil
}

// Claim は候補記事の重複判定と登録を1回のロックで行う。
// 並行して同じ記事が渡された場合も、Acceptedになるのは1件だけ。
func (ix *Index) Claim(c *model.CandidateItem) Verdict {
	key := Fold(c.Title)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.ids[c.ExternalID]; ok {
		return DuplicateID
	}
	for _, seen := range ix.titles[key] {
		if absDuration(c.PublishedAt.Sub(seen)) <= ix.window {
			return DuplicateTitle
		}
	}

	ix.ids[c.ExternalID] = struct{}{}
	ix.titles[key] = append(ix.titles[key], c.PublishedAt)
	return Accepted
}

// Size はインデックスが保持するexternal_id数とタイトル数を返す。
func (ix *Index) Size() (ids, titles int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.ids), len(ix.titles)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
