package news

import (
	"context"
	"fmt"
	"math"

	"github.com/hitoshi/newsman/internal/model"
	"github.com/hitoshi/newsman/internal/repository"
)

// PageCache は一覧ページの読み取りキャッシュ。
// Generationは全件破棄のたびに進み、SetIfCurrentは世代が変わっていれば保存しない。
type PageCache interface {
	Get(page, size int) (*model.NewsPage, bool)
	Generation() uint64
	SetIfCurrent(gen uint64, page, size int, p *model.NewsPage) bool
}

// CacheObserver はキャッシュのヒット率を記録する。
type CacheObserver interface {
	RecordPageCacheHit()
	RecordPageCacheMiss()
}

// ListService はニュース一覧のページ取得を行う。取り込みを起動することはない。
type ListService struct {
	repo        repository.NewsReader
	cache       PageCache
	observer    CacheObserver
	defaultSize int
	maxSize     int
}

// NewListService はListServiceを生成する。cacheとobserverはnilでもよい。
func NewListService(repo repository.NewsReader, cache PageCache, observer CacheObserver, defaultSize, maxSize int) *ListService {
	return &ListService{
		repo:        repo,
		cache:       cache,
		observer:    observer,
		defaultSize: defaultSize,
		maxSize:     maxSize,
	}
}

// DefaultSize はsize未指定時のページサイズを返す。
func (s *ListService) DefaultSize() int {
	return s.defaultSize
}

// ValidatePage はページ番号とページサイズを検証する。
func (s *ListService) ValidatePage(page, size int) error {
	if page < 0 {
		return model.NewInvalidPaginationError("page must be >= 0")
	}
	if size < 1 || size > s.maxSize {
		return model.NewInvalidPaginationError(fmt.Sprintf("size must be between 1 and %d", s.maxSize))
	}
	if page > math.MaxInt/size {
		return model.NewInvalidPaginationError("page is too large")
	}
	return nil
}

// List は公開日時降順の1ページを返す。
// キャッシュにあればそれを返し、無ければストレージから取得してキャッシュする。
func (s *ListService) List(ctx context.Context, page, size int) (*model.NewsPage, error) {
	if err := s.ValidatePage(page, size); err != nil {
		return nil, err
	}

	var gen uint64
	if s.cache != nil {
		if cached, ok := s.cache.Get(page, size); ok {
			s.recordHit()
			return cached, nil
		}
		s.recordMiss()
		// 読み取り中に取り込みサイクルが破棄した場合、古いページを保存しない
		gen = s.cache.Generation()
	}

	records, total, err := s.repo.ListPage(ctx, page*size, size)
	if err != nil {
		return nil, fmt.Errorf("ニュース一覧の取得に失敗: %w", err)
	}
	if records == nil {
		records = []model.NewsRecord{}
	}

	p := &model.NewsPage{
		Content:       records,
		PageNumber:    page,
		PageSize:      size,
		TotalElements: total,
	}

	if s.cache != nil {
		s.cache.SetIfCurrent(gen, page, size, p)
	}
	return p, nil
}

func (s *ListService) recordHit() {
	if s.observer != nil {
		s.observer.RecordPageCacheHit()
	}
}

func (s *ListService) recordMiss() {
	if s.observer != nil {
		s.observer.RecordPageCacheMiss()
	}
}
