package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/newsman/internal/metrics"
	"github.com/hitoshi/newsman/internal/model"
	"github.com/hitoshi/newsman/internal/news"
	"github.com/hitoshi/newsman/internal/repository"
	"github.com/hitoshi/newsman/internal/source"
)

// FeedFetcher はソースのフィードを取得するインターフェース。
type FeedFetcher interface {
	Fetch(ctx context.Context, src source.Source) ([]*gofeed.Item, error)
}

// CacheInvalidator はサイクル終了時に読み取りキャッシュを無効化する。
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Invalidators は複数のCacheInvalidatorを順に呼び出す。
// 途中で失敗しても残りは呼び出し、エラーはまとめて返す。
type Invalidators []CacheInvalidator

// Invalidate はすべてのCacheInvalidatorを呼び出す。
func (is Invalidators) Invalidate(ctx context.Context) error {
	var errs []error
	for _, inv := range is {
		if inv == nil {
			continue
		}
		if err := inv.Invalidate(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pruner は保持期間を超過した記事を削除する。
type Pruner interface {
	Run(ctx context.Context) (int64, error)
}

// SourceResult は1ソース分の処理結果。
type SourceResult struct {
	Source         string
	Fetched        int
	Invalid        int
	Irrelevant     int
	DuplicateID    int
	DuplicateTitle int
	Inserted       int
	Existing       int
	Failed         int
	Err            error
}

// CycleResult は1サイクル分の処理結果。
type CycleResult struct {
	Sources  []SourceResult
	Deleted  int64
	Duration time.Duration
}

// Inserted は全ソースの新規保存件数の合計を返す。
func (r *CycleResult) Inserted() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Inserted
	}
	return n
}

// FailedSources はフェッチまたは処理に失敗したソース数を返す。
func (r *CycleResult) FailedSources() int {
	n := 0
	for _, s := range r.Sources {
		if s.Err != nil {
			n++
		}
	}
	return n
}

// PipelineDeps はPipelineの依存コンポーネント。
// Invalidator、Pruner、Metricsは省略できる。
type PipelineDeps struct {
	Registry      *source.Registry
	Fetcher       FeedFetcher
	Normalizer    *news.Normalizer
	Filter        *news.RelevanceFilter
	IndexSource   repository.NewsIndexSource
	Writer        *news.BatchWriter
	Invalidator   CacheInvalidator
	Pruner        Pruner
	Metrics       metrics.MetricsCollector
	Logger        *slog.Logger
	DedupWindow   time.Duration
	MaxConcurrent int
}

// Pipeline は取り込みサイクル（取得→正規化→関連性判定→重複判定→保存→無効化→削除）を実行する。
// サイクル間で状態を持たない。
type Pipeline struct {
	deps PipelineDeps
	now  func() time.Time
}

// NewPipeline はPipelineを生成する。
func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopCollector{}
	}
	if deps.MaxConcurrent <= 0 {
		deps.MaxConcurrent = 1
	}
	return &Pipeline{deps: deps, now: time.Now}
}

// RunCycle は1サイクルを実行する。
// 重複判定インデックスの構築に失敗した場合のみエラーを返し、ソース単位の失敗は結果に記録する。
func (p *Pipeline) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := p.now()
	log := p.deps.Logger

	index, err := news.LoadIndex(ctx, p.deps.IndexSource, start, p.deps.DedupWindow)
	if err != nil {
		return nil, err
	}

	sources := p.deps.Registry.Sources()
	ids, titles := index.Size()
	log.Info("取り込みサイクルを開始します",
		slog.Int("source_count", len(sources)),
		slog.Int("known_ids", ids),
		slog.Int("recent_titles", titles),
		slog.Int("max_concurrent", p.deps.MaxConcurrent),
	)

	result := &CycleResult{Sources: make([]SourceResult, len(sources))}

	if p.deps.MaxConcurrent == 1 {
		for i, src := range sources {
			result.Sources[i] = p.processSource(ctx, src, index, start)
		}
	} else {
		// semaphoreパターンで並列数を制御
		sem := make(chan struct{}, p.deps.MaxConcurrent)
		var wg sync.WaitGroup
		for i, src := range sources {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, src source.Source) {
				defer wg.Done()
				defer func() { <-sem }()
				result.Sources[i] = p.processSource(ctx, src, index, start)
			}(i, src)
		}
		wg.Wait()
	}

	// 新規記事の有無にかかわらず毎サイクル無効化する
	if p.deps.Invalidator != nil {
		if err := p.deps.Invalidator.Invalidate(ctx); err != nil {
			log.Error("キャッシュの無効化に失敗しました", slog.String("error", err.Error()))
		}
	}

	if p.deps.Pruner != nil {
		deleted, err := p.deps.Pruner.Run(ctx)
		if err != nil {
			log.Error("保持期間超過記事の削除に失敗しました", slog.String("error", err.Error()))
		} else {
			result.Deleted = deleted
			p.deps.Metrics.RecordRetentionDeleted(deleted)
		}
	}

	result.Duration = p.now().Sub(start)
	log.Info("取り込みサイクルが完了しました",
		slog.Int("source_count", len(sources)),
		slog.Int("failed_sources", result.FailedSources()),
		slog.Int("inserted", result.Inserted()),
		slog.Int64("deleted", result.Deleted),
		slog.Float64("duration_ms", float64(result.Duration.Milliseconds())),
	)

	return result, nil
}

// processSource は1ソースを処理する。panicはここで回収し、他のソースに影響させない。
func (p *Pipeline) processSource(ctx context.Context, src source.Source, index *news.Index, now time.Time) (res SourceResult) {
	res.Source = src.Name
	log := p.deps.Logger.With(slog.String("source", src.Name), slog.String("feed_url", src.URL))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic: %v", r)
			p.deps.Metrics.RecordFetchFailure(src.Name, "panic")
			log.Error("ソース処理中にpanicが発生しました",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	items, err := p.deps.Fetcher.Fetch(ctx, src)
	if err != nil {
		res.Err = err
		p.recordFetchFailure(log, src, err)
		return res
	}
	p.deps.Metrics.RecordFetchSuccess(src.Name)
	res.Fetched = len(items)
	p.deps.Metrics.RecordItemsFetched(src.Name, len(items))

	accepted := make([]*model.CandidateItem, 0, len(items))
	for _, item := range items {
		c, ok := p.deps.Normalizer.Normalize(src, item, now)
		if !ok {
			res.Invalid++
			continue
		}
		if !p.deps.Filter.IsRelevant(c, src) {
			res.Irrelevant++
			continue
		}

		v := index.Claim(c)
		switch v {
		case news.Accepted:
			accepted = append(accepted, c)
			continue
		case news.DuplicateID:
			res.DuplicateID++
		case news.DuplicateTitle:
			res.DuplicateTitle++
		}
		log.Debug("重複記事を除外しました",
			slog.String("reason", v.String()),
			slog.String("external_id", c.ExternalID),
			slog.String("title", c.Title),
		)
	}

	w := p.deps.Writer.Write(ctx, src, accepted)
	res.Inserted, res.Existing, res.Failed = w.Inserted, w.Existing, w.Failed

	p.recordItems(src, res)

	log.Info("ソースの処理が完了しました",
		slog.Int("fetched", res.Fetched),
		slog.Int("irrelevant", res.Irrelevant),
		slog.Int("duplicate_id", res.DuplicateID),
		slog.Int("duplicate_title", res.DuplicateTitle),
		slog.Int("inserted", res.Inserted),
		slog.Int("existing", res.Existing),
		slog.Int("failed", res.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res
}

func (p *Pipeline) recordFetchFailure(log *slog.Logger, src source.Source, err error) {
	kind := KindOf(err)
	if kind == "" {
		kind = KindNetwork
	}
	p.deps.Metrics.RecordFetchFailure(src.Name, string(kind))

	attrs := []any{slog.String("kind", string(kind)), slog.String("error", err.Error())}
	var fe *FetchError
	if errors.As(err, &fe) && fe.StatusCode != 0 {
		attrs = append(attrs, slog.Int("http_status", fe.StatusCode))
	}
	if fe != nil && !fe.Transient() {
		log.Error("フィードの取得に失敗しました", attrs...)
		return
	}
	log.Warn("フィードの取得に失敗しました", attrs...)
}

func (p *Pipeline) recordItems(src source.Source, res SourceResult) {
	m := p.deps.Metrics
	if res.Invalid > 0 {
		m.RecordItemsRejected(metrics.RejectInvalid, res.Invalid)
	}
	if res.Irrelevant > 0 {
		m.RecordItemsRejected(metrics.RejectIrrelevant, res.Irrelevant)
	}
	if res.DuplicateID > 0 {
		m.RecordItemsRejected(metrics.RejectDuplicateID, res.DuplicateID)
	}
	if res.DuplicateTitle > 0 {
		m.RecordItemsRejected(metrics.RejectDuplicateTitle, res.DuplicateTitle)
	}
	if res.Inserted > 0 {
		m.RecordItemsInserted(src.Name, res.Inserted)
	}
}
