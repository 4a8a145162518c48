package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/newsman/internal/metrics"
	"github.com/hitoshi/newsman/internal/source"
)

const (
	userAgent    = "Newsman/1.0 RSS Reader"
	acceptHeader = "application/rss+xml, application/atom+xml, application/xml, text/xml, */*"
)

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// Fetcher は個別フィードのHTTPフェッチとパースを行う。
type Fetcher struct {
	ssrfGuard   SSRFValidator
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	ssrfGuard SSRFValidator,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Fetcher {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Fetcher{
		ssrfGuard:   ssrfGuard,
		metrics:     collector,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Fetch はソースのフィードを取得し、文書順の記事一覧を返す。
// 失敗は常に*FetchErrorで返す。
func (f *Fetcher) Fetch(ctx context.Context, src source.Source) ([]*gofeed.Item, error) {
	fail := func(kind ErrorKind, status int, err error) error {
		return &FetchError{Source: src.Name, URL: src.URL, Kind: kind, StatusCode: status, Err: err}
	}

	if err := f.ssrfGuard.ValidateURL(src.URL); err != nil {
		return nil, fail(KindBlocked, 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fail(KindNetwork, 0, fmt.Errorf("リクエスト作成に失敗: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)

	start := time.Now()
	client := f.ssrfGuard.NewSafeClient(f.timeout)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fail(KindNetwork, 0, err)
	}
	defer resp.Body.Close()

	f.metrics.RecordHTTPStatus(resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		// 接続を再利用できるよう少量だけ読み捨てる
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fail(KindStatus, resp.StatusCode, nil)
	}

	// 上限+1バイト読めた場合はサイズ超過
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		return nil, fail(KindRead, resp.StatusCode, err)
	}
	if int64(len(body)) > f.maxBodySize {
		return nil, fail(KindRead, resp.StatusCode, fmt.Errorf("レスポンスが上限 %d バイトを超えています", f.maxBodySize))
	}

	duration := time.Since(start)
	f.metrics.RecordFetchLatency(duration)

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fail(KindParse, resp.StatusCode, err)
	}

	f.logger.Debug("フィードを取得しました",
		slog.String("source", src.Name),
		slog.String("feed_url", src.URL),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("items", len(parsed.Items)),
		slog.Int("bytes", len(body)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return parsed.Items, nil
}
