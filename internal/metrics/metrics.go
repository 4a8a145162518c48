// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 記事の除外理由
const (
	RejectIrrelevant     = "irrelevant"
	RejectDuplicateID    = "duplicate_id"
	RejectDuplicateTitle = "duplicate_title"
	RejectInvalid        = "invalid"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 取り込みパイプラインと読み取りAPIから利用する。
type MetricsCollector interface {
	RecordCycle(result string, duration time.Duration)
	RecordCycleSkipped()
	RecordFetchSuccess(source string)
	RecordFetchFailure(source string, kind string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordItemsFetched(source string, count int)
	RecordItemsRejected(reason string, count int)
	RecordItemsInserted(source string, count int)
	RecordRetentionDeleted(count int64)
	RecordPageCacheHit()
	RecordPageCacheMiss()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cycles           *prometheus.CounterVec
	cyclesSkipped    prometheus.Counter
	cycleDuration    prometheus.Histogram
	fetchSuccess     *prometheus.CounterVec
	fetchFail        *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	fetchLatency     prometheus.Histogram
	itemsFetched     *prometheus.CounterVec
	itemsRejected    *prometheus.CounterVec
	itemsInserted    *prometheus.CounterVec
	retentionDeleted prometheus.Counter
	pageCache        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsman_ingest_cycles_total",
			Help: "結果別の取り込みサイクル数",
		}, []string{"result"}),
		cyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsman_ingest_cycles_skipped_total",
			Help: "前回のサイクルが実行中だったためスキップされたトリガー数",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsman_ingest_cycle_duration_seconds",
			Help:    "取り込みサイクルの所要時間（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		fetchSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsman_fetch_success_total",
			Help: "ソース別のフィードフェッチ成功数",
		}, []string{"source"}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsman_fetch_fail_total",
			Help: "ソース・失敗種別ごとのフィードフェッチ失敗数",
		}, []string{"source", "kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsman_fetch_http_status_total",
			Help: "フィード取得時のHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsman_fetch_latency_seconds",
			Help:    "フィードフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		itemsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsman_items_fetched_total",
			Help: "ソース別の取得記事数",
		}, []string{"source"}),
		itemsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsman_items_rejected_total",
			Help: "除外理由別の記事数",
		}, []string{"reason"}),
		itemsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsman_items_inserted_total",
			Help: "ソース別の新規保存記事数",
		}, []string{"source"}),
		retentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsman_retention_deleted_total",
			Help: "保持期間超過で削除された記事数",
		}),
		pageCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsman_page_cache_requests_total",
			Help: "一覧ページキャッシュの参照結果別件数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.cycles,
		c.cyclesSkipped,
		c.cycleDuration,
		c.fetchSuccess,
		c.fetchFail,
		c.httpStatus,
		c.fetchLatency,
		c.itemsFetched,
		c.itemsRejected,
		c.itemsInserted,
		c.retentionDeleted,
		c.pageCache,
	)

	return c
}

// RecordCycle はサイクルの結果（success, failure, panic）と所要時間を記録する。
func (c *Collector) RecordCycle(result string, duration time.Duration) {
	c.cycles.WithLabelValues(result).Inc()
	c.cycleDuration.Observe(duration.Seconds())
}

// RecordCycleSkipped はスキップされたトリガーを記録する。
func (c *Collector) RecordCycleSkipped() {
	c.cyclesSkipped.Inc()
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(source string) {
	c.fetchSuccess.WithLabelValues(source).Inc()
}

// RecordFetchFailure はフェッチ失敗を記録する。
func (c *Collector) RecordFetchFailure(source string, kind string) {
	c.fetchFail.WithLabelValues(source, kind).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordItemsFetched は取得した記事数を記録する。
func (c *Collector) RecordItemsFetched(source string, count int) {
	c.itemsFetched.WithLabelValues(source).Add(float64(count))
}

// RecordItemsRejected は除外された記事数を記録する。
func (c *Collector) RecordItemsRejected(reason string, count int) {
	c.itemsRejected.WithLabelValues(reason).Add(float64(count))
}

// RecordItemsInserted は新規保存された記事数を記録する。
func (c *Collector) RecordItemsInserted(source string, count int) {
	c.itemsInserted.WithLabelValues(source).Add(float64(count))
}

// RecordRetentionDeleted は保持期間超過で削除された記事数を記録する。
func (c *Collector) RecordRetentionDeleted(count int64) {
	c.retentionDeleted.Add(float64(count))
}

// RecordPageCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordPageCacheHit() {
	c.pageCache.WithLabelValues("hit").Inc()
}

// RecordPageCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordPageCacheMiss() {
	c.pageCache.WithLabelValues("miss").Inc()
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordCycle(string, time.Duration)  {}
func (NopCollector) RecordCycleSkipped()                {}
func (NopCollector) RecordFetchSuccess(string)          {}
func (NopCollector) RecordFetchFailure(string, string)  {}
func (NopCollector) RecordHTTPStatus(int)               {}
func (NopCollector) RecordFetchLatency(time.Duration)   {}
func (NopCollector) RecordItemsFetched(string, int)     {}
func (NopCollector) RecordItemsRejected(string, int)    {}
func (NopCollector) RecordItemsInserted(string, int)    {}
func (NopCollector) RecordRetentionDeleted(int64)       {}
func (NopCollector) RecordPageCacheHit()                {}
func (NopCollector) RecordPageCacheMiss()               {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// workerモードで独立したメトリクスポートに公開する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
