// Package app はコマンドの解析と各起動モードの依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/newsman/internal/cache"
	"github.com/hitoshi/newsman/internal/config"
	"github.com/hitoshi/newsman/internal/database"
	"github.com/hitoshi/newsman/internal/events"
	"github.com/hitoshi/newsman/internal/handler"
	"github.com/hitoshi/newsman/internal/logger"
	"github.com/hitoshi/newsman/internal/metrics"
	"github.com/hitoshi/newsman/internal/middleware"
	"github.com/hitoshi/newsman/internal/news"
	"github.com/hitoshi/newsman/internal/repository"
	"github.com/hitoshi/newsman/internal/security"
	"github.com/hitoshi/newsman/internal/worker/cleanup"
	fetchpkg "github.com/hitoshi/newsman/internal/worker/fetch"
)

const (
	// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの猶予。
	shutdownTimeout = 30 * time.Second
	// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
	dbPingTimeout = 5 * time.Second
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Bool("kafka_enabled", cfg.KafkaEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandIngest:
		return runIngest(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// newMetricsRegistry はプロセス用のPrometheusレジストリとCollectorを生成する。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// ingestDeps は取り込みスケジューラの構築に必要な依存関係。
type ingestDeps struct {
	cfg         *config.Config
	db          *sql.DB
	repo        repository.NewsRepository
	collector   metrics.MetricsCollector
	invalidator fetchpkg.CacheInvalidator
	logger      *slog.Logger
}

// newScheduler は取り込みパイプラインを組み立て、プロセス間ロック付きのSchedulerを返す。
func newScheduler(d ingestDeps) (*fetchpkg.Scheduler, error) {
	registry, err := d.cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("failed to build source registry: %w", err)
	}

	fetcher := fetchpkg.NewFetcher(
		security.NewSSRFGuard(), d.collector, d.logger,
		d.cfg.FetchTimeout, d.cfg.FetchMaxSize,
	)

	pipeline := fetchpkg.NewPipeline(fetchpkg.PipelineDeps{
		Registry:      registry,
		Fetcher:       fetcher,
		Normalizer:    news.NewNormalizer(security.NewTextStripper(), news.DefaultImageChain(), d.logger),
		Filter:        news.NewRelevanceFilter(),
		IndexSource:   d.repo,
		Writer:        news.NewBatchWriter(d.repo, d.logger),
		Invalidator:   d.invalidator,
		Pruner:        cleanup.NewRetentionJob(d.db, d.logger, d.cfg.IngestRetention),
		Metrics:       d.collector,
		Logger:        d.logger,
		DedupWindow:   d.cfg.IngestDedupWindow,
		MaxConcurrent: d.cfg.FetchMaxConcurrent,
	})

	lock := repository.NewPostgresCycleLock(d.db, repository.DefaultCycleLockKey)
	return fetchpkg.NewScheduler(pipeline, lock, d.collector, d.logger), nil
}

// runServe はRead APIサーバーモードで起動する。
// INGEST_EMBEDDEDが有効な場合は同一プロセスでスケジューラも動かす。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. リポジトリ・キャッシュ・メトリクスの初期化
	repo := repository.NewPostgresNewsRepo(db)
	pageCache := cache.NewPageCache(cfg.CacheTTL)
	reg, collector := newMetricsRegistry()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 3. イベントバス（設定時のみ）
	invalidators := fetchpkg.Invalidators{pageCache}
	if cfg.KafkaEnabled() {
		publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		defer publisher.Close()
		invalidators = append(invalidators, publisher)

		subscriber, err := events.NewSubscriber(cfg.KafkaBrokers, cfg.KafkaTopic, pageCache, log)
		if err != nil {
			return fmt.Errorf("failed to start event subscriber: %w", err)
		}
		defer subscriber.Close()
		go subscriber.Run(ctx)
	}

	// 4. 組み込みスケジューラ
	if cfg.IngestEmbedded {
		scheduler, err := newScheduler(ingestDeps{
			cfg:         cfg,
			db:          db,
			repo:        repo,
			collector:   collector,
			invalidator: invalidators,
			logger:      log,
		})
		if err != nil {
			return err
		}
		go scheduler.Start(ctx, cfg.IngestInterval)
	}

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,
		NewsService:       news.NewListService(repo, pageCache, collector, cfg.PageSizeDefault, cfg.PageSizeMax),
		MetricsHandler:    metrics.Handler(reg),
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// runWorker はワーカーモードで起動する。
// Read APIは公開せず、スケジューラと/metricsのみを動かす。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, collector := newMetricsRegistry()

	// APIプロセスのキャッシュへはKafka経由で無効化を伝える。
	// 未設定の場合はTTLによる失効に任せる。
	var invalidator fetchpkg.CacheInvalidator
	if cfg.KafkaEnabled() {
		publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		defer publisher.Close()
		invalidator = publisher
	}

	scheduler, err := newScheduler(ingestDeps{
		cfg:         cfg,
		db:          db,
		repo:        repository.NewPostgresNewsRepo(db),
		collector:   collector,
		invalidator: invalidator,
		logger:      log,
	})
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	log.Info("worker starting",
		slog.Duration("ingest_interval", cfg.IngestInterval),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.IngestInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	log.Info("worker stopped gracefully")
	return nil
}

// runIngest は取り込みサイクルを1回だけ実行して終了する。
func runIngest(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var invalidator fetchpkg.CacheInvalidator
	if cfg.KafkaEnabled() {
		publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		defer publisher.Close()
		invalidator = publisher
	}

	scheduler, err := newScheduler(ingestDeps{
		cfg:         cfg,
		db:          db,
		repo:        repository.NewPostgresNewsRepo(db),
		collector:   metrics.NopCollector{},
		invalidator: invalidator,
		logger:      log,
	})
	if err != nil {
		return err
	}

	result, ran, err := scheduler.Trigger(ctx)
	if err != nil {
		return fmt.Errorf("ingest cycle failed: %w", err)
	}
	if !ran {
		log.Warn("ingest skipped: another cycle is running")
		return nil
	}

	log.Info("ingest completed",
		slog.Int("sources", len(result.Sources)),
		slog.Int("failed_sources", result.FailedSources()),
		slog.Int("inserted", result.Inserted()),
		slog.Int64("deleted", result.Deleted),
		slog.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	return nil
}

// serveUntilDone はHTTPサーバーを起動し、ctxがキャンセルされるとシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

func checkHealth(target string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
