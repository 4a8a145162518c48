// Package fetch はニュースフィードの取り込みサイクルを提供する。
// フェッチャー、パイプライン、固定間隔のスケジューラを含む。
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hitoshi/newsman/internal/metrics"
)

// CycleRunner は取り込みサイクルを1回実行するインターフェース。
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleResult, error)
}

// CycleLock はプロセスをまたいだサイクルの排他制御。
// 取得できた場合は解放関数とtrueを返す。
type CycleLock interface {
	TryLock(ctx context.Context) (func(), bool, error)
}

// Scheduler は固定間隔で取り込みサイクルを起動する。
// 前回のサイクルが実行中のトリガーは待たずにスキップする。
type Scheduler struct {
	runner  CycleRunner
	lock    CycleLock
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	running sync.Mutex
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// lockがnilの場合はプロセス内の排他のみ行う。
func NewScheduler(runner CycleRunner, lock CycleLock, collector metrics.MetricsCollector, logger *slog.Logger) *Scheduler {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Scheduler{
		runner:  runner,
		lock:    lock,
		metrics: collector,
		logger:  logger,
	}
}

// Start は起動直後に1回、その後intervalごとにサイクルを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("取り込みスケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("取り込みスケジューラを停止しました")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, _, err := s.Trigger(ctx); err != nil {
		s.logger.Error("取り込みサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Trigger はサイクルを1回実行する。
// 別のサイクルが実行中の場合は実行せずにran=falseを返す。
func (s *Scheduler) Trigger(ctx context.Context) (result *CycleResult, ran bool, err error) {
	if !s.running.TryLock() {
		s.skip("前回の取り込みサイクルが実行中のためスキップします")
		return nil, false, nil
	}
	defer s.running.Unlock()

	if s.lock != nil {
		release, ok, err := s.lock.TryLock(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("サイクルロックの取得に失敗: %w", err)
		}
		if !ok {
			s.skip("別プロセスで取り込みサイクルが実行中のためスキップします")
			return nil, false, nil
		}
		defer release()
	}

	result, err = s.run(ctx)
	return result, true, err
}

func (s *Scheduler) skip(msg string) {
	s.metrics.RecordCycleSkipped()
	s.logger.Warn(msg)
}

// run はpanicを回収してエラーに変換する。次のトリガーは通常どおり実行される。
func (s *Scheduler) run(ctx context.Context) (result *CycleResult, err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordCycle("panic", time.Since(start))
			s.logger.Error("取り込みサイクル中にpanicが発生しました",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result, err = nil, fmt.Errorf("取り込みサイクルがpanicしました: %v", r)
		}
	}()

	result, err = s.runner.RunCycle(ctx)
	if err != nil {
		s.metrics.RecordCycle("failure", time.Since(start))
		return nil, err
	}
	s.metrics.RecordCycle("success", time.Since(start))
	return result, nil
}
