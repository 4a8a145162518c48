// Package cleanup は保持期間を超過したニュース記事の削除ジョブを提供する。
// 取り込みサイクルの最後に毎回実行され、独自のスケジュールは持たない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DefaultRetention は記事の既定の保持期間（10日）。
const DefaultRetention = 10 * 24 * time.Hour

// RetentionJob は公開日時が保持期間より古い記事を削除する。
type RetentionJob struct {
	db        Executor
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time
}

// NewRetentionJob は新しいRetentionJobを生成する。
// retentionが0以下の場合はDefaultRetentionを使用する。
func NewRetentionJob(db Executor, logger *slog.Logger, retention time.Duration) *RetentionJob {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RetentionJob{
		db:        db,
		logger:    logger,
		retention: retention,
		now:       time.Now,
	}
}

// Cutoff は現在時刻に対する削除境界を返す。これより前に公開された記事が削除される。
func (j *RetentionJob) Cutoff() time.Time {
	return j.now().UTC().Add(-j.retention)
}

// Run は保持期間を超過した記事を削除し、削除件数を返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *RetentionJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := j.Cutoff()

	result, err := j.db.ExecContext(ctx, `DELETE FROM news WHERE pub_date < $1`, cutoff)
	if err != nil {
		j.logger.Error("保持期間超過記事の削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Time("cutoff", cutoff),
		)
		return 0, fmt.Errorf("記事クリーンアップの実行に失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("保持期間超過記事の削除が完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Time("cutoff", cutoff),
		slog.Float64("retention_hours", j.retention.Hours()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return deleted, nil
}
