package repository

import (
	"context"
	"time"

	"github.com/hitoshi/newsman/internal/model"
)

// NewsIndexSource は重複判定インデックスの構築に必要な読み取りインターフェース。
type NewsIndexSource interface {
	// ListExternalIDs は保存済みの全external_idを返す。
	ListExternalIDs(ctx context.Context) ([]string, error)

	// ListRecentTitles はpub_dateがsince以降の記事のタイトルと公開日時を返す。
	ListRecentTitles(ctx context.Context, since time.Time) ([]model.TitleStamp, error)
}

// NewsWriter はニュース記事の書き込みインターフェース。
type NewsWriter interface {
	// InsertBatch は複数の記事を1トランザクションで挿入し、実際に挿入された件数を返す。
	// external_idが既存の行はスキップされ、エラーにはならない。
	// エラー時は1件も保存されていない。
	InsertBatch(ctx context.Context, records []*model.NewsRecord) (int, error)

	// Insert は1件の記事を挿入する。
	// external_idが既存の場合は IsUniqueViolation が true を返すエラーになる。
	Insert(ctx context.Context, record *model.NewsRecord) error
}

// NewsReader はニュース一覧の読み取りインターフェース。
type NewsReader interface {
	// ListPage はpub_date降順、created_at降順でoffsetからlimit件の記事と総件数を返す。
	ListPage(ctx context.Context, offset, limit int) ([]model.NewsRecord, int64, error)
}

// NewsRepository はニュース記事の永続化インターフェース。
type NewsRepository interface {
	NewsIndexSource
	NewsWriter
	NewsReader
}
