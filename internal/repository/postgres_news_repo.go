package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/newsman/internal/model"
)

// insertChunkSize は1回のINSERT文に含める最大行数。
// 11カラム x 500行でPostgreSQLのパラメータ上限（65535）に収まる。
const insertChunkSize = 500

// newsColumns はINSERT時のカラム順。
const newsColumns = `id, title, link, description, image_url, source, pub_date,
	is_date_estimated, external_id, created_at, updated_at`

const newsColumnCount = 11

// uniqueViolationCode はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolationCode = "23505"

// PostgresNewsRepo はPostgreSQLを使用したニュース記事リポジトリ。
type PostgresNewsRepo struct {
	db *sql.DB
}

// NewPostgresNewsRepo はPostgresNewsRepoを生成する。
func NewPostgresNewsRepo(db *sql.DB) *PostgresNewsRepo {
	return &PostgresNewsRepo{db: db}
}

// InsertBatch は記事をチャンク単位の複数行INSERTで、1つのトランザクション内に挿入する。
// ON CONFLICT (external_id) DO NOTHING により既存行はスキップされる。
// いずれかのチャンクが失敗した場合は全体をロールバックし、0件とエラーを返す。
func (r *PostgresNewsRepo) InsertBatch(ctx context.Context, records []*model.NewsRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for start := 0; start < len(records); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(records) {
			end = len(records)
		}
		n, err := insertChunk(ctx, tx, records[start:end])
		if err != nil {
			return 0, err
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("一括挿入のコミットに失敗しました: %w", err)
	}
	return inserted, nil
}

func insertChunk(ctx context.Context, tx *sql.Tx, chunk []*model.NewsRecord) (int, error) {
	args := make([]interface{}, 0, len(chunk)*newsColumnCount)
	for _, rec := range chunk {
		args = append(args, recordArgs(rec)...)
	}

	rows, err := tx.QueryContext(ctx, buildInsertBatchQuery(len(chunk)), args...)
	if err != nil {
		return 0, fmt.Errorf("記事の一括挿入に失敗しました: %w", err)
	}
	defer rows.Close()

	inserted := 0
	for rows.Next() {
		inserted++
	}
	if err := rows.Err(); err != nil {
		return inserted, fmt.Errorf("一括挿入結果の走査に失敗しました: %w", err)
	}
	return inserted, nil
}

// Insert は1件の記事を挿入する。
func (r *PostgresNewsRepo) Insert(ctx context.Context, rec *model.NewsRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO news (`+newsColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		recordArgs(rec)...,
	)
	if err != nil {
		return fmt.Errorf("記事の挿入に失敗しました: %w", err)
	}
	return nil
}

// ListExternalIDs は保存済みの全external_idを返す。
func (r *PostgresNewsRepo) ListExternalIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT external_id FROM news`)
	if err != nil {
		return nil, fmt.Errorf("external_id一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("external_idのスキャンに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("external_id一覧の走査に失敗しました: %w", err)
	}
	return ids, nil
}

// ListRecentTitles はpub_dateがsince以降の記事のタイトルと公開日時を返す。
func (r *PostgresNewsRepo) ListRecentTitles(ctx context.Context, since time.Time) ([]model.TitleStamp, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT title, pub_date FROM news WHERE pub_date >= $1`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("直近タイトルの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var stamps []model.TitleStamp
	for rows.Next() {
		var s model.TitleStamp
		if err := rows.Scan(&s.Title, &s.PubDate); err != nil {
			return nil, fmt.Errorf("タイトルのスキャンに失敗しました: %w", err)
		}
		stamps = append(stamps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("直近タイトルの走査に失敗しました: %w", err)
	}
	return stamps, nil
}

// ListPage はpub_date降順で1ページ分の記事と総件数を返す。
func (r *PostgresNewsRepo) ListPage(ctx context.Context, offset, limit int) ([]model.NewsRecord, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM news`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("記事件数の取得に失敗しました: %w", err)
	}
	if total == 0 || int64(offset) >= total {
		return []model.NewsRecord{}, total, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+newsColumns+`
		 FROM news
		 ORDER BY pub_date DESC, created_at DESC
		 OFFSET $1 LIMIT $2`,
		offset, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	records := make([]model.NewsRecord, 0, limit)
	for rows.Next() {
		var rec model.NewsRecord
		if err := rows.Scan(
			&rec.ID, &rec.Title, &rec.Link, &rec.Description, &rec.ImageURL,
			&rec.Source, &rec.PubDate, &rec.IsDateEstimated, &rec.ExternalID,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("記事のスキャンに失敗しました: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}

	return records, total, nil
}

// IsUniqueViolation はエラーがPostgreSQLの一意制約違反かを判定する。
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolationCode
	}
	return false
}

// buildInsertBatchQuery はn行分のプレースホルダを持つINSERT文を組み立てる。
func buildInsertBatchQuery(n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO news (")
	b.WriteString(newsColumns)
	b.WriteString(") VALUES ")

	param := 1
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < newsColumnCount; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", param)
			param++
		}
		b.WriteByte(')')
	}

	b.WriteString(" ON CONFLICT (external_id) DO NOTHING RETURNING id")
	return b.String()
}

func recordArgs(rec *model.NewsRecord) []interface{} {
	return []interface{}{
		rec.ID, rec.Title, rec.Link, rec.Description, rec.ImageURL,
		rec.Source, rec.PubDate, rec.IsDateEstimated, rec.ExternalID,
		rec.CreatedAt, rec.UpdatedAt,
	}
}
