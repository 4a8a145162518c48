package news

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsman/internal/model"
	"github.com/hitoshi/newsman/internal/repository"
	"github.com/hitoshi/newsman/internal/security"
	"github.com/hitoshi/newsman/internal/source"
)

// WriteResult は1ソース分の保存結果。
type WriteResult struct {
	Inserted int // 新規に保存された件数
	Existing int // external_idが既存だったためスキップされた件数
	Failed   int // 保存に失敗して破棄された件数
}

// BatchWriter は候補記事をソース単位でまとめて保存する。
type BatchWriter struct {
	repo   repository.NewsWriter
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewBatchWriter はBatchWriterを生成する。
func NewBatchWriter(repo repository.NewsWriter, logger *slog.Logger) *BatchWriter {
	return &BatchWriter{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Write は候補記事を1回の一括INSERTで保存する。
// 一括INSERTは失敗時に全体がロールバックされるため、1件ずつ保存し直して失敗した行だけを破棄する。
func (w *BatchWriter) Write(ctx context.Context, src source.Source, candidates []*model.CandidateItem) WriteResult {
	if len(candidates) == 0 {
		return WriteResult{}
	}

	now := w.now().UTC()
	records := make([]*model.NewsRecord, 0, len(candidates))
	for _, c := range candidates {
		records = append(records, w.toRecord(c, now))
	}

	inserted, err := w.repo.InsertBatch(ctx, records)
	if err == nil {
		return WriteResult{Inserted: inserted, Existing: len(records) - inserted}
	}

	w.logger.Warn("一括保存に失敗したため1件ずつ保存します",
		slog.String("source", src.Name),
		slog.Int("records", len(records)),
		slog.String("error", err.Error()),
	)
	return w.writeEach(ctx, src, records)
}

func (w *BatchWriter) writeEach(ctx context.Context, src source.Source, records []*model.NewsRecord) WriteResult {
	var res WriteResult
	for _, rec := range records {
		err := w.repo.Insert(ctx, rec)
		switch {
		case err == nil:
			res.Inserted++
		case repository.IsUniqueViolation(err):
			res.Existing++
		default:
			res.Failed++
			w.logger.Error("記事の保存に失敗しました",
				slog.String("source", src.Name),
				slog.String("external_id", rec.ExternalID),
				slog.String("error", err.Error()),
			)
		}
	}
	return res
}

func (w *BatchWriter) toRecord(c *model.CandidateItem, now time.Time) *model.NewsRecord {
	return &model.NewsRecord{
		ID:              w.newID(),
		Title:           c.Title,
		Link:            c.Link,
		Description:     security.Truncate(c.PlainText, MaxDescriptionRunes),
		ImageURL:        c.ImageURL,
		Source:          c.SourceName,
		PubDate:         c.PublishedAt,
		IsDateEstimated: c.DateEstimated,
		ExternalID:      c.ExternalID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
