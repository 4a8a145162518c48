// Package news はニュース記事の正規化、関連性判定、重複排除、保存、一覧取得を提供する。
package news

import (
	"log/slog"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/newsman/internal/model"
	"github.com/hitoshi/newsman/internal/security"
	"github.com/hitoshi/newsman/internal/source"
)

// MaxDescriptionRunes は保存する説明文の最大文字数。
const MaxDescriptionRunes = 2000

// MaxTitleRunes は保存するタイトルの最大文字数。
const MaxTitleRunes = 1000

// fallbackDateLayouts はgofeedが日付を解釈できなかった場合に試すRFC1123系の書式。
var fallbackDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 02 Jan 2006 15:04 -0700",
	"02 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// Normalizer はgofeedの記事をパイプライン内部の候補記事に変換する。
type Normalizer struct {
	stripper *security.TextStripper
	images   ImageChain
	logger   *slog.Logger
}

// NewNormalizer はNormalizerを生成する。
func NewNormalizer(stripper *security.TextStripper, images ImageChain, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		stripper: stripper,
		images:   images,
		logger:   logger,
	}
}

// Normalize は1件の記事を正規化する。
// タイトルが空、またはguidとlinkの両方が空の記事は false を返して除外する。
// 公開日時が解釈できない場合はnowを使い、DateEstimatedを立てる。
func (n *Normalizer) Normalize(src source.Source, item *gofeed.Item, now time.Time) (*model.CandidateItem, bool) {
	if item == nil {
		return nil, false
	}

	title := security.Truncate(strings.TrimSpace(item.Title), MaxTitleRunes)
	link := strings.TrimSpace(item.Link)
	externalID := strings.TrimSpace(item.GUID)
	if externalID == "" {
		externalID = link
	}

	if title == "" || externalID == "" {
		n.logger.Debug("識別できない記事を除外しました",
			slog.String("source", src.Name),
			slog.String("title", title),
			slog.String("link", link),
		)
		return nil, false
	}

	description := item.Description
	if strings.TrimSpace(description) == "" {
		description = item.Content
	}

	c := &model.CandidateItem{
		Title:        title,
		Link:         link,
		Description:  description,
		PlainText:    n.stripper.Strip(description),
		PublishedRaw: rawPublished(item),
		ExternalID:   externalID,
		SourceName:   src.Name,
		ImageURL:     n.images.Extract(item),
	}

	if pub, ok := publishedAt(item); ok {
		c.PublishedAt = pub
	} else {
		c.PublishedAt = now
		c.DateEstimated = true
		n.logger.Warn("公開日時を解釈できないため取り込み時刻で代替します",
			slog.String("source", src.Name),
			slog.String("external_id", externalID),
			slog.String("raw", c.PublishedRaw),
		)
	}

	return c, true
}

func rawPublished(item *gofeed.Item) string {
	if raw := strings.TrimSpace(item.Published); raw != "" {
		return raw
	}
	return strings.TrimSpace(item.Updated)
}

// publishedAt はgofeedが解釈した公開日時、更新日時、生文字列の順に日時を求める。
func publishedAt(item *gofeed.Item) (time.Time, bool) {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC(), true
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC(), true
	}
	return ParseDate(rawPublished(item))
}

// ParseDate はRFC1123系の書式で日時文字列を解釈する。
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range fallbackDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
