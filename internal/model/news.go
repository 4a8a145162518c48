// Package model はドメインモデルを定義する。
package model

import "time"

// NewsRecord は永続化されたニュース記事を表す。
// external_id単位で1回だけ作成され、保持期間を過ぎると削除される。更新はされない。
type NewsRecord struct {
	ID              string
	Title           string
	Link            string
	Description     string // タグ除去済みのプレーンテキスト
	ImageURL        string // 画像が見つからない場合は空文字列
	Source          string
	PubDate         time.Time
	IsDateEstimated bool
	ExternalID      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CandidateItem はフィードから正規化された未保存の記事を表す。
// パイプライン内部でのみ使用され、直接保存されることはない。
type CandidateItem struct {
	Title         string
	Link          string
	Description   string // 未加工（HTMLを含みうる）
	PlainText     string // タグ除去済み、切り詰め前
	PublishedRaw  string
	PublishedAt   time.Time
	DateEstimated bool
	ExternalID    string
	SourceName    string
	ImageURL      string
}

// TitleStamp は重複判定用のタイトルと公開日時の組。
type TitleStamp struct {
	Title   string
	PubDate time.Time
}

// NewsPage はpublish日時降順のニュース一覧の1ページを表す。
type NewsPage struct {
	Content       []NewsRecord
	PageNumber    int
	PageSize      int
	TotalElements int64
}

// TotalPages は総ページ数を返す。
func (p *NewsPage) TotalPages() int {
	if p.PageSize <= 0 {
		return 0
	}
	return int((p.TotalElements + int64(p.PageSize) - 1) / int64(p.PageSize))
}

// IsFirst は先頭ページかどうかを返す。
func (p *NewsPage) IsFirst() bool {
	return p.PageNumber == 0
}

// IsLast は最終ページかどうかを返す。
// 記事が0件の場合も最終ページとして扱う。
func (p *NewsPage) IsLast() bool {
	return p.PageNumber+1 >= p.TotalPages()
}
