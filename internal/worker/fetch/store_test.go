package fetch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/newsman/internal/model"
	"github.com/hitoshi/newsman/internal/source"
)

// memoryStore はrepository.NewsRepositoryのインメモリ実装。
// external_idの一意制約をPostgreSQLと同じ振る舞いで再現する。
type memoryStore struct {
	mu         sync.Mutex
	records    []*model.NewsRecord
	listIDsErr error
}

func (s *memoryStore) exists(externalID string) bool {
	for _, r := range s.records {
		if r.ExternalID == externalID {
			return true
		}
	}
	return false
}

func (s *memoryStore) InsertBatch(_ context.Context, records []*model.NewsRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, r := range records {
		if s.exists(r.ExternalID) {
			continue
		}
		cp := *r
		s.records = append(s.records, &cp)
		inserted++
	}
	return inserted, nil
}

func (s *memoryStore) Insert(_ context.Context, r *model.NewsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exists(r.ExternalID) {
		return &pq.Error{Code: "23505"}
	}
	cp := *r
	s.records = append(s.records, &cp)
	return nil
}

func (s *memoryStore) ListExternalIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listIDsErr != nil {
		return nil, s.listIDsErr
	}
	ids := make([]string, 0, len(s.records))
	for _, r := range s.records {
		ids = append(ids, r.ExternalID)
	}
	return ids, nil
}

func (s *memoryStore) ListRecentTitles(_ context.Context, since time.Time) ([]model.TitleStamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stamps []model.TitleStamp
	for _, r := range s.records {
		if !r.PubDate.Before(since) {
			stamps = append(stamps, model.TitleStamp{Title: r.Title, PubDate: r.PubDate})
		}
	}
	return stamps, nil
}

func (s *memoryStore) ListPage(_ context.Context, offset, limit int) ([]model.NewsRecord, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]model.NewsRecord, 0, len(s.records))
	for _, r := range s.records {
		sorted = append(sorted, *r)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].PubDate.Equal(sorted[j].PubDate) {
			return sorted[i].PubDate.After(sorted[j].PubDate)
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	total := int64(len(sorted))
	if offset >= len(sorted) {
		return []model.NewsRecord{}, total, nil
	}
	end := min(offset+limit, len(sorted))
	return sorted[offset:end], total, nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memoryStore) find(externalID string) *model.NewsRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ExternalID == externalID {
			return r
		}
	}
	return nil
}

// memoryPruner はmemoryStoreに対する保持期間削除。
type memoryPruner struct {
	store     *memoryStore
	retention time.Duration
	now       func() time.Time
	err       error
	calls     int
}

func (p *memoryPruner) Run(_ context.Context) (int64, error) {
	p.calls++
	if p.err != nil {
		return 0, p.err
	}
	cutoff := p.now().Add(-p.retention)

	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	kept := p.store.records[:0]
	var deleted int64
	for _, r := range p.store.records {
		if r.PubDate.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	p.store.records = kept
	return deleted, nil
}

// countingInvalidator は呼び出し回数を数えるCacheInvalidator。
type countingInvalidator struct {
	mu    sync.Mutex
	calls int
	err   error
	order *[]string
}

func (c *countingInvalidator) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.order != nil {
		*c.order = append(*c.order, "invalidate")
	}
	return c.err
}

// mockFetcher はURLごとに用意したRSS文字列をパースして返す。
type mockFetcher struct {
	mu      sync.Mutex
	feeds   map[string]string
	errs    map[string]error
	panics  map[string]bool
	fetched []string
}

func (m *mockFetcher) Fetch(_ context.Context, src source.Source) ([]*gofeed.Item, error) {
	m.mu.Lock()
	m.fetched = append(m.fetched, src.URL)
	body, hasFeed := m.feeds[src.URL]
	err := m.errs[src.URL]
	panics := m.panics[src.URL]
	m.mu.Unlock()

	if panics {
		panic("unexpected nil item")
	}
	if err != nil {
		return nil, err
	}
	if !hasFeed {
		return nil, nil
	}
	parsed, perr := gofeed.NewParser().ParseString(body)
	if perr != nil {
		return nil, &FetchError{Source: src.Name, URL: src.URL, Kind: KindParse, Err: perr}
	}
	return parsed.Items, nil
}

func (m *mockFetcher) setFeed(url, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.feeds == nil {
		m.feeds = make(map[string]string)
	}
	m.feeds[url] = body
}

type testItem struct {
	guid  string
	title string
	pub   string
	desc  string
}

// rssFeed はテスト用のRSS 2.0文書を組み立てる。
func rssFeed(items ...testItem) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>test</title>`)
	for _, it := range items {
		fmt.Fprintf(&b, "<item><title>%s</title><link>https://example.com/%s</link><guid>%s</guid>", it.title, it.guid, it.guid)
		if it.pub != "" {
			fmt.Fprintf(&b, "<pubDate>%s</pubDate>", it.pub)
		}
		fmt.Fprintf(&b, "<description><![CDATA[%s]]></description></item>", it.desc)
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

func pubAt(t time.Time) string {
	return t.Format(time.RFC1123Z)
}

func mustRegistry(t *testing.T, urls ...string) *source.Registry {
	t.Helper()
	srcs := make([]source.Source, 0, len(urls))
	for _, u := range urls {
		srcs = append(srcs, source.New(u))
	}
	reg, err := source.NewRegistry(srcs)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	return reg
}
