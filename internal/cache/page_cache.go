// Package cache はニュース一覧ページのプロセス内読み取りキャッシュを提供する。
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/newsman/internal/model"
)

type pageKey struct {
	page int
	size int
}

type entry struct {
	page      *model.NewsPage
	expiresAt time.Time
}

// PageCache は(page, size)をキーに一覧ページをttlの間保持する。
// 取り込みサイクル終了時に全件破棄される。
type PageCache struct {
	mu         sync.RWMutex
	entries    map[pageKey]entry
	generation uint64
	ttl        time.Duration
	now        func() time.Time
}

// NewPageCache はPageCacheを生成する。ttlが0以下の場合は5分。
func NewPageCache(ttl time.Duration) *PageCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PageCache{
		entries: make(map[pageKey]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get は期限内のページがあれば返す。
func (c *PageCache) Get(page, size int) (*model.NewsPage, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[pageKey{page, size}]
	c.mu.RUnlock()

	if !ok || !now.Before(e.expiresAt) {
		return nil, false
	}
	return e.page, true
}

// Set はページを無条件に保存する。期限切れのエントリはこのとき削除される。
func (c *PageCache) Set(page, size int, p *model.NewsPage) {
	if p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(page, size, p)
}

// Generation は現在の世代を返す。EvictAllのたびに1つ進む。
func (c *PageCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// SetIfCurrent は世代がgenのままである場合だけページを保存する。
// ストレージ読み取り中に破棄が走った場合、古いページは保存されず false を返す。
func (c *PageCache) SetIfCurrent(gen uint64, page, size int, p *model.NewsPage) bool {
	if p == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.store(page, size, p)
	return true
}

// EvictAll は全ページを破棄して世代を進め、破棄した件数を返す。
func (c *PageCache) EvictAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[pageKey]entry)
	c.generation++
	return n
}

// Invalidate はEvictAllのcontext付き版。取り込みサイクルから直接呼ばれる。
func (c *PageCache) Invalidate(_ context.Context) error {
	c.EvictAll()
	return nil
}

// Len は保持件数を返す。未削除の期限切れエントリも含む。
func (c *PageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *PageCache) store(page, size int, p *model.NewsPage) {
	now := c.now()
	c.compact(now)
	c.entries[pageKey{page, size}] = entry{page: p, expiresAt: now.Add(c.ttl)}
}

func (c *PageCache) compact(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
