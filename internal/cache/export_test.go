package cache

import "time"

// SetClock はテストから時刻を差し替える。
func (c *PageCache) SetClock(now func() time.Time) {
	c.now = now
}
