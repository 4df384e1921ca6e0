package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/storage"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
)

// dedupKey is empty for notices without a channel; those are never deduped.
func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d|%s", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Text)
	return fmt.Sprintf("%016x", h.Sum64())
}

// dedupCache maps key to suppress-until.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache() *dedupCache { return &dedupCache{until: map[string]time.Time{}} }

// claim reports whether key may be sent now and, if so, suppresses it until
// now+window. persisted is consulted when the key is not cached.
func (c *dedupCache) claim(ctx context.Context, key string, now time.Time, window time.Duration, maxEntries int, persisted storage.DedupStore) (time.Time, bool) {
	c.mu.Lock()
	if u, ok := c.until[key]; ok && now.Before(u) {
		c.mu.Unlock()
		return u, false
	}
	c.mu.Unlock()

	if persisted != nil {
		lctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		u, ok, err := persisted.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(u) {
			c.mu.Lock()
			c.until[key] = u
			c.mu.Unlock()
			return u, false
		}
	}

	u := now.Add(window)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[key] = u
	c.pruneLocked(now, maxEntries)
	return u, true
}

func (c *dedupCache) pruneLocked(now time.Time, maxEntries int) {
	for k, u := range c.until {
		if !now.Before(u) {
			delete(c.until, k)
		}
	}
	for maxEntries > 0 && len(c.until) > maxEntries {
		var (
			oldest  string
			oldestT time.Time
		)
		for k, u := range c.until {
			if oldest == "" || u.Before(oldestT) {
				oldest, oldestT = k, u
			}
		}
		delete(c.until, oldest)
	}
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.until)
}
