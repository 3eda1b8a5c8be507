package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tallyhq/tally/pkg/metrics"
)

// cachedAnswer is an external verdict kept for identical prompts so a
// re-dropped batch of the same receipts does not spend tokens twice.
type cachedAnswer struct {
	category   string
	confidence float64
	reason     string
	storedAt   time.Time
}

// responseCache memoizes L2 verdicts keyed on H(model‖prompt). The LRU has
// no clock, so the TTL stamp is checked on read and stale hits evicted.
type responseCache struct {
	lru *lru.Cache
	ttl time.Duration
	now func() time.Time
}

func newResponseCache(size int, ttl time.Duration) (*responseCache, error) {
	if size <= 0 {
		size = 512
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &responseCache{lru: c, ttl: ttl, now: time.Now}, nil
}

func cacheKey(model, prompt string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *responseCache) get(key string) (cachedAnswer, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		ans := v.(cachedAnswer)
		if c.ttl <= 0 || c.now().Sub(ans.storedAt) <= c.ttl {
			metrics.CacheHitsTotal.Inc()
			return ans, true
		}
		c.lru.Remove(key)
	}
	metrics.CacheMissesTotal.Inc()
	return cachedAnswer{}, false
}

func (c *responseCache) put(key string, ans cachedAnswer) {
	ans.storedAt = c.now()
	c.lru.Add(key, ans)
}
