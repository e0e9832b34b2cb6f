package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cached memoizes OK results of another classifier in memory so identical
// leads within a process (a run followed by a retry sweep, duplicate
// records across cities) are scored once. Non-OK results are never cached.
type Cached struct {
	next  Classifier
	cache *gocache.Cache
	ttl   time.Duration
}

// NewCached wraps next. cleanup <= 0 disables the background janitor.
func NewCached(next Classifier, ttl, cleanup time.Duration) *Cached {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cached{next: next, cache: gocache.New(ttl, cleanup), ttl: ttl}
}

// Classify implements Classifier.
func (c *Cached) Classify(ctx context.Context, req Request) Result {
	key := cacheKey(req)
	if v, ok := c.cache.Get(key); ok {
		s := v.(ScoreResult)
		s.Flags = append([]string(nil), s.Flags...)
		return Ok(s)
	}

	res := c.next.Classify(ctx, req)
	if res.OK() {
		c.cache.Set(key, *res.Score, c.ttl)
	}
	return res
}

// Len reports the number of cached results.
func (c *Cached) Len() int { return c.cache.ItemCount() }

func cacheKey(req Request) string {
	data, _ := json.Marshal(req)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
