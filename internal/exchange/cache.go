package exchange

import (
	"sync"
	"time"

	"github.com/ai-icarus/icarus/internal/metrics"
	"github.com/rs/zerolog/log"
)

const cacheSweepInterval = time.Minute

// cacheKey identifies one caller's token for one audience.
type cacheKey struct {
	subject  string
	audience string
}

// TokenCache holds scoped tokens per caller and audience for the lifetime of
// the underlying credential. A token stops being served safetyMargin before
// its real expiry so a downstream call never starts with a token about to die
// mid-flight.
type TokenCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]ScopedToken

	safetyMargin time.Duration

	stopSweep chan struct{}
	sweepOnce sync.Once

	now func() time.Time
}

// NewTokenCache creates a cache that serves tokens only while they have at
// least safetyMargin of life left, and starts a background sweeper for fully
// expired entries.
func NewTokenCache(safetyMargin time.Duration) *TokenCache {
	c := &TokenCache{
		entries:      make(map[cacheKey]ScopedToken),
		safetyMargin: safetyMargin,
		stopSweep:    make(chan struct{}),
		now:          time.Now,
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached token for the caller and audience. Tokens inside the
// safety margin are treated as misses.
func (c *TokenCache) Get(subject, audience string) (ScopedToken, bool) {
	c.mu.RLock()
	tok, ok := c.entries[cacheKey{subject: subject, audience: audience}]
	c.mu.RUnlock()

	if !ok || !tok.Valid(c.now(), c.safetyMargin) {
		metrics.RecordCacheMiss()
		return ScopedToken{}, false
	}
	metrics.RecordCacheHit()
	return tok, true
}

// Put stores a token under its own subject and audience. Last write wins.
func (c *TokenCache) Put(tok ScopedToken) {
	if tok.Subject == "" || tok.Audience == "" {
		return
	}
	c.mu.Lock()
	c.entries[cacheKey{subject: tok.Subject, audience: tok.Audience}] = tok
	c.mu.Unlock()
}

// Invalidate drops the cached token for one caller and audience.
func (c *TokenCache) Invalidate(subject, audience string) {
	c.mu.Lock()
	delete(c.entries, cacheKey{subject: subject, audience: audience})
	c.mu.Unlock()
}

// InvalidateCaller drops every cached token belonging to one caller, for use
// when the caller's session ends.
func (c *TokenCache) InvalidateCaller(subject string) {
	c.mu.Lock()
	for key := range c.entries {
		if key.subject == subject {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Len returns the number of cached tokens, expired or not.
func (c *TokenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background sweeper.
func (c *TokenCache) Close() {
	c.sweepOnce.Do(func() {
		close(c.stopSweep)
	})
}

func (c *TokenCache) sweepLoop() {
	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopSweep:
			return
		}
	}
}

// removeExpired drops entries whose real expiry has passed. Entries inside
// the safety margin stay until then; Get already refuses to serve them.
func (c *TokenCache) removeExpired() {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for key, tok := range c.entries {
		if now.After(tok.Expiry) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Swept expired scoped tokens")
	}
}
