// Package cache stores collision scores keyed by (cell pair, rubric,
// scoring version) so pairs already explored are not re-queried until their
// entry expires. TTLs grow with score and carry random jitter so entries
// written together do not expire together.
package cache

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"clashd27/internal/logging"
	"clashd27/internal/pairing"
	"clashd27/internal/store"
)

// Entry is one cached collision score.
type Entry struct {
	Key            string    `json:"key"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Score          float64   `json:"score"`
	RubricID       string    `json:"rubric_id"`
	ScoringVersion string    `json:"scoring_version"`
}

// Expired reports whether the entry is no longer valid at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Key builds the cache key "<lo>x<hi>|<rubric>|<version>".
func Key(cellA, cellB int, rubricID, version string) string {
	return fmt.Sprintf("%s|%s|%s", pairing.PairKey(cellA, cellB), rubricID, version)
}

// Bracket maps a score to its TTL multiplier.
func Bracket(score float64) float64 {
	switch {
	case score >= 0.7:
		return 3
	case score >= 0.5:
		return 2
	case score >= 0.3:
		return 1
	default:
		return 0.5
	}
}

// TTLBand returns the inclusive TTL range an entry for score may receive.
func TTLBand(score float64, base time.Duration, jitter float64) (lo, hi time.Duration) {
	mid := float64(base) * Bracket(score)
	return time.Duration(mid * (1 - jitter)), time.Duration(mid * (1 + jitter))
}

// Cache is the collision cache document plus its TTL policy.
type Cache struct {
	mu      sync.Mutex
	path    string
	baseTTL time.Duration
	jitter  float64
	entries map[string]Entry
	rng     *rand.Rand

	Now func() time.Time
}

type document struct {
	Entries map[string]Entry `json:"entries"`
}

// Load reads collision_cache.json.
func Load(path string, baseTTL time.Duration, jitter float64) (*Cache, error) {
	c := &Cache{
		path:    path,
		baseTTL: baseTTL,
		jitter:  jitter,
		entries: make(map[string]Entry),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		Now:     time.Now,
	}
	var doc document
	if _, err := store.ReadJSON(path, &doc); err != nil {
		return nil, fmt.Errorf("load collision cache: %w", err)
	}
	for k, e := range doc.Entries {
		c.entries[k] = e
	}
	return c, nil
}

// SetRand replaces the jitter source.
func (c *Cache) SetRand(r *rand.Rand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rng = r
}

// Lookup returns an unexpired entry for key.
func (c *Cache) Lookup(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.Expired(c.Now()) {
		return Entry{}, false
	}
	logging.CacheDebug("hit %s (score %.3f, expires %s)", key, e.Score, e.ExpiresAt.Format(time.RFC3339))
	return e, true
}

// Put writes an entry for key unless an unexpired one already exists, in
// which case the existing entry is returned untouched.
func (c *Cache) Put(key string, s pairing.Score) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()
	if e, ok := c.entries[key]; ok && !e.Expired(now) {
		return e
	}
	factor := 1 + c.jitter*(2*c.rng.Float64()-1)
	ttl := time.Duration(float64(c.baseTTL) * Bracket(s.Value) * factor)
	e := Entry{
		Key:            key,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		Score:          s.Value,
		RubricID:       s.RubricID,
		ScoringVersion: s.ScoringVersion,
	}
	c.entries[key] = e
	logging.CacheDebug("miss %s: cached score %.3f for %s", key, s.Value, ttl.Round(time.Minute))
	return e
}

// Forget removes key. Used when a freshly cached pair never reached a paid
// call, so the next tick may try it again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *Cache) pruneLocked() int {
	now := c.Now()
	n := 0
	for k, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entries returns the stored entries sorted by key.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Save prunes expired entries and writes the document atomically.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.pruneLocked(); n > 0 {
		logging.CacheDebug("pruned %d expired entries", n)
	}
	return store.WriteJSONAtomic(c.path, document{Entries: c.entries})
}
