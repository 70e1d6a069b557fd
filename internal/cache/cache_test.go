package cache

import (
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"clashd27/internal/pairing"
	"clashd27/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, now *time.Time) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), store.CacheFile)
	c, err := Load(path, 24*time.Hour, 0.15)
	require.NoError(t, err)
	c.Now = func() time.Time { return *now }
	c.SetRand(rand.New(rand.NewSource(1)))
	return c, path
}

func TestKey_Normalized(t *testing.T) {
	assert.Equal(t, "2x19|golden|v2", Key(19, 2, "golden", "v2"))
	assert.Equal(t, Key(2, 19, "golden", "v2"), Key(19, 2, "golden", "v2"))
	assert.NotEqual(t, Key(2, 19, "golden", "v2"), Key(2, 19, "golden", "v3"))
}

func TestPut_TTLWithinBracketBand(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c, _ := newTestCache(t, &now)

	for i, score := range []float64{0.1, 0.3, 0.45, 0.5, 0.69, 0.7, 0.95} {
		for n := 0; n < 20; n++ {
			key := Key(i, 20+n, "golden", "v2")
			e := c.Put(key, pairing.Score{Value: score, RubricID: "golden", ScoringVersion: "v2"})
			lo, hi := TTLBand(score, 24*time.Hour, 0.15)
			ttl := e.ExpiresAt.Sub(e.CreatedAt)
			assert.GreaterOrEqual(t, ttl, lo, "score %.2f", score)
			assert.LessOrEqual(t, ttl, hi, "score %.2f", score)
		}
	}

	lo, hi := TTLBand(0.72, 24*time.Hour, 0.15)
	assert.Equal(t, time.Duration(float64(72*time.Hour)*0.85), lo)
	assert.Equal(t, time.Duration(float64(72*time.Hour)*1.15), hi)
}

func TestPut_NeverRecomputedBeforeExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c, _ := newTestCache(t, &now)
	key := Key(0, 20, "golden", "v2")

	first := c.Put(key, pairing.Score{Value: 0.72})
	now = now.Add(time.Hour)
	second := c.Put(key, pairing.Score{Value: 0.10})
	assert.Equal(t, first, second)

	hit, ok := c.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, 0.72, hit.Score)

	now = first.ExpiresAt
	_, ok = c.Lookup(key)
	assert.False(t, ok, "entry expires at expires_at")

	third := c.Put(key, pairing.Score{Value: 0.10})
	assert.Equal(t, 0.10, third.Score)
	assert.Equal(t, now, third.CreatedAt)
}

func TestSave_PrunesAndPersists(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c, path := newTestCache(t, &now)

	c.Put(Key(0, 9, "golden", "v2"), pairing.Score{Value: 0.1})  // ~12h
	c.Put(Key(0, 20, "golden", "v2"), pairing.Score{Value: 0.9}) // ~72h
	now = now.Add(20 * time.Hour)

	require.NoError(t, c.Save())

	reloaded, err := Load(path, 24*time.Hour, 0.15)
	require.NoError(t, err)
	reloaded.Now = c.Now
	assert.Equal(t, 1, reloaded.Len())
	_, ok := reloaded.Lookup(Key(0, 20, "golden", "v2"))
	assert.True(t, ok)
}

func TestForget(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c, _ := newTestCache(t, &now)
	key := Key(1, 2, "golden", "v2")
	c.Put(key, pairing.Score{Value: 0.5})
	c.Forget(key)
	_, ok := c.Lookup(key)
	assert.False(t, ok)
}

func TestEntries_SortedByKey(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c, _ := newTestCache(t, &now)
	c.Put(Key(5, 14, "golden", "v2"), pairing.Score{Value: 0.4})
	c.Put(Key(0, 20, "golden", "v2"), pairing.Score{Value: 0.8})

	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, Key(0, 20, "golden", "v2"), entries[0].Key)
	assert.Equal(t, Key(5, 14, "golden", "v2"), entries[1].Key)
}
