package gaps

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clashd27/internal/store"
	"clashd27/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, now *time.Time) (*Index, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), store.GapsFile)
	ix, err := Load(path)
	require.NoError(t, err)
	ix.Now = func() time.Time { return *now }
	return ix, path
}

func TestContentHash_Normalized(t *testing.T) {
	h1, in := ContentHash(
		[]string{"Variant calling ", "cohort"},
		[]string{"doi:10.1/B", "DOI:10.1/a", "doi:10.1/b"},
	)
	h2, _ := ContentHash(
		[]string{"cohort", "variant calling"},
		[]string{"doi:10.1/a", "doi:10.1/b"},
	)
	assert.Equal(t, h1, h2)
	assert.Equal(t, []string{"doi:10.1/a", "doi:10.1/b"}, in.References)

	// References and evidence are separate sections.
	h3, _ := ContentHash([]string{"doi:10.1/a"}, nil)
	h4, _ := ContentHash(nil, []string{"doi:10.1/a"})
	assert.NotEqual(t, h3, h4)
}

func TestPublish_DeduplicatesSameHash(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ix, path := newTestIndex(t, &now)

	first, err := ix.Publish(types.Discovery{ID: "d-1", Score: 80, References: []string{"PMID:1", "pmid:2"}, Evidence: []string{"x"}})
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)
	assert.Equal(t, StatusOpen, first.Gap.Status)
	assert.True(t, strings.HasPrefix(first.Gap.ID, "gap_"))
	assert.Len(t, first.Gap.ID, len("gap_")+8)

	second, err := ix.Publish(types.Discovery{ID: "d-2", Score: 90, References: []string{"pmid:2", "PMID:1 "}, Evidence: []string{"X"}})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Gap.ID, second.Gap.ID)

	open := ix.List(StatusOpen)
	require.Len(t, open, 1)
	assert.Equal(t, "d-1", open[0].DiscoveryID)
	assert.Equal(t, 80, open[0].Score, "dedup does not mutate the existing gap")

	require.NoError(t, ix.Save())
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.List(""), 1)
}

func TestSetStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ix, _ := newTestIndex(t, &now)
	res, err := ix.Publish(types.Discovery{ID: "d-1", References: []string{"r"}})
	require.NoError(t, err)
	id := res.Gap.ID

	_, err = ix.SetStatus(id, "archived")
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = ix.SetStatus(id, StatusOpen)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = ix.SetStatus("gap_missing", StatusPosted)
	assert.ErrorIs(t, err, ErrUnknownGap)

	for _, s := range []Status{StatusPosted, StatusResponded, StatusResolved} {
		g, err := ix.SetStatus(id, s)
		require.NoError(t, err)
		assert.Equal(t, s, g.Status)
	}
	_, err = ix.SetStatus(id, StatusPosted)
	assert.ErrorIs(t, err, ErrResolved)
}

func TestPublishedToday(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	ix, _ := newTestIndex(t, &now)
	_, _ = ix.Publish(types.Discovery{ID: "a", References: []string{"1"}})
	_, _ = ix.Publish(types.Discovery{ID: "b", References: []string{"2"}})
	now = now.Add(2 * time.Hour)
	_, _ = ix.Publish(types.Discovery{ID: "c", References: []string{"3"}})

	assert.Equal(t, 1, ix.PublishedToday(now))
	assert.Equal(t, 2, ix.PublishedToday(now.Add(-3*time.Hour)))
}
