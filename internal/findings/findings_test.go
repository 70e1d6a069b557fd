package findings

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clashd27/internal/store"
	"clashd27/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchive struct {
	rows []store.ArchivedFinding
}

func (f *fakeArchive) ArchiveFindings(rows []store.ArchivedFinding, _ time.Time) error {
	f.rows = append(f.rows, rows...)
	return nil
}

func sampleLog() []Finding {
	hv := types.Discovery{ID: "d-1", Corridor: "0x20", Verdict: types.VerdictHighValue, Score: 82, SpeculativeLeaps: 1}
	deep := hv
	deep.Score = 78
	verified := hv
	verified.Score = 61
	verified.Verdict = types.VerdictConfirmedDirection

	recs := []Finding{
		Note(TagCell, 0, "", "2 agents on cell 0"),
		Note(TagShuffle, 0, "0x20", "1 candidate"),
		Note(TagBond, 0, "0x20", "bond", "a", "b"),
		Attempt(0, OutcomeDiscovery, "", "0x20", "d-1", "a", "b"),
		DiscoveryRecord(0, types.StageDiscover, hv),
		Attempt(1, OutcomeSkipped, ReasonCached, "0x20", ""),
		Attempt(2, OutcomeNoGap, "", "1x9", ""),
		Attempt(3, OutcomeSkipped, ReasonBelowThreshold, "2x3", ""),
		DiscoveryRecord(1, types.StageDeepDive, deep),
		DiscoveryRecord(2, types.StageVerify, verified),
	}
	for i := range recs {
		recs[i].Seq = int64(i)
		recs[i].At = time.Date(2026, 3, 1, 0, 0, i, 0, time.UTC)
	}
	return recs
}

func TestAttempt_SkippedHasNullDiscoveryID(t *testing.T) {
	f := Attempt(3, OutcomeSkipped, ReasonBelowThreshold, "2x3", "")
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"discovery_id":null`)
}

func TestRecompute_LatestVerdictWins(t *testing.T) {
	got := Recompute(sampleLog())
	want := Aggregates{
		TotalAttempts:           4,
		TotalSkipped:            2,
		SkippedCached:           1,
		SkippedBelowThreshold:   1,
		TotalNoGap:              1,
		TotalDiscoveries:        1,
		TotalConfirmedDirection: 1,
		TotalDeepDived:          1,
		TotalVerified:           1,
		CellNotes:               1,
		BondNotes:               1,
		ShuffleNotes:            1,
		ScoreSum:                61,
		DiscoveryRate:           50,
		NoGapRate:               50,
		AvgScore:                61,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Recompute mismatch (-want +got):\n%s", diff)
	}
}

func TestRecompute_Idempotent(t *testing.T) {
	recs := sampleLog()
	first, err := json.Marshal(Recompute(recs))
	require.NoError(t, err)
	second, err := json.Marshal(Recompute(recs))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second))
}

func TestRecompute_RatesClamped(t *testing.T) {
	got := Recompute(nil)
	for name, v := range got.Rates() {
		assert.Zero(t, v, name)
	}
}

func TestLog_CapEvictsOldestAndArchives(t *testing.T) {
	path := filepath.Join(t.TempDir(), store.FindingsFile)
	arch := &fakeArchive{}
	l, err := OpenLog(path, 3, arch)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		l.Append(Attempt(int64(i), OutcomeNoGap, "", "0x9", ""))
	}
	recs := l.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, int64(2), recs[0].Seq)
	assert.Equal(t, int64(4), recs[2].Seq)

	require.Len(t, arch.rows, 2)
	assert.Equal(t, int64(0), arch.rows[0].Seq)
	assert.Equal(t, "attempt", arch.rows[1].Kind)

	require.NoError(t, l.Save())
	reopened, err := OpenLog(path, 3, arch)
	require.NoError(t, err)
	next := reopened.Append(Note(TagCell, 9, "", "x"))
	assert.Equal(t, int64(5), next.Seq, "sequence survives restart")
}

func TestCheck_Healthy(t *testing.T) {
	recs := sampleLog()
	m := NewMetrics(recs, time.Now(), "2026-03-01")
	assert.Empty(t, Check(recs, &m))
	assert.Empty(t, Check(recs, nil))
}

func TestCheck_StaleMetricsAreNotDrift(t *testing.T) {
	recs := sampleLog()
	m := NewMetrics(recs, time.Now(), "2026-03-01")
	assert.Equal(t, int64(0), m.FirstSeq)
	assert.Equal(t, int64(len(recs)-1), m.LastSeq)

	for i, f := range []Finding{
		Note(TagCell, 4, "", "1 agent on cell 4"),
		Note(TagShuffle, 4, "4x13", "1 candidate"),
		Attempt(4, OutcomeNoGap, "", "4x13", ""),
	} {
		f.Seq = int64(len(sampleLog()) + i)
		recs = append(recs, f)
	}
	assert.Empty(t, Check(recs, &m))

	m.CellNotes++
	violations := Check(recs, &m)
	require.Len(t, violations, 1)
	assert.Equal(t, RuleMetricsDrift, violations[0].Rule)
}

func TestCheck_EvictedWindowSkipsDrift(t *testing.T) {
	recs := sampleLog()
	m := NewMetrics(recs, time.Now(), "2026-03-01")
	m.ShuffleNotes = 99 // would be drift if the window were still retained
	assert.Empty(t, Check(recs[3:], &m))
}

func TestCheck_EmptyLogMetrics(t *testing.T) {
	m := NewMetrics(nil, time.Now(), "2026-03-01")
	assert.Equal(t, int64(-1), m.LastSeq)
	assert.Empty(t, Check(nil, &m))
}

func TestCheck_Violations(t *testing.T) {
	recs := sampleLog()
	m := NewMetrics(recs, time.Now(), "2026-03-01")
	m.TotalHighValue = 5
	m.DiscoveryRate = 140

	bad := DiscoveryRecord(5, types.StageDiscover, types.Discovery{ID: "d-2", Verdict: types.VerdictHighValue, Score: 90, SpeculativeLeaps: 2})
	bad.Seq = int64(len(recs))
	recs = append(recs, bad)

	violations := Check(recs, &m)
	rules := map[string]bool{}
	for _, v := range violations {
		rules[v.Rule] = true
	}
	assert.True(t, rules[RuleMetricsDrift])
	assert.True(t, rules[RuleRateBounds])
	assert.True(t, rules[RuleSpeculativeLeaps])

	var drift string
	for _, v := range violations {
		if v.Rule == RuleMetricsDrift {
			drift = v.Detail
		}
	}
	assert.True(t, strings.Contains(drift, "TotalHighValue"))
}

func TestCheck_AttemptsCoverage(t *testing.T) {
	recs := []Finding{{Tag: TagAttempt, Outcome: OutcomeNoGap}}
	assert.Empty(t, Check(recs, nil))

	broken := Metrics{Aggregates: Aggregates{TotalAttempts: 0, TotalNoGap: 1}, Records: 1}
	rules := map[string]bool{}
	for _, v := range Check(recs, &broken) {
		rules[v.Rule] = true
	}
	assert.True(t, rules[RuleAttemptsCoverage])
	assert.True(t, rules[RuleMetricsDrift])
}

func TestDiscoveries_PayloadAndDeepDive(t *testing.T) {
	views := Discoveries(sampleLog())
	require.Len(t, views, 1)
	assert.True(t, views[0].DeepDive)
	require.NotNil(t, views[0].Payload)
	assert.Equal(t, 82, views[0].Payload.Score)
	assert.Equal(t, types.VerdictConfirmedDirection, views[0].Latest.Verdict)
	assert.Len(t, CorridorDiscoveries(sampleLog(), "0x20"), 1)
	assert.Empty(t, CorridorDiscoveries(sampleLog(), "1x9"))
}
