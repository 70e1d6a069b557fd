package findings

import (
	"fmt"
	"math"
	"sort"
	"time"

	"clashd27/internal/logging"
	"clashd27/internal/store"
	"clashd27/internal/types"

	"github.com/google/go-cmp/cmp"
)

// Aggregates is the flat set of counters and rates rebuilt from the log.
// Every field is either counted directly or a ratio of counted fields.
type Aggregates struct {
	TotalAttempts         int `json:"total_attempts"`
	TotalSkipped          int `json:"total_skipped"`
	SkippedCached         int `json:"skipped_cached"`
	SkippedBelowThreshold int `json:"skipped_below_threshold"`
	SkippedSaturated      int `json:"skipped_saturated"`
	TotalErrors           int `json:"total_errors"`
	TotalNoGap            int `json:"total_no_gap"`
	TotalDiscoveries      int `json:"total_discoveries"`

	TotalHighValue          int `json:"total_high_value"`
	TotalConfirmedDirection int `json:"total_confirmed_direction"`
	TotalNeedsWork          int `json:"total_needs_work"`
	TotalLowPriority        int `json:"total_low_priority"`
	TotalDeepDived          int `json:"total_deep_dived"`
	TotalVerified           int `json:"total_verified"`

	TotalDuplicates int `json:"total_duplicates"`
	TotalDrafts     int `json:"total_drafts"`
	CellNotes       int `json:"cell_notes"`
	BondNotes       int `json:"bond_notes"`
	ShuffleNotes    int `json:"shuffle_notes"`
	ScoreSum        int `json:"score_sum"`

	DiscoveryRate float64 `json:"discovery_rate"` // discoveries per non-skipped attempt, %
	NoGapRate     float64 `json:"no_gap_rate"`
	HighValueRate float64 `json:"high_value_rate"` // share of tracked discoveries, %
	DuplicateRate float64 `json:"duplicate_rate"`
	AvgScore      float64 `json:"avg_score"`
}

// Rates returns the rate fields keyed by their JSON names.
func (a Aggregates) Rates() map[string]float64 {
	return map[string]float64{
		"discovery_rate":  a.DiscoveryRate,
		"no_gap_rate":     a.NoGapRate,
		"high_value_rate": a.HighValueRate,
		"duplicate_rate":  a.DuplicateRate,
		"avg_score":       a.AvgScore,
	}
}

// Metrics is the persisted metrics.json document. FirstSeq, LastSeq and
// Records describe the log window the aggregates were computed over, so a
// later check can tell stale metrics from wrong ones.
type Metrics struct {
	Aggregates
	LastUpdated time.Time `json:"last_updated"`
	CostDate    string    `json:"_cost_date"`
	FirstSeq    int64     `json:"first_seq"`
	LastSeq     int64     `json:"last_seq"`
	Records     int       `json:"records"`
}

// window returns the records m was computed over and whether every one of
// them is still retained in records.
func (m Metrics) window(records []Finding) ([]Finding, bool) {
	var out []Finding
	for _, r := range records {
		if r.Seq >= m.FirstSeq && r.Seq <= m.LastSeq {
			out = append(out, r)
		}
	}
	return out, len(out) == m.Records
}

// Recompute rebuilds aggregates from records. It is pure: the same records
// always yield the same value. Verdict counts use the latest record of each
// discovery id, so a downgrade replaces rather than adds.
func Recompute(records []Finding) Aggregates {
	var a Aggregates
	for _, r := range records {
		switch r.Tag {
		case TagAttempt:
			a.TotalAttempts++
			switch r.Outcome {
			case OutcomeSkipped:
				a.TotalSkipped++
				switch r.Reason {
				case ReasonCached:
					a.SkippedCached++
				case ReasonBelowThreshold:
					a.SkippedBelowThreshold++
				case ReasonSaturated:
					a.SkippedSaturated++
				}
			case OutcomeError:
				a.TotalErrors++
			case OutcomeNoGap:
				a.TotalNoGap++
			case OutcomeDiscovery:
				a.TotalDiscoveries++
			}
		case TagDuplicate:
			a.TotalDuplicates++
		case TagDraft:
			a.TotalDrafts++
		case TagCell:
			a.CellNotes++
		case TagBond:
			a.BondNotes++
		case TagShuffle:
			a.ShuffleNotes++
		case TagDiscovery:
			switch r.Stage {
			case types.StageDeepDive:
				a.TotalDeepDived++
			case types.StageVerify:
				a.TotalVerified++
			}
		}
	}

	views := Discoveries(records)
	for _, v := range views {
		switch v.Latest.Verdict {
		case types.VerdictHighValue:
			a.TotalHighValue++
		case types.VerdictConfirmedDirection:
			a.TotalConfirmedDirection++
		case types.VerdictNeedsWork:
			a.TotalNeedsWork++
		case types.VerdictLowPriority:
			a.TotalLowPriority++
		}
		a.ScoreSum += v.Latest.Score
	}

	investigated := a.TotalAttempts - a.TotalSkipped
	a.DiscoveryRate = rate(a.TotalDiscoveries, investigated)
	a.NoGapRate = rate(a.TotalNoGap, investigated)
	a.HighValueRate = rate(a.TotalHighValue, len(views))
	a.DuplicateRate = rate(a.TotalDuplicates, a.TotalDuplicates+a.TotalDrafts)
	if len(views) > 0 {
		a.AvgScore = clampRate(round2(float64(a.ScoreSum) / float64(len(views))))
	}
	return a
}

func rate(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return clampRate(round2(100 * float64(num) / float64(den)))
}

func clampRate(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// NewMetrics wraps freshly recomputed aggregates for persistence.
func NewMetrics(records []Finding, now time.Time, costDate string) Metrics {
	m := Metrics{Aggregates: Recompute(records), LastUpdated: now.UTC(), CostDate: costDate, LastSeq: -1}
	if n := len(records); n > 0 {
		m.FirstSeq, m.LastSeq, m.Records = records[0].Seq, records[n-1].Seq, n
	}
	return m
}

// LoadMetrics reads metrics.json.
func LoadMetrics(path string) (Metrics, bool, error) {
	var m Metrics
	found, err := store.ReadJSON(path, &m)
	return m, found, err
}

// SaveMetrics writes metrics.json atomically.
func SaveMetrics(path string, m Metrics) error {
	return store.WriteJSONAtomic(path, m)
}

// Violation is one failed health invariant.
type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

func (v Violation) String() string { return v.Rule + ": " + v.Detail }

// Health rule names.
const (
	RuleMetricsDrift     = "metrics_drift"
	RuleAttemptsCoverage = "attempts_cover_outcomes"
	RuleRateBounds       = "rate_bounds"
	RuleSpeculativeLeaps = "high_value_leaps"
)

// Check independently recomputes the aggregates and reports every
// invariant the log or the persisted metrics violate. persisted may be nil
// when no metrics document exists yet. Persisted metrics are compared with
// the log window they were computed over, so records appended since the last
// recompute are not drift.
func Check(records []Finding, persisted *Metrics) []Violation {
	var out []Violation
	fresh := Recompute(records)

	if persisted != nil {
		window, complete := persisted.window(records)
		if complete {
			if diff := cmp.Diff(persisted.Aggregates, Recompute(window)); diff != "" {
				out = append(out, Violation{RuleMetricsDrift, fmt.Sprintf("persisted metrics differ from log seq %d..%d (-persisted +recomputed):\n%s",
					persisted.FirstSeq, persisted.LastSeq, diff)})
			}
		} else {
			logging.Findings("metrics window seq %d..%d partly evicted from the log; drift not checked", persisted.FirstSeq, persisted.LastSeq)
		}
	}

	sets := map[string]Aggregates{"recomputed": fresh}
	if persisted != nil {
		sets["persisted"] = persisted.Aggregates
	}
	for name, a := range sets {
		if a.TotalAttempts < a.TotalDiscoveries+a.TotalNoGap {
			out = append(out, Violation{RuleAttemptsCoverage, fmt.Sprintf("%s: attempts %d < discoveries %d + no_gap %d",
				name, a.TotalAttempts, a.TotalDiscoveries, a.TotalNoGap)})
		}
	}

	check := fresh.Rates()
	if persisted != nil {
		for k, v := range persisted.Rates() {
			check["persisted."+k] = v
		}
	}
	for name, v := range check {
		if v < 0 || v > 100 || math.IsNaN(v) {
			out = append(out, Violation{RuleRateBounds, fmt.Sprintf("%s = %v outside [0,100]", name, v)})
		}
	}

	for _, r := range records {
		if r.Tag == TagDiscovery && r.Verdict == types.VerdictHighValue && r.SpeculativeLeaps > 1 {
			out = append(out, Violation{RuleSpeculativeLeaps, fmt.Sprintf("discovery %s is HIGH-VALUE with %d speculative leaps (seq %d)",
				r.ID(), r.SpeculativeLeaps, r.Seq)})
		}
	}
	sortViolations(out)
	return out
}

func sortViolations(v []Violation) {
	sort.Slice(v, func(i, j int) bool {
		if v[i].Rule != v[j].Rule {
			return v[i].Rule < v[j].Rule
		}
		return v[i].Detail < v[j].Detail
	})
}
