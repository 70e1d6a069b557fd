package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in   string
		want Verdict
	}{
		{"HIGH-VALUE GAP", VerdictHighValue},
		{"high_value_gap", VerdictHighValue},
		{" confirmed-direction ", VerdictConfirmedDirection},
		{"Needs Work", VerdictNeedsWork},
		{"LOW PRIORITY", VerdictLowPriority},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVerdict(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseVerdict("MAYBE")
	assert.Error(t, err)
}

func TestDowngrade(t *testing.T) {
	tests := []struct {
		name    string
		current Verdict
		score   int
		want    Verdict
	}{
		{"high value survives", VerdictHighValue, 78, VerdictHighValue},
		{"high value just above threshold survives", VerdictHighValue, 76, VerdictHighValue},
		{"high value at threshold falls", VerdictHighValue, 75, VerdictConfirmedDirection},
		{"high value falls to confirmed", VerdictHighValue, 61, VerdictConfirmedDirection},
		{"below floor", VerdictHighValue, 49, VerdictLowPriority},
		{"needs work kept", VerdictNeedsWork, 80, VerdictNeedsWork},
		{"needs work below floor", VerdictNeedsWork, 10, VerdictLowPriority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Downgrade(tt.current, tt.score, 75, 50)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, got.Rank(), tt.current.Rank())
		})
	}
}

func TestClearsThreshold(t *testing.T) {
	assert.True(t, ClearsThreshold(76, 75))
	assert.False(t, ClearsThreshold(75, 75))
	assert.False(t, ClearsThreshold(74, 75))
}

func TestMinVerdict(t *testing.T) {
	assert.Equal(t, VerdictConfirmedDirection, MinVerdict(VerdictHighValue, VerdictConfirmedDirection))
	assert.Equal(t, VerdictNeedsWork, MinVerdict(VerdictNeedsWork, VerdictHighValue))
	assert.Equal(t, VerdictHighValue, MinVerdict(VerdictHighValue, Verdict("")))
}

func TestCombinedScore(t *testing.T) {
	d := Discovery{Score: 82, CollisionScore: 0.72}
	assert.InDelta(t, 0.7*82+30*0.72, d.CombinedScore(), 1e-9)
}
