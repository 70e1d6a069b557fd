// Package types provides shared value types used across clashd packages.
// Types in this package are plain data with no dependencies on other
// internal packages, so any package may import them without cycles.
package types

import (
	"fmt"
	"strings"
)

// Verdict is the qualitative label attached to a discovery.
type Verdict string

const (
	VerdictHighValue          Verdict = "HIGH-VALUE GAP"
	VerdictConfirmedDirection Verdict = "CONFIRMED DIRECTION"
	VerdictNeedsWork          Verdict = "NEEDS WORK"
	VerdictLowPriority        Verdict = "LOW PRIORITY"
)

// Rank orders verdicts from LOW PRIORITY (0) to HIGH-VALUE GAP (3).
// Unknown verdicts rank below everything.
func (v Verdict) Rank() int {
	switch v {
	case VerdictHighValue:
		return 3
	case VerdictConfirmedDirection:
		return 2
	case VerdictNeedsWork:
		return 1
	case VerdictLowPriority:
		return 0
	default:
		return -1
	}
}

// Valid reports whether v is one of the four known verdicts.
func (v Verdict) Valid() bool {
	return v.Rank() >= 0
}

// ParseVerdict accepts the canonical labels plus case and separator variants
// ("high_value_gap", "confirmed-direction").
func ParseVerdict(s string) (Verdict, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", " ", "-", " ").Replace(norm)
	norm = strings.Join(strings.Fields(norm), " ")
	switch norm {
	case "HIGH VALUE GAP", "HIGH VALUE":
		return VerdictHighValue, nil
	case "CONFIRMED DIRECTION":
		return VerdictConfirmedDirection, nil
	case "NEEDS WORK":
		return VerdictNeedsWork, nil
	case "LOW PRIORITY":
		return VerdictLowPriority, nil
	}
	return "", fmt.Errorf("unknown verdict %q", s)
}

// MinVerdict returns the lower-ranked of two verdicts.
func MinVerdict(a, b Verdict) Verdict {
	if !b.Valid() {
		return a
	}
	if !a.Valid() || b.Rank() < a.Rank() {
		return b
	}
	return a
}

// ClearsThreshold reports whether score is strictly above threshold. Deep-dive
// entry and HIGH-VALUE GAP retention share this comparison.
func ClearsThreshold(score, threshold int) bool {
	return score > threshold
}

// Downgrade applies the post-review verdict rule: HIGH-VALUE GAP survives only
// while score clears threshold, otherwise it becomes CONFIRMED DIRECTION; any
// score under floor is LOW PRIORITY. The result never outranks current.
func Downgrade(current Verdict, score, threshold, floor int) Verdict {
	if score < floor {
		return VerdictLowPriority
	}
	if current == VerdictHighValue && !ClearsThreshold(score, threshold) {
		return VerdictConfirmedDirection
	}
	return current
}
