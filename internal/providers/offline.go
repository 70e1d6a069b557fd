package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"clashd27/internal/types"
)

// Offline answers every stage from a hash of its input, with no network.
// Identical inputs always produce identical results.
type Offline struct {
	// ScreenFloor is the collision score under which Screen rejects a pair.
	ScreenFloor float64
}

// NewOffline returns an offline provider with default thresholds.
func NewOffline() *Offline {
	return &Offline{ScreenFloor: 0.35}
}

// Set returns a provider set backed entirely by o.
func (o *Offline) Set() Set {
	return Set{Screener: o, Discoverer: o, DeepDiver: o, Verifier: o, Validator: o}
}

func digest(parts ...string) uint64 {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return binary.BigEndian.Uint64(sum[:8])
}

// Screen implements Screener.
func (o *Offline) Screen(ctx context.Context, pair PairDescriptor) (ScreenResult, error) {
	if err := ctx.Err(); err != nil {
		return ScreenResult{}, err
	}
	if pair.Collision < o.ScreenFloor {
		return ScreenResult{Pass: false, Reason: fmt.Sprintf("collision %.2f under offline floor %.2f", pair.Collision, o.ScreenFloor)}, nil
	}
	return ScreenResult{Pass: true, Reason: fmt.Sprintf("%s meets %s", pair.A.Label, pair.B.Label)}, nil
}

// Discover implements Discoverer.
func (o *Offline) Discover(ctx context.Context, pair PairContext) (DiscoveryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := digest("discover", pair.Corridor, pair.Day, fmt.Sprint(pair.Tick))
	if h%4 == 0 {
		return NoGap{Reason: fmt.Sprintf("%s and %s are already well connected", pair.A.Label, pair.B.Label)}, nil
	}

	score := 50 + int(h%45)
	verdict := types.VerdictLowPriority
	switch {
	case score >= 80:
		verdict = types.VerdictHighValue
	case score >= 65:
		verdict = types.VerdictConfirmedDirection
	case score >= 55:
		verdict = types.VerdictNeedsWork
	}
	leaps := int((h >> 8) % 2)

	evidence := sharedMemory(pair.AgentA.Memory, pair.AgentB.Memory)
	if len(evidence) == 0 {
		evidence = []string{pair.A.Label, pair.B.Label}
	}
	return Discovered{
		Claim:            fmt.Sprintf("Methods from %s could resolve open questions in %s", pair.A.Label, pair.B.Label),
		Verdict:          verdict,
		Score:            score,
		Evidence:         evidence,
		References:       []string{fmt.Sprintf("offline://%s/%d", pair.Corridor, h%1000)},
		SpeculativeLeaps: leaps,
	}, nil
}

// Existence implements DeepDiver.
func (o *Offline) Existence(ctx context.Context, d types.Discovery) (types.ExistenceCheck, error) {
	if err := ctx.Err(); err != nil {
		return types.ExistenceCheck{}, err
	}
	h := digest("existence", d.ID, d.Claim)
	return types.ExistenceCheck{
		AlreadyExists: h%10 == 0,
		Novelty:       40 + int(h%60),
	}, nil
}

// Actionability implements DeepDiver.
func (o *Offline) Actionability(ctx context.Context, d types.Discovery, _ types.ExistenceCheck) (types.ActionabilityCheck, error) {
	if err := ctx.Err(); err != nil {
		return types.ActionabilityCheck{}, err
	}
	h := digest("actionability", d.ID, d.Claim)
	return types.ActionabilityCheck{
		Score:     45 + int(h%50),
		NextSteps: []string{"assemble pilot dataset", "pre-register analysis"},
	}, nil
}

// Verify implements Verifier.
func (o *Offline) Verify(ctx context.Context, d types.Discovery, _ types.DeepDiveOutcome) (*types.Verification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := digest("verify", d.ID, d.Claim)
	return &types.Verification{
		Score:   d.Score - int(h%15),
		Verdict: d.Verdict,
	}, nil
}

// Validate implements Validator.
func (o *Offline) Validate(ctx context.Context, d types.Discovery) (*types.Feasibility, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := digest("validate", d.ID, d.Claim)
	return &types.Feasibility{
		Feasible: h%5 != 0,
		Score:    50 + int(h%50),
	}, nil
}

func sharedMemory(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[k] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, k := range b {
		if set[k] && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
