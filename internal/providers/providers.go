// Package providers defines the collaborator interfaces the pipeline calls
// through for every paid external step, the typed failures they return and
// the timeout race every call runs under.
//
// Concrete knowledge-source and language-model clients live outside this
// module. Offline is a deterministic local implementation used for dry runs
// and tests.
package providers

import (
	"context"

	"clashd27/internal/types"
)

// CellDescriptor is the static description of one grid cell.
type CellDescriptor struct {
	ID       int      `json:"id"`
	Label    string   `json:"label"`
	Layer    string   `json:"layer"`
	Keywords []string `json:"keywords"`
}

// PairDescriptor describes a candidate pair for screening.
type PairDescriptor struct {
	Corridor  string         `json:"corridor"`
	A         CellDescriptor `json:"a"`
	B         CellDescriptor `json:"b"`
	Collision float64        `json:"collision"`
	RubricID  string         `json:"rubric_id"`
}

// AgentContext is what an investigation knows about one agent.
type AgentContext struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Memory []string `json:"memory"`
}

// PairContext is the full input to discovery.
type PairContext struct {
	PairDescriptor
	AgentA AgentContext `json:"agent_a"`
	AgentB AgentContext `json:"agent_b"`
	Day    string       `json:"day"`
	Tick   int64        `json:"tick"`
}

// ScreenResult is the cheap pass/fail gate.
type ScreenResult struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason"`
}

// DiscoveryResult is either NoGap or Discovered. Callers switch on the
// concrete type and treat anything else as a parse failure.
type DiscoveryResult interface {
	discoveryResult()
}

// NoGap reports that the investigation found nothing worth pursuing.
type NoGap struct {
	Reason string `json:"reason"`
}

// Discovered is a scored claim.
type Discovered struct {
	Claim            string        `json:"claim"`
	Verdict          types.Verdict `json:"verdict"`
	Score            int           `json:"score"`
	Evidence         []string      `json:"evidence"`
	References       []string      `json:"references"`
	SpeculativeLeaps int           `json:"speculative_leaps"`
}

func (NoGap) discoveryResult()      {}
func (Discovered) discoveryResult() {}

// Screener is the screen stage collaborator.
type Screener interface {
	Screen(ctx context.Context, pair PairDescriptor) (ScreenResult, error)
}

// Discoverer is the discover stage collaborator.
type Discoverer interface {
	Discover(ctx context.Context, pair PairContext) (DiscoveryResult, error)
}

// DeepDiver runs the two external deep-dive checks. Composite scoring is
// computed locally by the pipeline.
type DeepDiver interface {
	Existence(ctx context.Context, d types.Discovery) (types.ExistenceCheck, error)
	Actionability(ctx context.Context, d types.Discovery, existence types.ExistenceCheck) (types.ActionabilityCheck, error)
}

// Verifier is the adversarial second opinion. A nil result with a nil error
// means the provider is rate limited.
type Verifier interface {
	Verify(ctx context.Context, d types.Discovery, deepDive types.DeepDiveOutcome) (*types.Verification, error)
}

// Validator is the feasibility assessment. A nil result with a nil error
// means the provider is rate limited.
type Validator interface {
	Validate(ctx context.Context, d types.Discovery) (*types.Feasibility, error)
}

// Set bundles one collaborator per stage.
type Set struct {
	Screener   Screener
	Discoverer Discoverer
	DeepDiver  DeepDiver
	Verifier   Verifier
	Validator  Validator
}

// Complete reports whether every collaborator is present.
func (s Set) Complete() bool {
	return s.Screener != nil && s.Discoverer != nil && s.DeepDiver != nil &&
		s.Verifier != nil && s.Validator != nil
}
