package types

import "time"

// Stage names one step of the discovery pipeline. The values double as
// config keys and circuit breaker names.
type Stage string

const (
	StageScreen   Stage = "screen"
	StageDiscover Stage = "discover"
	StageDeepDive Stage = "deep_dive"
	StageVerify   Stage = "verify"
	StageValidate Stage = "validate"
	StagePublish  Stage = "publish"
)

// PaidStages lists the stages that make a budgeted external call.
var PaidStages = []Stage{StageScreen, StageDiscover, StageDeepDive, StageVerify, StageValidate}

// Discovery is a scored cross-domain claim moving through the pipeline.
type Discovery struct {
	ID       string `json:"id"`
	Tick     int64  `json:"tick"`
	Day      string `json:"day"`
	Corridor string `json:"corridor"`
	CellA    int    `json:"cell_a"`
	CellB    int    `json:"cell_b"`
	AgentA   string `json:"agent_a"`
	AgentB   string `json:"agent_b"`

	Verdict          Verdict  `json:"verdict"`
	Score            int      `json:"score"`
	CollisionScore   float64  `json:"collision_score"`
	Claim            string   `json:"claim"`
	Evidence         []string `json:"evidence,omitempty"`
	References       []string `json:"references,omitempty"`
	SpeculativeLeaps int      `json:"speculative_leaps"`

	DeepDive     *DeepDiveOutcome `json:"deep_dive,omitempty"`
	Verification *Verification    `json:"verification,omitempty"`
	Feasibility  *Feasibility     `json:"feasibility,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CombinedScore ranks discoveries for deep-dive admission:
// 0.7 × score + 30 × collision score.
func (d Discovery) CombinedScore() float64 {
	return 0.7*float64(d.Score) + 30*d.CollisionScore
}

// ExistenceCheck reports whether the claim is already covered by prior work.
type ExistenceCheck struct {
	AlreadyExists bool     `json:"already_exists"`
	Novelty       int      `json:"novelty"` // 0-100
	PriorWork     []string `json:"prior_work,omitempty"`
}

// ActionabilityCheck reports how readily the claim can be acted on.
type ActionabilityCheck struct {
	Score     int      `json:"score"` // 0-100
	NextSteps []string `json:"next_steps,omitempty"`
}

// DeepDiveOutcome is the result of the three deep-dive sub-steps.
type DeepDiveOutcome struct {
	Existence     ExistenceCheck     `json:"existence"`
	Actionability ActionabilityCheck `json:"actionability"`
	Total         int                `json:"total"`
	Verdict       Verdict            `json:"verdict"`
}

// Verification is the adversarial second opinion.
type Verification struct {
	Score      int      `json:"score"`
	Verdict    Verdict  `json:"verdict"`
	Objections []string `json:"objections,omitempty"`
}

// Feasibility is the validate stage's funding and feasibility assessment.
type Feasibility struct {
	Feasible       bool     `json:"feasible"`
	Score          int      `json:"score"`
	FundingOverlap []string `json:"funding_overlap,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}
