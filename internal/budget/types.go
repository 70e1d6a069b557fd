package budget

// State is the persisted daily spend document (budget.json).
type State struct {
	Date     string                `json:"date"` // UTC day, YYYY-MM-DD
	SpentUSD float64               `json:"spent_usd"`
	Calls    int                   `json:"calls"`
	ByModel  map[string]ModelSpend `json:"by_model"`
	ByStage  map[string]ModelSpend `json:"by_stage"`
	Paused   bool                  `json:"paused"`
}

// ModelSpend holds per-model (or per-stage) call and token sums.
type ModelSpend struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates one call.
func (m *ModelSpend) Add(input, output int, cost float64) {
	m.Calls++
	m.InputTokens += int64(input)
	m.OutputTokens += int64(output)
	m.CostUSD += cost
}

// Transition reports a change in the pause state observed by Allow.
type Transition int

const (
	NoTransition Transition = iota
	Paused
	Resumed
)

// String returns a human-readable transition name.
func (t Transition) String() string {
	switch t {
	case Paused:
		return "paused"
	case Resumed:
		return "resumed"
	default:
		return "none"
	}
}
