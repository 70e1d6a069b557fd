package types

// EventKind identifies an observable state transition emitted during a tick.
type EventKind string

const (
	EventBudgetPaused  EventKind = "budgetPaused"
	EventBudgetResumed EventKind = "budgetResumed"
	EventCircuitOpen   EventKind = "circuitOpen"   // call suppressed by an open breaker
	EventCircuitOpened EventKind = "circuitOpened" // breaker tripped
	EventCircuitClosed EventKind = "circuitClosed"
	EventStageError    EventKind = "stageError"
	EventStageDeferred EventKind = "stageDeferred"
	EventItemDropped   EventKind = "itemDropped"
	EventTickSkipped   EventKind = "tickSkipped"
	EventAgentMoved    EventKind = "agentMoved"
	EventAgentDied     EventKind = "agentDied"
	EventGapPublished  EventKind = "gapPublished"
	EventDeduplicated  EventKind = "gapDeduplicated"
)

// Event is one structured observation from a tick.
type Event struct {
	Kind   EventKind      `json:"kind"`
	Tick   int64          `json:"tick"`
	Stage  Stage          `json:"stage,omitempty"`
	Error  string         `json:"error,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// CountEvents returns how many events of kind appear in events.
func CountEvents(events []Event, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
