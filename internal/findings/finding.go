// Package findings is the append-only event log every pipeline transition
// writes to, and the deterministic recomputation of aggregate metrics from
// it. The log is the single source of truth: metrics are never incremented
// in place, only rebuilt.
package findings

import (
	"time"

	"clashd27/internal/types"
)

// Tag classifies a finding record.
type Tag string

const (
	TagAttempt   Tag = "attempt"
	TagDiscovery Tag = "discovery"
	TagDuplicate Tag = "duplicate"
	TagDraft     Tag = "draft"
	TagCell      Tag = "cell"
	TagBond      Tag = "bond"
	TagShuffle   Tag = "shuffle"
)

// Outcome is the result of one pairing attempt.
type Outcome string

const (
	OutcomeDiscovery Outcome = "discovery"
	OutcomeNoGap     Outcome = "no_gap"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeError     Outcome = "error"
)

// Skip reasons recorded on skipped attempts.
const (
	ReasonCached         = "cached"
	ReasonBelowThreshold = "below_threshold"
	ReasonSaturated      = "saturated"
	ReasonScreenedOut    = "screened_out"
	ReasonBudgetPaused   = "budget_paused"
	ReasonCircuitOpen    = "circuit_open"
	ReasonDeferred       = "deferred"
)

// Finding is one immutable log record.
type Finding struct {
	Seq  int64     `json:"seq"`
	Tag  Tag       `json:"tag"`
	Tick int64     `json:"tick"`
	At   time.Time `json:"at"`

	Outcome     Outcome `json:"outcome,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	DiscoveryID *string `json:"discovery_id"`

	Corridor         string        `json:"corridor,omitempty"`
	Agents           []string      `json:"agents,omitempty"`
	Stage            types.Stage   `json:"stage,omitempty"`
	Verdict          types.Verdict `json:"verdict,omitempty"`
	Score            int           `json:"score,omitempty"`
	SpeculativeLeaps int           `json:"speculative_leaps,omitempty"`
	GapID            string        `json:"gap_id,omitempty"`
	Note             string        `json:"note,omitempty"`

	// Payload is carried by the first discovery record of an id so a
	// saturated corridor can later deepen it.
	Payload *types.Discovery `json:"payload,omitempty"`
}

// ID returns the discovery id or "".
func (f Finding) ID() string {
	if f.DiscoveryID == nil {
		return ""
	}
	return *f.DiscoveryID
}

func idPtr(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// Attempt records one pairing attempt. discoveryID is empty, and serialized
// as null, for every outcome but discovery.
func Attempt(tick int64, outcome Outcome, reason, corridor, discoveryID string, agents ...string) Finding {
	return Finding{
		Tag:         TagAttempt,
		Tick:        tick,
		Outcome:     outcome,
		Reason:      reason,
		DiscoveryID: idPtr(discoveryID),
		Corridor:    corridor,
		Agents:      agents,
	}
}

// DiscoveryRecord records a discovery's state after stage.
func DiscoveryRecord(tick int64, stage types.Stage, d types.Discovery) Finding {
	f := Finding{
		Tag:              TagDiscovery,
		Tick:             tick,
		DiscoveryID:      idPtr(d.ID),
		Corridor:         d.Corridor,
		Agents:           []string{d.AgentA, d.AgentB},
		Stage:            stage,
		Verdict:          d.Verdict,
		Score:            d.Score,
		SpeculativeLeaps: d.SpeculativeLeaps,
	}
	if stage == types.StageDiscover {
		p := d
		f.Payload = &p
	}
	return f
}

// Duplicate records a publish attempt that matched an existing gap.
func Duplicate(tick int64, d types.Discovery, gapID string) Finding {
	return Finding{Tag: TagDuplicate, Tick: tick, DiscoveryID: idPtr(d.ID), Corridor: d.Corridor,
		Verdict: d.Verdict, Score: d.Score, GapID: gapID}
}

// Draft records a newly published gap.
func Draft(tick int64, d types.Discovery, gapID string) Finding {
	return Finding{Tag: TagDraft, Tick: tick, DiscoveryID: idPtr(d.ID), Corridor: d.Corridor,
		Verdict: d.Verdict, Score: d.Score, GapID: gapID}
}

// Note records a cell, bond or shuffle observation.
func Note(tag Tag, tick int64, corridor, note string, agents ...string) Finding {
	return Finding{Tag: tag, Tick: tick, Corridor: corridor, Note: note, Agents: agents}
}
