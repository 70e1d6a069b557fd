// Package pairing chooses at most one cross-layer agent pair per tick and
// scores how worthwhile the collision of their home cells is.
//
// Selection is reproducible: candidates are enumerated in agent-id order and
// shuffled with a generator seeded from (UTC day, tick), so the same day and
// tick always pick the same pair while consecutive ticks vary.
package pairing

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"clashd27/internal/sim"
)

// Candidate is two living co-located agents whose home cells lie in
// different layers. A.ID < B.ID.
type Candidate struct {
	A *sim.Agent
	B *sim.Agent
}

// Cells returns the home cells ordered low to high.
func (c Candidate) Cells() (lo, hi int) {
	lo, hi = c.A.HomeCell, c.B.HomeCell
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}

// Corridor names the home-cell pair, e.g. "3x14".
func (c Candidate) Corridor() string {
	lo, hi := c.Cells()
	return PairKey(lo, hi)
}

// PairKey normalizes two cell ids into "<lo>x<hi>".
func PairKey(a, b int) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%dx%d", a, b)
}

// CandidatePairs enumerates cross-layer pairs among the living agents on
// cell, in deterministic agent-id order.
func CandidatePairs(s *sim.State, g *sim.Grid, cell int) []Candidate {
	occupants := sim.Occupants(s, cell)
	sort.Slice(occupants, func(i, j int) bool { return occupants[i].ID < occupants[j].ID })

	var out []Candidate
	for i := 0; i < len(occupants); i++ {
		for j := i + 1; j < len(occupants); j++ {
			a, b := occupants[i], occupants[j]
			if g.CrossLayer(a.HomeCell, b.HomeCell) {
				out = append(out, Candidate{A: a, B: b})
			}
		}
	}
	return out
}

// Seed derives the shuffle seed from the first 8 bytes of
// SHA-256("YYYY-MM-DD:tick"), using the UTC calendar day.
func Seed(day time.Time, tick int64) int64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", day.UTC().Format("2006-01-02"), tick)))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Shuffle returns a permuted copy of candidates.
func Shuffle(candidates []Candidate, seed int64) []Candidate {
	out := append([]Candidate(nil), candidates...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Select shuffles candidates for (day, tick) and returns the first, plus the
// full shuffled order for the shuffle note.
func Select(candidates []Candidate, day time.Time, tick int64) (Candidate, []Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, nil, false
	}
	shuffled := Shuffle(candidates, Seed(day, tick))
	return shuffled[0], shuffled, true
}
