package pairing

import (
	"math"
	"sort"
	"strings"

	"clashd27/internal/config"
	"clashd27/internal/sim"
)

// Rationale explains a collision score.
type Rationale struct {
	LayerDistance   float64  `json:"layer_distance"`
	Novelty         float64  `json:"novelty"`
	Complementarity float64  `json:"complementarity"`
	SharedKeywords  []string `json:"shared_keywords,omitempty"`
}

// Score is a collision desirability value in [0,1] with its provenance.
type Score struct {
	Value          float64   `json:"value"`
	RubricID       string    `json:"rubric_id"`
	ScoringVersion string    `json:"scoring_version"`
	Rationale      Rationale `json:"rationale"`
}

// Scorer computes the collision score of two cells.
type Scorer interface {
	Score(a, b sim.Cell) Score
	RubricID() string
	Version() string
}

// RubricScorer is the built-in Scorer: a weighted blend of layer distance,
// mean cell novelty and keyword complementarity.
type RubricScorer struct {
	Rubric         config.RubricConfig
	ScoringVersion string
	LayerCount     int
}

// NewRubricScorer builds the scorer for the configured rubric.
func NewRubricScorer(cfg config.PairingConfig, g *sim.Grid) *RubricScorer {
	return &RubricScorer{
		Rubric:         cfg.Rubric,
		ScoringVersion: cfg.ScoringVersion,
		LayerCount:     len(g.Layers),
	}
}

// RubricID implements Scorer.
func (r *RubricScorer) RubricID() string { return r.Rubric.ID }

// Version implements Scorer.
func (r *RubricScorer) Version() string { return r.ScoringVersion }

// Score implements Scorer.
func (r *RubricScorer) Score(a, b sim.Cell) Score {
	dist := 0.0
	if r.LayerCount > 1 {
		dist = math.Abs(float64(a.Layer-b.Layer)) / float64(r.LayerCount-1)
	}
	novelty := (a.Novelty + b.Novelty) / 2
	shared := sharedKeywords(a.Keywords, b.Keywords)
	union := len(unique(append(append([]string(nil), a.Keywords...), b.Keywords...)))
	complement := 1.0
	if union > 0 {
		complement = 1 - float64(len(shared))/float64(union)
	}

	w := r.Rubric
	total := w.LayerWeight + w.NoveltyWeight + w.ComplementWeight
	if total <= 0 {
		total = 1
	}
	value := (w.LayerWeight*dist + w.NoveltyWeight*novelty + w.ComplementWeight*complement) / total

	return Score{
		Value:          round4(clamp01(value)),
		RubricID:       r.Rubric.ID,
		ScoringVersion: r.ScoringVersion,
		Rationale: Rationale{
			LayerDistance:   round4(dist),
			Novelty:         round4(novelty),
			Complementarity: round4(complement),
			SharedKeywords:  shared,
		},
	}
}

func sharedKeywords(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[strings.ToLower(k)] = true
	}
	var out []string
	for _, k := range unique(b) {
		if set[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func unique(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, k := range in {
		k = strings.ToLower(k)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
