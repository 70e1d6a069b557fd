// Package sim holds the simulated world: the 27-cell grid split into domain
// layers, the agents that move through it, and the single-writer
// SimulationState the scheduler mutates once per tick.
package sim

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultCellCount is the number of cells in the built-in grid.
const DefaultCellCount = 27

// ErrInvalidGrid is returned when a grid pack fails validation.
var ErrInvalidGrid = errors.New("invalid grid")

// Cell is one static grid position with the descriptors collision scoring
// reads.
type Cell struct {
	ID       int      `yaml:"id" json:"id"`
	Label    string   `yaml:"label" json:"label"`
	Layer    int      `yaml:"layer" json:"layer"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	Novelty  float64  `yaml:"novelty" json:"novelty"` // 0..1, how under-explored the cell's area is
}

// Grid is the fixed set of cells and the names of their layers.
type Grid struct {
	Name   string   `yaml:"name" json:"name"`
	Layers []string `yaml:"layers" json:"layers"`
	Cells  []Cell   `yaml:"cells" json:"cells"`
}

// Size returns the number of cells.
func (g *Grid) Size() int { return len(g.Cells) }

// Cell returns the cell with id, which must be in range.
func (g *Grid) Cell(id int) Cell { return g.Cells[id] }

// LayerName returns the name of a cell's layer.
func (g *Grid) LayerName(id int) string {
	l := g.Cells[id].Layer
	if l >= 0 && l < len(g.Layers) {
		return g.Layers[l]
	}
	return fmt.Sprintf("layer-%d", l)
}

// CrossLayer reports whether two cells sit in different layers.
func (g *Grid) CrossLayer(a, b int) bool {
	return g.Cells[a].Layer != g.Cells[b].Layer
}

// Validate checks that cell ids are dense from 0 and every layer index
// resolves.
func (g *Grid) Validate() error {
	if len(g.Cells) < 2 {
		return fmt.Errorf("%w: need at least 2 cells, have %d", ErrInvalidGrid, len(g.Cells))
	}
	if len(g.Layers) < 2 {
		return fmt.Errorf("%w: need at least 2 layers", ErrInvalidGrid)
	}
	for i, c := range g.Cells {
		if c.ID != i {
			return fmt.Errorf("%w: cell at index %d has id %d", ErrInvalidGrid, i, c.ID)
		}
		if c.Layer < 0 || c.Layer >= len(g.Layers) {
			return fmt.Errorf("%w: cell %d layer %d out of range", ErrInvalidGrid, i, c.Layer)
		}
		if c.Novelty < 0 || c.Novelty > 1 {
			return fmt.Errorf("%w: cell %d novelty %.2f outside [0,1]", ErrInvalidGrid, i, c.Novelty)
		}
	}
	return nil
}

// LoadGrid reads a YAML grid pack.
func LoadGrid(path string) (*Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read grid: %w", err)
	}
	var g Grid
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse grid: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// LoadGridOrDefault returns the built-in grid when path is empty.
func LoadGridOrDefault(path string) (*Grid, error) {
	if path == "" {
		return DefaultGrid(), nil
	}
	return LoadGrid(path)
}

// DefaultGrid returns the built-in three-layer grid: cells 0-8 are data
// sources, 9-17 analysis methods and 18-26 open hypotheses.
func DefaultGrid() *Grid {
	g := &Grid{
		Name:   "default",
		Layers: []string{"data", "analysis", "hypothesis"},
		Cells:  make([]Cell, 0, DefaultCellCount),
	}
	for i, d := range defaultCells {
		g.Cells = append(g.Cells, Cell{
			ID:       i,
			Label:    d.label,
			Layer:    i / 9,
			Keywords: d.keywords,
			Novelty:  d.novelty,
		})
	}
	return g
}

var defaultCells = []struct {
	label    string
	keywords []string
	novelty  float64
}{
	{"genomic sequencing", []string{"genome", "variant", "sequencing"}, 0.35},
	{"clinical trial registries", []string{"trial", "cohort", "endpoint"}, 0.40},
	{"electronic health records", []string{"ehr", "cohort", "longitudinal"}, 0.45},
	{"satellite imagery", []string{"remote-sensing", "imagery", "land-use"}, 0.55},
	{"sensor networks", []string{"iot", "telemetry", "time-series"}, 0.50},
	{"citation graphs", []string{"citation", "graph", "bibliometrics"}, 0.30},
	{"patent filings", []string{"patent", "claims", "prior-art"}, 0.45},
	{"code repositories", []string{"software", "commits", "dependency"}, 0.40},
	{"survey panels", []string{"survey", "panel", "self-report"}, 0.35},

	{"causal inference", []string{"causal", "confounding", "counterfactual"}, 0.60},
	{"graph neural networks", []string{"graph", "embedding", "message-passing"}, 0.55},
	{"bayesian hierarchical models", []string{"bayesian", "prior", "hierarchical"}, 0.50},
	{"topological data analysis", []string{"topology", "persistence", "shape"}, 0.75},
	{"agent-based modeling", []string{"simulation", "agents", "emergence"}, 0.60},
	{"survival analysis", []string{"hazard", "censoring", "time-to-event"}, 0.45},
	{"natural language processing", []string{"text", "language", "embedding"}, 0.35},
	{"optimal transport", []string{"transport", "wasserstein", "distribution"}, 0.70},
	{"reinforcement learning", []string{"policy", "reward", "sequential"}, 0.50},

	{"drug repurposing", []string{"drug", "target", "repurposing"}, 0.65},
	{"climate adaptation", []string{"climate", "resilience", "land-use"}, 0.60},
	{"antimicrobial resistance", []string{"resistance", "pathogen", "genome"}, 0.70},
	{"rare disease diagnosis", []string{"rare", "phenotype", "variant"}, 0.75},
	{"supply chain fragility", []string{"supply", "shock", "network"}, 0.55},
	{"research reproducibility", []string{"replication", "bias", "citation"}, 0.50},
	{"urban heat islands", []string{"urban", "heat", "imagery"}, 0.65},
	{"open-source sustainability", []string{"maintainer", "dependency", "funding"}, 0.70},
	{"misinformation dynamics", []string{"spread", "network", "text"}, 0.55},
}
