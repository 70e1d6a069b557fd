package sim

import (
	"fmt"
	"sort"
	"time"

	"clashd27/internal/store"
)

// MaxEnergy bounds agent energy.
const MaxEnergy = 100

// Agent is one simulated researcher. HomeCell is fixed at creation; the
// scheduler is the only writer of every other field.
type Agent struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	HomeCell    int      `json:"home_cell"`
	CurrentCell int      `json:"current_cell"`
	Alive       bool     `json:"alive"`
	Energy      int      `json:"energy"`
	Memory      []string `json:"memory"`
	Findings    int      `json:"findings"`
	Bonds       int      `json:"bonds"`
	Discoveries int      `json:"discoveries"`
}

// Remember appends keywords to the agent's memory, keeping only the newest
// window entries.
func (a *Agent) Remember(window int, keywords ...string) {
	a.Memory = append(a.Memory, keywords...)
	if window > 0 && len(a.Memory) > window {
		a.Memory = append([]string(nil), a.Memory[len(a.Memory)-window:]...)
	}
}

// AddEnergy adjusts energy within [0, MaxEnergy]. Reaching zero kills the
// agent.
func (a *Agent) AddEnergy(delta int) {
	a.Energy += delta
	if a.Energy > MaxEnergy {
		a.Energy = MaxEnergy
	}
	if a.Energy <= 0 {
		a.Energy = 0
		a.Alive = false
	}
}

// State is the explicitly owned simulation state persisted as state.json.
type State struct {
	Tick      int64     `json:"tick"`
	Agents    []*Agent  `json:"agents"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent returns the agent with id, or nil.
func (s *State) Agent(id string) *Agent {
	for _, a := range s.Agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Living returns the number of living agents.
func (s *State) Living() int {
	n := 0
	for _, a := range s.Agents {
		if a.Alive {
			n++
		}
	}
	return n
}

// LoadState reads state.json. A missing file yields an empty state at tick 0.
func LoadState(path string) (*State, error) {
	var s State
	if _, err := store.ReadJSON(path, &s); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	sort.Slice(s.Agents, func(i, j int) bool { return s.Agents[i].ID < s.Agents[j].ID })
	return &s, nil
}

// Save writes state.json atomically.
func (s *State) Save(path string) error {
	return store.WriteJSONAtomic(path, s)
}

// SeedAgents creates count agents with home cells spread round-robin across
// the grid, each starting at home with full energy.
func SeedAgents(g *Grid, count int) []*Agent {
	agents := make([]*Agent, 0, count)
	for i := 0; i < count; i++ {
		home := i % g.Size()
		agents = append(agents, &Agent{
			ID:          fmt.Sprintf("agent-%03d", i),
			Name:        fmt.Sprintf("%s #%d", g.Cell(home).Label, i/g.Size()+1),
			HomeCell:    home,
			CurrentCell: home,
			Alive:       true,
			Energy:      MaxEnergy,
		})
	}
	return agents
}
