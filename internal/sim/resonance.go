package sim

// ActiveCell returns the cell a tick activates: tick mod n.
func ActiveCell(tick int64, n int) int {
	if n <= 0 {
		return 0
	}
	return int(tick % int64(n))
}

// Cycle returns how many full passes over the grid precede tick.
func Cycle(tick int64, n int) int64 {
	if n <= 0 {
		return 0
	}
	return tick / int64(n)
}

// ResonanceOptions tunes agent movement.
type ResonanceOptions struct {
	MoveCost     int
	MemoryWindow int
}

// Move records one agent relocation.
type Move struct {
	AgentID string
	From    int
	To      int
	Died    bool
}

// Resonate relocates every living agent not on the active cell to it. Each
// move costs MoveCost energy; an agent whose energy reaches zero dies on
// arrival. Arrivals remember the active cell's keywords.
func Resonate(s *State, g *Grid, active int, opts ResonanceOptions) []Move {
	var moves []Move
	keywords := g.Cell(active).Keywords
	for _, a := range s.Agents {
		if !a.Alive || a.CurrentCell == active {
			continue
		}
		m := Move{AgentID: a.ID, From: a.CurrentCell, To: active}
		a.CurrentCell = active
		a.Remember(opts.MemoryWindow, keywords...)
		a.AddEnergy(-opts.MoveCost)
		m.Died = !a.Alive
		moves = append(moves, m)
	}
	return moves
}

// Occupants returns the living agents on cell, in id order.
func Occupants(s *State, cell int) []*Agent {
	var out []*Agent
	for _, a := range s.Agents {
		if a.Alive && a.CurrentCell == cell {
			out = append(out, a)
		}
	}
	return out
}
