// Package budget tracks estimated spend on paid pipeline calls against a
// daily ceiling that resets at 00:00 UTC.
package budget

import (
	"fmt"
	"math"
	"sync"
	"time"

	"clashd27/internal/config"
	"clashd27/internal/logging"
	"clashd27/internal/store"
)

const dayLayout = "2006-01-02"

// Ledger manages spend recording and persistence.
type Ledger struct {
	mu      sync.Mutex
	path    string
	ceiling float64
	pricing map[string]config.Price
	state   State

	Now func() time.Time
}

// NewLedger loads the ledger document at path. A missing or corrupt document
// starts a fresh day.
func NewLedger(path string, cfg config.BudgetConfig) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		ceiling: cfg.DailyCeilingUSD,
		pricing: cfg.Pricing,
		Now:     time.Now,
	}
	if _, err := store.ReadJSON(path, &l.state); err != nil {
		return nil, fmt.Errorf("load budget: %w", err)
	}
	l.ensureMaps()
	return l, nil
}

func (l *Ledger) ensureMaps() {
	if l.state.ByModel == nil {
		l.state.ByModel = make(map[string]ModelSpend)
	}
	if l.state.ByStage == nil {
		l.state.ByStage = make(map[string]ModelSpend)
	}
}

// Configure replaces the ceiling and price table, e.g. after a config reload.
func (l *Ledger) Configure(cfg config.BudgetConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ceiling = cfg.DailyCeilingUSD
	l.pricing = cfg.Pricing
}

// Cost estimates the USD cost of one call.
func (l *Ledger) Cost(model string, inputTokens, outputTokens int) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.costLocked(model, inputTokens, outputTokens)
}

func (l *Ledger) costLocked(model string, in, out int) float64 {
	p, ok := l.pricing[model]
	if !ok {
		return 0
	}
	return float64(in)/1e6*p.InputPerMTok + float64(out)/1e6*p.OutputPerMTok
}

// rollLocked resets counters when the UTC day changed since the last write.
func (l *Ledger) rollLocked() Transition {
	today := l.Now().UTC().Format(dayLayout)
	if l.state.Date == today {
		return NoTransition
	}
	wasPaused := l.state.Paused
	prev := l.state.Date
	l.state = State{Date: today}
	l.ensureMaps()
	if prev != "" {
		logging.Budget("UTC day rolled %s -> %s, spend reset", prev, today)
	}
	if wasPaused {
		return Resumed
	}
	return NoTransition
}

// Allow reports whether another paid call may be made. The returned
// transition is Paused on the first refusal of a day and Resumed on the first
// check after a paused day rolled over.
func (l *Ledger) Allow() (bool, Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tr := l.rollLocked()
	if l.state.SpentUSD >= l.ceiling {
		if !l.state.Paused {
			l.state.Paused = true
			logging.BudgetWarn("daily ceiling reached: spent $%.4f of $%.2f, paid stages paused until next UTC day",
				l.state.SpentUSD, l.ceiling)
			return false, Paused
		}
		return false, NoTransition
	}
	return true, tr
}

// Record charges one call and returns its estimated cost.
func (l *Ledger) Record(stage, model string, inputTokens, outputTokens int) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollLocked()
	cost := l.costLocked(model, inputTokens, outputTokens)
	l.state.SpentUSD += cost
	l.state.Calls++

	m := l.state.ByModel[model]
	m.Add(inputTokens, outputTokens, cost)
	l.state.ByModel[model] = m

	s := l.state.ByStage[stage]
	s.Add(inputTokens, outputTokens, cost)
	l.state.ByStage[stage] = s

	return cost
}

// Remaining returns the unspent part of today's ceiling, never negative.
func (l *Ledger) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return math.Max(0, l.ceiling-l.state.SpentUSD)
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state
	s.ByModel = copySpendMap(s.ByModel)
	s.ByStage = copySpendMap(s.ByStage)
	return s
}

// Save writes the ledger document atomically.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Date == "" {
		l.state.Date = l.Now().UTC().Format(dayLayout)
	}
	return store.WriteJSONAtomic(l.path, l.state)
}

func copySpendMap(src map[string]ModelSpend) map[string]ModelSpend {
	if src == nil {
		return nil
	}
	dst := make(map[string]ModelSpend, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
