// Package breaker implements per-dependency circuit breakers persisted in
// circuits.json. Breakers are independent of the spend budget: an open
// breaker pauses calls to its own dependency only.
package breaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"clashd27/internal/config"
	"clashd27/internal/logging"
	"clashd27/internal/store"
)

// State is a breaker's lifecycle position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
	StateDisabled State = "disabled" // authorization/config failure; needs an operator reset
)

// Transition reports a state change caused by a call or its outcome.
type Transition int

const (
	NoTransition Transition = iota
	Opened
	HalfOpened
	Closed
	Disabled
)

// String returns a human-readable transition name.
func (t Transition) String() string {
	switch t {
	case Opened:
		return "opened"
	case HalfOpened:
		return "half_opened"
	case Closed:
		return "closed"
	case Disabled:
		return "disabled"
	default:
		return "none"
	}
}

// ErrUnknownCircuit is returned by Reset for a name with no recorded state.
var ErrUnknownCircuit = errors.New("unknown circuit")

// Circuit is the persisted state of one breaker.
type Circuit struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	Cooldown            time.Duration `json:"cooldown"`
	Trips               int           `json:"trips"`
	LastError           string        `json:"last_error,omitempty"`
}

// ReopensAt returns when an open breaker admits its trial call.
func (c Circuit) ReopensAt() time.Time {
	return c.OpenedAt.Add(c.Cooldown)
}

// Set holds every breaker keyed by dependency name.
type Set struct {
	mu        sync.Mutex
	path      string
	threshold int
	base      time.Duration
	max       time.Duration
	circuits  map[string]*Circuit

	Now func() time.Time
}

type document struct {
	Circuits map[string]*Circuit `json:"circuits"`
}

// Load reads circuits.json at path.
func Load(path string, cfg config.BreakerConfig) (*Set, error) {
	s := &Set{
		path:     path,
		circuits: make(map[string]*Circuit),
		Now:      time.Now,
	}
	s.Configure(cfg)
	var doc document
	if _, err := store.ReadJSON(path, &doc); err != nil {
		return nil, fmt.Errorf("load circuits: %w", err)
	}
	for name, c := range doc.Circuits {
		if c == nil {
			continue
		}
		c.Name = name
		s.circuits[name] = c
	}
	return s, nil
}

// Configure applies threshold and cooldown settings.
func (s *Set) Configure(cfg config.BreakerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = cfg.FailureThreshold
	if s.threshold < 1 {
		s.threshold = 1
	}
	s.base = cfg.GetCooldown()
	s.max = cfg.GetMaxCooldown()
	if s.max < s.base {
		s.max = s.base
	}
}

func (s *Set) get(name string) *Circuit {
	c, ok := s.circuits[name]
	if !ok {
		c = &Circuit{Name: name, State: StateClosed, Cooldown: s.base}
		s.circuits[name] = c
	}
	return c
}

// Allow reports whether a call to name may proceed. An open breaker whose
// cooldown elapsed moves to half-open and admits one trial call.
func (s *Set) Allow(name string) (bool, Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(name)
	switch c.State {
	case StateClosed, StateHalfOpen:
		return true, NoTransition
	case StateOpen:
		if !s.Now().Before(c.ReopensAt()) {
			c.State = StateHalfOpen
			logging.Breaker("circuit %s half-open, admitting trial call", name)
			return true, HalfOpened
		}
		return false, NoTransition
	default:
		return false, NoTransition
	}
}

// RecordSuccess closes the breaker and clears the failure run.
func (s *Set) RecordSuccess(name string) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(name)
	if c.State == StateDisabled {
		return NoTransition
	}
	prev := c.State
	c.State = StateClosed
	c.ConsecutiveFailures = 0
	c.Cooldown = s.base
	c.LastError = ""
	if prev != StateClosed {
		logging.Breaker("circuit %s closed after successful trial", name)
		return Closed
	}
	return NoTransition
}

// RecordFailure counts a failure. A closed breaker opens once the run of
// consecutive failures reaches the threshold; a failed half-open trial
// reopens with the cooldown doubled up to the configured maximum.
func (s *Set) RecordFailure(name string, cause error) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(name)
	if c.State == StateDisabled {
		return NoTransition
	}
	c.ConsecutiveFailures++
	if cause != nil {
		c.LastError = cause.Error()
	}
	now := s.Now()

	switch c.State {
	case StateHalfOpen:
		c.Cooldown *= 2
		if c.Cooldown > s.max {
			c.Cooldown = s.max
		}
		c.State = StateOpen
		c.OpenedAt = now
		c.Trips++
		logging.BreakerWarn("circuit %s trial failed, reopened for %s", name, c.Cooldown)
		return Opened
	case StateClosed:
		if c.ConsecutiveFailures >= s.threshold {
			c.State = StateOpen
			c.OpenedAt = now
			c.Cooldown = s.base
			c.Trips++
			logging.BreakerWarn("circuit %s opened after %d consecutive failures (cooldown %s): %s",
				name, c.ConsecutiveFailures, c.Cooldown, c.LastError)
			return Opened
		}
	}
	return NoTransition
}

// Disable parks the breaker until Reset.
func (s *Set) Disable(name string, cause error) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(name)
	if c.State == StateDisabled {
		return NoTransition
	}
	c.State = StateDisabled
	c.OpenedAt = s.Now()
	if cause != nil {
		c.LastError = cause.Error()
	}
	logging.BreakerWarn("circuit %s disabled until operator reset: %s", name, c.LastError)
	return Disabled
}

// Reset returns a breaker to closed with a fresh cooldown.
func (s *Set) Reset(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.circuits[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCircuit, name)
	}
	*c = Circuit{Name: name, State: StateClosed, Cooldown: s.base, Trips: c.Trips}
	logging.Breaker("circuit %s reset by operator", name)
	return nil
}

// ResetAll resets every known breaker.
func (s *Set) ResetAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.circuits))
	for name := range s.circuits {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		_ = s.Reset(name)
	}
}

// Get returns a copy of one circuit.
func (s *Set) Get(name string) (Circuit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.circuits[name]
	if !ok {
		return Circuit{}, false
	}
	return *c, true
}

// Snapshot returns every circuit sorted by name.
func (s *Set) Snapshot() []Circuit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Circuit, 0, len(s.circuits))
	for _, c := range s.circuits {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Save writes circuits.json atomically.
func (s *Set) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.WriteJSONAtomic(s.path, document{Circuits: s.circuits})
}
