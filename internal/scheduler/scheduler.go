// Package scheduler drives clashd's tick loop. One tick moves the agents onto
// the active cell, picks at most one cross-layer pair, consults the collision
// cache and hands the pair plus any queued work to the pipeline runner. All
// persisted documents are loaded under the tick lock and rewritten before it
// is released.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"clashd27/internal/cache"
	"clashd27/internal/config"
	"clashd27/internal/findings"
	"clashd27/internal/gaps"
	"clashd27/internal/logging"
	"clashd27/internal/pairing"
	"clashd27/internal/pipeline"
	"clashd27/internal/providers"
	"clashd27/internal/sim"
	"clashd27/internal/store"
	"clashd27/internal/types"

	"golang.org/x/sync/semaphore"
)

// ErrTickInFlight is returned when a tick is requested while another one is
// still running in this process. The request is dropped, not queued.
var ErrTickInFlight = errors.New("tick already in flight")

// TickResult summarizes one tick.
type TickResult struct {
	Tick       int64
	ActiveCell int
	Cycle      int64
	Events     []types.Event
	Skipped    bool

	Pair      *pipeline.PairOutcome
	Published []gaps.Gap
}

// Scheduler owns the tick loop. Only one tick runs at a time in a process;
// the file lock keeps other processes out.
type Scheduler struct {
	mu      sync.Mutex
	cfg     *config.Config
	pending *config.Config

	grid      *sim.Grid
	providers providers.Set
	archive   *store.Archive
	guard     *semaphore.Weighted
	wg        sync.WaitGroup

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New creates a scheduler. archive may be nil.
func New(cfg *config.Config, grid *sim.Grid, set providers.Set, archive *store.Archive) (*Scheduler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if !set.Complete() {
		return nil, fmt.Errorf("provider set is incomplete")
	}
	if grid == nil {
		grid = sim.DefaultGrid()
	}
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if cfg.Scheduler.CellCount != grid.Size() {
		logging.BootWarn("cell_count %d does not match grid %q with %d cells; using the grid",
			cfg.Scheduler.CellCount, grid.Name, grid.Size())
	}
	return &Scheduler{
		cfg:       cfg,
		grid:      grid,
		providers: set,
		archive:   archive,
		guard:     semaphore.NewWeighted(1),
		Now:       time.Now,
		Sleep:     pipeline.SleepContext,
	}, nil
}

// ApplyConfig stages cfg for the next tick. A tick in flight keeps the
// config it started with.
func (s *Scheduler) ApplyConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = cfg
}

// config returns the config for a starting tick, promoting a staged reload.
func (s *Scheduler) config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.cfg = s.pending
		s.pending = nil
		logging.Scheduler("reloaded config applied")
	}
	return s.cfg
}

func (s *Scheduler) dir(cfg *config.Config) store.Dir { return store.Dir(cfg.DataDir) }

func (s *Scheduler) archiver() findings.Archiver {
	if s.archive == nil {
		return nil
	}
	return s.archive
}

func (s *Scheduler) dropArchive() pipeline.DropArchive {
	if s.archive == nil {
		return nil
	}
	return s.archive
}

// Tick runs one tick. A live lock held by another process skips the tick
// with a tickSkipped event and no error.
func (s *Scheduler) Tick(ctx context.Context) (res TickResult, err error) {
	if !s.guard.TryAcquire(1) {
		logging.SchedulerWarn("tick requested while another is running; skipped")
		return TickResult{Skipped: true}, ErrTickInFlight
	}
	defer s.guard.Release(1)

	cfg := s.config()
	dir := s.dir(cfg)
	if err := dir.Ensure(); err != nil {
		return TickResult{}, err
	}

	lock := store.NewLock(dir.Path(store.LockFile), cfg.GetLockStaleAfter())
	lock.Now = s.Now
	if _, err := lock.Acquire(); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			logging.SchedulerWarn("tick skipped: %v", err)
			ev := types.Event{Kind: types.EventTickSkipped, Error: err.Error()}
			logging.Audit(logging.AuditEvent{Kind: string(ev.Kind), Tick: ev.Tick, Error: ev.Error})
			return TickResult{Skipped: true, Events: []types.Event{ev}}, nil
		}
		return TickResult{}, fmt.Errorf("acquire tick lock: %w", err)
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			logging.SchedulerError("release tick lock: %v", rerr)
			err = errors.Join(err, rerr)
		}
	}()

	docs, err := loadDocuments(dir, cfg, s.archiver(), s.Now)
	if err != nil {
		return TickResult{}, err
	}
	defer func() {
		if serr := docs.save(); serr != nil {
			logging.StoreError("saving documents after tick %d: %v", res.Tick, serr)
			err = errors.Join(err, serr)
		}
	}()

	timer := logging.StartTimer(logging.CategoryScheduler, "tick")
	defer timer.Stop()

	return s.run(ctx, cfg, docs), nil
}

// tick is the per-tick working set.
type tick struct {
	*Scheduler
	cfg    *config.Config
	docs   *documents
	n      int64
	now    time.Time
	events []types.Event
}

func (t *tick) emit(kind types.EventKind, fields map[string]any) {
	t.events = append(t.events, types.Event{Kind: kind, Tick: t.n, Fields: fields})
	logging.Audit(logging.AuditEvent{Kind: string(kind), Tick: t.n, Fields: fields})
}

func (s *Scheduler) run(ctx context.Context, cfg *config.Config, docs *documents) TickResult {
	st := docs.state
	if len(st.Agents) == 0 {
		st.Agents = sim.SeedAgents(s.grid, s.grid.Size())
		logging.Scheduler("no agents found; seeded %d", len(st.Agents))
	}

	t := &tick{Scheduler: s, cfg: cfg, docs: docs, n: st.Tick, now: s.Now().UTC()}
	size := s.grid.Size()
	res := TickResult{Tick: t.n, ActiveCell: sim.ActiveCell(t.n, size), Cycle: sim.Cycle(t.n, size)}

	budget := cfg.GetTickBudget()
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	t.resonate(res.ActiveCell)
	work, key, pick := t.selectPair(res.ActiveCell)

	runner := pipeline.NewRunner(pipeline.Deps{
		Config:    cfg.Pipeline,
		Providers: s.providers,
		Budget:    docs.budget,
		Breakers:  docs.breakers,
		Log:       docs.log,
		Gaps:      docs.gaps,
		Queues:    docs.queues,
		Archive:   s.dropArchive(),
		Rand:      rand.New(rand.NewSource(pairing.Seed(t.now, t.n))),
		Now:       s.Now,
		Sleep:     s.Sleep,
	}, t.n)
	out := runner.Run(ctx, work)

	if out.Pair != nil {
		t.settlePair(out.Pair, key, pick)
	}
	res.Pair = out.Pair
	res.Published = out.Published
	res.Events = append(t.events, out.Events...)

	st.Tick++
	st.UpdatedAt = t.now

	every := int64(cfg.Findings.RecomputeEvery)
	if out.Completed || (every > 0 && st.Tick%every == 0) {
		t.recompute()
	}

	logging.Scheduler("tick %d done: cell %d cycle %d, %d events, %d living agents",
		res.Tick, res.ActiveCell, res.Cycle, len(res.Events), st.Living())
	return res
}

// resonate moves every living agent onto the active cell.
func (t *tick) resonate(active int) {
	moves := sim.Resonate(t.docs.state, t.grid, active, sim.ResonanceOptions{
		MoveCost:     t.cfg.Scheduler.MoveEnergyCost,
		MemoryWindow: t.cfg.Scheduler.MemoryWindow,
	})
	for _, m := range moves {
		t.emit(types.EventAgentMoved, map[string]any{"agent": m.AgentID, "from": m.From, "to": m.To})
		if m.Died {
			logging.Scheduler("agent %s ran out of energy on cell %d", m.AgentID, m.To)
			t.emit(types.EventAgentDied, map[string]any{"agent": m.AgentID, "cell": m.To})
		}
	}

	cell := t.grid.Cell(active)
	occupants := sim.Occupants(t.docs.state, active)
	t.docs.log.Append(findings.Note(findings.TagCell, t.n, "",
		fmt.Sprintf("cell %d %q (%s): %d occupants, %d arrived", cell.ID, cell.Label, t.grid.LayerName(active), len(occupants), len(moves))))
}

// selectPair picks the tick's pair and runs it past the collision cache and
// the score threshold. It returns nil work when the pair should not be
// investigated this tick.
func (t *tick) selectPair(active int) (*pipeline.PairWork, string, pairing.Candidate) {
	cands := pairing.CandidatePairs(t.docs.state, t.grid, active)
	pick, shuffled, ok := pairing.Select(cands, t.now, t.n)
	if !ok {
		logging.PairingDebug("tick %d: no cross-layer pair on cell %d", t.n, active)
		return nil, "", pairing.Candidate{}
	}
	order := make([]string, len(shuffled))
	for i, c := range shuffled {
		order[i] = c.A.ID + "+" + c.B.ID
	}
	t.docs.log.Append(findings.Note(findings.TagShuffle, t.n, pick.Corridor(),
		fmt.Sprintf("seed %d: %s", pairing.Seed(t.now, t.n), strings.Join(order, ", ")), pick.A.ID, pick.B.ID))

	scorer := pairing.NewRubricScorer(t.cfg.Pairing, t.grid)
	cellA, cellB := t.grid.Cell(pick.A.HomeCell), t.grid.Cell(pick.B.HomeCell)
	score := scorer.Score(cellA, cellB)
	lo, hi := pick.Cells()
	key := cache.Key(lo, hi, scorer.RubricID(), scorer.Version())
	corridor := pick.Corridor()

	if e, hit := t.docs.cache.Lookup(key); hit {
		logging.CacheDebug("cache hit %s (expires %s)", key, e.ExpiresAt.Format(time.RFC3339))
		t.docs.log.Append(findings.Attempt(t.n, findings.OutcomeSkipped, findings.ReasonCached, corridor, "", pick.A.ID, pick.B.ID))
		return nil, key, pick
	}
	t.docs.cache.Put(key, score)

	if score.Value < t.cfg.Pairing.MinScore {
		logging.PairingDebug("pair %s scored %.3f under %.2f", corridor, score.Value, t.cfg.Pairing.MinScore)
		t.docs.log.Append(findings.Attempt(t.n, findings.OutcomeSkipped, findings.ReasonBelowThreshold, corridor, "", pick.A.ID, pick.B.ID))
		return nil, key, pick
	}

	logging.Pairing("tick %d pair %s+%s on corridor %s, collision %.3f", t.n, pick.A.ID, pick.B.ID, corridor, score.Value)
	return &pipeline.PairWork{
		Context: providers.PairContext{
			PairDescriptor: providers.PairDescriptor{
				Corridor:  corridor,
				A:         describe(t.grid, cellA),
				B:         describe(t.grid, cellB),
				Collision: score.Value,
				RubricID:  score.RubricID,
			},
			AgentA: agentContext(pick.A),
			AgentB: agentContext(pick.B),
			Day:    t.now.Format("2006-01-02"),
			Tick:   t.n,
		},
		CellA:           pick.A.HomeCell,
		CellB:           pick.B.HomeCell,
		SaturationLimit: t.cfg.Pairing.SaturationLimit,
	}, key, pick
}

// settlePair updates the pair's agents and un-caches a pair that never got
// investigated so it is eligible again.
func (t *tick) settlePair(out *pipeline.PairOutcome, key string, pick pairing.Candidate) {
	// The entry written this tick stood for an investigation that never
	// happened; dropping it is not a recompute of a live cached result.
	heldBack := !out.PaidCall || out.Reason == findings.ReasonDeferred
	if heldBack && out.Reason != findings.ReasonSaturated {
		t.docs.cache.Forget(key)
		logging.CacheDebug("forgot %s: pair held back (%s)", key, out.Reason)
	}
	if out.Outcome == findings.OutcomeSkipped {
		return
	}
	for _, a := range []*sim.Agent{pick.A, pick.B} {
		a.Findings++
	}
	if out.Discovery == nil {
		return
	}
	for _, a := range []*sim.Agent{pick.A, pick.B} {
		a.Discoveries++
		a.Bonds++
		a.AddEnergy(t.cfg.Scheduler.BondEnergy)
	}
	t.docs.log.Append(findings.Note(findings.TagBond, t.n, out.Discovery.Corridor,
		fmt.Sprintf("bonded over discovery %s", out.Discovery.ID), pick.A.ID, pick.B.ID))
}

func (t *tick) recompute() {
	records := t.docs.log.Records()
	m := findings.NewMetrics(records, t.now, t.docs.budget.Snapshot().Date)
	if err := findings.SaveMetrics(t.docs.dir.Path(store.MetricsFile), m); err != nil {
		logging.StoreError("save metrics: %v", err)
		return
	}
	for _, v := range findings.Check(records, &m) {
		logging.FindingsWarn("health: %s", v)
	}
	logging.Findings("metrics recomputed at tick %d: %d attempts, %d discoveries", t.n, m.TotalAttempts, m.TotalDiscoveries)
}

func describe(g *sim.Grid, c sim.Cell) providers.CellDescriptor {
	return providers.CellDescriptor{ID: c.ID, Label: c.Label, Layer: g.LayerName(c.ID), Keywords: c.Keywords}
}

func agentContext(a *sim.Agent) providers.AgentContext {
	return providers.AgentContext{ID: a.ID, Name: a.Name, Memory: append([]string(nil), a.Memory...)}
}

// Run ticks immediately and then every tick interval until ctx is done. Each
// tick runs in its own goroutine so a tick that overruns the interval makes
// the next one skip with ErrTickInFlight instead of piling up.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.config().GetTickInterval()
	logging.Scheduler("scheduler running: tick every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	s.spawn(ctx)
	for {
		select {
		case <-ctx.Done():
			logging.Scheduler("scheduler stopping: %v", ctx.Err())
			return nil
		case <-ticker.C:
			s.spawn(ctx)
			if next := s.config().GetTickInterval(); next != interval {
				logging.Scheduler("tick interval changed %s -> %s", interval, next)
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (s *Scheduler) spawn(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.Tick(ctx)
		switch {
		case errors.Is(err, ErrTickInFlight):
		case err != nil:
			logging.SchedulerError("tick %d failed: %v", res.Tick, err)
		}
	}()
}

// Seed replaces the agent population with count fresh agents. It takes the
// tick lock so it cannot race a running scheduler.
func (s *Scheduler) Seed(count int) (*sim.State, error) {
	if count <= 0 {
		count = s.grid.Size()
	}
	cfg := s.config()
	dir := s.dir(cfg)
	if err := dir.Ensure(); err != nil {
		return nil, err
	}
	lock := store.NewLock(dir.Path(store.LockFile), cfg.GetLockStaleAfter())
	lock.Now = s.Now
	if _, err := lock.Acquire(); err != nil {
		return nil, err
	}
	defer lock.Release()

	path := dir.Path(store.StateFile)
	st, err := sim.LoadState(path)
	if err != nil {
		return nil, err
	}
	st.Agents = sim.SeedAgents(s.grid, count)
	st.UpdatedAt = s.Now().UTC()
	if err := st.Save(path); err != nil {
		return nil, err
	}
	logging.Scheduler("seeded %d agents across %d cells", count, s.grid.Size())
	return st, nil
}
