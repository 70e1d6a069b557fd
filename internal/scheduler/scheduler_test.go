package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clashd27/internal/budget"
	"clashd27/internal/cache"
	"clashd27/internal/config"
	"clashd27/internal/findings"
	"clashd27/internal/pipeline"
	"clashd27/internal/providers"
	"clashd27/internal/sim"
	"clashd27/internal/store"
	"clashd27/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scripted answers every stage from fixed results and counts calls.
type scripted struct {
	mu    sync.Mutex
	calls map[string]int

	discover func(n int) providers.DiscoveryResult
	verify   types.Verification
}

func (f *scripted) hit(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	n := f.calls[stage]
	f.calls[stage]++
	return n
}

func (f *scripted) count(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

func (f *scripted) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *scripted) Screen(context.Context, providers.PairDescriptor) (providers.ScreenResult, error) {
	f.hit("screen")
	return providers.ScreenResult{Pass: true}, nil
}

func (f *scripted) Discover(context.Context, providers.PairContext) (providers.DiscoveryResult, error) {
	n := f.hit("discover")
	if f.discover != nil {
		return f.discover(n), nil
	}
	return providers.NoGap{Reason: "nothing here"}, nil
}

func (f *scripted) Existence(context.Context, types.Discovery) (types.ExistenceCheck, error) {
	f.hit("existence")
	return types.ExistenceCheck{Novelty: 75}, nil
}

func (f *scripted) Actionability(context.Context, types.Discovery, types.ExistenceCheck) (types.ActionabilityCheck, error) {
	f.hit("actionability")
	return types.ActionabilityCheck{Score: 76}, nil
}

func (f *scripted) Verify(context.Context, types.Discovery, types.DeepDiveOutcome) (*types.Verification, error) {
	f.hit("verify")
	v := f.verify
	return &v, nil
}

func (f *scripted) Validate(context.Context, types.Discovery) (*types.Feasibility, error) {
	f.hit("validate")
	return &types.Feasibility{Feasible: true, Score: 70}, nil
}

func (f *scripted) set() providers.Set {
	return providers.Set{Screener: f, Discoverer: f, DeepDiver: f, Verifier: f, Validator: f}
}

type fixture struct {
	sched *Scheduler
	fake  *scripted
	cfg   *config.Config
	dir   store.Dir
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Pairing.MinScore = 0

	f := &fixture{
		fake: &scripted{},
		cfg:  cfg,
		dir:  store.Dir(cfg.DataDir),
		now:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	s, err := New(cfg, sim.DefaultGrid(), f.fake.set(), nil)
	require.NoError(t, err)
	s.Now = func() time.Time { return f.now }
	s.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	f.sched = s
	return f
}

func (f *fixture) tick(t *testing.T) TickResult {
	t.Helper()
	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	return res
}

func TestTickAdvancesCellAndCounter(t *testing.T) {
	f := newFixture(t)

	first := f.tick(t)
	assert.Equal(t, int64(0), first.Tick)
	assert.Equal(t, 0, first.ActiveCell)
	assert.False(t, first.Skipped)
	assert.Equal(t, 26, types.CountEvents(first.Events, types.EventAgentMoved))

	second := f.tick(t)
	assert.Equal(t, int64(1), second.Tick)
	assert.Equal(t, 1, second.ActiveCell)

	st, err := sim.LoadState(f.dir.Path(store.StateFile))
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Tick)
	require.Len(t, st.Agents, 27)
	for _, a := range st.Agents {
		assert.Equal(t, 1, a.CurrentCell)
	}

	_, found, err := store.NewLock(f.dir.Path(store.LockFile), time.Minute).Read()
	require.NoError(t, err)
	assert.False(t, found, "lock released after tick")
}

func TestTickEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.fake.discover = func(n int) providers.DiscoveryResult {
		if n > 0 {
			return providers.NoGap{Reason: "nothing new"}
		}
		return providers.Discovered{
			Claim:            "variant callers transfer to resistance surveillance",
			Verdict:          types.VerdictHighValue,
			Score:            82,
			Evidence:         []string{"shared genome features"},
			References:       []string{"doi:10.1000/xyz"},
			SpeculativeLeaps: 1,
		}
	}
	f.fake.verify = types.Verification{Score: 61, Verdict: types.VerdictHighValue}

	res := f.tick(t)
	require.NotNil(t, res.Pair)
	require.NotNil(t, res.Pair.Discovery)
	agentA := res.Pair.Discovery.AgentA

	f.tick(t) // deep-dive
	f.tick(t) // verify

	assert.Equal(t, 1, f.fake.count("verify"))
	assert.Equal(t, 0, f.fake.count("validate"))

	m, found, err := findings.LoadMetrics(f.dir.Path(store.MetricsFile))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, m.TotalDiscoveries)
	assert.Equal(t, 1, m.TotalConfirmedDirection)
	assert.Equal(t, 0, m.TotalHighValue)
	assert.Equal(t, "2026-03-01", m.CostDate)

	q, err := pipeline.LoadQueues(f.dir.Path(store.QueuesFile))
	require.NoError(t, err)
	assert.Zero(t, q.Len(pipeline.QueueDeepDive)+q.Len(pipeline.QueueVerification)+q.Len(pipeline.QueueValidation))

	st, err := sim.LoadState(f.dir.Path(store.StateFile))
	require.NoError(t, err)
	a := st.Agent(agentA)
	require.NotNil(t, a)
	assert.Equal(t, 1, a.Discoveries)
	assert.Equal(t, 1, a.Bonds)
}

func TestTickBudgetPausesUntilUTCRollover(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, store.WriteJSONAtomic(f.dir.Path(store.BudgetFile), budget.State{
		Date: "2026-03-01", SpentUSD: 5.01, Calls: 400,
	}))

	res := f.tick(t)
	assert.Equal(t, 1, types.CountEvents(res.Events, types.EventBudgetPaused))
	assert.Equal(t, findings.ReasonBudgetPaused, res.Pair.Reason)
	assert.Equal(t, 0, f.fake.total())

	entries := readCacheLen(t, f)
	assert.Zero(t, entries, "a pair held back by the budget is not cached")

	f.now = time.Date(2026, 3, 2, 0, 0, 30, 0, time.UTC)
	res = f.tick(t)
	assert.Equal(t, 1, types.CountEvents(res.Events, types.EventBudgetResumed))
	assert.Positive(t, f.fake.count("screen"))

	var state budget.State
	_, err := store.ReadJSON(f.dir.Path(store.BudgetFile), &state)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", state.Date)
	assert.False(t, state.Paused)
	assert.Less(t, state.SpentUSD, 1.0)
}

func TestTickCachedPairIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.tick(t)
	screens := f.fake.count("screen")

	// Same cell and pair again: rewind the tick counter.
	st, err := sim.LoadState(f.dir.Path(store.StateFile))
	require.NoError(t, err)
	st.Tick = 0
	require.NoError(t, st.Save(f.dir.Path(store.StateFile)))

	res := f.tick(t)
	require.Nil(t, res.Pair)
	assert.Equal(t, screens, f.fake.count("screen"))

	records := readFindings(t, f)
	last := lastAttempt(records)
	require.NotNil(t, last)
	assert.Equal(t, findings.OutcomeSkipped, last.Outcome)
	assert.Equal(t, findings.ReasonCached, last.Reason)
	assert.Nil(t, last.DiscoveryID)
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	other := store.NewLock(f.dir.Path(store.LockFile), 10*time.Minute)
	other.Now = func() time.Time { return f.now.Add(-time.Minute) }
	_, err := other.Acquire()
	require.NoError(t, err)

	res := f.tick(t)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, types.CountEvents(res.Events, types.EventTickSkipped))
	assert.Equal(t, 0, f.fake.total())

	st, err := sim.LoadState(f.dir.Path(store.StateFile))
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Tick)
}

func TestTickOverridesStaleLock(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, store.WriteJSONAtomic(f.dir.Path(store.LockFile), store.LockRecord{
		OwnerPID: 999999, Timestamp: f.now.Add(-11 * time.Minute),
	}))

	res := f.tick(t)
	assert.False(t, res.Skipped)
	assert.Equal(t, int64(0), res.Tick)
}

func TestTickInFlightIsRejected(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.sched.guard.TryAcquire(1))
	defer f.sched.guard.Release(1)

	res, err := f.sched.Tick(context.Background())
	assert.True(t, errors.Is(err, ErrTickInFlight))
	assert.True(t, res.Skipped)
}

func TestApplyConfigTakesEffectNextTick(t *testing.T) {
	f := newFixture(t)

	next := *f.cfg
	next.Pairing.MinScore = 2 // nothing can pass
	f.sched.ApplyConfig(&next)
	assert.Same(t, f.cfg, f.sched.cfg, "staged until a tick starts")

	res := f.tick(t)
	assert.Same(t, &next, f.sched.cfg)
	assert.Nil(t, res.Pair)
	last := lastAttempt(readFindings(t, f))
	require.NotNil(t, last)
	assert.Equal(t, findings.ReasonBelowThreshold, last.Reason)
	assert.Equal(t, 0, f.fake.total())
}

func TestSeedReplacesAgents(t *testing.T) {
	f := newFixture(t)
	f.tick(t)

	st, err := f.sched.Seed(9)
	require.NoError(t, err)
	assert.Len(t, st.Agents, 9)
	assert.Equal(t, int64(1), st.Tick, "seeding keeps the tick counter")
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.cfg.Scheduler.TickInterval = "10ms"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := sim.LoadState(f.dir.Path(store.StateFile))
		return err == nil && st.Tick >= 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func readFindings(t *testing.T, f *fixture) []findings.Finding {
	t.Helper()
	log, err := findings.OpenLog(f.dir.Path(store.FindingsFile), f.cfg.Findings.LogCap, nil)
	require.NoError(t, err)
	return log.Records()
}

func lastAttempt(records []findings.Finding) *findings.Finding {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Tag == findings.TagAttempt {
			return &records[i]
		}
	}
	return nil
}

func readCacheLen(t *testing.T, f *fixture) int {
	t.Helper()
	c, err := cache.Load(f.dir.Path(store.CacheFile), time.Hour, 0)
	require.NoError(t, err)
	c.Now = func() time.Time { return f.now }
	return c.Len()
}
