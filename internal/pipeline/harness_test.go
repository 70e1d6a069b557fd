package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clashd27/internal/breaker"
	"clashd27/internal/budget"
	"clashd27/internal/config"
	"clashd27/internal/findings"
	"clashd27/internal/gaps"
	"clashd27/internal/providers"
	"clashd27/internal/store"
	"clashd27/internal/types"

	"github.com/stretchr/testify/require"
)

// fakes is a scripted provider set. Each func receives the zero-based call
// index for its stage.
type fakes struct {
	mu    sync.Mutex
	calls map[string]int

	screen        func(n int) (providers.ScreenResult, error)
	discover      func(n int) (providers.DiscoveryResult, error)
	existence     types.ExistenceCheck
	actionability types.ActionabilityCheck
	verify        func(n int) (*types.Verification, error)
	validate      func(n int) (*types.Feasibility, error)

	// latency delays the named stage call, honoring its context.
	latency map[string]time.Duration
}

func newFakes() *fakes {
	return &fakes{
		calls:         make(map[string]int),
		latency:       make(map[string]time.Duration),
		existence:     types.ExistenceCheck{Novelty: 75},
		actionability: types.ActionabilityCheck{Score: 76},
	}
}

func (f *fakes) next(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[name]
	f.calls[name]++
	return n
}

func (f *fakes) wait(ctx context.Context, name string) error {
	f.mu.Lock()
	d := f.latency[name]
	f.mu.Unlock()
	if d <= 0 {
		return nil
	}
	return SleepContext(ctx, d)
}

func (f *fakes) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakes) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakes) Screen(ctx context.Context, _ providers.PairDescriptor) (providers.ScreenResult, error) {
	n := f.next("screen")
	if f.screen != nil {
		return f.screen(n)
	}
	return providers.ScreenResult{Pass: true}, nil
}

func (f *fakes) Discover(ctx context.Context, _ providers.PairContext) (providers.DiscoveryResult, error) {
	n := f.next("discover")
	if f.discover != nil {
		return f.discover(n)
	}
	return providers.NoGap{Reason: "nothing"}, nil
}

func (f *fakes) Existence(ctx context.Context, _ types.Discovery) (types.ExistenceCheck, error) {
	f.next("existence")
	if err := f.wait(ctx, "existence"); err != nil {
		return types.ExistenceCheck{}, err
	}
	return f.existence, nil
}

func (f *fakes) Actionability(ctx context.Context, _ types.Discovery, _ types.ExistenceCheck) (types.ActionabilityCheck, error) {
	f.next("actionability")
	if err := f.wait(ctx, "actionability"); err != nil {
		return types.ActionabilityCheck{}, err
	}
	return f.actionability, nil
}

func (f *fakes) Verify(ctx context.Context, d types.Discovery, _ types.DeepDiveOutcome) (*types.Verification, error) {
	n := f.next("verify")
	if f.verify != nil {
		return f.verify(n)
	}
	return &types.Verification{Score: d.Score, Verdict: d.Verdict}, nil
}

func (f *fakes) Validate(ctx context.Context, _ types.Discovery) (*types.Feasibility, error) {
	n := f.next("validate")
	if f.validate != nil {
		return f.validate(n)
	}
	return &types.Feasibility{Feasible: true, Score: 70}, nil
}

func (f *fakes) set() providers.Set {
	return providers.Set{Screener: f, Discoverer: f, DeepDiver: f, Verifier: f, Validator: f}
}

type harness struct {
	t       *testing.T
	now     time.Time
	tick    int64
	fakes   *fakes
	deps    Deps
	archive *store.Archive
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	h := &harness{t: t, now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), fakes: newFakes()}
	clock := func() time.Time { return h.now }

	archive, err := store.OpenArchive(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })
	h.archive = archive

	ledger, err := budget.NewLedger(filepath.Join(dir, store.BudgetFile), cfg.Budget)
	require.NoError(t, err)
	ledger.Now = clock
	breakers, err := breaker.Load(filepath.Join(dir, store.CircuitsFile), cfg.Breaker)
	require.NoError(t, err)
	breakers.Now = clock
	log, err := findings.OpenLog(filepath.Join(dir, store.FindingsFile), cfg.Findings.LogCap, archive)
	require.NoError(t, err)
	log.Now = clock
	index, err := gaps.Load(filepath.Join(dir, store.GapsFile))
	require.NoError(t, err)
	index.Now = clock

	h.deps = Deps{
		Config:    cfg.Pipeline,
		Providers: h.fakes.set(),
		Budget:    ledger,
		Breakers:  breakers,
		Log:       log,
		Gaps:      index,
		Queues:    &Queues{},
		Archive:   archive,
		Now:       clock,
		Sleep:     func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	}
	return h
}

func (h *harness) run(pair *PairWork) Result {
	return h.runCtx(context.Background(), pair)
}

func (h *harness) runCtx(ctx context.Context, pair *PairWork) Result {
	r := NewRunner(h.deps, h.tick)
	h.tick++
	return r.Run(ctx, pair)
}

func pairWork() *PairWork {
	return &PairWork{
		Context: providers.PairContext{
			PairDescriptor: providers.PairDescriptor{
				Corridor:  "0x20",
				A:         providers.CellDescriptor{ID: 0, Label: "genomic sequencing", Layer: "data"},
				B:         providers.CellDescriptor{ID: 20, Label: "antimicrobial resistance", Layer: "hypothesis"},
				Collision: 0.72,
				RubricID:  "golden",
			},
			AgentA: providers.AgentContext{ID: "agent-000"},
			AgentB: providers.AgentContext{ID: "agent-020"},
			Day:    "2026-03-01",
		},
		CellA:           0,
		CellB:           20,
		SaturationLimit: 2,
	}
}

func highValue(score int) func(int) (providers.DiscoveryResult, error) {
	return func(int) (providers.DiscoveryResult, error) {
		return providers.Discovered{
			Claim:            "variant callers transfer to resistance surveillance",
			Verdict:          types.VerdictHighValue,
			Score:            score,
			Evidence:         []string{"shared genome features"},
			References:       []string{"doi:10.1000/xyz"},
			SpeculativeLeaps: 1,
		}, nil
	}
}

func queuedDiscovery(id string, score int, verdict types.Verdict) types.Discovery {
	return types.Discovery{
		ID: id, Corridor: "0x20", Score: score, Verdict: verdict,
		DeepDive:   &types.DeepDiveOutcome{Total: score, Verdict: verdict},
		References: []string{"ref-" + id},
	}
}
