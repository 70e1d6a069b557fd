package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"clashd27/internal/breaker"
	"clashd27/internal/budget"
	"clashd27/internal/cache"
	"clashd27/internal/findings"
	"clashd27/internal/gaps"
	"clashd27/internal/pipeline"
	"clashd27/internal/sim"
	"clashd27/internal/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show simulation, queue, budget, breaker and gap state",
	RunE:  runStatus,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check persisted metrics against the finding log",
	Long: `Recomputes the aggregates from findings.json and compares them with
metrics.json. Exits non-zero when any consistency rule is violated.`,
	RunE: runHealth,
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Rebuild metrics.json from the finding log",
	RunE:  runRecompute,
}

// snapshot is everything status reports, read without taking the tick lock.
type snapshot struct {
	state    *sim.State
	queues   *pipeline.Queues
	budget   budget.State
	circuits []breaker.Circuit
	gaps     []gaps.Gap
	cache    []cache.Entry
	metrics  findings.Metrics
	hasStats bool
	archive  map[string]int64
}

func loadSnapshot(dir store.Dir) (*snapshot, error) {
	var snap snapshot
	var g errgroup.Group

	g.Go(func() error {
		var err error
		snap.state, err = sim.LoadState(dir.Path(store.StateFile))
		return err
	})
	g.Go(func() error {
		var err error
		snap.queues, err = pipeline.LoadQueues(dir.Path(store.QueuesFile))
		return err
	})
	g.Go(func() error {
		l, err := budget.NewLedger(dir.Path(store.BudgetFile), cfg.Budget)
		if err != nil {
			return err
		}
		snap.budget = l.Snapshot()
		return nil
	})
	g.Go(func() error {
		set, err := breaker.Load(dir.Path(store.CircuitsFile), cfg.Breaker)
		if err != nil {
			return err
		}
		snap.circuits = set.Snapshot()
		return nil
	})
	g.Go(func() error {
		ix, err := gaps.Load(dir.Path(store.GapsFile))
		if err != nil {
			return err
		}
		snap.gaps = ix.List("")
		return nil
	})
	g.Go(func() error {
		c, err := cache.Load(dir.Path(store.CacheFile), cfg.Pairing.GetCacheBaseTTL(), cfg.Pairing.CacheJitter)
		if err != nil {
			return err
		}
		snap.cache = c.Entries()
		return nil
	})
	g.Go(func() error {
		var err error
		snap.metrics, snap.hasStats, err = findings.LoadMetrics(dir.Path(store.MetricsFile))
		return err
	})
	g.Go(func() error {
		a, err := store.OpenArchive(dir.Path(store.ArchiveDBFile))
		if err != nil {
			return err
		}
		defer a.Close()
		snap.archive, err = a.Stats()
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &snap, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	snap, err := loadSnapshot(store.Dir(cfg.DataDir))
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), snap)
	return nil
}

func printStatus(w io.Writer, snap *snapshot) {
	fmt.Fprintln(w, headingStyle.Render("Simulation"))
	fmt.Fprintf(w, "  tick %d, %d/%d agents alive\n", snap.state.Tick, snap.state.Living(), len(snap.state.Agents))

	fmt.Fprintln(w, headingStyle.Render("Queues"))
	for _, q := range []pipeline.QueueName{pipeline.QueueDeepDive, pipeline.QueueVerification, pipeline.QueueValidation} {
		fmt.Fprintf(w, "  %-13s %d\n", q, snap.queues.Len(q))
	}

	fmt.Fprintln(w, headingStyle.Render("Budget"))
	line := fmt.Sprintf("  %s: $%.4f of $%.2f, %d calls", snap.budget.Date, snap.budget.SpentUSD, cfg.Budget.DailyCeilingUSD, snap.budget.Calls)
	if snap.budget.Paused {
		line = warnStyle.Render(line + " (paused)")
	}
	fmt.Fprintln(w, line)

	fmt.Fprintln(w, headingStyle.Render("Breakers"))
	if len(snap.circuits) == 0 {
		fmt.Fprintln(w, "  none tripped yet")
	}
	for _, c := range snap.circuits {
		line := fmt.Sprintf("  %-10s %-9s failures=%d trips=%d", c.Name, c.State, c.ConsecutiveFailures, c.Trips)
		if c.State != breaker.StateClosed {
			line = warnStyle.Render(line + " " + c.LastError)
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w, headingStyle.Render("Gaps"))
	counts := make(map[gaps.Status]int)
	for _, g := range snap.gaps {
		counts[g.Status]++
	}
	for _, st := range []gaps.Status{gaps.StatusOpen, gaps.StatusPosted, gaps.StatusResponded, gaps.StatusResolved} {
		fmt.Fprintf(w, "  %-10s %d\n", st, counts[st])
	}

	fmt.Fprintln(w, headingStyle.Render("Collision cache"))
	now := timeNow()
	live := 0
	var next time.Time
	for _, e := range snap.cache {
		if e.Expired(now) {
			continue
		}
		live++
		if next.IsZero() || e.ExpiresAt.Before(next) {
			next = e.ExpiresAt
		}
	}
	if live == 0 {
		fmt.Fprintln(w, "  empty")
	} else {
		fmt.Fprintf(w, "  %d live pairs, next expiry %s\n", live, next.Format("2006-01-02 15:04"))
	}

	fmt.Fprintln(w, headingStyle.Render("Metrics"))
	if !snap.hasStats {
		fmt.Fprintln(w, "  not computed yet")
	} else {
		m := snap.metrics
		fmt.Fprintf(w, "  attempts %d, discoveries %d, high-value %d, drafts %d (updated %s)\n",
			m.TotalAttempts, m.TotalDiscoveries, m.TotalHighValue, m.TotalDrafts, m.LastUpdated.Format("2006-01-02 15:04"))
		rates := m.Rates()
		keys := make([]string, 0, len(rates))
		for k := range rates {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %-16s %6.2f\n", k, rates[k])
		}
	}

	fmt.Fprintln(w, headingStyle.Render("Archive"))
	fmt.Fprintf(w, "  evicted findings %d, dropped items %d\n", snap.archive["evicted_findings"], snap.archive["dropped_items"])
}

var errUnhealthy = errors.New("metrics are inconsistent with the finding log")

func runHealth(cmd *cobra.Command, args []string) error {
	dir := store.Dir(cfg.DataDir)
	log, err := findings.OpenLog(dir.Path(store.FindingsFile), cfg.Findings.LogCap, nil)
	if err != nil {
		return err
	}
	m, found, err := findings.LoadMetrics(dir.Path(store.MetricsFile))
	if err != nil {
		return err
	}
	var persisted *findings.Metrics
	if found {
		persisted = &m
	}

	w := cmd.OutOrStdout()
	violations := findings.Check(log.Records(), persisted)
	if len(violations) == 0 {
		fmt.Fprintln(w, okStyle.Render(fmt.Sprintf("healthy: %d findings checked", log.Len())))
		return nil
	}
	for _, v := range violations {
		fmt.Fprintln(w, warnStyle.Render(v.String()))
	}
	return fmt.Errorf("%w: %d violations", errUnhealthy, len(violations))
}

func runRecompute(cmd *cobra.Command, args []string) error {
	return withLock(func(dir store.Dir) error {
		log, err := findings.OpenLog(dir.Path(store.FindingsFile), cfg.Findings.LogCap, nil)
		if err != nil {
			return err
		}
		l, err := budget.NewLedger(dir.Path(store.BudgetFile), cfg.Budget)
		if err != nil {
			return err
		}
		m := findings.NewMetrics(log.Records(), timeNow(), l.Snapshot().Date)
		if err := findings.SaveMetrics(dir.Path(store.MetricsFile), m); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "metrics rebuilt from %d findings: %d attempts, %d discoveries\n",
			log.Len(), m.TotalAttempts, m.TotalDiscoveries)
		return nil
	})
}
