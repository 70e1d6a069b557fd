package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"clashd27/internal/config"
	"clashd27/internal/providers"
	"clashd27/internal/scheduler"
	"clashd27/internal/sim"
	"clashd27/internal/store"
	"clashd27/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	initForce bool
	seedCount int
	offline   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file and create the data directory",
	RunE:  runInit,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Replace the agent population",
	Long: `Creates fresh agents spread round-robin across the grid, each at full
energy on its home cell. The tick counter is kept.`,
	RunE: runSeed,
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run exactly one tick and print its events",
	RunE:  runTick,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Tick on the configured interval until interrupted",
	Long: `Runs an immediate tick and then one per tick_interval. Edits to the config
file are picked up at the next tick. SIGINT or SIGTERM stops the loop after
the running tick completes.`,
	RunE: runLoop,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	seedCmd.Flags().IntVar(&seedCount, "count", 0, "Number of agents (default: one per cell)")
	for _, c := range []*cobra.Command{tickCmd, runCmd, seedCmd} {
		c.Flags().BoolVar(&offline, "offline", false, "Use the deterministic local providers (no network)")
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}
	out := config.DefaultConfig()
	out.DataDir = cfg.DataDir
	if err := out.Save(configPath); err != nil {
		return err
	}
	if err := store.Dir(out.DataDir).Ensure(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (data dir %s)\n", configPath, out.DataDir)
	return nil
}

// providerSet returns the collaborators ticks call. Only the offline set is
// built into this binary.
func providerSet() (providers.Set, error) {
	if !offline {
		return providers.Set{}, errors.New("no remote providers are configured in this build; pass --offline for a local dry run")
	}
	return providers.NewOffline().Set(), nil
}

func newScheduler() (*scheduler.Scheduler, func(), error) {
	set, err := providerSet()
	if err != nil {
		return nil, nil, err
	}
	grid, err := sim.LoadGridOrDefault(cfg.GridFile)
	if err != nil {
		return nil, nil, err
	}
	archive, err := store.OpenArchive(store.Dir(cfg.DataDir).Path(store.ArchiveDBFile))
	if err != nil {
		return nil, nil, err
	}
	s, err := scheduler.New(cfg, grid, set, archive)
	if err != nil {
		archive.Close()
		return nil, nil, err
	}
	return s, func() { archive.Close() }, nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	offline = true // seeding makes no provider calls
	s, closeFn, err := newScheduler()
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := s.Seed(seedCount)
	if err != nil {
		return err
	}
	logger.Info("seeded agents", zap.Int("count", len(st.Agents)), zap.Int64("tick", st.Tick))
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d agents\n", len(st.Agents))
	return nil
}

func runTick(cmd *cobra.Command, args []string) error {
	s, closeFn, err := newScheduler()
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := s.Tick(cmd.Context())
	if err != nil {
		return err
	}
	printTick(cmd, res)
	return nil
}

func printTick(cmd *cobra.Command, res scheduler.TickResult) {
	w := cmd.OutOrStdout()
	if res.Skipped {
		fmt.Fprintln(w, "tick skipped: another scheduler holds the lock")
		return
	}
	fmt.Fprintf(w, "tick %d: cell %d, cycle %d\n", res.Tick, res.ActiveCell, res.Cycle)
	if res.Pair != nil {
		line := string(res.Pair.Outcome)
		if res.Pair.Reason != "" {
			line += " (" + res.Pair.Reason + ")"
		}
		if d := res.Pair.Discovery; d != nil {
			line += fmt.Sprintf(": %s %s score %d", d.ID, d.Verdict, d.Score)
		}
		fmt.Fprintf(w, "  pair: %s\n", line)
	}
	for _, g := range res.Published {
		fmt.Fprintf(w, "  published %s (%s, score %d)\n", g.ID, g.Corridor, g.Score)
	}
	for _, ev := range res.Events {
		if ev.Kind == types.EventAgentMoved {
			continue
		}
		fmt.Fprintf(w, "  event %s %s %s\n", ev.Kind, ev.Stage, ev.Error)
	}
}

func runLoop(cmd *cobra.Command, args []string) error {
	s, closeFn, err := newScheduler()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		if dataDir != "" {
			next.DataDir = dataDir
		}
		if next.DataDir != cfg.DataDir {
			logger.Warn("data_dir change ignored until restart", zap.String("data_dir", next.DataDir))
			next.DataDir = cfg.DataDir
		}
		s.ApplyConfig(next)
	})
	if err != nil {
		logger.Warn("config hot reload disabled", zap.Error(err))
	} else {
		defer watcher.Stop()
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		}
	}

	logger.Info("scheduler starting",
		zap.String("data_dir", cfg.DataDir),
		zap.Duration("tick_interval", cfg.GetTickInterval()),
		zap.Bool("offline", offline))
	return s.Run(ctx)
}
