package main

import (
	"fmt"
	"time"

	"clashd27/internal/breaker"
	"clashd27/internal/gaps"
	"clashd27/internal/store"
	"clashd27/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// timeNow is swapped in tests.
var timeNow = time.Now

var (
	gapsStatusFilter  string
	gapsVerdictFilter string
	breakerResetAll  bool
)

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Inspect and update published gaps",
}

var gapsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List gaps, optionally filtered by status or verdict",
	RunE:  runGapsList,
}

var gapsSetStatusCmd = &cobra.Command{
	Use:   "set-status [gap-id] [posted|responded|resolved]",
	Short: "Move a gap along its lifecycle",
	Args:  cobra.ExactArgs(2),
	RunE:  runGapsSetStatus,
}

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Circuit breaker operations",
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset [stage]",
	Short: "Close a tripped or disabled breaker",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBreakerReset,
}

func init() {
	gapsListCmd.Flags().StringVar(&gapsStatusFilter, "status", "", "Only show gaps with this status")
	gapsListCmd.Flags().StringVar(&gapsVerdictFilter, "verdict", "", "Only show gaps with this verdict (e.g. high-value)")
	breakerResetCmd.Flags().BoolVar(&breakerResetAll, "all", false, "Reset every breaker")
}

// withLock runs fn holding the tick lock so operator edits never interleave
// with a running tick.
func withLock(fn func(dir store.Dir) error) error {
	dir := store.Dir(cfg.DataDir)
	lock := store.NewLock(dir.Path(store.LockFile), cfg.GetLockStaleAfter())
	lock.Now = timeNow
	if _, err := lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release lock", zap.Error(err))
		}
	}()
	return fn(dir)
}

func runGapsList(cmd *cobra.Command, args []string) error {
	ix, err := gaps.Load(store.Dir(cfg.DataDir).Path(store.GapsFile))
	if err != nil {
		return err
	}
	list := ix.List(gaps.Status(gapsStatusFilter))
	if gapsVerdictFilter != "" {
		v, err := types.ParseVerdict(gapsVerdictFilter)
		if err != nil {
			return err
		}
		kept := list[:0]
		for _, g := range list {
			if g.Verdict == v {
				kept = append(kept, g)
			}
		}
		list = kept
	}
	w := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(w, "no gaps")
		return nil
	}
	for _, g := range list {
		fmt.Fprintf(w, "%s  %-9s %3d  %-6s %s\n", g.ID, g.Status, g.Score, g.Corridor, g.Claim)
	}
	return nil
}

func runGapsSetStatus(cmd *cobra.Command, args []string) error {
	return withLock(func(dir store.Dir) error {
		ix, err := gaps.Load(dir.Path(store.GapsFile))
		if err != nil {
			return err
		}
		ix.Now = timeNow
		g, err := ix.SetStatus(args[0], gaps.Status(args[1]))
		if err != nil {
			return err
		}
		if err := ix.Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", g.ID, g.Status)
		return nil
	})
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !breakerResetAll {
		return fmt.Errorf("name a stage or pass --all")
	}
	return withLock(func(dir store.Dir) error {
		set, err := breaker.Load(dir.Path(store.CircuitsFile), cfg.Breaker)
		if err != nil {
			return err
		}
		set.Now = timeNow
		if breakerResetAll {
			set.ResetAll()
		} else if err := set.Reset(args[0]); err != nil {
			return err
		}
		if err := set.Save(); err != nil {
			return err
		}
		logger.Info("breaker reset", zap.Strings("stages", args), zap.Bool("all", breakerResetAll))
		fmt.Fprintln(cmd.OutOrStdout(), "breaker reset")
		return nil
	})
}
