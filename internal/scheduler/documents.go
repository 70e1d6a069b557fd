package scheduler

import (
	"errors"
	"fmt"
	"time"

	"clashd27/internal/breaker"
	"clashd27/internal/budget"
	"clashd27/internal/cache"
	"clashd27/internal/config"
	"clashd27/internal/findings"
	"clashd27/internal/gaps"
	"clashd27/internal/pipeline"
	"clashd27/internal/sim"
	"clashd27/internal/store"
)

// documents is every persisted document one tick reads and rewrites.
type documents struct {
	dir      store.Dir
	state    *sim.State
	queues   *pipeline.Queues
	cache    *cache.Cache
	log      *findings.Log
	gaps     *gaps.Index
	budget   *budget.Ledger
	breakers *breaker.Set
}

// loadDocuments reads every document under dir, configured from cfg. Missing
// documents start empty; corrupt ones are backed up and reset by the store.
func loadDocuments(dir store.Dir, cfg *config.Config, archive findings.Archiver, now func() time.Time) (*documents, error) {
	d := &documents{dir: dir}
	var err error

	if d.state, err = sim.LoadState(dir.Path(store.StateFile)); err != nil {
		return nil, err
	}
	if d.queues, err = pipeline.LoadQueues(dir.Path(store.QueuesFile)); err != nil {
		return nil, err
	}
	if d.cache, err = cache.Load(dir.Path(store.CacheFile), cfg.Pairing.GetCacheBaseTTL(), cfg.Pairing.CacheJitter); err != nil {
		return nil, fmt.Errorf("load cache: %w", err)
	}
	d.cache.Now = now
	if d.log, err = findings.OpenLog(dir.Path(store.FindingsFile), cfg.Findings.LogCap, archive); err != nil {
		return nil, fmt.Errorf("load findings: %w", err)
	}
	d.log.Now = now
	if d.gaps, err = gaps.Load(dir.Path(store.GapsFile)); err != nil {
		return nil, err
	}
	d.gaps.Now = now
	if d.budget, err = budget.NewLedger(dir.Path(store.BudgetFile), cfg.Budget); err != nil {
		return nil, fmt.Errorf("load budget: %w", err)
	}
	d.budget.Now = now
	if d.breakers, err = breaker.Load(dir.Path(store.CircuitsFile), cfg.Breaker); err != nil {
		return nil, fmt.Errorf("load circuits: %w", err)
	}
	d.breakers.Now = now
	return d, nil
}

// save rewrites every document and reports all failures together.
func (d *documents) save() error {
	return errors.Join(
		d.state.Save(d.dir.Path(store.StateFile)),
		d.queues.Save(d.dir.Path(store.QueuesFile)),
		d.cache.Save(),
		d.log.Save(),
		d.gaps.Save(),
		d.budget.Save(),
		d.breakers.Save(),
	)
}
