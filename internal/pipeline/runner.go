// Package pipeline runs the six discovery stages: screen, discover,
// deep-dive, verify, validate and publish. Each tick a fresh Runner drains
// at most one item per stage, downstream first, then investigates the
// tick's pair. Every paid call is gated by the daily budget and the stage's
// circuit breaker and runs under providers.Call's timeout race.
package pipeline

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"clashd27/internal/breaker"
	"clashd27/internal/budget"
	"clashd27/internal/config"
	"clashd27/internal/findings"
	"clashd27/internal/gaps"
	"clashd27/internal/logging"
	"clashd27/internal/providers"
	"clashd27/internal/store"
	"clashd27/internal/types"

	"github.com/google/uuid"
)

// DropArchive receives items removed from a queue without completing.
type DropArchive interface {
	RecordDropped(item store.DroppedItem, at time.Time) error
}

// Deps are the documents and collaborators one tick works against. The
// caller loads them before Run and saves them after.
type Deps struct {
	Config    config.PipelineConfig
	Providers providers.Set
	Budget    *budget.Ledger
	Breakers  *breaker.Set
	Log       *findings.Log
	Gaps      *gaps.Index
	Queues    *Queues
	Archive   DropArchive // optional

	// Rand picks which saturated discovery to deepen. Seed it from the
	// tick so choices are reproducible.
	Rand  *rand.Rand
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result summarizes one tick of pipeline work.
type Result struct {
	Events    []types.Event
	Pair      *PairOutcome
	Published []gaps.Gap

	// Completed is set when a discovery or a verification finished, which
	// triggers a metrics recompute.
	Completed bool
}

// Runner executes one tick of pipeline work. It is not re-entrant.
type Runner struct {
	Deps
	tick int64

	events       []types.Event
	published    []gaps.Gap
	completed    bool
	deferred     bool
	budgetHalted bool
	circuitSeen  map[types.Stage]bool
}

// NewRunner prepares a runner for tick.
func NewRunner(d Deps, tick int64) *Runner {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sleep == nil {
		d.Sleep = SleepContext
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewSource(tick))
	}
	return &Runner{Deps: d, tick: tick, circuitSeen: make(map[types.Stage]bool)}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains one item per queue stage, downstream first, then runs the
// pair stages when pair is non-nil.
func (r *Runner) Run(ctx context.Context, pair *PairWork) Result {
	r.checkBudget()

	r.runPublish()
	r.runValidate(ctx)
	r.runVerify(ctx)
	r.runDeepDive(ctx)

	var po *PairOutcome
	if pair != nil {
		po = r.runPair(ctx, pair)
	}
	return Result{Events: r.events, Pair: po, Published: r.published, Completed: r.completed}
}

func (r *Runner) emit(kind types.EventKind, stage types.Stage, err error, fields map[string]any) {
	ev := types.Event{Kind: kind, Tick: r.tick, Stage: stage, Fields: fields}
	if err != nil {
		ev.Error = err.Error()
	}
	r.events = append(r.events, ev)
	logging.Audit(logging.AuditEvent{
		Kind: string(kind), Tick: r.tick, Stage: string(stage), Error: ev.Error, Fields: fields,
	})
}

func (r *Runner) record(f findings.Finding) findings.Finding {
	return r.Log.Append(f)
}

// checkBudget surfaces the budget state once at the start of the tick.
func (r *Runner) checkBudget() {
	ok, tr := r.Budget.Allow()
	if tr == budget.Resumed {
		logging.Budget("UTC day rolled over, paid stages resumed")
		r.emit(types.EventBudgetResumed, "", nil, nil)
	}
	if !ok {
		r.haltBudget()
	}
}

func (r *Runner) haltBudget() {
	if r.budgetHalted {
		return
	}
	r.budgetHalted = true
	snap := r.Budget.Snapshot()
	r.emit(types.EventBudgetPaused, "", nil, map[string]any{"spent_usd": snap.SpentUSD, "date": snap.Date})
}

// admit gates one paid call. The returned reason is a findings skip reason.
func (r *Runner) admit(ctx context.Context, stage types.Stage) (bool, string) {
	if r.deferred {
		return false, findings.ReasonDeferred
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < r.Config.GetMinCallWindow() {
		r.deferStage(ctx, stage)
		return false, findings.ReasonDeferred
	}
	if r.budgetHalted {
		return false, findings.ReasonBudgetPaused
	}
	ok, tr := r.Budget.Allow()
	if tr == budget.Resumed {
		r.emit(types.EventBudgetResumed, "", nil, nil)
	}
	if !ok {
		r.haltBudget()
		return false, findings.ReasonBudgetPaused
	}
	ok, btr := r.Breakers.Allow(string(stage))
	if btr == breaker.HalfOpened {
		logging.PipelineDebug("%s breaker half-open, trial call", stage)
	}
	if !ok {
		if !r.circuitSeen[stage] {
			r.circuitSeen[stage] = true
			r.emit(types.EventCircuitOpen, stage, nil, nil)
		}
		return false, findings.ReasonCircuitOpen
	}
	return true, ""
}

// deferStage stops paid work for the rest of the tick.
func (r *Runner) deferStage(ctx context.Context, stage types.Stage) {
	if r.deferred {
		return
	}
	r.deferred = true
	var remaining time.Duration
	if dl, ok := ctx.Deadline(); ok {
		remaining = time.Until(dl)
	}
	logging.SchedulerWarn("tick %d: %s left in tick budget, deferring %s", r.tick, remaining.Round(time.Millisecond), stage)
	r.emit(types.EventStageDeferred, stage, nil, map[string]any{"remaining_ms": remaining.Milliseconds()})
}

func (r *Runner) charge(stage types.Stage) {
	m, ok := r.Config.Stages[string(stage)]
	if !ok {
		return
	}
	cost := r.Budget.Record(string(stage), m.Model, m.EstInputTokens, m.EstOutputTokens)
	logging.PipelineDebug("%s call charged $%.5f (%s)", stage, cost, m.Model)
}

// observe feeds a call outcome to the stage's breaker and emits the error
// event for failures.
func (r *Runner) observe(stage types.Stage, err error) {
	name := string(stage)
	if err == nil {
		if r.Breakers.RecordSuccess(name) == breaker.Closed {
			r.emit(types.EventCircuitClosed, stage, nil, nil)
		}
		return
	}

	kind := providers.KindOf(err)
	switch kind {
	case providers.KindRateLimited:
	case providers.KindAuth:
		if r.Breakers.Disable(name, err) == breaker.Disabled {
			r.emit(types.EventCircuitOpened, stage, err, map[string]any{"state": string(breaker.StateDisabled)})
		}
	default:
		if r.Breakers.RecordFailure(name, err) == breaker.Opened {
			r.emit(types.EventCircuitOpened, stage, err, nil)
		}
	}

	if kind == providers.KindParse {
		logging.PipelineWarn("%s returned malformed output: %v; raw=%q", stage, err, providers.RawOf(err))
	} else {
		logging.PipelineWarn("%s failed (%s): %v", stage, kind, err)
	}
	r.emit(types.EventStageError, stage, err, map[string]any{"kind": string(kind)})
}

// call makes one charged, observed collaborator call bounded by the call
// timeout and the tick deadline, whichever comes first. A call cut off by
// the tick deadline defers the stage and does not count against its
// breaker.
func call[T any](ctx context.Context, r *Runner, stage types.Stage, fn func(context.Context) (T, error)) (T, error) {
	v, err := providers.Call(ctx, string(stage), r.Config.GetCallTimeout(), fn)
	r.charge(stage)
	if err != nil && ctx.Err() != nil {
		r.deferStage(ctx, stage)
		return v, err
	}
	r.observe(stage, err)
	return v, err
}

// callStatus is what a call did to its queue item.
type callStatus int

const (
	callOK      callStatus = iota
	callHeld               // item unchanged: rate limited, auth, tick expired, or gate closed before retry
	callRetry              // attempt counted, item stays queued
	callDropped            // attempt ceiling reached
)

// callItem runs fn on behalf of item. Transient failures are retried
// immediately while the item stays under the ceiling and the gates allow;
// timeouts and parse failures count an attempt and wait for a later tick.
func callItem[T any](ctx context.Context, r *Runner, stage types.Stage, item *Item, fn func(context.Context) (T, error)) (T, callStatus, error) {
	ceiling := r.Config.MaxAttempts
	for {
		v, err := call(ctx, r, stage, fn)
		if err == nil {
			return v, callOK, nil
		}
		if ctx.Err() != nil {
			return v, callHeld, err
		}
		switch providers.KindOf(err) {
		case providers.KindRateLimited, providers.KindAuth:
			return v, callHeld, err
		case providers.KindTransient:
			if item.Fail(err, ceiling) == Dropped {
				return v, callDropped, err
			}
			if ok, _ := r.admit(ctx, stage); !ok {
				return v, callRetry, err
			}
			logging.PipelineDebug("%s transient failure, retrying (attempt %d/%d)", stage, item.Attempts+1, ceiling)
		default:
			if item.Fail(err, ceiling) == Dropped {
				return v, callDropped, err
			}
			return v, callRetry, err
		}
	}
}

// enqueue pushes d onto a queue, archiving whatever a full queue displaces.
func (r *Runner) enqueue(q QueueName, d types.Discovery) {
	it := Item{ID: uuid.NewString(), Payload: d, EnqueuedAt: r.Now().UTC()}
	list := r.Queues.list(q)
	if displaced := push(list, it, r.Config.QueueCapacity); displaced != nil {
		logging.PipelineWarn("%s queue full (%d); displaced discovery %s (score %d)",
			q, r.Config.QueueCapacity, displaced.Payload.ID, displaced.Payload.Score)
		r.archive(q, *displaced, "displaced")
		r.emit(types.EventItemDropped, stageOf(q), nil, map[string]any{
			"queue": string(q), "discovery_id": displaced.Payload.ID, "reason": "displaced",
		})
		if displaced.ID == it.ID {
			return
		}
	}
	logging.Pipeline("queued discovery %s for %s (score %d, %s)", d.ID, q, d.Score, d.Verdict)
}

// drop removes the item at index i after it exhausted its attempts.
func (r *Runner) drop(q QueueName, i int) {
	list := r.Queues.list(q)
	it := (*list)[i]
	removeAt(list, i)
	logging.PipelineWarn("dropping %s item %s (discovery %s) after %d attempts: %s",
		q, it.ID, it.Payload.ID, it.Attempts, it.LastError)
	r.archive(q, it, "attempt ceiling reached")
	r.emit(types.EventItemDropped, stageOf(q), nil, map[string]any{
		"queue": string(q), "discovery_id": it.Payload.ID, "attempts": it.Attempts, "last_error": it.LastError,
	})
}

func (r *Runner) archive(q QueueName, it Item, reason string) {
	if r.Archive == nil {
		return
	}
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		logging.PipelineError("cannot encode dropped item %s: %v", it.ID, err)
		return
	}
	rec := store.DroppedItem{
		Queue: string(q), ItemID: it.ID, Attempts: it.Attempts, LastError: it.LastError,
		Reason: reason, Payload: payload,
	}
	if err := r.Archive.RecordDropped(rec, r.Now()); err != nil {
		logging.PipelineError("archiving dropped item %s failed: %v", it.ID, err)
	}
}

func stageOf(q QueueName) types.Stage {
	switch q {
	case QueueDeepDive:
		return types.StageDeepDive
	case QueueVerification:
		return types.StageVerify
	default:
		return types.StageValidate
	}
}
