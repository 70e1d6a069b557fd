package pipeline

import (
	"context"
	"fmt"

	"clashd27/internal/findings"
	"clashd27/internal/logging"
	"clashd27/internal/providers"
	"clashd27/internal/types"

	"github.com/google/uuid"
)

// PairWork is the tick's selected pair after the collision cache and the
// score threshold let it through.
type PairWork struct {
	Context         providers.PairContext
	CellA, CellB    int
	SaturationLimit int
}

// Corridor returns the pair's home-cell corridor.
func (w *PairWork) Corridor() string { return w.Context.Corridor }

// PairOutcome reports what happened to the tick's pair.
type PairOutcome struct {
	Outcome   findings.Outcome
	Reason    string
	Discovery *types.Discovery

	// PaidCall is false when the pair never reached a collaborator, e.g.
	// the budget or a breaker held it back.
	PaidCall bool
}

func (r *Runner) attempt(w *PairWork, out *PairOutcome, outcome findings.Outcome, reason, discoveryID string) {
	out.Outcome = outcome
	out.Reason = reason
	r.record(findings.Attempt(r.tick, outcome, reason, w.Corridor(), discoveryID, w.Context.AgentA.ID, w.Context.AgentB.ID))
}

func (r *Runner) runPair(ctx context.Context, w *PairWork) *PairOutcome {
	out := &PairOutcome{}

	if w.SaturationLimit > 0 {
		views := findings.CorridorDiscoveries(r.Log.Records(), w.Corridor())
		if len(views) >= w.SaturationLimit {
			logging.Pipeline("corridor %s saturated (%d discoveries); deepening instead", w.Corridor(), len(views))
			r.attempt(w, out, findings.OutcomeSkipped, findings.ReasonSaturated, "")
			r.deepen(views)
			return out
		}
	}

	if ok, reason := r.admit(ctx, types.StageScreen); !ok {
		r.attempt(w, out, findings.OutcomeSkipped, reason, "")
		return out
	}
	out.PaidCall = true
	screen, err := call(ctx, r, types.StageScreen, func(c context.Context) (providers.ScreenResult, error) {
		return r.Providers.Screener.Screen(c, w.Context.PairDescriptor)
	})
	switch {
	case err != nil:
		logging.PipelineDebug("screen failed open for %s: %v", w.Corridor(), err)
	case !screen.Pass:
		logging.PipelineDebug("screen rejected %s: %s", w.Corridor(), screen.Reason)
		r.attempt(w, out, findings.OutcomeSkipped, findings.ReasonScreenedOut, "")
		return out
	}

	if ok, reason := r.admit(ctx, types.StageDiscover); !ok {
		r.attempt(w, out, findings.OutcomeSkipped, reason, "")
		return out
	}
	var scratch Item
	res, st, err := callItem(ctx, r, types.StageDiscover, &scratch, func(c context.Context) (providers.DiscoveryResult, error) {
		return r.Providers.Discoverer.Discover(c, w.Context)
	})
	if st != callOK {
		kind := providers.KindOf(err)
		if ctx.Err() != nil {
			r.attempt(w, out, findings.OutcomeSkipped, findings.ReasonDeferred, "")
			return out
		}
		if kind == providers.KindRateLimited {
			r.attempt(w, out, findings.OutcomeSkipped, string(kind), "")
		} else {
			r.attempt(w, out, findings.OutcomeError, string(kind), "")
		}
		return out
	}

	switch v := res.(type) {
	case providers.NoGap:
		r.attempt(w, out, findings.OutcomeNoGap, v.Reason, "")
	case providers.Discovered:
		if !v.Verdict.Valid() {
			perr := providers.ParseError(string(types.StageDiscover), fmt.Sprintf("%+v", v), fmt.Errorf("unknown verdict %q", v.Verdict))
			r.observe(types.StageDiscover, perr)
			r.attempt(w, out, findings.OutcomeError, string(providers.KindParse), "")
			return out
		}
		d := r.newDiscovery(w, v)
		r.attempt(w, out, findings.OutcomeDiscovery, "", d.ID)
		r.record(findings.DiscoveryRecord(r.tick, types.StageDiscover, d))
		r.completed = true
		out.Discovery = &d
		logging.Pipeline("discovery %s on %s: %s score %d", d.ID, d.Corridor, d.Verdict, d.Score)
		r.admitDeepDive(d)
	default:
		perr := providers.ParseError(string(types.StageDiscover), fmt.Sprintf("%T", res), fmt.Errorf("unrecognized discovery result"))
		r.observe(types.StageDiscover, perr)
		r.attempt(w, out, findings.OutcomeError, string(providers.KindParse), "")
	}
	return out
}

func (r *Runner) newDiscovery(w *PairWork, v providers.Discovered) types.Discovery {
	verdict := v.Verdict
	if verdict == types.VerdictHighValue && v.SpeculativeLeaps > 1 {
		logging.PipelineDebug("HIGH-VALUE claim with %d speculative leaps normalized to %s", v.SpeculativeLeaps, types.VerdictConfirmedDirection)
		verdict = types.VerdictConfirmedDirection
	}
	now := r.Now().UTC()
	return types.Discovery{
		ID:               uuid.NewString(),
		Tick:             r.tick,
		Day:              now.Format("2006-01-02"),
		Corridor:         w.Corridor(),
		CellA:            w.CellA,
		CellB:            w.CellB,
		AgentA:           w.Context.AgentA.ID,
		AgentB:           w.Context.AgentB.ID,
		Verdict:          verdict,
		Score:            clampScore(v.Score),
		CollisionScore:   w.Context.Collision,
		Claim:            v.Claim,
		Evidence:         v.Evidence,
		References:       v.References,
		SpeculativeLeaps: v.SpeculativeLeaps,
		CreatedAt:        now,
	}
}

// admitDeepDive queues d when it clears the threshold and ranks in the
// day's top-K by combined score.
func (r *Runner) admitDeepDive(d types.Discovery) {
	if !types.ClearsThreshold(d.Score, r.Config.DeepDiveThreshold) {
		return
	}
	rank, ok := r.Queues.Ranking.Admit(d.Day, d.ID, d.CombinedScore(), r.Config.TopK)
	if !ok {
		logging.Pipeline("discovery %s ranked %d today, outside top %d; no deep-dive", d.ID, rank+1, r.Config.TopK)
		return
	}
	r.enqueue(QueueDeepDive, d)
}

// deepen queues one not-yet-deep-dived discovery from a saturated corridor.
func (r *Runner) deepen(views []findings.DiscoveryView) {
	var pool []types.Discovery
	for _, v := range views {
		if v.DeepDive || v.Payload == nil || r.Queues.Contains(v.Payload.ID) {
			continue
		}
		pool = append(pool, *v.Payload)
	}
	if len(pool) == 0 {
		logging.PipelineDebug("nothing left to deepen in saturated corridor")
		return
	}
	pick := pool[r.Rand.Intn(len(pool))]
	r.enqueue(QueueDeepDive, pick)
}
