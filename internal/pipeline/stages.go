package pipeline

import (
	"context"
	"math"
	"time"

	"clashd27/internal/findings"
	"clashd27/internal/logging"
	"clashd27/internal/types"
)

// Composite scores a deep-dive locally: 40% discovery score, 30% novelty
// (zero when the claim already exists), 30% actionability. The verdict can
// only fall.
func Composite(d types.Discovery, ex types.ExistenceCheck, ac types.ActionabilityCheck, threshold, floor int) types.DeepDiveOutcome {
	novelty := ex.Novelty
	if ex.AlreadyExists {
		novelty = 0
	}
	total := int(math.Round(0.4*float64(d.Score) + 0.3*float64(novelty) + 0.3*float64(ac.Score)))
	total = clampScore(total)
	return types.DeepDiveOutcome{
		Existence:     ex,
		Actionability: ac,
		Total:         total,
		Verdict:       types.Downgrade(d.Verdict, total, threshold, floor),
	}
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func (r *Runner) runDeepDive(ctx context.Context) {
	const q = QueueDeepDive
	if r.Queues.Len(q) == 0 {
		return
	}
	if ok, _ := r.admit(ctx, types.StageDeepDive); !ok {
		return
	}
	item := &r.Queues.DeepDive[0]
	d := item.Payload
	dd := r.Providers.DeepDiver

	if item.Existence == nil {
		ex, st, _ := callItem(ctx, r, types.StageDeepDive, item, func(c context.Context) (types.ExistenceCheck, error) {
			return dd.Existence(c, d)
		})
		if r.settle(q, 0, st) {
			return
		}
		item.Existence = &ex

		if err := r.Sleep(ctx, r.Config.GetDeepDiveDelay()); err != nil {
			logging.PipelineDebug("deep-dive delay interrupted: %v", err)
			return
		}
		if ok, _ := r.admit(ctx, types.StageDeepDive); !ok {
			logging.PipelineDebug("discovery %s keeps its existence result until a later tick", d.ID)
			return
		}
	} else {
		logging.PipelineDebug("resuming deep-dive of %s at actionability", d.ID)
	}
	existence := *item.Existence

	action, st, _ := callItem(ctx, r, types.StageDeepDive, item, func(c context.Context) (types.ActionabilityCheck, error) {
		return dd.Actionability(c, d, existence)
	})
	if r.settle(q, 0, st) {
		return
	}

	out := Composite(d, existence, action, r.Config.DeepDiveThreshold, r.Config.LowFloor)
	d.DeepDive = &out
	d.Score = out.Total
	d.Verdict = out.Verdict
	removeAt(&r.Queues.DeepDive, 0)
	r.record(findings.DiscoveryRecord(r.tick, types.StageDeepDive, d))

	if out.Total >= r.Config.LowFloor {
		r.enqueue(QueueVerification, d)
		return
	}
	logging.Pipeline("discovery %s stops after deep-dive: composite %d under floor %d", d.ID, out.Total, r.Config.LowFloor)
}

func (r *Runner) runVerify(ctx context.Context) {
	const q = QueueVerification
	if r.Queues.Len(q) == 0 {
		return
	}
	if ok, _ := r.admit(ctx, types.StageVerify); !ok {
		return
	}
	item := &r.Queues.Verification[0]
	d := item.Payload
	var deep types.DeepDiveOutcome
	if d.DeepDive != nil {
		deep = *d.DeepDive
	}

	res, st, _ := callItem(ctx, r, types.StageVerify, item, func(c context.Context) (*types.Verification, error) {
		return r.Providers.Verifier.Verify(c, d, deep)
	})
	defer r.cooldown(ctx, r.Config.GetVerifyCooldown())
	if r.settle(q, 0, st) {
		return
	}
	if res == nil {
		logging.PipelineDebug("verify rate limited for %s; item kept", d.ID)
		return
	}

	score := d.Score
	if res.Score < score {
		score = res.Score
	}
	verdict := types.MinVerdict(d.Verdict, res.Verdict)
	d.Verdict = types.Downgrade(verdict, score, r.Config.DeepDiveThreshold, r.Config.LowFloor)
	d.Score = score
	d.Verification = res
	removeAt(&r.Queues.Verification, 0)
	r.record(findings.DiscoveryRecord(r.tick, types.StageVerify, d))
	r.completed = true

	if d.Verdict == types.VerdictHighValue {
		r.enqueue(QueueValidation, d)
		return
	}
	logging.Pipeline("discovery %s verified as %s (score %d); not validated", d.ID, d.Verdict, d.Score)
}

func (r *Runner) runValidate(ctx context.Context) {
	const q = QueueValidation
	idx := -1
	for i, it := range r.Queues.Validation {
		if it.Payload.Feasibility == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	if ok, _ := r.admit(ctx, types.StageValidate); !ok {
		return
	}
	item := &r.Queues.Validation[idx]
	d := item.Payload

	res, st, _ := callItem(ctx, r, types.StageValidate, item, func(c context.Context) (*types.Feasibility, error) {
		return r.Providers.Validator.Validate(c, d)
	})
	defer r.cooldown(ctx, r.Config.GetValidateCooldown())
	if r.settle(q, idx, st) {
		return
	}
	if res == nil {
		logging.PipelineDebug("validate rate limited for %s; item kept", d.ID)
		return
	}
	item.Payload.Feasibility = res
	logging.Pipeline("discovery %s validated: feasible=%v score=%d", d.ID, res.Feasible, res.Score)
}

// runPublish publishes the oldest validated item, subject to the daily
// limit. Held items keep their feasibility result and wait for a later day.
func (r *Runner) runPublish() {
	idx := -1
	for i, it := range r.Queues.Validation {
		if it.Payload.Feasibility != nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	it := r.Queues.Validation[idx]
	d := it.Payload

	if !d.Feasibility.Feasible {
		removeAt(&r.Queues.Validation, idx)
		r.archive(QueueValidation, it, "not feasible")
		logging.Pipeline("discovery %s judged infeasible; not published", d.ID)
		return
	}

	now := r.Now()
	if n := r.Gaps.PublishedToday(now); n >= r.Config.PublishPerDay {
		logging.PipelineDebug("publish limit reached (%d/%d); %s held", n, r.Config.PublishPerDay, d.ID)
		return
	}

	res, err := r.Gaps.Publish(d)
	if err != nil {
		r.emit(types.EventStageError, types.StagePublish, err, nil)
		return
	}
	removeAt(&r.Queues.Validation, idx)
	if res.Deduplicated {
		r.record(findings.Duplicate(r.tick, d, res.Gap.ID))
		r.emit(types.EventDeduplicated, types.StagePublish, nil, map[string]any{"gap_id": res.Gap.ID, "discovery_id": d.ID})
		return
	}
	r.record(findings.Draft(r.tick, d, res.Gap.ID))
	r.published = append(r.published, res.Gap)
	r.emit(types.EventGapPublished, types.StagePublish, nil, map[string]any{"gap_id": res.Gap.ID, "discovery_id": d.ID})
}

// settle applies a non-OK call status to the item at index i of q and
// reports whether the stage should stop.
func (r *Runner) settle(q QueueName, i int, st callStatus) bool {
	switch st {
	case callOK:
		return false
	case callDropped:
		r.drop(q, i)
	}
	return true
}

func (r *Runner) cooldown(ctx context.Context, d time.Duration) {
	if err := r.Sleep(ctx, d); err != nil {
		logging.PipelineDebug("cooldown interrupted: %v", err)
	}
}
