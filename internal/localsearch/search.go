package localsearch

import (
	"context"
	"fmt"
	"math/rand"
)

// BFSOpt2 is C6's deterministic best-improvement policy: each pass scans
// every candidate swap of the pass-start schedule in canonical order and
// commits every candidate that beats the best schedule seen so far; the
// next pass starts over from that best schedule.
// Search stops once a full pass commits nothing. BFSOpt2 with identical
// inputs always produces identical output.
//
// keyFn builds cache keys for rows (nil defaults to fmt.Sprint per item).
// listener, if non-nil, is invoked once per accepted swap.
func BFSOpt2[C any, T comparable](ctx context.Context, schedule Schedule[T], searchCtx C, evaluator Evaluator[C, T], keyFn KeyFunc[T], listener Listener[T]) (Schedule[T], error) {
	return opt2(ctx, schedule, searchCtx, evaluator, keyFn, listener, false, nil)
}

// DFSOpt2 is C6's stochastic first-improvement policy: each pass
// shuffles the candidate swaps using rng and commits the first improving
// swap found, restarting from there. Search stops once a full pass finds
// no improving swap. DFSOpt2 is deterministic given the same rng seed.
func DFSOpt2[C any, T comparable](ctx context.Context, schedule Schedule[T], searchCtx C, evaluator Evaluator[C, T], rng *rand.Rand, keyFn KeyFunc[T], listener Listener[T]) (Schedule[T], error) {
	if rng == nil {
		return Schedule[T]{}, fmt.Errorf("%w: dfsOpt2 requires a non-nil PRNG", ErrContractViolation)
	}
	return opt2(ctx, schedule, searchCtx, evaluator, keyFn, listener, true, rng)
}

func opt2[C any, T comparable](ctx context.Context, schedule Schedule[T], searchCtx C, evaluator Evaluator[C, T], keyFn KeyFunc[T], listener Listener[T], depthFirst bool, rng *rand.Rand) (Schedule[T], error) {
	if err := validateSchedule(schedule); err != nil {
		return Schedule[T]{}, err
	}

	// The cost cache lives for this invocation only and is discarded on
	// return (including on cancellation or error); it is seeded with the
	// input schedule's already-known per-row costs.
	cache := newCostCache()
	for row, cost := range schedule.PerRowCosts {
		cache.store(rowKey(schedule.Rows[row], keyFn), cost)
	}

	best := schedule
	improving := true
	for improving {
		improving = false

		// Every swap of a pass is enumerated from, and applied to, the
		// schedule as it stood when the pass began.
		cur := best
		swaps := EnumerateSwaps(cur)
		if depthFirst {
			shuffle(swaps, rng)
		}

		for _, sw := range swaps {
			select {
			case <-ctx.Done():
				return Schedule[T]{}, ctx.Err()
			default:
			}

			// threshold is best.Objective - cur.Objective, so a candidate is
			// accepted only if it beats the best schedule seen so far, not
			// merely the pass-start schedule. In DFS best == cur whenever a
			// swap is applied, so the threshold there is always 0.
			candidate, ok, err := Apply(searchCtx, cur, sw, best.Objective-cur.Objective, evaluator, cache, keyFn)
			if err != nil {
				return Schedule[T]{}, err
			}
			if !ok {
				continue
			}

			improving = true
			best = candidate
			if listener != nil {
				listener(best, best.Objective)
			}
			if depthFirst {
				break
			}
		}
	}
	return best, nil
}
