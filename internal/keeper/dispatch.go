package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bandkeeper/internal/exchange"
	"bandkeeper/internal/limits"
	"bandkeeper/pkg/types"
)

type cancelResult struct {
	id       string
	err      error
	timedOut bool
}

// dispatchCancels sends the cancellations with bounded concurrency and
// waits for all of them. Cancels that succeed or time out are recorded as
// in-flight: a timed-out cancel may still have landed, and treating the
// order as gone is the safe direction. The returned set holds the ids the
// band engine must not count this cycle.
func (k *Keeper) dispatchCancels(ctx context.Context, cancels []types.Order) (map[string]bool, int) {
	if len(cancels) == 0 {
		return nil, 0
	}

	results := make(chan cancelResult, len(cancels))
	sem := make(chan struct{}, k.cfg.MaxParallel)
	var wg sync.WaitGroup

	for _, o := range cancels {
		wg.Add(1)
		go func(o types.Order) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, k.cfg.DispatchTimeout)
			defer cancel()

			err := k.adapter.CancelOrder(callCtx, o.ID)
			results <- cancelResult{
				id:       o.ID,
				err:      err,
				timedOut: errors.Is(err, context.DeadlineExceeded),
			}
		}(o)
	}
	wg.Wait()
	close(results)

	gone := make(map[string]bool, len(cancels))
	permanent := 0
	for r := range results {
		switch {
		case r.err == nil, r.timedOut:
			k.book.RecordCancelled(r.id)
			gone[r.id] = true
			if r.timedOut {
				k.logger.Warn("cancel timed out, treating order as in-flight cancelled", "order_id", r.id)
			}
		case exchange.IsPermanent(r.err):
			permanent++
			k.logger.Error("cancel rejected", "order_id", r.id, "error", r.err)
		default:
			k.logger.Warn("cancel failed, will retry next cycle", "order_id", r.id, "error", r.err)
		}
	}
	return gone, permanent
}

type placeResult struct {
	intent   types.PlaceIntent
	id       string
	err      error
	timedOut bool
}

// dispatchPlaces sends the placements with bounded concurrency. Successful
// and timed-out placements are recorded in the book and against the rate
// limits; a timed-out placement gets a synthetic id until a snapshot or
// the in-flight cycle budget resolves it. Limit recording happens here, in
// the control task, so the histories have a single writer.
func (k *Keeper) dispatchPlaces(ctx context.Context, places []types.PlaceIntent, buyLimits, sellLimits *limits.Limits) int {
	if len(places) == 0 {
		return 0
	}

	results := make(chan placeResult, len(places))
	sem := make(chan struct{}, k.cfg.MaxParallel)
	var wg sync.WaitGroup

	for _, intent := range places {
		wg.Add(1)
		go func(intent types.PlaceIntent) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, k.cfg.DispatchTimeout)
			defer cancel()

			id, err := k.adapter.PlaceOrder(callCtx, intent.Side, intent.Price, intent.PayAmount)
			results <- placeResult{
				intent:   intent,
				id:       id,
				err:      err,
				timedOut: errors.Is(err, context.DeadlineExceeded),
			}
		}(intent)
	}
	wg.Wait()
	close(results)

	permanent := 0
	for r := range results {
		switch {
		case r.err == nil:
			k.recordPlacement(r.intent, r.id, buyLimits, sellLimits)
		case r.timedOut:
			// The venue may have accepted the order. Count it against the
			// book and the limits until proven otherwise.
			k.pendingSeq++
			id := fmt.Sprintf("pending-%d", k.pendingSeq)
			k.logger.Warn("placement timed out, assuming it landed", "order_id", id)
			k.recordPlacement(r.intent, id, buyLimits, sellLimits)
		case exchange.IsPermanent(r.err):
			permanent++
			k.logger.Error("placement rejected",
				"side", r.intent.Side, "price", r.intent.Price, "error", r.err)
		default:
			k.logger.Warn("placement failed, will retry next cycle",
				"side", r.intent.Side, "price", r.intent.Price, "error", r.err)
		}
	}
	return permanent
}

func (k *Keeper) recordPlacement(intent types.PlaceIntent, id string, buyLimits, sellLimits *limits.Limits) {
	k.book.RecordPlaced(types.Order{
		ID:         id,
		Side:       intent.Side,
		Price:      intent.Price,
		SellAmount: intent.PayAmount,
		BuyAmount:  intent.BuyAmount,
		CreatedAt:  k.now(),
	})
	if intent.Side == types.Buy {
		buyLimits.Record(intent.PayAmount, k.now())
	} else {
		sellLimits.Record(intent.PayAmount, k.now())
	}
}
