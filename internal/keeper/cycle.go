package keeper

import (
	"context"
	"fmt"
	"time"

	"bandkeeper/internal/bands"
	"bandkeeper/internal/exchange"
	"bandkeeper/internal/limits"
	"bandkeeper/pkg/types"
)

// cycle runs one evaluation: observe, decide, dispatch. Cancels are
// dispatched before places so a price move never leaves both the old and
// the replacement order resting at once.
func (k *Keeper) cycle(ctx context.Context) error {
	snapshot := k.bands.Current()
	if snapshot == nil {
		k.idleOnce("no valid bands configuration")
		return nil
	}

	reading, ok := k.feed.Price()
	if !ok {
		if k.feedDownSince.IsZero() {
			k.feedDownSince = k.now()
		}
		k.idleOnce("price feed unavailable")
		if k.cfg.FeedOutageLimit > 0 && k.now().Sub(k.feedDownSince) >= k.cfg.FeedOutageLimit {
			return ErrFeedOutage
		}
		return nil
	}
	k.feedDownSince = time.Time{}

	if k.hasFloor && reading.Price.LessThan(k.floor) {
		return fmt.Errorf("%w: price %s under floor %s", errSafetyFloor, reading.Price, k.floor)
	}
	k.activeAgain()

	target := reading.Price
	orders, balances, mins, err := k.observe(ctx)
	if err != nil {
		return k.recordFailure(err)
	}
	if balances.Buy.LessThan(k.minBuyBalance) {
		return fmt.Errorf("%w: buy balance %s under floor %s", errSafetyFloor, balances.Buy, k.minBuyBalance)
	}
	if balances.Sell.LessThan(k.minSellBalance) {
		return fmt.Errorf("%w: sell balance %s under floor %s", errSafetyFloor, balances.Sell, k.minSellBalance)
	}

	k.book.ApplySnapshot(orders)
	effective := k.book.Effective()

	cancels := snapshot.CancellableOrders(effective, target)
	cancelled, cancelPermanent := k.dispatchCancels(ctx, cancels)

	remaining := without(effective, cancelled)

	buyLimits := limits.New(snapshot.BuyLimitRules, k.buyHistory)
	sellLimits := limits.New(snapshot.SellLimitRules, k.sellHistory)
	now := k.now()

	places := snapshot.NewOrders(
		bands.SideContext{
			Orders:    types.BuyOrders(remaining),
			Balance:   balances.Buy,
			Available: buyLimits.Available(now),
			MinAmount: mins.Buy,
		},
		bands.SideContext{
			Orders:    types.SellOrders(remaining),
			Balance:   balances.Sell,
			Available: sellLimits.Available(now),
			MinAmount: mins.Sell,
		},
		target,
	)
	placePermanent := k.dispatchPlaces(ctx, places, buyLimits, sellLimits)

	k.book.EndCycle()

	if cancelPermanent+placePermanent > 0 {
		return k.recordFailure(fmt.Errorf("%d actions permanently rejected", cancelPermanent+placePermanent))
	}
	k.failures = 0

	if len(cancels) > 0 || len(places) > 0 {
		k.logger.Info("cycle complete",
			"price", target,
			"orders", len(effective),
			"cancels", len(cancels),
			"places", len(places),
		)
	}
	return nil
}

// observe fetches the cycle's inputs from the exchange.
func (k *Keeper) observe(ctx context.Context) ([]types.Order, exchange.Balances, exchange.MinAmounts, error) {
	obsCtx, cancel := context.WithTimeout(ctx, k.cfg.DispatchTimeout)
	defer cancel()

	orders, err := k.adapter.Orders(obsCtx)
	if err != nil {
		return nil, exchange.Balances{}, exchange.MinAmounts{}, fmt.Errorf("fetch orders: %w", err)
	}
	balances, err := k.adapter.Balances(obsCtx)
	if err != nil {
		return nil, exchange.Balances{}, exchange.MinAmounts{}, fmt.Errorf("fetch balances: %w", err)
	}
	mins, err := k.adapter.MinAmounts(obsCtx)
	if err != nil {
		return nil, exchange.Balances{}, exchange.MinAmounts{}, fmt.Errorf("fetch market minimums: %w", err)
	}
	return orders, balances, mins, nil
}

// recordFailure counts a failed cycle towards the give-up threshold.
func (k *Keeper) recordFailure(err error) error {
	k.failures++
	if k.failures >= k.cfg.MaxConsecutiveFailures {
		return fmt.Errorf("%w: %v", ErrTooManyFailures, err)
	}
	return err
}

func without(orders []types.Order, gone map[string]bool) []types.Order {
	if len(gone) == 0 {
		return orders
	}
	out := make([]types.Order, 0, len(orders))
	for _, o := range orders {
		if !gone[o.ID] {
			out = append(out, o)
		}
	}
	return out
}
