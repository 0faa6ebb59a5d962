// Package keeper implements the control loop: every cycle it reconciles
// the resting order book against the band configuration at the current
// reference price, cancelling orders the bands reject and placing the
// orders the bands are missing.
//
// The loop fails closed. Whenever the reference price is unavailable or no
// valid band snapshot exists, the keeper neither places nor cancels; a
// prolonged feed outage or a breach of a configured price or balance floor
// drains the book entirely.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"bandkeeper/internal/bands"
	"bandkeeper/internal/book"
	"bandkeeper/internal/config"
	"bandkeeper/internal/exchange"
	"bandkeeper/internal/feed"
	"bandkeeper/internal/limits"
	"bandkeeper/pkg/types"
)

// State is the keeper's lifecycle phase, for logs and the drain decision.
type State string

const (
	Starting State = "starting"
	Running  State = "running"
	Draining State = "draining"
	Stopped  State = "stopped"
)

var (
	// ErrUnsafeToStart means a startup check failed and no order was ever
	// placed.
	ErrUnsafeToStart = errors.New("unsafe to start")

	// ErrTooManyFailures means the permanent-failure streak crossed the
	// configured threshold.
	ErrTooManyFailures = errors.New("too many consecutive failures")

	// ErrFeedOutage means the price feed stayed unavailable longer than the
	// configured limit and the keeper drained as a precaution.
	ErrFeedOutage = errors.New("price feed outage")

	// errSafetyFloor is the internal drain trigger for a breached price or
	// balance floor.
	errSafetyFloor = errors.New("safety floor breached")
)

// BandsSource yields the current band snapshot. Implemented by
// config.Watcher.
type BandsSource interface {
	Current() *bands.Bands
}

// Keeper drives one market on one exchange.
type Keeper struct {
	cfg     config.KeeperConfig
	adapter exchange.Adapter
	feed    feed.Feed
	bands   BandsSource
	book    *book.Manager

	buyHistory  *limits.History
	sellHistory *limits.History

	floor    decimal.Decimal
	hasFloor bool

	minBuyBalance  decimal.Decimal
	minSellBalance decimal.Decimal

	now func() time.Time

	state         State
	failures      int       // consecutive failed cycles
	feedDownSince time.Time // zero while the feed is healthy
	idleReason    string    // last logged idle reason, for log-once
	pendingSeq    int       // synthetic ids for unacknowledged placements

	logger *slog.Logger
}

// New assembles a keeper from its collaborators.
func New(cfg config.KeeperConfig, adapter exchange.Adapter, priceFeed feed.Feed, source BandsSource, logger *slog.Logger) *Keeper {
	return &Keeper{
		cfg:         cfg,
		adapter:     adapter,
		feed:        priceFeed,
		bands:       source,
		book:        book.NewManager(cfg.InflightCycles, logger),
		buyHistory:  limits.NewHistory(),
		sellHistory: limits.NewHistory(),
		now:         time.Now,
		state:       Starting,
		logger:      logger.With("component", "keeper"),
	}
}

// EffectiveOrders returns the keeper's current view of its resting book,
// in-flight actions included. Used by the history reporter.
func (k *Keeper) EffectiveOrders() []types.Order {
	return k.book.Effective()
}

// SetPriceFloor arms the price floor: a reference price at or below floor
// drains the book and stops the keeper.
func (k *Keeper) SetPriceFloor(floor decimal.Decimal) {
	k.floor = floor
	k.hasFloor = true
}

// SetBalanceFloors sets the balance floors per side. Starting with less
// than either floor free aborts as unsafe; dropping under a floor while
// running drains the book.
func (k *Keeper) SetBalanceFloors(buy, sell decimal.Decimal) {
	k.minBuyBalance = buy
	k.minSellBalance = sell
}

// Run executes the control loop until ctx is cancelled or the keeper
// decides to stop. On a clean stop (cancellation or floor breach) the book
// is drained before returning.
func (k *Keeper) Run(ctx context.Context) error {
	if err := k.startupChecks(ctx); err != nil {
		k.state = Stopped
		return fmt.Errorf("%w: %v", ErrUnsafeToStart, err)
	}
	k.state = Running
	k.logger.Info("keeper started", "pair", k.adapter.Pair().String())

	ticker := time.NewTicker(k.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return k.drain(context.WithoutCancel(ctx))
		case <-ticker.C:
			err := k.cycle(ctx)
			switch {
			case err == nil:
			case errors.Is(err, errSafetyFloor):
				k.logger.Warn("draining", "reason", err)
				return k.drain(ctx)
			case errors.Is(err, ErrFeedOutage):
				k.logger.Error("price feed outage limit exceeded, draining")
				if drainErr := k.drain(ctx); drainErr != nil {
					k.logger.Error("drain after feed outage", "error", drainErr)
				}
				return ErrFeedOutage
			case errors.Is(err, ErrTooManyFailures):
				// Cancels may still work even when placements are rejected,
				// so attempt a drain before giving up.
				k.logger.Error("failure streak exhausted, draining", "error", err)
				if drainErr := k.drain(ctx); drainErr != nil {
					k.logger.Error("drain after failure streak", "error", drainErr)
				}
				return err
			default:
				k.logger.Error("cycle failed", "error", err)
			}
		}
	}
}

// startupChecks verifies the keeper has a band snapshot, a fresh reference
// price, a reachable exchange and sufficient balances before the first
// order is placed.
func (k *Keeper) startupChecks(ctx context.Context) error {
	if k.bands.Current() == nil {
		return errors.New("no valid bands configuration")
	}

	checkCtx, cancel := context.WithTimeout(ctx, k.cfg.DispatchTimeout)
	defer cancel()

	if err := k.awaitFirstReading(checkCtx); err != nil {
		return err
	}

	balances, err := k.adapter.Balances(checkCtx)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}
	if balances.Buy.LessThan(k.minBuyBalance) {
		return fmt.Errorf("buy balance %s below floor %s", balances.Buy, k.minBuyBalance)
	}
	if balances.Sell.LessThan(k.minSellBalance) {
		return fmt.Errorf("sell balance %s below floor %s", balances.Sell, k.minSellBalance)
	}

	orders, err := k.adapter.Orders(checkCtx)
	if err != nil {
		return fmt.Errorf("fetch orders: %w", err)
	}
	k.book.ApplySnapshot(orders)
	return nil
}

// awaitFirstReading gives background feeds a window to connect.
func (k *Keeper) awaitFirstReading(ctx context.Context) error {
	if _, ok := k.feed.Price(); ok {
		return nil
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.New("no initial price feed reading")
		case <-ticker.C:
			if _, ok := k.feed.Price(); ok {
				return nil
			}
		}
	}
}

// drain cancels every resting order and waits for the book to empty.
func (k *Keeper) drain(ctx context.Context) error {
	k.state = Draining
	k.logger.Info("draining order book")
	defer func() { k.state = Stopped }()

	drainCtx, cancel := context.WithTimeout(ctx, 5*k.cfg.DispatchTimeout)
	defer cancel()

	for {
		orders, err := k.adapter.Orders(drainCtx)
		if err != nil {
			return fmt.Errorf("drain: fetch orders: %w", err)
		}
		if len(orders) == 0 {
			k.logger.Info("order book drained")
			return nil
		}

		if bulk, ok := k.adapter.(exchange.AllCanceller); ok {
			if err := bulk.CancelAll(drainCtx); err != nil {
				k.logger.Warn("bulk cancel failed, falling back to per-order", "error", err)
				k.cancelEach(drainCtx, orders)
			}
		} else {
			k.cancelEach(drainCtx, orders)
		}

		select {
		case <-drainCtx.Done():
			return fmt.Errorf("drain: %w", drainCtx.Err())
		case <-time.After(time.Second):
		}
	}
}

func (k *Keeper) cancelEach(ctx context.Context, orders []types.Order) {
	for _, o := range orders {
		if err := k.adapter.CancelOrder(ctx, o.ID); err != nil {
			k.logger.Warn("drain cancel failed", "order_id", o.ID, "error", err)
		}
	}
}

// idleOnce logs an idle reason on the transition into it, not every cycle.
func (k *Keeper) idleOnce(reason string) {
	if k.idleReason != reason {
		k.logger.Warn("idling, no orders will be placed or cancelled", "reason", reason)
		k.idleReason = reason
	}
}

func (k *Keeper) activeAgain() {
	if k.idleReason != "" {
		k.logger.Info("resuming after idle", "was", k.idleReason)
		k.idleReason = ""
	}
}
