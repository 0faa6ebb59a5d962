// Package bands implements the buy/sell band model: the hot-reloaded
// document of price/amount policies and the algebra that decides which
// resting orders to cancel and which new orders to synthesize around a
// reference price.
//
// Margins are fractions of the reference price. A buy band with margins
// [0.005, 0.02] at reference 100 covers prices (98, 99.5]; a sell band
// with the same margins covers (100.5, 102]. Band amounts are denominated
// in the token the keeper pays out: quote for buy bands, base for sell
// bands — the same denomination as Order.SellAmount.
package bands

import (
	"fmt"

	"github.com/shopspring/decimal"

	"bandkeeper/pkg/types"
)

var one = decimal.NewFromInt(1)

// Band is one price/amount policy on one side of the market.
type Band struct {
	Side types.Side

	MinMargin decimal.Decimal
	AvgMargin decimal.Decimal
	MaxMargin decimal.Decimal

	MinAmount  decimal.Decimal
	AvgAmount  decimal.Decimal
	MaxAmount  decimal.Decimal
	DustCutoff decimal.Decimal
}

func (b Band) validate() error {
	if b.MinMargin.IsNegative() {
		return fmt.Errorf("minMargin must not be negative")
	}
	if b.MinMargin.GreaterThan(b.AvgMargin) || b.AvgMargin.GreaterThan(b.MaxMargin) {
		return fmt.Errorf("margins must satisfy min <= avg <= max")
	}
	if !b.MinMargin.LessThan(b.MaxMargin) {
		return fmt.Errorf("margin interval must not be empty (min < max)")
	}
	if b.MinAmount.IsNegative() {
		return fmt.Errorf("minAmount must not be negative")
	}
	if b.MinAmount.GreaterThan(b.AvgAmount) || b.AvgAmount.GreaterThan(b.MaxAmount) {
		return fmt.Errorf("amounts must satisfy min <= avg <= max")
	}
	if b.DustCutoff.IsNegative() {
		return fmt.Errorf("dustCutoff must not be negative")
	}
	return nil
}

// applyMargin shifts the reference price away from mid by the given margin:
// downwards for buy bands, upwards for sell bands.
func (b Band) applyMargin(target, margin decimal.Decimal) decimal.Decimal {
	if b.Side == types.Buy {
		return target.Mul(one.Sub(margin))
	}
	return target.Mul(one.Add(margin))
}

// priceRange returns the (low, high] price interval covered by the band at
// the given reference price. The interval is left-open, right-closed, so an
// order sitting exactly on a shared boundary belongs to exactly one band.
func (b Band) priceRange(target decimal.Decimal) (low, high decimal.Decimal) {
	if b.Side == types.Buy {
		return b.applyMargin(target, b.MaxMargin), b.applyMargin(target, b.MinMargin)
	}
	return b.applyMargin(target, b.MinMargin), b.applyMargin(target, b.MaxMargin)
}

// Includes reports whether an order at the given price falls inside the
// band at the given reference price.
func (b Band) Includes(price, target decimal.Decimal) bool {
	low, high := b.priceRange(target)
	return price.GreaterThan(low) && price.LessThanOrEqual(high)
}

// AvgPrice is the price at which the band wants its orders to rest.
func (b Band) AvgPrice(target decimal.Decimal) decimal.Decimal {
	return b.applyMargin(target, b.AvgMargin)
}

// overlaps reports whether two bands' margin intervals intersect.
func (b Band) overlaps(other Band) bool {
	return b.MinMargin.LessThan(other.MaxMargin) && other.MinMargin.LessThan(b.MaxMargin)
}
