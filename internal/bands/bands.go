package bands

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"bandkeeper/internal/limits"
	"bandkeeper/pkg/types"
)

// Bands is one validated snapshot of the bands document. Snapshots are
// immutable once published; the watcher swaps in a fresh one on every
// accepted config change.
type Bands struct {
	Buy  []Band
	Sell []Band

	BuyLimitRules  []limits.Rule
	SellLimitRules []limits.Rule
}

func (b *Bands) validate() error {
	if overlap := findOverlap(b.Buy); overlap != "" {
		return fmt.Errorf("buy bands overlap: %s", overlap)
	}
	if overlap := findOverlap(b.Sell); overlap != "" {
		return fmt.Errorf("sell bands overlap: %s", overlap)
	}
	return nil
}

func findOverlap(bands []Band) string {
	for i := 0; i < len(bands); i++ {
		for j := i + 1; j < len(bands); j++ {
			if bands[i].overlaps(bands[j]) {
				return fmt.Sprintf("bands %d and %d", i, j)
			}
		}
	}
	return ""
}

// bandsFor returns the bands of the given side.
func (b *Bands) bandsFor(side types.Side) []Band {
	if side == types.Buy {
		return b.Buy
	}
	return b.Sell
}

// Excessive reports whether the order's price lies outside every band of
// its side at the given reference price.
func (b *Bands) Excessive(order types.Order, target decimal.Decimal) bool {
	for _, band := range b.bandsFor(order.Side) {
		if band.Includes(order.Price, target) {
			return false
		}
	}
	return true
}

// AssignBand returns the band containing the order's price, if any.
// Margin intervals never overlap, so there is at most one.
func (b *Bands) AssignBand(order types.Order, target decimal.Decimal) (Band, bool) {
	for _, band := range b.bandsFor(order.Side) {
		if band.Includes(order.Price, target) {
			return band, true
		}
	}
	return Band{}, false
}

// ExcessiveOrders returns orders which do not fall into any band of their
// side and therefore must be cancelled.
func (b *Bands) ExcessiveOrders(orders []types.Order, target decimal.Decimal) []types.Order {
	var out []types.Order
	for _, o := range orders {
		if b.Excessive(o, target) {
			out = append(out, o)
		}
	}
	return out
}

// OverfilledOrders returns orders to cancel in bands whose total amount
// exceeds maxAmount. Orders are cancelled greedily, farthest from the
// band's average price first, until the band total drops to avgAmount or
// below.
func (b *Bands) OverfilledOrders(orders []types.Order, target decimal.Decimal) []types.Order {
	var out []types.Order
	for _, side := range []types.Side{types.Buy, types.Sell} {
		sideOrders := filterSide(orders, side)
		for _, band := range b.bandsFor(side) {
			out = append(out, band.excessiveOrders(sideOrders, target)...)
		}
	}
	return out
}

// excessiveOrders picks the orders to cancel from one overfilled band.
func (b Band) excessiveOrders(orders []types.Order, target decimal.Decimal) []types.Order {
	inBand := make([]types.Order, 0, len(orders))
	for _, o := range orders {
		if b.Includes(o.Price, target) {
			inBand = append(inBand, o)
		}
	}

	total := types.TotalSellAmount(inBand)
	if total.LessThanOrEqual(b.MaxAmount) {
		return nil
	}

	// Farthest from the band's resting price first; ties broken by id so
	// the choice is stable across evaluations.
	avgPrice := b.AvgPrice(target)
	sort.Slice(inBand, func(i, j int) bool {
		di := inBand[i].Price.Sub(avgPrice).Abs()
		dj := inBand[j].Price.Sub(avgPrice).Abs()
		if !di.Equal(dj) {
			return di.GreaterThan(dj)
		}
		return inBand[i].ID < inBand[j].ID
	})

	var cancel []types.Order
	for _, o := range inBand {
		if total.LessThanOrEqual(b.AvgAmount) {
			break
		}
		cancel = append(cancel, o)
		total = total.Sub(o.SellAmount)
	}
	return cancel
}

// CancellableOrders returns every order the band engine wants cancelled at
// the given reference price: orders outside all bands plus excess orders in
// overfilled bands.
func (b *Bands) CancellableOrders(orders []types.Order, target decimal.Decimal) []types.Order {
	out := b.ExcessiveOrders(orders, target)
	return append(out, b.OverfilledOrders(orders, target)...)
}

// SideContext carries the per-side inputs of order synthesis.
type SideContext struct {
	Orders    []types.Order   // remaining orders of this side (cancels already removed)
	Balance   decimal.Decimal // available balance in the side's pay-out token
	Available decimal.Decimal // rate-limit headroom, limits.Unlimited if uncapped
	MinAmount decimal.Decimal // exchange-side minimum order amount
}

// NewOrders synthesizes placements for every band whose total amount is
// below minAmount, topping it up towards avgAmount. Each placement is
// clamped by the remaining balance and rate-limit headroom, and suppressed
// when below the band's dust cutoff or the exchange minimum. Balance and
// headroom are consumed across bands within one evaluation.
func (b *Bands) NewOrders(buy, sell SideContext, target decimal.Decimal) []types.PlaceIntent {
	intents := newSideOrders(b.Buy, buy, target)
	return append(intents, newSideOrders(b.Sell, sell, target)...)
}

func newSideOrders(bands []Band, ctx SideContext, target decimal.Decimal) []types.PlaceIntent {
	var intents []types.PlaceIntent
	balance := ctx.Balance
	available := ctx.Available

	for _, band := range bands {
		total := decimal.Zero
		for _, o := range ctx.Orders {
			if band.Includes(o.Price, target) {
				total = total.Add(o.SellAmount)
			}
		}
		if total.GreaterThanOrEqual(band.MinAmount) {
			continue
		}

		price := band.AvgPrice(target)
		pay := decimal.Min(band.AvgAmount.Sub(total), balance, available)

		var counter decimal.Decimal
		if band.Side == types.Buy {
			if price.IsZero() {
				continue
			}
			counter = pay.Div(price)
		} else {
			counter = pay.Mul(price)
		}

		if !pay.IsPositive() || !counter.IsPositive() {
			continue
		}
		if pay.LessThan(band.DustCutoff) || pay.LessThan(ctx.MinAmount) {
			continue
		}

		balance = balance.Sub(pay)
		available = available.Sub(pay)
		intents = append(intents, types.PlaceIntent{
			Side:      band.Side,
			Price:     price,
			PayAmount: pay,
			BuyAmount: counter,
		})
	}
	return intents
}

func filterSide(orders []types.Order, side types.Side) []types.Order {
	out := make([]types.Order, 0, len(orders))
	for _, o := range orders {
		if o.Side == side {
			out = append(out, o)
		}
	}
	return out
}
