// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the keeper — order sides,
// resting orders, cancel/place intents, and the trading pair description.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a resting order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side of the market.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is a resting order owned by the keeper, as reported by the exchange
// adapter. Price is always the price of the base token denominated in the
// quote token, regardless of side — the adapter converts from the venue's
// native representation.
//
// SellAmount is the remaining amount the keeper pays out when the order
// fills: quote tokens for a buy order, base tokens for a sell order.
// BuyAmount is the remaining amount the keeper receives in exchange.
// Band amounts are denominated the same way, so SellAmount is the quantity
// the band engine sums per band.
type Order struct {
	ID         string
	Side       Side
	Price      decimal.Decimal
	SellAmount decimal.Decimal
	BuyAmount  decimal.Decimal
	CreatedAt  time.Time
}

func (o Order) String() string {
	return fmt.Sprintf("%s#%s %s@%s", o.Side, o.ID, o.SellAmount, o.Price)
}

// BuyOrders filters orders down to the buy side.
func BuyOrders(orders []Order) []Order {
	return filterSide(orders, Buy)
}

// SellOrders filters orders down to the sell side.
func SellOrders(orders []Order) []Order {
	return filterSide(orders, Sell)
}

func filterSide(orders []Order, side Side) []Order {
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		if o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

// TotalSellAmount sums the remaining pay-out amount of the given orders.
// This is the quantity the band engine compares against band amounts.
func TotalSellAmount(orders []Order) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.SellAmount)
	}
	return total
}

// ————————————————————————————————————————————————————————————————————————
// Intents
// ————————————————————————————————————————————————————————————————————————

// CancelIntent asks the control loop to cancel one resting order.
type CancelIntent struct {
	Order Order
}

// PlaceIntent asks the control loop to place one new order.
// PayAmount is denominated like the band that produced the intent (quote
// for buys, base for sells); BuyAmount is the counter-amount at Price.
type PlaceIntent struct {
	Side      Side
	Price     decimal.Decimal
	PayAmount decimal.Decimal
	BuyAmount decimal.Decimal
}

func (p PlaceIntent) String() string {
	return fmt.Sprintf("place %s %s@%s", p.Side, p.PayAmount, p.Price)
}

// ————————————————————————————————————————————————————————————————————————
// Trading pair
// ————————————————————————————————————————————————————————————————————————

// Pair describes the traded pair in the exchange's convention: Base is the
// token being priced, Quote is the token prices are denominated in. A buy
// band's amounts are in Quote, a sell band's in Base.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Symbol is the URL-safe wire form of the pair, e.g. "ETH-DAI".
func (p Pair) Symbol() string {
	return p.Base + "-" + p.Quote
}
