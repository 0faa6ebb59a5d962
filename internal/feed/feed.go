// Package feed provides reference price sources for the band engine. A
// feed is asked for its latest reading every keeper cycle; a feed that
// cannot answer reports unavailable and the keeper idles instead of
// quoting on stale data.
//
// Concrete sources (websocket, shell command, on-chain oracle, file,
// fixed value) are composed through wrappers: Expiring bounds a reading's
// age, Inverse flips the quoting direction, Failover tries sources in
// order. The Factory builds the whole chain from a config string.
package feed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Reading is one observed reference price.
type Reading struct {
	Price decimal.Decimal
	Time  time.Time
}

// Feed is a reference price source. Price never blocks; Run maintains any
// background work (connections, polling) until the context is cancelled.
type Feed interface {
	// Price returns the latest reading. ok is false when the feed has no
	// usable reading, in which case the keeper must not place or cancel.
	Price() (Reading, bool)

	// Run blocks until ctx is cancelled.
	Run(ctx context.Context) error
}

// Fixed always reports the same price. Used for testing and for markets
// quoted against a hard peg.
type Fixed struct {
	price decimal.Decimal
	now   func() time.Time
}

// NewFixed returns a feed pinned to the given price.
func NewFixed(price decimal.Decimal) *Fixed {
	return &Fixed{price: price, now: time.Now}
}

func (f *Fixed) Price() (Reading, bool) {
	return Reading{Price: f.price, Time: f.now()}, true
}

func (f *Fixed) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
