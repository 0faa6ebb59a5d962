package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Expiring bounds the age of its inner feed's readings. A reading older
// than maxAge is reported as unavailable, which makes the keeper idle.
type Expiring struct {
	inner  Feed
	maxAge time.Duration
	now    func() time.Time

	mu    sync.Mutex
	stale bool // last observed state, for transition logging

	logger *slog.Logger
}

// NewExpiring wraps a feed with a maximum reading age.
func NewExpiring(inner Feed, maxAge time.Duration, logger *slog.Logger) *Expiring {
	return &Expiring{
		inner:  inner,
		maxAge: maxAge,
		now:    time.Now,
		logger: logger.With("component", "expiring_feed"),
	}
}

func (f *Expiring) Price() (Reading, bool) {
	reading, ok := f.inner.Price()
	fresh := ok && f.now().Sub(reading.Time) <= f.maxAge

	f.mu.Lock()
	wasStale := f.stale
	f.stale = !fresh
	f.mu.Unlock()

	if fresh {
		if wasStale {
			f.logger.Info("price feed recovered", "price", reading.Price)
		}
		return reading, true
	}
	if !wasStale {
		if ok {
			f.logger.Warn("price feed expired", "age", f.now().Sub(reading.Time), "max_age", f.maxAge)
		} else {
			f.logger.Warn("price feed unavailable")
		}
	}
	return Reading{}, false
}

func (f *Expiring) Run(ctx context.Context) error {
	return f.inner.Run(ctx)
}

// Inverse flips the quoting direction of its inner feed: a reading of p
// becomes 1/p. Used when the configured pair is the reverse of the pair
// the source quotes.
type Inverse struct {
	inner Feed
}

// NewInverse wraps a feed with price inversion.
func NewInverse(inner Feed) *Inverse {
	return &Inverse{inner: inner}
}

func (f *Inverse) Price() (Reading, bool) {
	reading, ok := f.inner.Price()
	if !ok || reading.Price.IsZero() {
		return Reading{}, false
	}
	reading.Price = decimal.NewFromInt(1).Div(reading.Price)
	return reading, true
}

func (f *Inverse) Run(ctx context.Context) error {
	return f.inner.Run(ctx)
}

// Failover serves the first available reading among its sources, in
// configuration order.
type Failover struct {
	feeds []Feed

	mu     sync.Mutex
	active int // index of the last feed that answered, for transition logging

	logger *slog.Logger
}

// NewFailover wraps an ordered list of feeds.
func NewFailover(feeds []Feed, logger *slog.Logger) *Failover {
	return &Failover{
		feeds:  feeds,
		active: -1,
		logger: logger.With("component", "failover_feed"),
	}
}

func (f *Failover) Price() (Reading, bool) {
	for i, inner := range f.feeds {
		reading, ok := inner.Price()
		if !ok {
			continue
		}

		f.mu.Lock()
		prev := f.active
		f.active = i
		f.mu.Unlock()
		if prev != i {
			f.logger.Info("switched price source", "index", i)
		}
		return reading, true
	}

	f.mu.Lock()
	prev := f.active
	f.active = -1
	f.mu.Unlock()
	if prev != -1 {
		f.logger.Warn("all price sources unavailable")
	}
	return Reading{}, false
}

// Run runs every source until ctx is cancelled.
func (f *Failover) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, inner := range f.feeds {
		wg.Add(1)
		go func(feed Feed) {
			defer wg.Done()
			feed.Run(ctx)
		}(inner)
	}
	wg.Wait()
	return ctx.Err()
}
