// Package exchange defines the adapter surface the keeper drives and a
// generic REST implementation of it. Adapters translate the keeper's
// intents into venue-specific API calls; the keeper never sees venue wire
// formats.
package exchange

import (
	"context"
	"errors"
	"net"

	"github.com/shopspring/decimal"

	"bandkeeper/pkg/types"
)

// Balances reports the free balance of each pay-out token: quote for the
// buy side, base for the sell side. Funds locked in resting orders are not
// included.
type Balances struct {
	Buy  decimal.Decimal
	Sell decimal.Decimal
}

// MinAmounts reports the venue's minimum order amount per side, in pay-out
// denomination. Zero means no venue minimum.
type MinAmounts struct {
	Buy  decimal.Decimal
	Sell decimal.Decimal
}

// Adapter is a trading venue as the keeper sees it. All methods honor the
// passed context's deadline.
type Adapter interface {
	// Pair returns the market this adapter trades.
	Pair() types.Pair

	// Orders fetches the keeper's open orders on the pair.
	Orders(ctx context.Context) ([]types.Order, error)

	// PlaceOrder submits a limit order and returns the venue order id.
	PlaceOrder(ctx context.Context, side types.Side, price, payAmount decimal.Decimal) (string, error)

	// CancelOrder cancels one order by id. Cancelling an order that is
	// already gone is not an error.
	CancelOrder(ctx context.Context, id string) error

	// Balances fetches the free balances of both pay-out tokens.
	Balances(ctx context.Context) (Balances, error)

	// MinAmounts returns the venue's minimum order amounts.
	MinAmounts(ctx context.Context) (MinAmounts, error)
}

// AllCanceller is implemented by venues with a bulk cancel endpoint; the
// keeper uses it to drain faster on shutdown.
type AllCanceller interface {
	CancelAll(ctx context.Context) error
}

// PermanentError marks a failure that retrying cannot fix: a rejected
// request, bad credentials, an unknown order id. The keeper counts
// permanent failures towards its give-up threshold; transient failures
// only cost the current cycle.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a permanent failure. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked permanent. Network errors,
// timeouts and context cancellations are never permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	var pe *PermanentError
	return errors.As(err, &pe)
}
