// Package history periodically reports the keeper's resting order book to
// an external collector, giving operators an off-box record of what was
// quoted when.
package history

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"bandkeeper/pkg/types"
)

// Source yields the keeper's current effective order book.
type Source func() []types.Order

type reportedOrder struct {
	ID         string          `json:"id"`
	Side       string          `json:"side"`
	Price      decimal.Decimal `json:"price"`
	SellAmount decimal.Decimal `json:"sell_amount"`
	BuyAmount  decimal.Decimal `json:"buy_amount"`
}

type report struct {
	Pair      string          `json:"pair"`
	Timestamp int64           `json:"timestamp"`
	Orders    []reportedOrder `json:"orders"`
}

// Reporter POSTs order book snapshots at a fixed interval. Delivery is
// best-effort: a failed POST is logged and the snapshot dropped.
type Reporter struct {
	http     *resty.Client
	pair     types.Pair
	source   Source
	interval time.Duration
	logger   *slog.Logger
}

// NewReporter creates a reporter POSTing to the given URL.
func NewReporter(url string, interval time.Duration, pair types.Pair, source Source, logger *slog.Logger) *Reporter {
	httpClient := resty.New().
		SetBaseURL(url).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetHeader("Content-Type", "application/json")

	return &Reporter{
		http:     httpClient,
		pair:     pair,
		source:   source,
		interval: interval,
		logger:   logger.With("component", "history"),
	}
}

// Run reports until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	orders := r.source()
	payload := report{
		Pair:      r.pair.Symbol(),
		Timestamp: time.Now().Unix(),
		Orders:    make([]reportedOrder, 0, len(orders)),
	}
	for _, o := range orders {
		payload.Orders = append(payload.Orders, reportedOrder{
			ID:         o.ID,
			Side:       string(o.Side),
			Price:      o.Price,
			SellAmount: o.SellAmount,
			BuyAmount:  o.BuyAmount,
		})
	}

	resp, err := r.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post("")
	if err != nil {
		r.logger.Warn("order book report failed", "error", err)
		return
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		r.logger.Warn("order book report rejected", "status", resp.StatusCode())
	}
}
