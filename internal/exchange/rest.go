package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"bandkeeper/pkg/types"
)

// RESTConfig carries the venue connection settings.
type RESTConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
	DryRun    bool
}

// REST is an adapter for venues speaking the common keeper REST dialect.
// It wraps a resty client with rate limiting, retry on 5xx, and HMAC
// request signing. In dry-run mode mutating calls log and return fake
// success without touching the venue.
type REST struct {
	http   *resty.Client
	pair   types.Pair
	secret []byte
	rl     *RateLimiter
	dryRun bool
	dryID  atomic.Int64
	logger *slog.Logger
}

// NewREST creates a REST adapter for the given pair.
func NewREST(cfg RESTConfig, pair types.Pair, logger *slog.Logger) *REST {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-KEY", cfg.APIKey)

	return &REST{
		http:   httpClient,
		pair:   pair,
		secret: []byte(cfg.APISecret),
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange", "pair", pair.String()),
	}
}

func (r *REST) Pair() types.Pair { return r.pair }

// sign produces the request signature headers: HMAC-SHA256 over
// timestamp, method, path and body, hex-encoded.
func (r *REST) sign(method, path, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(ts + method + path + body))
	return map[string]string{
		"X-TIMESTAMP": ts,
		"X-SIGNATURE": hex.EncodeToString(mac.Sum(nil)),
	}
}

// wireOrder is the venue's order representation.
type wireOrder struct {
	ID          string          `json:"id"`
	Side        string          `json:"side"`
	Price       decimal.Decimal `json:"price"`
	BaseAmount  decimal.Decimal `json:"base_amount"`
	QuoteAmount decimal.Decimal `json:"quote_amount"`
	CreatedAt   int64           `json:"created_at"`
}

func (w wireOrder) toOrder() (types.Order, error) {
	o := types.Order{
		ID:        w.ID,
		Price:     w.Price,
		CreatedAt: time.Unix(w.CreatedAt, 0),
	}
	switch w.Side {
	case "buy":
		o.Side = types.Buy
		o.SellAmount = w.QuoteAmount
		o.BuyAmount = w.BaseAmount
	case "sell":
		o.Side = types.Sell
		o.SellAmount = w.BaseAmount
		o.BuyAmount = w.QuoteAmount
	default:
		return types.Order{}, fmt.Errorf("unknown order side %q", w.Side)
	}
	return o, nil
}

// Orders fetches the keeper's open orders on the pair.
func (r *REST) Orders(ctx context.Context) ([]types.Order, error) {
	if err := r.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Orders []wireOrder `json:"orders"`
	}
	resp, err := r.http.R().
		SetContext(ctx).
		SetHeaders(r.sign("GET", "/v1/orders", "")).
		SetQueryParam("pair", r.pair.Symbol()).
		SetResult(&result).
		ForceContentType("application/json").
		Get("/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}
	if err := classifyStatus(resp, "get orders"); err != nil {
		return nil, err
	}

	orders := make([]types.Order, 0, len(result.Orders))
	for _, w := range result.Orders {
		o, err := w.toOrder()
		if err != nil {
			return nil, Permanent(fmt.Errorf("get orders: %w", err))
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// PlaceOrder submits a limit order. The amount is in pay-out denomination:
// quote for buys, base for sells.
func (r *REST) PlaceOrder(ctx context.Context, side types.Side, price, payAmount decimal.Decimal) (string, error) {
	if r.dryRun {
		id := fmt.Sprintf("dry-run-%d", r.dryID.Add(1))
		r.logger.Info("DRY-RUN: would place order",
			"side", side, "price", price, "amount", payAmount, "order_id", id)
		return id, nil
	}
	if err := r.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	payload := struct {
		Pair   string          `json:"pair"`
		Side   string          `json:"side"`
		Price  decimal.Decimal `json:"price"`
		Amount decimal.Decimal `json:"amount"`
	}{Pair: r.pair.Symbol(), Side: string(side), Price: price, Amount: payAmount}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}

	var result struct {
		OrderID string `json:"order_id"`
	}
	resp, err := r.http.R().
		SetContext(ctx).
		SetHeaders(r.sign("POST", "/v1/orders", string(body))).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		ForceContentType("application/json").
		Post("/v1/orders")
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	if err := classifyStatus(resp, "place order"); err != nil {
		return "", err
	}
	if result.OrderID == "" {
		return "", Permanent(fmt.Errorf("place order: venue returned no order id"))
	}

	r.logger.Info("order placed",
		"order_id", result.OrderID, "side", side, "price", price, "amount", payAmount)
	return result.OrderID, nil
}

// CancelOrder cancels one order. A 404 means the order is already gone,
// which is the outcome the keeper wanted.
func (r *REST) CancelOrder(ctx context.Context, id string) error {
	if r.dryRun {
		r.logger.Info("DRY-RUN: would cancel order", "order_id", id)
		return nil
	}
	if err := r.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	path := "/v1/orders/" + id
	resp, err := r.http.R().
		SetContext(ctx).
		SetHeaders(r.sign("DELETE", path, "")).
		Delete(path)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		r.logger.Debug("cancel target already gone", "order_id", id)
		return nil
	}
	if err := classifyStatus(resp, "cancel order"); err != nil {
		return err
	}

	r.logger.Info("order cancelled", "order_id", id)
	return nil
}

// CancelAll cancels every open order on the pair.
func (r *REST) CancelAll(ctx context.Context) error {
	if r.dryRun {
		r.logger.Info("DRY-RUN: would cancel all orders")
		return nil
	}
	if err := r.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	resp, err := r.http.R().
		SetContext(ctx).
		SetHeaders(r.sign("DELETE", "/v1/orders", "")).
		SetQueryParam("pair", r.pair.Symbol()).
		Delete("/v1/orders")
	if err != nil {
		return fmt.Errorf("cancel all: %w", err)
	}
	if err := classifyStatus(resp, "cancel all"); err != nil {
		return err
	}

	r.logger.Warn("all orders cancelled")
	return nil
}

// Balances fetches the free balances of both pay-out tokens.
func (r *REST) Balances(ctx context.Context) (Balances, error) {
	if err := r.rl.Query.Wait(ctx); err != nil {
		return Balances{}, err
	}

	var result struct {
		Balances map[string]struct {
			Free decimal.Decimal `json:"free"`
		} `json:"balances"`
	}
	resp, err := r.http.R().
		SetContext(ctx).
		SetHeaders(r.sign("GET", "/v1/balances", "")).
		SetResult(&result).
		ForceContentType("application/json").
		Get("/v1/balances")
	if err != nil {
		return Balances{}, fmt.Errorf("get balances: %w", err)
	}
	if err := classifyStatus(resp, "get balances"); err != nil {
		return Balances{}, err
	}

	// Buys pay out quote, sells pay out base.
	return Balances{
		Buy:  result.Balances[r.pair.Quote].Free,
		Sell: result.Balances[r.pair.Base].Free,
	}, nil
}

// MinAmounts fetches the venue's minimum order amounts for the pair.
func (r *REST) MinAmounts(ctx context.Context) (MinAmounts, error) {
	if err := r.rl.Query.Wait(ctx); err != nil {
		return MinAmounts{}, err
	}

	path := "/v1/markets/" + r.pair.Symbol()
	var result struct {
		MinBaseAmount  decimal.Decimal `json:"min_base_amount"`
		MinQuoteAmount decimal.Decimal `json:"min_quote_amount"`
	}
	resp, err := r.http.R().
		SetContext(ctx).
		SetHeaders(r.sign("GET", path, "")).
		SetResult(&result).
		ForceContentType("application/json").
		Get(path)
	if err != nil {
		return MinAmounts{}, fmt.Errorf("get market: %w", err)
	}
	if err := classifyStatus(resp, "get market"); err != nil {
		return MinAmounts{}, err
	}

	return MinAmounts{
		Buy:  result.MinQuoteAmount,
		Sell: result.MinBaseAmount,
	}, nil
}

// classifyStatus maps a non-2xx response to an error: 4xx failures are
// permanent (retrying the same request cannot help), except 429 which
// clears once the venue's rate window passes; 429 and 5xx are transient.
func classifyStatus(resp *resty.Response, op string) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%s: status %d: %s", op, code, resp.String())
	case code >= 400 && code < 500:
		return Permanent(fmt.Errorf("%s: status %d: %s", op, code, resp.String()))
	default:
		return fmt.Errorf("%s: status %d: %s", op, code, resp.String())
	}
}
