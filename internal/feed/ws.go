package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	wsReadTimeout      = 90 * time.Second // silent server triggers reconnect
	wsMaxReconnectWait = 30 * time.Second // cap on exponential backoff
)

// wsMessage is the wire shape of one price update.
type wsMessage struct {
	Price decimal.Decimal `json:"price"`
}

// WS streams readings from a websocket price endpoint. It reconnects with
// exponential backoff (1s doubling to 30s) and keeps serving its last
// reading while disconnected; staleness is the Expiring wrapper's job.
type WS struct {
	url string
	now func() time.Time

	mu      sync.Mutex
	conn    *websocket.Conn
	reading Reading
	ok      bool

	logger *slog.Logger
}

// NewWS returns a websocket feed for the given ws:// or wss:// URL.
func NewWS(url string, logger *slog.Logger) *WS {
	return &WS{
		url:    url,
		now:    time.Now,
		logger: logger.With("component", "ws_feed", "url", url),
	}
}

func (f *WS) Price() (Reading, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reading, f.ok
}

// Run connects and maintains the websocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WS) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("price websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func (f *WS) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		conn.Close()
		f.conn = nil
		f.mu.Unlock()
	}()

	f.logger.Info("price websocket connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var m wsMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			f.logger.Debug("ignoring non-json ws message", "data", string(msg))
			continue
		}
		if !m.Price.IsPositive() {
			f.logger.Warn("ignoring non-positive ws price", "price", m.Price)
			continue
		}

		f.mu.Lock()
		f.reading = Reading{Price: m.Price, Time: f.now()}
		f.ok = true
		f.mu.Unlock()
	}
}

// Close closes the current connection, forcing the read loop to return.
func (f *WS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
